package relay

import (
	"encoding/json"
	"testing"

	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestCodecs(t *testing.T) {
	envelopes := []core.Envelope{
		{Type: core.TypeWalletUpdate, Seq: 1, Payload: &core.WalletUpdate{
			Account:     "0x71c7656ec7ab88b098defb751b7401b5f6d8976f",
			ChainID:     "1",
			BalanceWei:  "1500000000000000000",
			Balance:     "1.5",
			BlockNumber: 19000000,
		}},
		{Type: core.TypeTransaction, Seq: 2, Payload: &core.Transaction{
			Hash:        "0xabc",
			From:        "0x71c7656ec7ab88b098defb751b7401b5f6d8976f",
			ValueWei:    "1",
			Value:       "0.000000000000000001",
			Nonce:       7,
			BlockNumber: 19000001,
		}},
		{Type: core.TypeAck, Payload: &core.Ack{Seq: 2}},
		core.ErrorEnvelope(core.ErrRevoked),
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		for _, env := range envelopes {
			data, err := codec.Encode(env)
			require.NoError(t, err)

			got, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, env.Type, got.Type)
			assert.Equal(t, env.Seq, got.Seq)
			assert.Equal(t, env.Payload.Type(), got.Payload.Type())
		}
	}
}

func TestJSONWireFormat(t *testing.T) {
	data, err := JSONCodec{}.Encode(core.Envelope{Seq: 3, Payload: &core.Ack{Seq: 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ACK","seq":3,"payload":{"seq":3}}`, string(data))

	// ERROR frames carry no seq
	data, err = JSONCodec{}.Encode(core.ErrorEnvelope(core.ErrResyncRequired))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "seq")
	assert.Equal(t, "ERROR", raw["type"])
	assert.Equal(t, core.CodeResyncRequired, raw["payload"].(map[string]any)["code"])

	env, err := JSONCodec{}.Decode([]byte(`{"type":"ACK","payload":{"seq":9}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), env.Payload.(*core.Ack).Seq)
}

func TestCodecRejectsUnknownTypes(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"type":"SUBSCRIBE","payload":{}}`))
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = JSONCodec{}.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = JSONCodec{}.Decode([]byte(`{"type":"ACK","payload":{"seq":"x"}}`))
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	data, err := msgpack.Marshal(map[string]any{"type": "PING", "payload": map[string]any{}})
	require.NoError(t, err)
	_, err = MsgpackCodec{}.Decode(data)
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
}

func TestCodecFor(t *testing.T) {
	assert.IsType(t, MsgpackCodec{}, CodecFor(SubprotocolMsgpack))
	assert.IsType(t, JSONCodec{}, CodecFor(""))
	assert.True(t, MsgpackCodec{}.Binary())
	assert.False(t, JSONCodec{}.Binary())
}
