package relay

import (
	"encoding/json"
	"fmt"

	"github.com/layer-3/walletgate/core"
	"github.com/vmihailenco/msgpack/v5"
)

// SubprotocolMsgpack selects the binary codec during the websocket handshake
const SubprotocolMsgpack = "walletgate.msgpack"

// Codec converts envelopes to and from frames
type Codec interface {
	Encode(env core.Envelope) ([]byte, error)
	Decode(data []byte) (core.Envelope, error)
	Binary() bool
}

// CodecFor picks the codec negotiated for a subprotocol. Anything else gets JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

type jsonEnvelope struct {
	Type    core.MessageType `json:"type"`
	Seq     uint64           `json:"seq,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

// JSONCodec is the default text codec
type JSONCodec struct{}

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env core.Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("envelope without payload")
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", env.Type, err)
	}
	return json.Marshal(jsonEnvelope{Type: env.Payload.Type(), Seq: env.Seq, Payload: payload})
}

func (JSONCodec) Decode(data []byte) (core.Envelope, error) {
	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return core.Envelope{}, fmt.Errorf("malformed frame: %w", core.ErrInvalidPayload)
	}

	msg, err := core.NewMessage(wire.Type)
	if err != nil {
		return core.Envelope{}, err
	}
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, msg); err != nil {
			return core.Envelope{}, fmt.Errorf("malformed %s payload: %w", wire.Type, core.ErrInvalidPayload)
		}
	}

	return core.Envelope{Type: wire.Type, Seq: wire.Seq, Payload: msg}, nil
}

type msgpackEnvelope struct {
	Type    core.MessageType   `msgpack:"type"`
	Seq     uint64             `msgpack:"seq,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// MsgpackCodec is the binary codec
type MsgpackCodec struct{}

func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(env core.Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("envelope without payload")
	}
	payload, err := msgpack.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", env.Type, err)
	}
	return msgpack.Marshal(msgpackEnvelope{Type: env.Payload.Type(), Seq: env.Seq, Payload: payload})
}

func (MsgpackCodec) Decode(data []byte) (core.Envelope, error) {
	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return core.Envelope{}, fmt.Errorf("malformed frame: %w", core.ErrInvalidPayload)
	}

	msg, err := core.NewMessage(wire.Type)
	if err != nil {
		return core.Envelope{}, err
	}
	if len(wire.Payload) > 0 {
		if err := msgpack.Unmarshal(wire.Payload, msg); err != nil {
			return core.Envelope{}, fmt.Errorf("malformed %s payload: %w", wire.Type, core.ErrInvalidPayload)
		}
	}

	return core.Envelope{Type: wire.Type, Seq: wire.Seq, Payload: msg}, nil
}
