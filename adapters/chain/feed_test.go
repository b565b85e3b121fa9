package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/coalaura/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider unavailable")

type fakeReader struct {
	mu      sync.Mutex
	head    uint64
	balance *big.Int
	blocks  map[uint64]*types.Block
	fail    bool
}

func (r *fakeReader) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (r *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errProvider
	}
	return r.head, nil
}

func (r *fakeReader) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balance), nil
}

func (r *fakeReader) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blocks[number.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: number}), nil
}

func (r *fakeReader) set(fn func(r *fakeReader)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	}), types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)
	return tx
}

func block(n uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{Number: new(big.Int).SetUint64(n)}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0", FormatEther(big.NewInt(0)))
	assert.Equal(t, "1", FormatEther(ether(1)))
	assert.Equal(t, "1.5", FormatEther(big.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
}

func TestFeedPoll(t *testing.T) {
	accountKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	account, err := core.ParseAccount(crypto.PubkeyToAddress(accountKey.PublicKey).Hex())
	require.NoError(t, err)
	stranger := crypto.PubkeyToAddress(strangerKey.PublicKey)
	elsewhere := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	reader := &fakeReader{head: 100, balance: ether(2)}
	var got []core.Message
	w := &watch{
		feed:    NewFeed(reader, time.Second, logger.New()).(*Feed),
		account: account,
		addr:    account.Address(),
		emit:    func(m core.Message) { got = append(got, m) },
	}
	ctx := context.Background()

	// first poll always reports the balance
	w.poll(ctx)
	require.Len(t, got, 1)
	update := got[0].(*core.WalletUpdate)
	assert.Equal(t, account, update.Account)
	assert.Equal(t, "1", update.ChainID)
	assert.Equal(t, "2", update.Balance)
	assert.Equal(t, ether(2).String(), update.BalanceWei)
	assert.Equal(t, uint64(100), update.BlockNumber)

	// nothing changed
	w.poll(ctx)
	assert.Len(t, got, 1)

	out := signedTx(t, accountKey, 0, stranger, ether(1))
	unrelated := signedTx(t, strangerKey, 0, elsewhere, ether(3))
	in := signedTx(t, strangerKey, 1, account.Address(), big.NewInt(5e17))
	reader.set(func(r *fakeReader) {
		r.head = 102
		r.balance = big.NewInt(15e17)
		r.blocks = map[uint64]*types.Block{
			101: block(101, out, unrelated),
			102: block(102, in),
		}
	})

	got = nil
	w.poll(ctx)
	require.Len(t, got, 3)

	sent := got[0].(*core.Transaction)
	assert.Equal(t, out.Hash().Hex(), sent.Hash)
	assert.Equal(t, string(account), sent.From)
	assert.Equal(t, lowerHex(stranger), sent.To)
	assert.Equal(t, "1", sent.Value)
	assert.Equal(t, uint64(101), sent.BlockNumber)

	received := got[1].(*core.Transaction)
	assert.Equal(t, in.Hash().Hex(), received.Hash)
	assert.Equal(t, string(account), received.To)
	assert.Equal(t, "0.5", received.Value)
	assert.Equal(t, uint64(1), received.Nonce)
	assert.Equal(t, uint64(102), received.BlockNumber)

	assert.Equal(t, "1.5", got[2].(*core.WalletUpdate).Balance)

	// provider failures are swallowed and retried
	got = nil
	reader.set(func(r *fakeReader) { r.fail = true })
	w.poll(ctx)
	assert.Empty(t, got)

	reader.set(func(r *fakeReader) {
		r.fail = false
		r.head = 103
		r.blocks[103] = block(103, signedTx(t, accountKey, 1, stranger, ether(1)))
	})
	w.poll(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(103), got[0].(*core.Transaction).BlockNumber)
}

func TestFeedWatchStops(t *testing.T) {
	reader := &fakeReader{head: 1, balance: ether(1)}
	feed := NewFeed(reader, 10*time.Millisecond, logger.New())

	ctx, cancel := context.WithCancel(context.Background())
	messages := make(chan core.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- feed.Watch(ctx, "0x0000000000000000000000000000000000000001", func(m core.Message) {
			messages <- m
		})
	}()

	select {
	case m := <-messages:
		assert.Equal(t, core.TypeWalletUpdate, m.Type())
	case <-time.After(time.Second):
		t.Fatal("no initial balance update")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
