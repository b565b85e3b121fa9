package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/coalaura/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
	"github.com/shopspring/decimal"
)

const (
	DefaultPollInterval = 12 * time.Second

	// maxBlocksPerPoll bounds catch-up work after a provider outage
	maxBlocksPerPoll = 64

	weiDecimals = 18
)

// Reader is the read-only slice of the node API the feed uses.
// *ethclient.Client satisfies it.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// Dial connects to a JSON-RPC endpoint
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, url)
}

// Feed polls a node and turns balance changes and matching transactions into relay messages
type Feed struct {
	reader   Reader
	interval time.Duration
	log      *logger.Logger
}

// NewFeed creates a new polling account feed
func NewFeed(reader Reader, interval time.Duration, log *logger.Logger) ports.AccountFeed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Feed{
		reader:   reader,
		interval: interval,
		log:      log,
	}
}

type watch struct {
	feed    *Feed
	account core.Account
	addr    common.Address
	emit    func(core.Message)

	chainID     *big.Int
	signer      types.Signer
	balance     *big.Int
	lastBlock   uint64
	initialized bool
}

// Watch polls until ctx is done. Provider errors are logged and retried on the next tick.
func (f *Feed) Watch(ctx context.Context, account core.Account, emit func(core.Message)) error {
	w := &watch{
		feed:    f,
		account: account,
		addr:    account.Address(),
		emit:    emit,
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		w.poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *watch) warn(what string, err error) {
	w.feed.log.Warning("chain: " + what + " for " + w.account.String())
	w.feed.log.WarningE(err)
}

func (w *watch) poll(ctx context.Context) {
	if w.chainID == nil {
		id, err := w.feed.reader.ChainID(ctx)
		if err != nil {
			w.warn("failed to read chain id", err)
			return
		}
		w.chainID = id
		w.signer = types.LatestSignerForChainID(id)
	}

	head, err := w.feed.reader.BlockNumber(ctx)
	if err != nil {
		w.warn("failed to read head", err)
		return
	}

	if !w.initialized {
		w.lastBlock = head
		w.initialized = true
	} else {
		w.scan(ctx, head)
	}

	balance, err := w.feed.reader.BalanceAt(ctx, w.addr, new(big.Int).SetUint64(head))
	if err != nil {
		w.warn("failed to read balance", err)
		return
	}

	if w.balance == nil || w.balance.Cmp(balance) != 0 {
		w.balance = balance
		w.emit(&core.WalletUpdate{
			Account:     w.account,
			ChainID:     w.chainID.String(),
			BalanceWei:  balance.String(),
			Balance:     FormatEther(balance),
			BlockNumber: head,
		})
	}
}

// scan emits transactions from the blocks after lastBlock up to head
func (w *watch) scan(ctx context.Context, head uint64) {
	if head <= w.lastBlock {
		return
	}
	if head-w.lastBlock > maxBlocksPerPoll {
		w.feed.log.Printf("chain: skipping %d blocks for %s\n", head-w.lastBlock-maxBlocksPerPoll, w.account)
		w.lastBlock = head - maxBlocksPerPoll
	}

	for n := w.lastBlock + 1; n <= head; n++ {
		block, err := w.feed.reader.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			w.warn("failed to read block", err)
			return
		}

		for _, tx := range block.Transactions() {
			if msg, ok := w.match(tx, n); ok {
				w.emit(msg)
			}
		}

		w.lastBlock = n
	}
}

func (w *watch) match(tx *types.Transaction, block uint64) (*core.Transaction, bool) {
	from, err := types.Sender(w.signer, tx)
	if err != nil {
		return nil, false
	}

	to := tx.To()
	if from != w.addr && (to == nil || *to != w.addr) {
		return nil, false
	}

	msg := &core.Transaction{
		Hash:        tx.Hash().Hex(),
		From:        lowerHex(from),
		ValueWei:    tx.Value().String(),
		Value:       FormatEther(tx.Value()),
		Nonce:       tx.Nonce(),
		BlockNumber: block,
	}
	if to != nil {
		msg.To = lowerHex(*to)
	}

	return msg, true
}

// FormatEther renders a wei amount as a decimal ether string
func FormatEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
