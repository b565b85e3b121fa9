package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/shard"
)

type challengeEntry struct {
	challenge core.Challenge // immutable after insert
	consumed  atomic.Bool
}

func (e *challengeEntry) live(now time.Time) bool {
	return !e.consumed.Load() && now.Before(e.challenge.ExpiresAt)
}

// MemoryChallengeStore is an in-memory implementation of the ChallengeStore interface.
// Nonces and per-account pending lists live in separately sharded maps; consumption
// is a compare-and-swap on the entry, so no lock is held across a verification.
type MemoryChallengeStore struct {
	cfg     ChallengeConfig
	nonces  *shard.Map[*challengeEntry]
	pending *shard.Map[[]*challengeEntry]
}

// NewMemoryChallengeStore creates a new in-memory challenge store
func NewMemoryChallengeStore(cfg ChallengeConfig) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		cfg:     cfg.withDefaults(),
		nonces:  shard.New[*challengeEntry](0),
		pending: shard.New[[]*challengeEntry](0),
	}
}

// Issue creates a new challenge unless the account has too many outstanding ones
func (s *MemoryChallengeStore) Issue(ctx context.Context, account core.Account) (*core.Challenge, error) {
	ch, err := s.cfg.newChallenge(account)
	if err != nil {
		return nil, err
	}
	entry := &challengeEntry{challenge: *ch}

	now := ch.IssuedAt
	var rejected bool
	s.pending.Update(string(account), func(list []*challengeEntry, _ bool) ([]*challengeEntry, bool) {
		live := make([]*challengeEntry, 0, len(list)+1)
		for _, e := range list {
			if e.live(now) {
				live = append(live, e)
			}
		}
		if len(live) >= s.cfg.MaxPending {
			rejected = true
			return live, true
		}
		return append(live, entry), true
	})
	if rejected {
		return nil, core.ErrTooManyPending
	}

	s.nonces.Set(ch.Nonce, entry)

	return ch, nil
}

// Consume atomically marks the nonce as used
func (s *MemoryChallengeStore) Consume(ctx context.Context, nonce string, account core.Account) (*core.Challenge, error) {
	entry, ok := s.nonces.Get(nonce)
	if !ok {
		return nil, core.ErrNotFound
	}

	if entry.challenge.Account != account {
		return nil, core.ErrAccountMismatch
	}

	if entry.consumed.Load() {
		return nil, core.ErrAlreadyConsumed
	}

	if !s.cfg.Clock().Before(entry.challenge.ExpiresAt) {
		s.nonces.DeleteIf(nonce, func(e *challengeEntry) bool { return e == entry })
		return nil, core.ErrExpired
	}

	if !entry.consumed.CompareAndSwap(false, true) {
		return nil, core.ErrAlreadyConsumed
	}

	// The consumed entry stays as a tombstone until it expires so replays
	// report ErrAlreadyConsumed rather than ErrNotFound.
	s.pending.Update(string(account), func(list []*challengeEntry, ok bool) ([]*challengeEntry, bool) {
		out := list[:0:0]
		for _, e := range list {
			if e != entry {
				out = append(out, e)
			}
		}
		return out, len(out) > 0
	})

	ch := entry.challenge
	ch.Consumed = true
	return &ch, nil
}

// Sweep evicts expired challenges and empty pending lists
func (s *MemoryChallengeStore) Sweep() int {
	now := s.cfg.Clock()
	n := s.nonces.Sweep(func(_ string, e *challengeEntry) bool {
		return !now.Before(e.challenge.ExpiresAt)
	})
	s.pending.Sweep(func(_ string, list []*challengeEntry) bool {
		for _, e := range list {
			if e.live(now) {
				return false
			}
		}
		return true
	})
	return n
}

// Run sweeps periodically until ctx is done
func (s *MemoryChallengeStore) Run(ctx context.Context, interval time.Duration) {
	runSweeper(ctx, interval, s.Sweep)
}

func runSweeper(ctx context.Context, interval time.Duration, sweep func() int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
