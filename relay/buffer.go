package relay

import (
	"time"

	"github.com/layer-3/walletgate/core"
)

type buffered struct {
	env core.Envelope
	at  time.Time
}

// buffer keeps the most recent sequenced events of one connection, bounded by
// both count and age. Seqs in the buffer are contiguous.
type buffer struct {
	ring      []buffered
	start     int
	n         int
	retention time.Duration
}

func newBuffer(size int, retention time.Duration) *buffer {
	return &buffer{
		ring:      make([]buffered, size),
		retention: retention,
	}
}

func (b *buffer) at(i int) *buffered {
	return &b.ring[(b.start+i)%len(b.ring)]
}

func (b *buffer) push(env core.Envelope, now time.Time) {
	if b.n == len(b.ring) {
		b.drop()
	}
	*b.at(b.n) = buffered{env: env, at: now}
	b.n++
}

func (b *buffer) drop() {
	*b.at(0) = buffered{}
	b.start = (b.start + 1) % len(b.ring)
	b.n--
}

// prune evicts events older than the retention window
func (b *buffer) prune(now time.Time) {
	for b.n > 0 && !now.Before(b.at(0).at.Add(b.retention)) {
		b.drop()
	}
}

// oldest returns the lowest retained seq, or 0 when empty
func (b *buffer) oldest() uint64 {
	if b.n == 0 {
		return 0
	}
	return b.at(0).env.Seq
}

// covers reports whether every event after seq up to head is still retained
func (b *buffer) covers(seq, head uint64) bool {
	if seq >= head {
		return true
	}
	return b.n > 0 && b.oldest() <= seq+1
}

// since returns the retained events with a seq greater than seq
func (b *buffer) since(seq uint64) []core.Envelope {
	var out []core.Envelope
	for i := 0; i < b.n; i++ {
		if e := b.at(i); e.env.Seq > seq {
			out = append(out, e.env)
		}
	}
	return out
}

func (b *buffer) len() int {
	return b.n
}
