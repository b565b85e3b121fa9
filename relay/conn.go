package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/walletgate/core"
)

// State of a logical relay connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is one physical connection carrying envelopes. Send must be safe to
// call concurrently with Receive and with itself.
type Transport interface {
	Send(env core.Envelope) error
	// Receive blocks for the next client frame. Frames that cannot be decoded
	// are reported as core.ErrInvalidPayload; any other error ends the transport.
	Receive() (core.Envelope, error)
	Close() error
}

// Conn is the logical relay connection of one session. It outlives individual
// transports for the resume grace window.
type Conn struct {
	gw      *Gateway
	session core.Session

	// serializes attaches; taken before mu and held across the upgrade
	attachMu sync.Mutex

	mu            sync.Mutex
	stop          func() // cancels the account feed
	state         State
	head          uint64 // last seq assigned
	acked         uint64
	cursor        uint64 // last seq handed to the current transport
	buf           *buffer
	transport     Transport
	gen           uint64
	notify        chan struct{}
	drainingSince time.Time
	reason        error // why the connection closed
}

func newConn(gw *Gateway, session core.Session) *Conn {
	return &Conn{
		gw:      gw,
		session: session,
		state:   StateConnecting,
		buf:     newBuffer(gw.cfg.BufferSize, gw.cfg.Retention),
	}
}

func (c *Conn) SessionID() string {
	return c.session.ID
}

func (c *Conn) Account() core.Account {
	return c.session.Account
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Head is the seq of the newest event
func (c *Conn) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Acked is the highest seq the client acknowledged
func (c *Conn) Acked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// resumePoint decides where streaming restarts for an attach. Called with mu held.
func (c *Conn) resumePoint(lastSeq *uint64, fresh bool) (uint64, error) {
	if lastSeq == nil {
		return c.head, nil
	}

	seq := *lastSeq
	switch {
	case fresh && seq > 0:
		return 0, fmt.Errorf("no relay state to resume: %w", core.ErrResyncRequired)
	case seq > c.head:
		return 0, fmt.Errorf("last seq %d is ahead of head %d: %w", seq, c.head, core.ErrResyncRequired)
	}

	c.buf.prune(c.gw.now())
	if !c.buf.covers(seq, c.head) {
		return 0, fmt.Errorf("events after seq %d are no longer retained: %w", seq, core.ErrResyncRequired)
	}

	return seq, nil
}

// bind makes t the active transport. Called with mu held.
func (c *Conn) bind(t Transport, cursor uint64) (old Transport, gen uint64, notify chan struct{}) {
	old = c.transport
	if c.notify != nil {
		close(c.notify)
	}
	c.gen++
	c.transport = t
	c.cursor = cursor
	if cursor > c.acked {
		c.acked = cursor
	}
	c.notify = make(chan struct{}, 1)
	c.state = StateOpen
	c.drainingSince = time.Time{}
	return old, c.gen, c.notify
}

// push sequences msg and wakes the send loop
func (c *Conn) push(msg core.Message) (uint64, bool) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return 0, false
	}

	c.head++
	seq := c.head
	c.buf.push(core.Envelope{Type: msg.Type(), Seq: seq, Payload: msg}, c.gw.now())
	if c.notify != nil {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()

	return seq, true
}

func (c *Conn) ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.head {
		seq = c.head
	}
	if seq > c.acked {
		c.acked = seq
	}
}

// next returns the events the send loop for gen should write next.
// ok is false once the loop should exit.
func (c *Conn) next(gen uint64) (envs []core.Envelope, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.state != StateOpen {
		return nil, false, nil
	}

	c.buf.prune(c.gw.now())
	if !c.buf.covers(c.cursor, c.head) {
		return nil, false, fmt.Errorf("client fell behind retention: %w", core.ErrResyncRequired)
	}

	envs = c.buf.since(c.cursor)
	if len(envs) > 0 {
		c.cursor = envs[len(envs)-1].Seq
	}
	return envs, true, nil
}

func (c *Conn) writeLoop(gen uint64, t Transport, notify <-chan struct{}) {
	for {
		for {
			envs, ok, err := c.next(gen)
			if err != nil {
				c.gw.closeConn(c, err)
				return
			}
			if !ok {
				return
			}
			if len(envs) == 0 {
				break
			}
			for _, env := range envs {
				if err := t.Send(env); err != nil {
					c.lost(gen, err)
					return
				}
				c.gw.metrics.RelayEvent(env.Type)
			}
		}

		if _, open := <-notify; !open {
			return
		}
	}
}

func (c *Conn) readLoop(gen uint64, t Transport) {
	for {
		env, err := t.Receive()
		if errors.Is(err, core.ErrInvalidPayload) {
			if err := t.Send(core.ErrorEnvelope(err)); err != nil {
				c.lost(gen, err)
				return
			}
			continue
		}
		if err != nil {
			c.lost(gen, err)
			return
		}

		switch p := env.Payload.(type) {
		case *core.Ack:
			c.ack(p.Seq)
		default:
			err := fmt.Errorf("clients may only send %s, got %s: %w", core.TypeAck, env.Type, core.ErrInvalidPayload)
			if err := t.Send(core.ErrorEnvelope(err)); err != nil {
				c.lost(gen, err)
				return
			}
		}
	}
}

// lost moves an open connection to draining after its transport failed
func (c *Conn) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	t := c.transport
	c.transport = nil
	c.state = StateDraining
	c.drainingSince = c.gw.now()
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
	c.mu.Unlock()

	c.gw.log.Printf("relay: transport lost for session %s: %v\n", c.session.ID, cause)
	t.Close()
}

// terminate marks the connection closed and hands back the transport to notify
// and the feed to stop. opened is false for a connection whose first attach never
// completed. ok is false if the connection was already closed.
func (c *Conn) terminate(reason error) (t Transport, stop func(), opened, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil, nil, false, false
	}

	opened = c.state != StateConnecting
	t = c.transport
	c.transport = nil
	c.state = StateClosed
	c.reason = reason
	c.gen++
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
	c.buf = nil
	return t, c.stop, opened, true
}

// expiredDrain reports whether the resume window has elapsed
func (c *Conn) expiredDrain(now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDraining && !now.Before(c.drainingSince.Add(grace))
}
