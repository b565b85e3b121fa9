package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coalaura/logger"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/internal/shard"
	"github.com/layer-3/walletgate/ports"
)

const (
	DefaultGrace      = 30 * time.Second
	DefaultBufferSize = 256
	DefaultRetention  = 2 * time.Minute
	DefaultRevalidate = 5 * time.Second
)

// ErrShutdown is the close reason sent to clients when the gateway stops
var ErrShutdown = errors.New("relay shutting down")

// Sessions is the view of the session manager the gateway needs
type Sessions interface {
	Validate(ctx context.Context, token string) (*core.Session, error)
	ValidateID(ctx context.Context, id string) (*core.Session, error)
}

// Config configures the gateway
type Config struct {
	Grace      time.Duration    // How long a connection without transport waits for a resume
	BufferSize int              // Events retained per connection for resume
	Retention  time.Duration    // Maximum age of retained events
	Revalidate time.Duration    // Interval of session re-checks and drain expiry
	Clock      func() time.Time // Defaults to time.Now
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Revalidate <= 0 {
		c.Revalidate = DefaultRevalidate
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Gateway owns one logical relay connection per session
type Gateway struct {
	cfg      Config
	sessions Sessions
	feed     ports.AccountFeed
	metrics  *metrics.Metrics
	log      *logger.Logger

	conns *shard.Map[*Conn]
}

// NewGateway creates a new relay gateway. feed may be nil, in which case events
// only arrive through Emit.
func NewGateway(sessions Sessions, feed ports.AccountFeed, m *metrics.Metrics, log *logger.Logger, cfg Config) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		feed:     feed,
		metrics:  m,
		log:      log,
		conns:    shard.New[*Conn](0),
	}
}

func (g *Gateway) now() time.Time {
	return g.cfg.Clock()
}

// Attach validates token and binds a new transport to the session's logical
// connection. upgrade is only called once validation and the resume checks have
// passed, so those failures write nothing to the client. If the session is
// closed while upgrade runs, the new transport gets the close reason instead.
//
// lastSeq nil means the client holds no history: streaming starts after the
// current head. Otherwise events after lastSeq are replayed, or the attach fails
// with core.ErrResyncRequired if they are no longer retained.
func (g *Gateway) Attach(ctx context.Context, token string, lastSeq *uint64, upgrade func() (Transport, error)) (*Conn, error) {
	conn, err := g.attach(ctx, token, lastSeq, upgrade)
	g.metrics.RelayAttach(err)
	return conn, err
}

func (g *Gateway) attach(ctx context.Context, token string, lastSeq *uint64, upgrade func() (Transport, error)) (*Conn, error) {
	session, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	for {
		c, ok := g.conns.Get(session.ID)
		fresh := !ok
		if fresh {
			c = newConn(g, *session)
			if !g.conns.SetIfAbsent(session.ID, c) {
				continue
			}
		}

		conn, retry, err := g.attachConn(c, fresh, lastSeq, upgrade)
		if retry {
			continue
		}
		return conn, err
	}
}

// attachConn runs one attach against c. The handshake happens without c.mu so
// events and closes for the session never wait on client I/O. retry reports
// that c was closed before anything was written and the caller should look the
// connection up again.
func (g *Gateway) attachConn(c *Conn, fresh bool, lastSeq *uint64, upgrade func() (Transport, error)) (_ *Conn, retry bool, _ error) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		// lost a race with close; it unregisters itself
		c.mu.Unlock()
		g.conns.DeleteIf(c.session.ID, func(x *Conn) bool { return x == c })
		return nil, true, nil
	}
	cursor, err := c.resumePoint(lastSeq, fresh)
	c.mu.Unlock()
	if err != nil {
		if fresh {
			g.discard(c)
		}
		return nil, false, err
	}

	t, err := upgrade()
	if err != nil {
		if fresh {
			g.discard(c)
		}
		return nil, false, fmt.Errorf("failed to upgrade: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		// closed while the client was upgrading
		reason := c.reason
		c.mu.Unlock()
		if reason == nil {
			reason = core.ErrNotFound
		}
		if err := t.Send(core.ErrorEnvelope(reason)); err != nil {
			g.log.Warning("relay: failed to send close reason to session " + c.session.ID)
		}
		t.Close()
		return nil, false, reason
	}

	old, gen, notify := c.bind(t, cursor)
	var feedCtx context.Context
	if fresh {
		feedCtx, c.stop = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if fresh {
		g.start(feedCtx, c)
	}
	go c.writeLoop(gen, t, notify)
	go c.readLoop(gen, t)

	g.log.Printf("relay: session %s attached at seq %d\n", c.session.ID, cursor)
	return c, false, nil
}

// discard drops a connection whose first attach failed
func (g *Gateway) discard(c *Conn) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.buf = nil
	c.mu.Unlock()

	g.conns.DeleteIf(c.session.ID, func(x *Conn) bool { return x == c })
}

// start runs the account feed of a new connection
func (g *Gateway) start(ctx context.Context, c *Conn) {
	g.metrics.RelayOpened()

	if g.feed == nil {
		return
	}
	go func() {
		if err := g.feed.Watch(ctx, c.session.Account, func(msg core.Message) { c.push(msg) }); err != nil {
			g.log.Warning("relay: account feed stopped for session " + c.session.ID)
			g.log.WarningE(err)
		}
	}()
}

// Emit sequences msg on the session's connection
func (g *Gateway) Emit(sessionID string, msg core.Message) (uint64, error) {
	if msg == nil || msg.Type() == core.TypeAck || msg.Type() == core.TypeError {
		return 0, fmt.Errorf("only events can be emitted: %w", core.ErrInvalidPayload)
	}

	c, ok := g.conns.Get(sessionID)
	if !ok {
		return 0, core.ErrNotFound
	}

	seq, ok := c.push(msg)
	if !ok {
		return 0, core.ErrNotFound
	}
	return seq, nil
}

// Conn returns the live connection of a session
func (g *Gateway) Conn(sessionID string) (*Conn, bool) {
	return g.conns.Get(sessionID)
}

// Len is the number of logical connections held
func (g *Gateway) Len() int {
	return g.conns.Len()
}

// CloseSession terminates the session's connection, telling the client why
func (g *Gateway) CloseSession(sessionID string, reason error) {
	if c, ok := g.conns.Get(sessionID); ok {
		g.closeConn(c, reason)
	}
}

func (g *Gateway) closeConn(c *Conn, reason error) {
	t, stop, opened, ok := c.terminate(reason)
	if !ok {
		return
	}

	g.conns.DeleteIf(c.session.ID, func(x *Conn) bool { return x == c })
	if stop != nil {
		stop()
	}

	if t != nil {
		if reason != nil {
			if err := t.Send(core.ErrorEnvelope(reason)); err != nil {
				g.log.Warning("relay: failed to send close reason to session " + c.session.ID)
			}
		}
		t.Close()
	}

	if opened {
		g.metrics.RelayClosed(reason)
	}
	g.log.Printf("relay: session %s closed at seq %d, acked %d: %v\n", c.session.ID, c.Head(), c.Acked(), reason)
}

// Sweep closes connections whose session is no longer valid and connections
// whose resume window has elapsed
func (g *Gateway) Sweep(ctx context.Context) {
	now := g.now()

	var conns []*Conn
	g.conns.Range(func(_ string, c *Conn) bool {
		conns = append(conns, c)
		return true
	})

	for _, c := range conns {
		if c.expiredDrain(now, g.cfg.Grace) {
			g.closeConn(c, fmt.Errorf("resume window elapsed: %w", core.ErrResyncRequired))
			continue
		}

		_, err := g.sessions.ValidateID(ctx, c.session.ID)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrRevoked), errors.Is(err, core.ErrExpired), errors.Is(err, core.ErrNotFound):
			g.closeConn(c, err)
		default:
			g.log.Warning("relay: failed to revalidate session " + c.session.ID)
			g.log.WarningE(err)
		}
	}
}

// Run sweeps every Revalidate interval until ctx is done, then closes every connection
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Revalidate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.Close()
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Close terminates every connection
func (g *Gateway) Close() {
	var conns []*Conn
	g.conns.Range(func(_ string, c *Conn) bool {
		conns = append(conns, c)
		return true
	})
	for _, c := range conns {
		g.closeConn(c, ErrShutdown)
	}
}
