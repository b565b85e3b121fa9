package walletgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/relay"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// RelayConfig configures a RelayClient
type RelayConfig struct {
	URL        string            // ws(s)://host/relay
	Token      string            // session token
	Binary     bool              // negotiate the msgpack codec
	MinBackoff time.Duration     // first reconnect delay
	MaxBackoff time.Duration     // reconnect delay cap
	Dialer     *websocket.Dialer // defaults to websocket.DefaultDialer
}

// RelayClient streams relay events for one session. It acknowledges every
// delivered event and reattaches after transport loss, resuming after the
// last delivered seq so no event is seen twice or skipped.
type RelayClient struct {
	cfg   RelayConfig
	codec relay.Codec

	mu      sync.Mutex
	lastSeq uint64
	resume  bool // lastSeq is meaningful to the server
}

// NewRelayClient creates a relay client
func NewRelayClient(cfg RelayConfig) *RelayClient {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	var codec relay.Codec = relay.JSONCodec{}
	if cfg.Binary {
		codec = relay.MsgpackCodec{}
	}

	return &RelayClient{cfg: cfg, codec: codec}
}

// LastSeq is the seq of the last delivered event
func (r *RelayClient) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Resume makes the next attach continue after seq, for clients that persist
// their position
func (r *RelayClient) Resume(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeq = seq
	r.resume = true
}

// Reset forgets the stream position. The next attach starts at the server's
// head. Call it after reloading state on ErrResyncRequired.
func (r *RelayClient) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeq = 0
	r.resume = false
}

func (r *RelayClient) attachURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}

	q := u.Query()
	r.mu.Lock()
	if r.resume {
		q.Set("lastSeq", strconv.FormatUint(r.lastSeq, 10))
	}
	r.mu.Unlock()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Run delivers events to handle until ctx is done or the relay fails for good.
// Transport failures and server restarts are retried with backoff. The
// returned error matches ErrRevoked, ErrExpired, ErrResyncRequired and friends
// via errors.Is.
func (r *RelayClient) Run(ctx context.Context, handle func(core.Envelope)) error {
	backoff := r.cfg.MinBackoff

	for {
		conn, err := r.dial(ctx)
		if err == nil {
			backoff = r.cfg.MinBackoff
			err = r.stream(ctx, conn, handle)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.RetryAfter > 0:
				wait = apiErr.RetryAfter
			case apiErr.Code != core.CodeInternal:
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

func (r *RelayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := r.attachURL()
	if err != nil {
		return nil, &APIError{Code: core.CodeInvalidPayload, Message: err.Error()}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.cfg.Token)

	dialer := *r.cfg.Dialer
	if r.cfg.Binary {
		dialer.Subprotocols = []string{relay.SubprotocolMsgpack}
	}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, err
	}

	// from here on the server holds our position
	r.mu.Lock()
	r.resume = true
	r.mu.Unlock()

	return conn, nil
}

// stream reads one transport until it fails. A close reason sent by the
// server is returned as an *APIError.
func (r *RelayClient) stream(ctx context.Context, conn *websocket.Conn, handle func(core.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	frame := websocket.TextMessage
	if r.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	var reason error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if reason != nil {
				return reason
			}
			return err
		}

		env, err := r.codec.Decode(data)
		if err != nil {
			continue
		}

		if msg, ok := env.Payload.(*core.ErrorMessage); ok {
			// rejections of our own frames do not end the stream
			if msg.Code != core.CodeInvalidPayload {
				reason = &APIError{Code: msg.Code, Message: msg.Message}
			}
			continue
		}

		r.mu.Lock()
		dup := env.Seq <= r.lastSeq
		if !dup {
			r.lastSeq = env.Seq
		}
		r.mu.Unlock()
		if dup {
			continue
		}

		handle(env)

		ack, err := r.codec.Encode(core.Envelope{Type: core.TypeAck, Payload: &core.Ack{Seq: env.Seq}})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(frame, ack); err != nil {
			return err
		}
	}
}
