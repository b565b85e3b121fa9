package walletgate

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coalaura/logger"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/layer-3/walletgate/adapters/limiter"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/adapters/verifier"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/relay"
	"github.com/layer-3/walletgate/service"
	httphandler "github.com/layer-3/walletgate/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	url     string
	gateway *relay.Gateway
}

func newServer(t *testing.T, challengeRate string) *server {
	gin.SetMode(gin.TestMode)
	log := logger.New().WithOptions(logger.Options{NoLevel: true})

	key, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)

	sessions := service.NewSessionManager(store.NewMemorySessionStore(nil, 0), tokenizer.NewJWTTokenizer(key), nil, nil, log, service.SessionConfig{})
	auth := service.NewAuthService(store.NewMemoryChallengeStore(store.ChallengeConfig{}), verifier.NewEthVerifier(), sessions, nil, log)
	gateway := relay.NewGateway(sessions, nil, nil, log, relay.Config{})
	sessions.OnRevoke(func(s *core.Session) {
		gateway.CloseSession(s.ID, core.ErrRevoked)
	})
	t.Cleanup(gateway.Close)

	limit := func(rate string) ports.RateLimiter {
		p, err := limiter.ParsePolicy(rate)
		require.NoError(t, err)
		return limiter.NewTokenBucket(p, 0, nil)
	}

	srv := httptest.NewServer(httphandler.SetupRouter(httphandler.Options{
		Auth:    auth,
		Gateway: gateway,
		Limits: httphandler.Limits{
			Challenge:    limit(challengeRate),
			Verify:       limit("100/1m"),
			Relay:        limit("100/1m"),
			RelayAccount: limit("100/1m"),
			Session:      limit("100/1m"),
		},
		Log: log,
	}))
	t.Cleanup(srv.Close)

	return &server{url: srv.URL, gateway: gateway}
}

func TestClientSignIn(t *testing.T) {
	srv := newServer(t, "100/1m")
	client := NewClient(srv.url, nil)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	session, err := SignIn(ctx, client, key)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, account, session.Account)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	info, err := client.Session(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, info.ID)
	assert.Empty(t, info.Token)

	require.NoError(t, client.Revoke(ctx, session.Token))
	require.NoError(t, client.Revoke(ctx, session.Token))

	_, err = client.Session(ctx, session.Token)
	assert.ErrorIs(t, err, ErrRevoked)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t, "1/1m")
	client := NewClient(srv.url+"/", nil)
	ctx := context.Background()

	_, err := client.Challenge(ctx, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = client.Challenge(ctx, "0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	assert.ErrorIs(t, err, ErrRateLimited)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Greater(t, apiErr.RetryAfter, 50*time.Second)

	_, err = client.Verify(ctx, VerifyRequest{
		Account:   "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		Nonce:     strings.Repeat("ab", 32),
		Signature: "0x00",
		Scheme:    core.SchemePersonalMessage,
		Payload:   []byte(`"Nonce: ` + strings.Repeat("ab", 32) + `"`),
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = client.Session(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:9000/relay", NewClient("http://localhost:9000", nil).RelayURL())
	assert.Equal(t, "wss://auth.example.org/relay", NewClient("https://auth.example.org/", nil).RelayURL())
}

// connTracker remembers dialed connections so tests can cut them
type connTracker struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (c *connTracker) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err == nil {
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
	}
	return conn, err
}

func (c *connTracker) cut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

func (c *connTracker) dialed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func waitOpen(t *testing.T, gw *relay.Gateway, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, ok := gw.Conn(sessionID)
		return ok && c.State() == relay.StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func collect(t *testing.T, events <-chan core.Envelope, n int) []uint64 {
	t.Helper()
	var seqs []uint64
	for len(seqs) < n {
		select {
		case env := <-events:
			seqs = append(seqs, env.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", len(seqs), n)
		}
	}
	return seqs
}

func TestRelayClientResumes(t *testing.T) {
	for _, binary := range []bool{false, true} {
		t.Run(map[bool]string{false: "json", true: "msgpack"}[binary], func(t *testing.T) {
			srv := newServer(t, "100/1m")
			client := NewClient(srv.url, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			key, err := crypto.GenerateKey()
			require.NoError(t, err)
			session, err := SignIn(ctx, client, key)
			require.NoError(t, err)

			tracker := &connTracker{}
			rc := NewRelayClient(RelayConfig{
				URL:        client.RelayURL(),
				Token:      session.Token,
				Binary:     binary,
				MinBackoff: 10 * time.Millisecond,
				Dialer:     &websocket.Dialer{NetDialContext: tracker.dial},
			})

			events := make(chan core.Envelope, 64)
			done := make(chan error, 1)
			go func() {
				done <- rc.Run(ctx, func(env core.Envelope) { events <- env })
			}()

			waitOpen(t, srv.gateway, session.ID)
			for i := 0; i < 3; i++ {
				_, err := srv.gateway.Emit(session.ID, &core.WalletUpdate{BlockNumber: uint64(i)})
				require.NoError(t, err)
			}
			assert.Equal(t, []uint64{1, 2, 3}, collect(t, events, 3))

			c, ok := srv.gateway.Conn(session.ID)
			require.True(t, ok)
			require.Eventually(t, func() bool { return c.Acked() == 3 }, 2*time.Second, 5*time.Millisecond)

			tracker.cut()
			for i := 0; i < 2; i++ {
				_, err := srv.gateway.Emit(session.ID, &core.Transaction{Hash: "0x01"})
				require.NoError(t, err)
			}

			assert.Equal(t, []uint64{4, 5}, collect(t, events, 2))
			assert.Equal(t, uint64(5), rc.LastSeq())
			require.Eventually(t, func() bool { return tracker.dialed() >= 1 }, 2*time.Second, 5*time.Millisecond)

			select {
			case env := <-events:
				t.Fatalf("duplicate event seq %d", env.Seq)
			case <-time.After(50 * time.Millisecond):
			}

			require.NoError(t, client.Revoke(ctx, session.Token))
			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrRevoked)
			case <-time.After(2 * time.Second):
				t.Fatal("relay client did not stop")
			}
		})
	}
}

func TestRelayClientResync(t *testing.T) {
	srv := newServer(t, "100/1m")
	client := NewClient(srv.url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	session, err := SignIn(ctx, client, key)
	require.NoError(t, err)

	rc := NewRelayClient(RelayConfig{URL: client.RelayURL(), Token: session.Token, MinBackoff: 10 * time.Millisecond})

	// a persisted position the server has never seen
	rc.Resume(42)
	err = rc.Run(ctx, func(core.Envelope) {})
	require.ErrorIs(t, err, ErrResyncRequired)

	rc.Reset()
	events := make(chan core.Envelope, 8)
	go rc.Run(ctx, func(env core.Envelope) { events <- env })

	waitOpen(t, srv.gateway, session.ID)
	_, err = srv.gateway.Emit(session.ID, &core.WalletUpdate{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, collect(t, events, 1))

	cancel()
}
