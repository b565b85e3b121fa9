package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/layer-3/walletgate/adapters/chain"
	"github.com/layer-3/walletgate/adapters/limiter"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/relay"
	"github.com/layer-3/walletgate/service"
	"github.com/urfave/cli/v3"
)

// Rates holds the admission policies
type Rates struct {
	Challenge    limiter.Policy
	Verify       limiter.Policy
	Relay        limiter.Policy
	RelayAccount limiter.Policy
	Session      limiter.Policy
}

// Config holds the application configuration
type Config struct {
	Addr          string
	RedisURL      string // empty keeps all state in memory
	EthRPCURL     string // empty disables the chain feed
	JWTKey        string // hex P-256 scalar, generated when empty
	SigningDomain string

	ChallengeTTL time.Duration
	MaxPending   int
	SessionTTL   time.Duration

	// how long a revoked session keeps reporting REVOKED after its expiry
	RevokedRetention time.Duration

	RelayGrace      time.Duration
	RelayBuffer     int
	RelayRetention  time.Duration
	RelayRevalidate time.Duration
	ChainPoll       time.Duration

	Rates    Rates
	RateIdle time.Duration
}

func mustPolicy(s string) limiter.Policy {
	p, err := limiter.ParsePolicy(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Addr:          ":9000",
		SigningDomain: store.DefaultDomain,

		ChallengeTTL: store.DefaultChallengeTTL,
		MaxPending:   store.DefaultMaxPending,
		SessionTTL:   service.DefaultSessionTTL,

		RevokedRetention: store.DefaultRevokedRetention,

		RelayGrace:      relay.DefaultGrace,
		RelayBuffer:     relay.DefaultBufferSize,
		RelayRetention:  relay.DefaultRetention,
		RelayRevalidate: relay.DefaultRevalidate,
		ChainPoll:       chain.DefaultPollInterval,

		Rates: Rates{
			Challenge:    mustPolicy("5/1m"),
			Verify:       mustPolicy("10/1m"),
			Relay:        mustPolicy("3/1m"),
			RelayAccount: mustPolicy("3/1m"),
			Session:      mustPolicy("60/1m"),
		},
		RateIdle: limiter.DefaultIdle,
	}
}

// LoadEnv reads .env files into the environment. Missing files are ignored and
// variables already set win.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Flags lists the command line flags with their environment sources
func Flags() []cli.Flag {
	d := Default()

	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen address", Value: d.Addr, Sources: cli.EnvVars("WALLETGATE_ADDR")},
		&cli.StringFlag{Name: "redis-url", Usage: "redis URL for shared state and revocation events", Sources: cli.EnvVars("REDIS_URL")},
		&cli.StringFlag{Name: "eth-rpc-url", Usage: "ethereum JSON-RPC endpoint for the chain feed", Sources: cli.EnvVars("ETH_RPC_URL")},
		&cli.StringFlag{Name: "jwt-key", Usage: "hex P-256 key signing session tokens", Sources: cli.EnvVars("WALLETGATE_JWT_KEY")},
		&cli.StringFlag{Name: "signing-domain", Usage: "name shown in the sign-in message", Value: d.SigningDomain, Sources: cli.EnvVars("WALLETGATE_SIGNING_DOMAIN")},

		&cli.DurationFlag{Name: "challenge-ttl", Usage: "challenge lifetime", Value: d.ChallengeTTL, Sources: cli.EnvVars("WALLETGATE_CHALLENGE_TTL")},
		&cli.IntFlag{Name: "max-pending-challenges", Usage: "outstanding challenges per account", Value: d.MaxPending, Sources: cli.EnvVars("WALLETGATE_MAX_PENDING_CHALLENGES")},
		&cli.DurationFlag{Name: "session-ttl", Usage: "session lifetime", Value: d.SessionTTL, Sources: cli.EnvVars("WALLETGATE_SESSION_TTL")},
		&cli.DurationFlag{Name: "revoked-retention", Usage: "time a revoked session is remembered past its expiry", Value: d.RevokedRetention, Sources: cli.EnvVars("WALLETGATE_REVOKED_RETENTION")},

		&cli.DurationFlag{Name: "relay-grace", Usage: "resume window after a transport drops", Value: d.RelayGrace, Sources: cli.EnvVars("WALLETGATE_RELAY_GRACE")},
		&cli.IntFlag{Name: "relay-buffer", Usage: "events retained per connection for resume", Value: d.RelayBuffer, Sources: cli.EnvVars("WALLETGATE_RELAY_BUFFER")},
		&cli.DurationFlag{Name: "relay-retention", Usage: "maximum age of retained events", Value: d.RelayRetention, Sources: cli.EnvVars("WALLETGATE_RELAY_RETENTION")},
		&cli.DurationFlag{Name: "relay-revalidate", Usage: "session re-check interval of open relays", Value: d.RelayRevalidate, Sources: cli.EnvVars("WALLETGATE_RELAY_REVALIDATE")},
		&cli.DurationFlag{Name: "chain-poll", Usage: "chain feed poll interval", Value: d.ChainPoll, Sources: cli.EnvVars("WALLETGATE_CHAIN_POLL")},

		&cli.StringFlag{Name: "rate-challenge", Usage: "challenge requests per client IP", Value: d.Rates.Challenge.String(), Sources: cli.EnvVars("WALLETGATE_RATE_CHALLENGE")},
		&cli.StringFlag{Name: "rate-verify", Usage: "verify requests per client IP", Value: d.Rates.Verify.String(), Sources: cli.EnvVars("WALLETGATE_RATE_VERIFY")},
		&cli.StringFlag{Name: "rate-relay", Usage: "relay attaches per client IP", Value: d.Rates.Relay.String(), Sources: cli.EnvVars("WALLETGATE_RATE_RELAY")},
		&cli.StringFlag{Name: "rate-relay-account", Usage: "relay attaches per account", Value: d.Rates.RelayAccount.String(), Sources: cli.EnvVars("WALLETGATE_RATE_RELAY_ACCOUNT")},
		&cli.StringFlag{Name: "rate-session", Usage: "session lookups and revocations per client IP", Value: d.Rates.Session.String(), Sources: cli.EnvVars("WALLETGATE_RATE_SESSION")},
		&cli.DurationFlag{Name: "rate-idle", Usage: "idle time before a rate bucket is dropped", Value: d.RateIdle, Sources: cli.EnvVars("WALLETGATE_RATE_IDLE")},
	}
}

// FromCommand reads the parsed flags into a validated Config
func FromCommand(cmd *cli.Command) (Config, error) {
	cfg := Config{
		Addr:          cmd.String("addr"),
		RedisURL:      cmd.String("redis-url"),
		EthRPCURL:     cmd.String("eth-rpc-url"),
		JWTKey:        cmd.String("jwt-key"),
		SigningDomain: cmd.String("signing-domain"),

		ChallengeTTL: cmd.Duration("challenge-ttl"),
		MaxPending:   int(cmd.Int("max-pending-challenges")),
		SessionTTL:   cmd.Duration("session-ttl"),

		RevokedRetention: cmd.Duration("revoked-retention"),

		RelayGrace:      cmd.Duration("relay-grace"),
		RelayBuffer:     int(cmd.Int("relay-buffer")),
		RelayRetention:  cmd.Duration("relay-retention"),
		RelayRevalidate: cmd.Duration("relay-revalidate"),
		ChainPoll:       cmd.Duration("chain-poll"),

		RateIdle: cmd.Duration("rate-idle"),
	}

	var err error
	for _, r := range []struct {
		flag   string
		policy *limiter.Policy
	}{
		{"rate-challenge", &cfg.Rates.Challenge},
		{"rate-verify", &cfg.Rates.Verify},
		{"rate-relay", &cfg.Rates.Relay},
		{"rate-relay-account", &cfg.Rates.RelayAccount},
		{"rate-session", &cfg.Rates.Session},
	} {
		if *r.policy, err = limiter.ParsePolicy(cmd.String(r.flag)); err != nil {
			return Config{}, fmt.Errorf("%s: %w", r.flag, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}

	for name, d := range map[string]time.Duration{
		"challenge-ttl":     c.ChallengeTTL,
		"session-ttl":       c.SessionTTL,
		"revoked-retention": c.RevokedRetention,
		"relay-grace":       c.RelayGrace,
		"relay-retention":   c.RelayRetention,
		"relay-revalidate":  c.RelayRevalidate,
		"chain-poll":        c.ChainPoll,
		"rate-idle":         c.RateIdle,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("max-pending-challenges must be at least 1, got %d", c.MaxPending))
	}
	if c.RelayBuffer < 1 {
		errs = append(errs, fmt.Errorf("relay-buffer must be at least 1, got %d", c.RelayBuffer))
	}

	return errors.Join(errs...)
}
