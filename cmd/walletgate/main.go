package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/coalaura/logger"
	"github.com/layer-3/walletgate/adapters/chain"
	"github.com/layer-3/walletgate/adapters/events"
	"github.com/layer-3/walletgate/adapters/limiter"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/adapters/verifier"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/config"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/relay"
	"github.com/layer-3/walletgate/service"
	httphandler "github.com/layer-3/walletgate/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

var Version = "dev"

var log *logger.Logger

func main() {
	config.LoadEnv()

	app := &cli.Command{
		Name:        "walletgate",
		Description: "wallet sign-in and account event relay",
		Version:     Version,
		Flags:       config.Flags(),
		Before:      before,
		Action:      run,
		Suggest:     true,
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "print a fresh hex key for --jwt-key",
				Action: keygen,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
}

func before(ctx context.Context, _ *cli.Command) (context.Context, error) {
	log = logger.New().DetectTerminal().WithOptions(logger.Options{
		NoLevel: true,
	})

	return ctx, nil
}

func signingKey(hex string) (*ecdsa.PrivateKey, error) {
	if hex == "" {
		log.Warning("walletgate: no jwt key configured, sessions will not survive a restart (see walletgate keygen)")
		return tokenizer.GenerateSigningKey()
	}
	return tokenizer.ParseSigningKey(hex)
}

func keygen(_ context.Context, _ *cli.Command) error {
	key, err := tokenizer.GenerateSigningKey()
	if err != nil {
		return err
	}

	fmt.Println(tokenizer.EncodeSigningKey(key))

	return nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := signingKey(cfg.JWTKey)
	log.MustPanic(err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	challengeCfg := store.ChallengeConfig{
		TTL:        cfg.ChallengeTTL,
		MaxPending: cfg.MaxPending,
		Domain:     cfg.SigningDomain,
	}

	var (
		challenges   ports.ChallengeStore
		sessionStore ports.SessionStore
		eventPub     ports.EventPublisher
		subscriber   *events.WatermillSubscriber
	)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}

		client := redis.NewClient(opts)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
		}

		challenges = store.NewRedisChallengeStore(client, store.DefaultPrefix, challengeCfg)
		sessionStore = store.NewRedisSessionStore(client, store.DefaultPrefix, cfg.RevokedRetention)

		wmLogger := watermill.NewStdLogger(false, false)

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create revocation publisher: %w", err)
		}
		defer publisher.Close()

		// no consumer group: every instance sees every revocation
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: client}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create revocation subscriber: %w", err)
		}
		defer sub.Close()

		eventPub = events.NewWatermillPublisher(publisher)
		subscriber = events.NewWatermillSubscriber(sub, log)

		log.Printf("walletgate: using redis at %s\n", opts.Addr)
	} else {
		memChallenges := store.NewMemoryChallengeStore(challengeCfg)
		memSessions := store.NewMemorySessionStore(nil, cfg.RevokedRetention)

		go memChallenges.Run(ctx, time.Minute)
		go memSessions.Run(ctx, time.Minute)

		challenges, sessionStore = memChallenges, memSessions

		log.Println("walletgate: no redis configured, state is local to this instance")
	}

	var feed ports.AccountFeed
	if cfg.EthRPCURL != "" {
		client, err := chain.Dial(ctx, cfg.EthRPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial ethereum node: %w", err)
		}
		defer client.Close()

		feed = chain.NewFeed(client, cfg.ChainPoll, log)
	}

	sessions := service.NewSessionManager(sessionStore, tokenizer.NewJWTTokenizer(key), eventPub, m, log, service.SessionConfig{
		TTL: cfg.SessionTTL,
	})
	authService := service.NewAuthService(challenges, verifier.NewEthVerifier(), sessions, m, log)

	gateway := relay.NewGateway(sessions, feed, m, log, relay.Config{
		Grace:      cfg.RelayGrace,
		BufferSize: cfg.RelayBuffer,
		Retention:  cfg.RelayRetention,
		Revalidate: cfg.RelayRevalidate,
	})

	sessions.OnRevoke(func(session *core.Session) {
		gateway.CloseSession(session.ID, core.ErrRevoked)
	})

	if subscriber != nil {
		go func() {
			err := subscriber.Run(ctx, func(event events.RevokedEvent) {
				gateway.CloseSession(event.SessionID, core.ErrRevoked)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warning("walletgate: revocation subscriber stopped")
				log.WarningE(err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		gateway.Run(ctx)
		close(done)
	}()

	limit := func(p limiter.Policy) ports.RateLimiter {
		return limiter.NewTokenBucket(p, cfg.RateIdle, nil)
	}

	router := httphandler.SetupRouter(httphandler.Options{
		Auth:    authService,
		Gateway: gateway,
		Limits: httphandler.Limits{
			Challenge:    limit(cfg.Rates.Challenge),
			Verify:       limit(cfg.Rates.Verify),
			Relay:        limit(cfg.Rates.Relay),
			RelayAccount: limit(cfg.Rates.RelayAccount),
			Session:      limit(cfg.Rates.Session),
		},
		Gatherer: reg,
		Metrics:  m,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WarningE(err)
		}
	}()

	log.Printf("walletgate: listening on %s\n", cfg.Addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-done
	log.Println("walletgate: stopped")

	return nil
}
