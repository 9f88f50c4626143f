package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/echorelay/relay/internal/bridge"
	"github.com/echorelay/relay/internal/channel"
	"github.com/echorelay/relay/internal/config"
	"github.com/echorelay/relay/internal/gateway"
	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/grantcache"
	"github.com/echorelay/relay/internal/grantsvc"
	"github.com/echorelay/relay/internal/keystore"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/ratelimit"
	"github.com/echorelay/relay/internal/usage"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Configuration invalid")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	monitoring.InitGlobalLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	signer, err := grant.NewSigner(cfg.SignerPrivateKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Grant signing key unusable")
	}

	var verifier *grant.Verifier
	if cfg.VerifierPublicKey != "" {
		verifier, err = grant.NewVerifier(cfg.VerifierPublicKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("Grant verify key unusable")
		}
	} else {
		verifier = grant.NewVerifierFromKey(signer.PublicKey())
	}

	// One Redis serves the keystore, grant cache and rate limiter. Without
	// REDIS_ADDR everything runs in-process, which is fine for a single dev
	// node.
	var (
		keys    keystore.KeyStore
		cache   grantcache.Cache
		limiter ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
		}
		keys = keystore.NewRedisStore(client)
		cache = grantcache.NewRedis(client)
		limiter = ratelimit.NewRedis(client, cfg.GrantRateLimit, cfg.GrantRateWindow)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis backends")
	} else {
		memKeys := keystore.NewMemoryStore()
		if cfg.DevSecretKeys != "" {
			seeded := memKeys.SeedFromEnv(cfg.DevSecretKeys, func(string) string {
				return uuid.NewString()
			})
			logger.Info().Int("keys", seeded).Msg("Seeded development secret keys")
		}
		keys = memKeys
		cache = grantcache.NewMemory()
		limiter = ratelimit.NewMemory(cfg.GrantRateLimit, cfg.GrantRateWindow)
		logger.Info().Msg("Using in-memory backends")
	}

	var sink usage.Sink = usage.NopSink{}
	var shipper *usage.Shipper
	if cfg.WebhookURL != "" {
		shipper = usage.NewShipper(usage.ShipperConfig{
			URL:         cfg.WebhookURL,
			Secret:      cfg.WebhookSecret,
			BatchSize:   cfg.UsageBatchSize,
			FlushAge:    cfg.UsageFlushAge,
			BufferSize:  cfg.UsageBufferSize,
			MaxRetries:  cfg.UsageMaxRetries,
			HTTPTimeout: cfg.UsageHTTPTimeout,
			Workers:     cfg.UsageWorkers,
		}, logger)
		shipper.Start()
		sink = shipper
	}

	registry := channel.NewRegistry(channel.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectGrace:      cfg.ConnectGrace,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		EgressBudgetBytes: cfg.EgressBudgetBytes,
		FrameRateBurst:    cfg.FrameRateBurst,
		FrameRate:         cfg.FrameRate,
		MaxConnsPerActor:  cfg.MaxConnsPerChannel,
	}, cfg.ChannelIdleTTL, verifier, sink, logger)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	var peerBridge *bridge.Bridge
	if cfg.NATSUrl != "" {
		peerBridge, err = bridge.Connect(cfg.NATSUrl, nodeID, registry, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSUrl).Msg("Peer bridge connection failed")
		}
		registry.SetPeer(peerBridge)
	}

	grants := grantsvc.NewService(signer, keys, cache, limiter, cfg.GrantRateLimit, logger)
	server := gateway.NewServer(cfg, registry, grants, verifier, nodeID, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Gateway failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	if peerBridge != nil {
		peerBridge.Close()
	}
	if shipper != nil {
		shipper.Stop()
	}
	logger.Info().Msg("Relay stopped")
}
