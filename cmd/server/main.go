package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"secure.seal/config"
	"secure.seal/internal/api"
	"secure.seal/internal/crypto"
	"secure.seal/internal/metrics"
	"secure.seal/internal/resilience"
	"secure.seal/internal/seal"
	"secure.seal/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	master := cfg.Secrets.Master
	if master == "" {
		master = randomSecret()
		logger.Warn("no master secret configured, using an ephemeral one; seals will not survive a restart")
	}
	keys, err := crypto.NewStaticKeyRing(master, cfg.Secrets.Previous...)
	if err != nil {
		return fmt.Errorf("key ring: %w", err)
	}

	meta, err := initMetadataStore(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	rawBlobs, err := initBlobStore(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	bs := resilience.Settings{
		Name:         "blob_store",
		Attempts:     cfg.Resilience.Attempts,
		Backoff:      cfg.Resilience.Backoff,
		MinRequests:  cfg.Resilience.MinRequests,
		FailureRatio: cfg.Resilience.FailureRatio,
		Interval:     cfg.Resilience.Interval,
		OpenTimeout:  cfg.Resilience.OpenTimeout,
		Permanent:    func(err error) bool { return errors.Is(err, store.ErrNotFound) },
		OnStateChange: func(name, from, to string) {
			logger.Warn("breaker state changed", "breaker", name, "from", from, "to", to)
			m.BreakerStateChange(name, from, to)
		},
	}
	blobs := resilience.NewBlobStore(rawBlobs, resilience.NewBreaker(bs))
	defer blobs.Close()

	honeypots := cfg.Seals.HoneypotIDs
	if len(honeypots) == 0 {
		honeypots = seal.DefaultHoneypotIDs()
	}

	engine := seal.New(meta, blobs, keys, seal.Options{
		Limits:      sealLimits(cfg.Seals),
		Admission:   resilience.NewAdmission(cfg.Resilience.MaxConcurrent, cfg.Resilience.MaxPerCaller),
		Hooks:       []seal.Hook{m, seal.AuditHook(logger)},
		Logger:      logger,
		TokenMaxAge: cfg.Seals.TokenMaxAge,
		HoneypotIDs: honeypots,
	})

	handler := api.NewHandler(engine, logger, api.HandlerOptions{
		BaseURL:      cfg.Server.BaseURL,
		MaxBodyBytes: int64(cfg.Seals.MaxBlobBytes) * 2,
		Production:   cfg.IsProduction(),
		Health: func() map[string]string {
			return map[string]string{"blob_store": blobs.State()}
		},
	})
	router := api.SetupRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        m.Handler(),
	})

	go runReaper(ctx, logger, newStoreReaper(meta, rawBlobs), cfg.Reaper.Interval, nil)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.Addr(),
			"base_url", cfg.Server.BaseURL,
			"env", cfg.Env,
			"store", cfg.Store.Type,
			"blob", cfg.Blob.Type,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// initMetadataStore leaves expiry sweeps of the memory store to the reaper.
func initMetadataStore(cfg *config.Config) (store.MetadataStore, error) {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(redisOptions(cfg.Store.Redis))
		if err != nil {
			return nil, fmt.Errorf("redis metadata store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(0), nil
	}
}

func initBlobStore(cfg *config.Config) (store.BlobStore, error) {
	switch cfg.Blob.Type {
	case "redis":
		bs, err := store.NewRedisBlobStore(redisOptions(cfg.Blob.Redis))
		if err != nil {
			return nil, fmt.Errorf("redis blob store: %w", err)
		}
		return bs, nil
	default:
		return store.NewMemoryBlobStore(), nil
	}
}

func redisOptions(rc config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

func sealLimits(sc config.SealsConfig) seal.Limits {
	return seal.Limits{
		MaxBlobBytes:     sc.MaxBlobBytes,
		MaxKeyShareBytes: sc.MaxKeyShareBytes,
		MaxIVLength:      sc.MaxIVLength,
		MaxUnlockMessage: sc.MaxUnlockMessage,
		MinUnlockDelay:   sc.MinUnlockDelay,
		MaxUnlockWindow:  sc.MaxUnlockWindow,
		MinPulseInterval: sc.MinPulseInterval,
		MaxPulseInterval: sc.MaxPulseInterval,
		MaxSealAge:       sc.MaxSealAge,
		MaxViews:         sc.MaxViews,
		MaxRetention:     sc.MaxRetention,
		VerifyBlobHash:   sc.VerifyBlobHash,
		MaxJitter:        sc.MaxJitter,
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
