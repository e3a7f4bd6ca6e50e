package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/pkg/kms"
	"pastelite/svc/api"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/svc"
	"pastelite/svc/util"
)

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("environment", c.Environment).
		Str("storage", c.StorageDriver).
		Str("target", c.StorageTarget()).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting pastelite")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Open(ctx, c)
	if err != nil {
		// driver errors can echo the connection string
		util.Fatal().
			Str("error", util.RedactSecret(err.Error())).
			Str("driver", c.StorageDriver).
			Str("target", c.StorageTarget()).
			Msg("failed to initialize storage")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("driver", c.StorageDriver).Msg("storage initialized")

	opts := []svc.Option{
		svc.WithIDLength(c.IDLength),
		svc.WithMaxSize(int(c.MaxPasteSize)),
	}
	if c.TombstoneCacheSize > 0 {
		tombs, err := cache.NewTombstones(c.TombstoneCacheSize)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create tombstone cache")
			os.Exit(1)
		}
		opts = append(opts, svc.WithTombstones(tombs))
		util.Info().Int("size", c.TombstoneCacheSize).Msg("tombstone cache initialized")
	}

	var probes []api.Probe
	var sealer *kms.Sealer
	if c.EncryptAtRest {
		adapter, err := kms.NewAdapter(ctx, c.KMS())
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
			os.Exit(1)
		}
		sealer = kms.NewSealer(adapter, kms.NewKEKCache(adapter, c.KEKCacheTTL), util.Wipe)
		defer sealer.Stop()
		opts = append(opts, svc.WithSealer(sealer))
		probes = append(probes, api.Probe{Name: "kms", Check: sealer.Probe})
		util.Info().
			Str("provider", adapter.Provider()).
			Dur("kek_cache_ttl", c.KEKCacheTTL).
			Msg("encryption at rest enabled")
	}

	pasteSvc := svc.NewPaste(store, clock.System{}, opts...)
	server := api.NewServer(c, pasteSvc, probes...)

	walDone := make(chan struct{})
	if sqlite, ok := store.(*db.SQLite); ok {
		go func() {
			defer close(walDone)
			sqlite.StartWALMaintenance(ctx)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	if c.ConfigFile != "" {
		go func() {
			err := cfg.Watch(ctx, c.ConfigFile, func(next *cfg.Cfg) {
				lvl := util.SetLevel(next.LogLevel)
				util.Info().Str("level", lvl.String()).Msg("log level updated")
			})
			if err != nil {
				util.Warn().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	if err := pasteSvc.Shutdown(shutdownCtx); err != nil {
		util.Warn().Err(err).Msg("in-flight requests did not drain")
	}
	cancel()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// healthcheck backs the container HEALTHCHECK: exit 0 when storage answers a ping.
func healthcheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	defer c.Wipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := db.Open(ctx, c)
	if err != nil {
		return 1
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
