package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"geoipd/internal/archive"
	"geoipd/internal/cert"
	"geoipd/internal/config"
	"geoipd/internal/fetch"
	"geoipd/internal/lookup"
	"geoipd/internal/manager"
	"geoipd/internal/registry"
	"geoipd/internal/server"
	"geoipd/internal/store"
)

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Dir
	registry *registry.Registry
	fetcher  *fetch.Fetcher
	manager  *manager.Manager
	lookup   *lookup.Service
	archives *archive.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg := registry.New(registry.Config{
		Editions: cfg.MaxMind.Editions,
		Verify:   cfg.Update.Verify,
		Logger:   logger,
	})
	st := store.New(cfg.DataDir, logger)
	fetcher := fetch.New(fetch.Config{
		URLTemplate: cfg.MaxMind.DownloadURL,
		AccountID:   cfg.MaxMind.AccountID,
		LicenseKey:  cfg.MaxMind.LicenseKey,
		BearerToken: cfg.MaxMind.BearerToken,
		MaxAttempts: cfg.Update.MaxAttempts,
		Client:      &http.Client{Timeout: cfg.Update.Timeout},
		Logger:      logger,
	})
	mgr, err := manager.New(manager.Config{
		AutoUpdate: cfg.AutoUpdate(),
		Interval:   cfg.Interval(),
		Logger:     logger,
	}, st, fetcher, reg)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("create manager: %w", err)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		fetcher:  fetcher,
		manager:  mgr,
		lookup:   lookup.New(reg, cfg.LocalePolicy(), logger),
		archives: archive.New(reg, logger),
	}, nil
}

// Close stops the manager and releases every installed database.
func (a *app) Close() {
	if err := a.manager.Stop(); err != nil {
		a.logger.Error("stop manager", "error", err)
	}
	a.registry.Close()
}

// run serves the HTTP API until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// An unusable data directory degrades to "no databases available".
	if err := a.store.EnsureExists(); err != nil {
		logger.Error("data directory unavailable", "path", cfg.DataDir, "error", err)
	}
	installed := a.manager.LoadLocal()
	logger.Info("local databases loaded",
		"installed", installed,
		"editions", len(cfg.MaxMind.Editions),
		"path", cfg.DataDir)

	instanceID, err := a.store.InstanceID()
	if err != nil {
		logger.Warn("instance id unavailable", "error", err)
	}

	srvCfg := server.Config{
		Lookup:     a.lookup,
		Archives:   a.archives,
		Status:     a.manager,
		InstanceID: instanceID,
		APIKey:     cfg.Server.APIKey,
		RateLimit:  rateLimit(cfg.RateLimit),
		Logger:     logger,
	}
	if cfg.Server.TLS() {
		certs, err := cert.New(cert.Config{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		if err := certs.Watch(); err != nil {
			logger.Warn("certificate reload disabled", "error", err)
		}
		defer certs.Close()
		srvCfg.TLS = certs.TLSConfig()
	}
	srv := server.New(srvCfg)

	g, gctx := errgroup.WithContext(ctx)

	if err := a.manager.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if cfg.Update.Watch {
		if err := a.manager.Watch(); err != nil {
			logger.Warn("data directory watch disabled", "error", err)
		}
	}

	g.Go(func() error {
		return srv.ServeTCP(gctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

func rateLimit(rc config.RateLimitConfig) server.RateLimit {
	if !rc.Enabled {
		return server.RateLimit{}
	}
	return server.RateLimit{Limit: rate.Limit(rc.RPS), Burst: rc.Burst}
}

// loadNewest installs the newest readable version of every edition without
// touching the data directory.
func (a *app) loadNewest() int {
	versions := a.store.Scan()
	installed := 0
	for _, ed := range a.registry.Editions() {
		for _, vf := range versions[ed] {
			v, err := a.registry.Open(ed, vf.Timestamp, vf.Path, vf.ArchivePath)
			if err != nil {
				a.logger.Warn("skipping unreadable database", "path", vf.Path, "error", err)
				continue
			}
			if ok, err := a.registry.Install(v); err == nil && ok {
				installed++
			}
			break
		}
	}
	return installed
}

// withTimeout bounds one-shot commands.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
