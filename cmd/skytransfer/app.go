package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/admission"
	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/cache"
	"github.com/kenneth/skytransfer/internal/config"
	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/metrics"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
	"github.com/kenneth/skytransfer/internal/transfer"
)

// app holds the components every command is built from.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	session *session.Session

	store     storage.ContentStore
	portals   *storage.Portals
	registry  manifest.Store
	scheduler *manifest.Scheduler
	admission *admission.Controller

	// uploader is nil for read-only sessions.
	uploader   *transfer.Uploader
	downloader *transfer.Downloader

	closers []func() error
}

// newLogger builds the process logger. Interactive commands log text,
// the server logs JSON.
func newLogger(json bool) *logrus.Logger {
	logger := logrus.New()
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetOutput(os.Stderr)
	return logger
}

func loadConfig(logger *logrus.Logger) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return cfg, nil
}

// loadSession opens the session from --share or the configured seed.
func loadSession(cfg *config.Config) (*session.Session, error) {
	if shareLink != "" {
		return session.ParseShareLink(shareLink)
	}
	if cfg.Session.PrivateKeySeed == "" {
		return nil, errors.New("no session key configured: run 'skytransfer keygen' and set session.private_key_seed")
	}
	return session.FromSeedHex(cfg.Session.PrivateKeySeed)
}

// cliNotifier prints scheduler notifications for interactive commands.
func cliNotifier(logger *logrus.Logger) manifest.Notifier {
	return manifest.NotifierFunc(func(n manifest.Notification) {
		switch n.Kind {
		case manifest.SyncStarted:
			logger.WithField("trigger", n.Trigger).Debug("Manifest sync started")
		case manifest.SyncFailed:
			fmt.Fprintln(os.Stderr, color.RedString("✗")+" Manifest sync failed: "+n.Err.Error())
		case manifest.UploadCompleted:
			fmt.Fprintf(os.Stderr, "%s Upload completed, %d files in the manifest\n", color.GreenString("✓"), n.Files)
		}
	})
}

// newApp wires configuration into the storage, manifest and transfer
// components and loads the remote manifest.
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, notifier manifest.Notifier) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: metrics.NewMetrics(), audit: audit.Nop()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.session, err = loadSession(cfg); err != nil {
		return nil, err
	}

	if cfg.Audit.Enabled {
		a.audit = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
	}

	var s3Client storage.Client
	s3ClientFor := func() (storage.Client, error) {
		if s3Client == nil {
			c, err := storage.NewClient(ctx, &cfg.Storage.S3)
			if err != nil {
				return nil, fmt.Errorf("failed to create S3 client: %w", err)
			}
			s3Client = c
		}
		return s3Client, nil
	}

	switch cfg.Storage.Backend {
	case "s3":
		client, err := s3ClientFor()
		if err != nil {
			return nil, err
		}
		a.store = storage.NewS3Store(client, &cfg.Storage.S3, logger)
	case "portal":
		a.portals, err = storage.NewPortals(cfg.Storage.Portal.URL, cfg.Storage.Portal.KnownPortals)
		if err != nil {
			return nil, err
		}
		a.store = storage.NewPortalStore(a.portals, &http.Client{}, cfg.Storage.Portal.APIKey, logger)
	}

	switch cfg.Manifest.Store {
	case "s3":
		client, err := s3ClientFor()
		if err != nil {
			return nil, err
		}
		a.registry = manifest.NewS3Store(client, cfg.Storage.S3.Bucket, logger)
	case "bolt":
		bolt, err := manifest.OpenBoltStore(cfg.Manifest.BoltPath)
		if err != nil {
			return nil, err
		}
		a.registry = bolt
		a.closers = append(a.closers, bolt.Close)
	}

	schedOpts := manifest.Options{
		KeyName:       cfg.Session.ManifestKeyName,
		SyncFactor:    cfg.Manifest.SyncFactor,
		MinSyncFactor: cfg.Manifest.MinSyncFactor,
		Notifier:      notifier,
		Audit:         a.audit,
		Metrics:       a.metrics,
	}
	if deleter, ok := a.store.(storage.Deleter); ok {
		schedOpts.Reclaimer = transfer.NewContentReclaimer(deleter, logger)
	}
	a.scheduler, err = manifest.NewScheduler(a.registry, a.session, schedOpts, logger)
	if err != nil {
		return nil, err
	}
	if err := a.scheduler.Load(ctx); err != nil {
		return nil, err
	}

	if a.admission, err = admission.New(cfg.Transfer.MaxParallel, a.metrics); err != nil {
		return nil, err
	}

	if a.session.Writable() {
		a.uploader, err = transfer.NewUploader(a.store, a.admission, a.scheduler, a.session, transfer.UploaderOptions{
			EncryptionType: crypto.EncryptionType(cfg.Transfer.EncryptionType),
			ChunkSize:      cfg.Transfer.ChunkSize,
			Offload:        cfg.Transfer.Offload,
			OffloadBuffer:  cfg.Transfer.OffloadBuffer,
			Metrics:        a.metrics,
			Audit:          a.audit,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	var chunkCache cache.Cache
	if cfg.Cache.Enabled {
		chunkCache = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.TTL)
	}
	fetcher := storage.NewFetcher(&http.Client{}, storage.FetcherOptions{
		Retries: cfg.Transfer.FetchRetries,
		Backoff: cfg.Transfer.FetchBackoff,
		Timeout: cfg.Transfer.FetchTimeout,
	}, chunkCache, a.metrics, logger)
	a.downloader = transfer.NewDownloader(a.store, fetcher, a.session, transfer.DownloaderOptions{
		Metrics: a.metrics,
		Audit:   a.audit,
	}, logger)

	logger.WithFields(logrus.Fields{
		"backend":  cfg.Storage.Backend,
		"manifest": cfg.Manifest.Store,
		"files":    a.scheduler.Manifest().Len(),
		"writable": a.session.Writable(),
	}).Debug("Session opened")
	return a, nil
}

// requireWritable fails commands that modify the manifest on read-only
// sessions.
func (a *app) requireWritable() error {
	if !a.session.Writable() {
		return session.ErrReadOnly
	}
	return nil
}

// Close releases stores opened by newApp.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

// setup loads configuration and builds the app for an interactive command.
func setup(ctx context.Context) (*app, error) {
	logger := newLogger(false)
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, cliNotifier(logger))
}

// startScheduler runs the manifest scheduler in the background. The
// returned stop function cancels it and returns the result of its final
// flush.
func (a *app) startScheduler(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.scheduler.Run(ctx) }()
	return func() error {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
