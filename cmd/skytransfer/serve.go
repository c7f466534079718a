package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/skytransfer/internal/api"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/middleware"
	"github.com/kenneth/skytransfer/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Serve the upload, download and manifest operations over HTTP.

The manifest scheduler runs in the background and flushes pending changes on
shutdown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

// logNotifier routes scheduler notifications to the server log.
func logNotifier(logger *logrus.Logger) manifest.Notifier {
	return manifest.NotifierFunc(func(n manifest.Notification) {
		entry := logger.WithFields(logrus.Fields{
			"trigger": n.Trigger,
			"files":   n.Files,
		})
		switch n.Kind {
		case manifest.SyncFailed:
			entry.WithError(n.Err).Warn("Manifest sync failed")
		case manifest.UploadCompleted:
			entry.Info("Upload batch completed")
		default:
			entry.WithField("kind", n.Kind).Debug("Manifest notification")
		}
	})
}

func runServe(ctx context.Context) error {
	logger := newLogger(true)
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting skytransfer gateway")

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, logger.Out)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	a, err := newApp(ctx, cfg, logger, logNotifier(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.Options{
		Uploader:       a.uploader,
		Downloader:     a.downloader,
		Scheduler:      a.scheduler,
		Session:        a.session,
		Portals:        a.portals,
		Admission:      a.admission,
		Audit:          a.audit,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, logger)

	router := mux.NewRouter()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, a.metrics.Handler()).Methods(http.MethodGet)
	}
	handler.RegisterRoutes(router)

	// Route-aware middleware runs after mux has matched the request.
	router.Use(middleware.LoggingMiddleware(logger, &cfg.Logging, a.metrics))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	}

	var httpHandler http.Handler = router
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	stopCollector := make(chan struct{})
	a.metrics.StartSystemMetricsCollector(stopCollector)
	defer close(stopCollector)

	// The scheduler outlives the server so uploads that finish while
	// draining still reach the manifest.
	schedCtx, stopScheduler := context.WithCancel(context.WithoutCancel(ctx))
	defer stopScheduler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Run flushes pending manifest changes before it returns.
		if err := a.scheduler.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopScheduler()
		logger.Info("Shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
			return err
		}
		logger.Info("Server stopped gracefully")
		return nil
	})
	return g.Wait()
}
