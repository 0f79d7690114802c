package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dhawalhost/dirsync/internal/config"
	"github.com/dhawalhost/dirsync/internal/credential"
	"github.com/dhawalhost/dirsync/internal/scheduler"
	"github.com/dhawalhost/dirsync/internal/synchronizer"
	"github.com/dhawalhost/dirsync/pkg/database"
	"github.com/dhawalhost/dirsync/pkg/logger"
	"github.com/dhawalhost/dirsync/pkg/middleware"
	"github.com/dhawalhost/dirsync/pkg/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const serviceName = "syncsvc"

var version = "dev"

func main() {
	root := &cli.Command{
		Name:    serviceName,
		Usage:   "Keeps the internal directory in sync with the external one",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			checkCredentialCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the synchronization schedule",
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Sync.Enabled {
		sched = scheduler.New(a.svc, scheduler.Config{
			Spec:     cfg.Sync.Cron,
			Attempts: cfg.Sync.RetryAttempts,
			Backoff:  cfg.Sync.RetryBackoff,
		}, log.Named("scheduler"))
		if err := sched.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Warn("Synchronization disabled, scheduler not started")
	}

	limiter := middleware.NewClientRateLimiter(rate.Limit(5), 10)
	go limiter.RunEviction(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		cors.Default(),
		middleware.SecurityHeaders(),
		middleware.Metrics(a.metrics),
	)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	api := router.Group("/api/v1", middleware.RateLimit(limiter))
	synchronizer.NewHTTPHandler(ctx, a.svc, log.Named("api")).RegisterRoutes(api)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.UserTimeout+5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error("HTTP server shutdown failed", zap.Error(serr))
	}
	if sched != nil {
		sched.Stop()
	}
	if cerr := a.Close(); cerr != nil {
		log.Error("Failed to release resources", zap.Error(cerr))
	}
	if terr := shutdownTracer(shutdownCtx); terr != nil {
		log.Error("Tracer shutdown failed", zap.Error(terr))
	}
	return err
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one synchronization and print its outcome",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Usage: "restrict the run to one tenant (group name)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if !cfg.Sync.Enabled {
				return errors.New("synchronization is disabled (SYNC_ENABLED=false)")
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			state, runErr := a.svc.Synchronize(ctx, c.String("tenant"))
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(state); err != nil {
				return err
			}
			return runErr
		},
	}
}

func checkCredentialCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-credential",
		Usage: "Verify a password against the credential stored for an internal user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user-id", Required: true, Usage: "internal user id"},
			&cli.StringFlag{Name: "password", Required: true, Usage: "password to verify", Sources: cli.EnvVars("CHECK_PASSWORD")},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.NewConnection(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			row, err := credential.NewStore(db).GetByUserID(ctx, c.String("user-id"))
			if err != nil {
				return fmt.Errorf("load credential: %w", err)
			}
			ok, err := credential.Verify(row, c.String("password"))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("password does not match")
			}
			fmt.Println("password matches")
			return nil
		},
	}
}
