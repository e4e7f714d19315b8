package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/adminauth"
	"github.com/pht-router/trainrouter/internal/adminserver"
	"github.com/pht-router/trainrouter/internal/busadapter"
	"github.com/pht-router/trainrouter/internal/config"
	"github.com/pht-router/trainrouter/internal/dispatcher"
	"github.com/pht-router/trainrouter/internal/jobstate"
	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/registrymover"
	"github.com/pht-router/trainrouter/internal/router"
	"github.com/pht-router/trainrouter/internal/routestore"
)

var (
	logger *observability.Logger
	cfg    *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trainrouter",
	Short: "Job routing daemon for a distributed analytics pipeline",
	Long: `trainrouter consumes bus commands that move a job's images between
registry stations according to its stored route, tracking runtime
state in Redis and route definitions in Vault.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.Load()
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			if l, lerr := observability.NewLogger(cfg.LogLevel); lerr == nil {
				logger = l
			} else {
				logger.Warn("failed to set configured log level, using default", zap.Error(lerr))
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router daemon",
	Long:  "Connect to the bus, the registry, Vault, and Redis, and begin routing jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			logger.Error("router exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting trainrouter", zap.Any("config", cfg.Redact()))

	routes, err := routestore.New(routestore.Config{
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPoint: cfg.Vault.MountPoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating route store: %w", err)
	}

	jobs := jobstate.New(jobstate.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	mover := registrymover.New(registrymover.Config{
		URL:      cfg.Registry.URL,
		User:     cfg.Registry.User,
		Password: cfg.Registry.Password,
	}, logger)

	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("vault", observability.PingHealthCheck("vault", routes.Ping))
	healthChecker.RegisterCheck("redis", observability.PingHealthCheck("redis", jobs.Ping))
	healthChecker.RegisterCheck("registry", observability.PingHealthCheck("registry", mover.Health))
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)
	go reportActiveJobs(ctx, jobs, logger)

	// The admin surface, when enabled, needs a Notifier to hand the
	// Router and a Processor to hand the admin surface — built in this
	// order to avoid a dependency cycle between the two packages.
	var hub *adminserver.JobEventHub
	var auth *adminauth.Authenticator
	adminEnabled := cfg.Admin.Secret != ""
	if adminEnabled {
		hub = adminserver.NewJobEventHub(logger)
		var err error
		auth, err = adminauth.New(cfg.Admin.Secret)
		if err != nil {
			return fmt.Errorf("creating admin authenticator: %w", err)
		}
	}

	// hub is a typed nil when admin is disabled; assigning it directly
	// to the Notifier interface field would make a non-nil interface
	// wrapping a nil pointer, so the Router's nil check is done here
	// instead.
	var notifier router.Notifier
	if adminEnabled {
		notifier = hub
	}

	eng := router.New(router.Config{
		Routes:    routes,
		Jobs:      jobs,
		Mover:     mover,
		Logger:    logger,
		AutoStart: cfg.AutoStart,
		Notifier:  notifier,
	})

	var admin *adminserver.Server
	if adminEnabled {
		admin = adminserver.New(adminserver.Config{
			Addr:   cfg.Admin.Addr,
			Logger: logger,
			Health: healthChecker,
			Routes: routes,
			Jobs:   jobs,
			Router: eng,
			Auth:   auth,
			Hub:    hub,
		})
	}

	if err := eng.Sync(ctx); err != nil {
		return fmt.Errorf("startup sync: %w", err)
	}

	disp := dispatcher.New(eng, logger)

	bus := busadapter.New(busadapter.Config{
		URL:         cfg.Bus.URL,
		Exchange:    cfg.Bus.Exchange,
		InboundKey:  cfg.Bus.InboundKey,
		OutboundKey: cfg.Bus.OutboundKey,
	}, disp, logger)
	healthChecker.RegisterCheck("bus", observability.PingHealthCheck("bus", func(ctx context.Context) error {
		if bus.Connected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}))

	busErrCh := make(chan error, 1)
	go func() {
		busErrCh <- bus.Run()
	}()

	if admin != nil {
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin surface exited with error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case err := <-busErrCh:
		if err != nil {
			logger.Error("bus adapter stopped unexpectedly", zap.Error(err))
		}
	}

	cancel()
	bus.Stop()
	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := admin.Stop(shutdownCtx); err != nil {
			logger.Warn("admin surface shutdown error", zap.Error(err))
		}
	}

	return nil
}

// reportActiveJobs periodically samples the job state store's active
// count into the trainrouter_active_jobs gauge. A best-effort SCAN
// like jobstate.Store.CountActive has no place on the command-handling
// path, so it is kept entirely on this background timer.
func reportActiveJobs(ctx context.Context, jobs *jobstate.Store, logger *observability.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	metrics := observability.NewMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := jobs.CountActive(ctx)
			if err != nil {
				logger.Warn("failed to sample active job count", zap.Error(err))
				continue
			}
			metrics.SetActiveJobs(float64(count))
		}
	}
}
