// Command realtimed runs the realtime event broker.
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
	"golang.org/x/sync/errgroup"

	"realtime/internal/realtime"
	"realtime/internal/realtime/access"
	"realtime/internal/realtime/auth"
	"realtime/internal/realtime/dispatcher"
	"realtime/internal/realtime/heartbeat"
	"realtime/internal/realtime/metrics"
	"realtime/internal/realtime/registry"
	"realtime/internal/realtime/server"
	"realtime/internal/realtime/subscription"
	"realtime/internal/realtime/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtimed",
		Short: "Realtime event broker for platform clients",
		Long: `realtimed pushes platform events to connected WebSocket clients.

Configuration is read from the environment (HTTP_ADDR, AUTH_JWT_SECRET,
ACCESS_POLICY_FILE, HEARTBEAT_TIMEOUT, ...).`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the broker",
			RunE:  runServe,
		},
		newTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("realtimed %s (built %s)\n", version, buildTime)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed client token with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if !realtime.Role(role).Known() {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			verifier, err := auth.NewVerifier(cfg.Auth)
			if err != nil {
				return err
			}

			token, err := verifier.Issue(userID, realtime.Role(role), ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("user", "", "user id (token subject)")
	cmd.Flags().String("role", "", "platform role")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo(version, buildTime)
	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, logger)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing initialized",
			zap.String("service", cfg.Tracing.ServiceName),
			zap.String("jaeger_endpoint", cfg.Tracing.JaegerEndpoint),
			zap.Float64("sample_rate", cfg.Tracing.SampleRate),
		)
	}

	reg := registry.NewRegistry(cfg.Registry)

	fallback, err := access.ParseDefaultPolicy(cfg.AccessDefaultPolicy)
	if err != nil {
		return err
	}
	filter := access.NewFilter(fallback)

	var watcher *access.Watcher
	if cfg.AccessPolicyFile != "" {
		watcher = access.NewWatcher(cfg.AccessPolicyFile, filter, logger, metricsRegistry.RecordPolicyReload)
		if err := watcher.Load(); err != nil {
			return fmt.Errorf("failed to load access policy: %w", err)
		}
	}

	baseDispatcher, err := dispatcher.NewDispatcher(reg, filter, logger, cfg.Dispatcher)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d := dispatcher.NewTracedDispatcher(
		dispatcher.NewMetricsDispatcher(baseDispatcher, metricsRegistry, filter.Classified),
		tracer,
	)

	subscriptions, err := subscription.NewManager(reg, logger, cfg.Subscription)
	if err != nil {
		return fmt.Errorf("failed to create subscription manager: %w", err)
	}

	var opts []server.Option
	if cfg.Auth.Secret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithVerifier(verifier))
	} else {
		logger.Warn("AUTH_JWT_SECRET is not set, trusting client supplied identity")
	}

	srv, err := server.NewServer(cfg.Server, reg, subscriptions, d, metricsRegistry, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	monitor, err := heartbeat.NewMonitor(reg, logger, cfg.Heartbeat, srv.ConnectionEvicted)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat monitor: %w", err)
	}

	logger.Info("starting realtimed",
		zap.String("version", version),
		zap.String("addr", srv.Addr()),
		zap.String("defaultPolicy", string(filter.Fallback())),
		zap.Strings("classifiedTopics", filter.Topics()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metricsServer.Start(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	metricsServer.SetReady(true)

	if err := g.Wait(); err != nil {
		logger.Error("realtimed stopped with error", zap.Error(err))
		return err
	}

	logger.Info("realtimed stopped")
	return nil
}
