package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/ride-coordination/internal/attendance"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/config"
	"github.com/example/ride-coordination/internal/dispatch"
	httpapi "github.com/example/ride-coordination/internal/http"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/meeting"
	"github.com/example/ride-coordination/internal/membership"
	"github.com/example/ride-coordination/internal/payments"
	"github.com/example/ride-coordination/internal/storage"
	"github.com/example/ride-coordination/internal/sweep"
)

func main() {
	flags := pflag.NewFlagSet("ride-coordination", pflag.ContinueOnError)
	addr := flags.String("addr", "", "listen address, overrides HTTP_ADDR")
	migrate := flags.Bool("migrate", false, "apply database migrations before serving")
	noSweep := flags.Bool("no-sweep", false, "disable the survey sweep loop on this instance")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	cfg.RunMigrations = cfg.RunMigrations || *migrate

	logger := logging.NewLogger("ride-coordination", cfg.LogLevel)
	if err := run(cfg, !*noSweep, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, sweeping bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := map[string]httpapi.Checker{}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	ready["store"] = store

	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.Fanout{wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		notifier = append(notifier, kp)
		logger.Info("publishing notifications to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	notifier = append(notifier, dispatch.LogNotifier{Logger: logger})

	engine := attendance.NewEngine(store, notifier, logger, cfg.SurveyGrace)

	if sweeping {
		var locker sweep.Locker = sweep.NoopLocker{}
		if cfg.RedisAddr != "" {
			rl := sweep.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.SweepLockKey, cfg.SweepLockTTL)
			defer rl.Close()
			locker = rl
			ready["redis"] = rl
		}
		go sweep.NewRunner(engine, locker, cfg.SweepInterval, logger).Run(ctx)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Ledger:     membership.NewLedger(store, notifier, logger),
		Resolver:   meeting.NewResolver(store, notifier, logger),
		Attendance: engine,
		Payments:   payments.NewEngine(store, notifier, logger),
		Verifier:   auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		WSReg:      wsreg,
		Ready:      ready,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-coordination listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, cfg.PGTxRetries)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ps.Ping(pingCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}
