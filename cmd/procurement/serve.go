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

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/procurement-engine/agent"
	"github.com/songzhibin97/procurement-engine/config"
	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/sandbox"
	"github.com/songzhibin97/procurement-engine/server"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// snowflakeEpoch is fixed so run IDs keep their order across restarts.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// resumeTimeout bounds one task resumed after its approval run ends.
const resumeTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the procurement HTTP server and workflow scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := cfg.Log.Logger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeStore(); err != nil {
				logger.Error("error closing store", "err", err)
			}
		}()
		logger.Info("run store opened", "driver", cfg.Store.Driver)

		bus := events.NewEventBus()
		defer bus.Stop()

		if cfg.NATS.URL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATS.URL)
			if err != nil {
				return err
			}
			defer func() {
				if err := pub.Close(); err != nil {
					logger.Error("error closing publisher", "err", err)
				}
			}()
			pub.Attach(bus)
			logger.Info("events enabled", "nats_url", cfg.NATS.URL)
		} else {
			logger.Info("events disabled (PROCUREMENT_NATS_URL not set)")
		}

		engine, err := workflow.NewEngine(
			generator.NewSnowflake(snowflakeEpoch, 1),
			store,
			workflow.WithEventBus(bus),
			workflow.WithLogger(logger),
			workflow.WithPollInterval(cfg.Engine.PollInterval),
		)
		if err != nil {
			return err
		}

		sb := sandbox.New(nil, logger)
		if cfg.Seed {
			sb.Seed(time.Now())
		}

		settings, err := cfg.Settings()
		if err != nil {
			return err
		}
		eval := rules.NewExprEvaluator()
		svc, err := procurement.NewService(engine, sb.Collaborators(),
			procurement.WithSettings(settings),
			procurement.WithEvaluator(eval),
			procurement.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg, svc, sb, settings, eval, bus, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.Recover(ctx); err != nil {
			return err
		}
		go func() {
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped", "err", err)
			}
		}()
		if cfg.Engine.ArchiveAfter > 0 {
			go archiveLoop(ctx, svc, cfg.Engine.ArchiveAfter, logger)
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.New(orch, svc, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
				stop()
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("engine shutdown error", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func openStore(cfg *config.Config) (storage.Storage, func() error, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverSQLite:
		s, err := storage.OpenSQLStorage(storage.DialectSQLite, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := storage.OpenSQLStorage(storage.DialectPostgres, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func buildOrchestrator(cfg *config.Config, svc *procurement.Service, sb *sandbox.Sandbox, settings procurement.Settings,
	eval rules.Evaluator, bus *events.EventBus, logger *slog.Logger) (*agent.Orchestrator, error) {
	policy := gate.NewPolicy(eval)
	registry, err := agent.NewRegistry(policy, cfg.Definitions()...)
	if err != nil {
		return nil, err
	}
	toolbox, err := agent.NewToolbox(sb.Backends(svc, settings.Directory), cfg.ToolRetry())
	if err != nil {
		return nil, err
	}

	var oracle agent.Oracle
	if cfg.Oracle.URL != "" {
		oracle = agent.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.Token, cfg.Oracle.Timeout)
		logger.Info("oracle enabled", "url", cfg.Oracle.URL)
	} else {
		canned := sandbox.NewScriptedOracle()
		canned.Fallback = &agent.Proposal{Text: "No decision model is configured; set PROCUREMENT_ORACLE_URL to enable the agents."}
		oracle = canned
		logger.Warn("oracle disabled (PROCUREMENT_ORACLE_URL not set)")
	}

	loop, err := agent.NewLoop(registry, oracle, toolbox, svc,
		agent.WithPolicy(policy),
		agent.WithEventBus(bus),
		agent.WithLogger(logger),
		agent.WithUniversity(cfg.University),
	)
	if err != nil {
		return nil, err
	}
	if err := loop.ResumeOnTerminal(resumeTimeout); err != nil {
		return nil, err
	}
	return agent.NewOrchestrator(loop, agent.NewRouter(registry, cfg.Intents())), nil
}

func archiveLoop(ctx context.Context, svc *procurement.Service, after time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Archive(ctx, time.Now().Add(-after)); err != nil {
				logger.Error("archive failed", "err", err)
			}
		}
	}
}
