package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/scheduler"
	httpapi "github.com/abk1969/ebios-rm-ai-manager-sub005/internal/interface/http"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, _ := cmd.Flags().GetInt("port")
			return runServe(cmd.Context(), cmd, port)
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (overrides HTTP_PORT)")
	return cmd
}

func runServe(parent context.Context, cmd *cobra.Command, port int) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.HTTP.Port = port
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting trainer",
		"version", cfg.App.Version,
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Enabled,
		"weighting", cfg.Training.Weighting,
	)

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialise: %w", err)
	}
	defer rt.close()

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute
	httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpCfg.APIKeys = cfg.HTTP.APIKeys

	jobs, err := maintenanceJobs(rt)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		Registry:      rt.registry,
		Inbox:         rt.inbox,
		Events:        rt.events,
		Monitor:       rt.monitor,
		HealthChecker: rt.health,
		Jobs:          jobs,
		Version:       cfg.App.Version,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer jobs.Stop()

	errCh := server.StartAsync()
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	jobs.Stop()
	if err := rt.registry.Shutdown(shutdownCtx); err != nil {
		log.Error("session shutdown incomplete", "error", err)
	}
	log.Info("shutdown completed")
	return nil
}

// maintenanceJobs schedules the idle session sweep and, when enabled, a
// background health probe that keeps breaker state visible in the logs.
func maintenanceJobs(rt *runtime) (*scheduler.Scheduler, error) {
	s := scheduler.New(scheduler.Config{Logger: rt.log})

	sweep := scheduler.NewJob("session_sweep", func(ctx context.Context) error {
		if n := rt.registry.Sweep(ctx); n > 0 {
			rt.log.Info("idle sessions closed", "count", n)
		}
		return nil
	})
	if err := s.Register(sweep, scheduler.Every(rt.cfg.Session.SweepInterval)); err != nil {
		return nil, err
	}

	if every := rt.cfg.Observability.HealthProbeInterval; every > 0 {
		probe := scheduler.NewJob("health_probe", func(ctx context.Context) error {
			status := rt.health.Check(ctx)
			if !status.Healthy {
				return fmt.Errorf("unhealthy: %s", status.Message)
			}
			return nil
		})
		if err := s.Register(probe, scheduler.Every(every)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
