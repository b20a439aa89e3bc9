package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chronoplan/internal/api"
	"chronoplan/internal/config"
	"chronoplan/internal/conflict"
	"chronoplan/internal/domain"
	"chronoplan/internal/handlers/webhook"
	"chronoplan/internal/scheduler"
	"chronoplan/internal/stats"
	"chronoplan/internal/store"
	"chronoplan/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP bind address")
	serveCmd.Flags().Int("workers", 8, "maximum concurrent task runs")
	serveCmd.Flags().Duration("tick", 2*time.Second, "due-task polling interval")
	serveCmd.Flags().Bool("debug", false, "expose /debug/pprof")

	bindFlag("http.addr", serveCmd.Flags(), "addr")
	bindFlag("scheduler.workers", serveCmd.Flags(), "workers")
	bindFlag("scheduler.tick_interval", serveCmd.Flags(), "tick")
}

func runServe(cmd *cobra.Command, _ []string) error {
	debug, _ := cmd.Flags().GetBool("debug")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DB.Path, cfg.DB.BusyTimeout)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tasks := store.NewTaskRepo(db)
	agg := stats.New(tasks, cfg.Stats.Buffer)
	if err := agg.RecalculateAll(ctx); err != nil {
		return fmt.Errorf("load statistics: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	coord := worker.NewCoordinator(tasks, registry, agg, cfg.Scheduler.DefaultTimeout)
	pool := worker.NewPool(cfg.Scheduler.Workers)
	sched := scheduler.NewService(tasks, coord, pool, scheduler.Options{
		TickInterval:   cfg.Scheduler.TickInterval,
		BatchLimit:     cfg.Scheduler.BatchLimit,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		ClaimGrace:     cfg.Scheduler.ClaimGrace,
	})

	handler := api.NewServerWithDebug(api.Deps{
		Tasks:    scheduler.NewTasks(tasks, agg),
		Stats:    agg,
		Calendar: conflict.NewService(store.NewEventRepo(db)),
		Pool:     pool,
	}, debug)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	// Statistics outlive the scheduler so the last commits are folded in.
	aggCtx, stopAgg := context.WithCancel(context.Background())
	defer stopAgg()
	aggDone := make(chan struct{})
	go func() {
		_ = agg.Run(aggCtx)
		close(aggDone)
	}()

	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Bool("pprof", debug).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopAgg()
	<-aggDone
	if err != nil {
		return err
	}
	log.Info().Msg("stopped cleanly")
	return nil
}

// buildRegistry binds a webhook executor to every module that has one configured.
func buildRegistry(c config.Config) (*worker.Registry, error) {
	registry := worker.NewRegistry()
	for _, m := range domain.AllModules {
		ec, ok := c.ExecutorFor(m)
		if !ok {
			continue
		}
		ex, err := webhook.New(m, webhook.Config{
			URL:        ec.URL,
			Timeout:    ec.Timeout,
			RatePerSec: ec.RatePerSec,
			Burst:      ec.Burst,
			Headers:    ec.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", m, err)
		}
		registry.Register(m, ex)
	}
	mods := registry.Modules()
	if len(mods) == 0 {
		log.Warn().Msg("no executors configured; due tasks will fail without retry")
	} else {
		log.Info().Interface("modules", mods).Msg("executors registered")
	}
	return registry, nil
}
