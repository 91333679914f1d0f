// Command demo wires a pool and a tick scheduler together and walks
// through a handful of representative scheduling scenarios: independent
// work, a dependency chain, a retrying task, and a timing-out task.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/kestrel-systems/taskengine/internal/config"
	"github.com/kestrel-systems/taskengine/internal/logger"
	"github.com/kestrel-systems/taskengine/pkg/pool"
	"github.com/kestrel-systems/taskengine/pkg/scheduler"
	"github.com/kestrel-systems/taskengine/pkg/task"
)

func main() {
	// GOMAXPROCS is set before config.Load, which reads it for the
	// default worker count.
	_, procsErr := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug().Msgf(format, args...)
	}))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()

	if procsErr != nil {
		log.Warn().Err(procsErr).Msg("failed to set GOMAXPROCS")
	}

	log.Info().Msg("starting demo")

	p, err := pool.NewPool(cfg.Pool.WorkerCount)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pool")
	}
	defer p.Shutdown()

	if cfg.Metrics.Enabled {
		startMetricsServer(log)
	}

	mode := scheduler.ModeAuto
	if cfg.Sched.Mode == config.ModeManual {
		mode = scheduler.ModeManual
	}

	sched, err := scheduler.NewScheduler(p, cfg.Sched.TickLength(), cfg.Sched.MaxConcurrent, mode)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	defer sched.Close()

	runIndependentWork(log, sched)
	runDependencyChain(log, sched)
	runRetryingTask(log, sched)
	runTimingOutTask(log, sched)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down demo")
}

func startMetricsServer(log *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":2112", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", srv.Addr).Msg("serving metrics")
}

// echoTask returns its params unchanged as its result.
func echoTask(params task.Record) (task.Record, error) {
	return params, nil
}

func runIndependentWork(log *zerolog.Logger, sched *scheduler.TickScheduler) {
	for i := 0; i < 5; i++ {
		i := i
		_, err := sched.Schedule(scheduler.ScheduleOptions{Name: fmt.Sprintf("echo-%d", i)}, echoTask, task.Record{"n": i})
		if err != nil {
			log.Error().Err(err).Msg("failed to schedule echo task")
		}
	}
}

func runDependencyChain(log *zerolog.Logger, sched *scheduler.TickScheduler) {
	stage := func(name string) task.Func {
		return func(params task.Record) (task.Record, error) {
			log.Info().Str("stage", name).Msg("dependency chain stage ran")
			return nil, nil
		}
	}

	a, err := sched.Schedule(scheduler.ScheduleOptions{Name: "fetch"}, stage("fetch"), nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule chain")
		return
	}
	b, err := sched.Schedule(scheduler.ScheduleOptions{Name: "transform"}, stage("transform"), nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule chain")
		return
	}
	c, err := sched.Schedule(scheduler.ScheduleOptions{Name: "publish"}, stage("publish"), nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule chain")
		return
	}

	if err := sched.AddDependency(b.ID(), a.ID()); err != nil {
		log.Error().Err(err).Msg("failed to add dependency")
	}
	if err := sched.AddDependency(c.ID(), b.ID()); err != nil {
		log.Error().Err(err).Msg("failed to add dependency")
	}
}

func runRetryingTask(log *zerolog.Logger, sched *scheduler.TickScheduler) {
	attempts := 0
	flaky := func(params task.Record) (task.Record, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure on attempt %d", attempts)
		}
		return task.Record{"attempts": attempts}, nil
	}

	h, err := sched.Schedule(scheduler.ScheduleOptions{
		Name:          "flaky-upload",
		RetryCount:    3,
		RetryInterval: 2,
	}, flaky, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule retrying task")
		return
	}

	sched.SetCompletion(h.ID(), func(t *task.Task, err error) {
		log.Info().Str("status", t.Status().String()).Err(err).Msg("flaky-upload attempt finished")
	})
}

func runTimingOutTask(log *zerolog.Logger, sched *scheduler.TickScheduler) {
	slow := func(params task.Record) (task.Record, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	}

	_, err := sched.Schedule(scheduler.ScheduleOptions{
		Name:    "slow-download",
		Timeout: 200 * time.Millisecond,
	}, slow, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule timing-out task")
	}
}
