// Package logger provides the structured logger shared by the pool,
// scheduler, and task packages. Init always writes to os.Stdout, either
// as newline-delimited JSON or through a console writer; the sink itself
// is not configurable.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	// Sensible default so packages that log before Init (e.g. in tests)
	// don't panic on a zero-value Logger.
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the global logger. pretty selects a human-readable
// console writer over newline-delimited JSON.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Get returns the process-wide logger.
func Get() *zerolog.Logger {
	return &log
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func WithWorker(workerID string) zerolog.Logger {
	return log.With().Str("worker_id", workerID).Logger()
}

// WithPool scopes log lines to a specific pool instance.
func WithPool(poolID string) zerolog.Logger {
	return log.With().Str("pool_id", poolID).Logger()
}

// WithScheduler scopes log lines to the scheduler.
func WithScheduler() zerolog.Logger {
	return log.With().Str("component", "scheduler").Logger()
}

// WithTickTask scopes log lines to a scheduled tick task.
func WithTickTask(id uint64) zerolog.Logger {
	return log.With().Uint64("tick_task_id", id).Logger()
}

func WithTask(taskID string) zerolog.Logger {
	return log.With().Str("task_id", taskID).Logger()
}

// Convenience methods

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
