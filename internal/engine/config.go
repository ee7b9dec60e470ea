package engine

import (
	"context"
	"log/slog"

	"github.com/seantiz/npurt/internal/model"
)

// Default engine settings.
const (
	DefaultCallbackWorkers = 4
	DefaultMaxJobs         = 1024
)

// Journal persists job records. store.SQLiteStore implements it.
type Journal interface {
	CreateJob(ctx context.Context, r *model.JobRecord) error
	UpdateJob(ctx context.Context, r *model.JobRecord) error
}

// Config tunes an Engine. The zero value is usable; see DefaultConfig.
type Config struct {
	// CallbackWorkers is the number of goroutines delivering callbacks.
	CallbackWorkers int

	// MaxJobs bounds the job table. When full, the oldest terminal job is
	// evicted, preferring jobs whose status was already observed.
	MaxJobs int

	// CheckBorrows rejects submissions whose buffers are in use by another
	// in-flight job.
	CheckBorrows bool

	Logger  *slog.Logger
	Journal Journal
	Events  *EventBroker
}

// DefaultConfig returns the default settings with borrow checking enabled.
func DefaultConfig() Config {
	return Config{
		CallbackWorkers: DefaultCallbackWorkers,
		MaxJobs:         DefaultMaxJobs,
		CheckBorrows:    true,
	}
}

func (c Config) withDefaults() Config {
	if c.CallbackWorkers <= 0 {
		c.CallbackWorkers = DefaultCallbackWorkers
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = NewEventBroker()
	}
	return c
}
