package tableservice

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	apperr "github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/timeline"
)

// DaemonConfig tunes the background service loop.
type DaemonConfig struct {
	// CheckInterval is how often the daemon schedules and executes services.
	CheckInterval time.Duration
	// Partitions limits scheduling to these partitions; empty means the
	// caller must set it before starting.
	Partitions []string
	// Actions are the services the daemon drives, in order, each cycle.
	Actions []timeline.Action
}

// DefaultDaemonConfig returns the default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		CheckInterval: 5 * time.Minute,
		Actions:       []timeline.Action{timeline.ActionCompaction, timeline.ActionReplace},
	}
}

// Daemon periodically schedules and executes table services in the
// background. Shutdown waits for the in-progress cycle; a half-finished
// execution is recovered by the next one.
type Daemon struct {
	config    DaemonConfig
	scheduler *Scheduler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a table service daemon.
func NewDaemon(config DaemonConfig, scheduler *Scheduler) *Daemon {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultDaemonConfig().CheckInterval
	}
	if len(config.Actions) == 0 {
		config.Actions = DefaultDaemonConfig().Actions
	}
	return &Daemon{config: config, scheduler: scheduler}
}

// Start begins the service loop. It runs until the context is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return apperr.NewServiceError(apperr.CodeOperationFailed,
			"table service daemon is already running", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main service loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start
	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs one cycle: schedule each configured action, then drain
// pending executions. Individual failures don't halt the cycle.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	for _, action := range d.config.Actions {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := d.scheduler.Schedule(ctx, action, d.config.Partitions); err != nil {
			log.WithFields(log.Fields{"action": action, "err": err}).
				Error("table service daemon: scheduling failed")
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.scheduler.Execute(ctx)
		if err != nil {
			log.WithFields(log.Fields{"err": err}).
				Error("table service daemon: execution failed")
			return
		}
		if res == nil {
			return
		}
	}
}

// RunOnce performs a single cycle (useful for testing).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}
