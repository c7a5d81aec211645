package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/logging"
)

// Recomputer is the operation the daemon schedules.
type Recomputer interface {
	Recompute(ctx context.Context) (Result, error)
}

// Publisher is notified after every successful recompute.
type Publisher interface {
	Publish(ctx context.Context) error
}

// DaemonConfig holds configuration for the recompute daemon.
type DaemonConfig struct {
	// Interval is the time between scheduled recomputes (default: 60s).
	Interval time.Duration

	// RunTimeout bounds a single recompute. Zero means unbounded.
	RunTimeout time.Duration
}

// DefaultDaemonConfig returns the default daemon configuration.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:   60 * time.Second,
		RunTimeout: 2 * time.Minute,
	}
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running         bool       `json:"running"`
	IntervalSeconds float64    `json:"interval_seconds"`
	Runs            int64      `json:"runs"`
	Failures        int64      `json:"failures"`
	LastStartedAt   *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt  *time.Time `json:"last_finished_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastDurationMS  int64      `json:"last_duration_ms"`
	LastErrorCode   string     `json:"last_error_code,omitempty"`
	LastErrorKind   string     `json:"last_error_category,omitempty"`
	EfficiencyRows  int64      `json:"efficiency_rows"`
	StabilityRows   int64      `json:"stability_rows"`
}

// Daemon runs recomputes once at start and then on a fixed interval. Runs
// never overlap: scheduled ticks, queued requests and direct RunNow calls
// all go through one singleflight key, so a caller arriving mid-run shares
// that run's result.
type Daemon struct {
	config    DaemonConfig
	engine    Recomputer
	publisher Publisher
	log       *slog.Logger

	flight  singleflight.Group
	trigger chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	loopMu  sync.Mutex
	loopCtx context.Context

	statusMu sync.RWMutex
	status   Status
}

// NewDaemon creates a recompute daemon. publisher may be nil.
func NewDaemon(config DaemonConfig, engine Recomputer, publisher Publisher) *Daemon {
	if config.Interval <= 0 {
		config.Interval = DefaultDaemonConfig().Interval
	}
	return &Daemon{
		config:    config,
		engine:    engine,
		publisher: publisher,
		log:       logging.Component("aggregate"),
		trigger:   make(chan struct{}, 1),
		status:    Status{IntervalSeconds: config.Interval.Seconds()},
	}
}

// Start begins the recompute loop. It runs until the context is cancelled or
// Stop is called. A daemon whose loop ended with its context may be started
// again.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running && !d.loopDone() {
		d.mu.Unlock()
		return fmt.Errorf("aggregate: daemon is already running")
	}

	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	done := make(chan struct{})
	d.done = done
	d.loopMu.Lock()
	d.loopCtx = ctx
	d.loopMu.Unlock()
	d.mu.Unlock()

	d.setRunning(true)
	go d.run(ctx, done)
	return nil
}

// Stop cancels the loop and waits for it to exit. An in-flight recompute is
// abandoned and its transaction rolled back.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	d.setRunning(false)
	return nil
}

// Request asks the loop for an extra run as soon as the current one, if any,
// has finished. Requests made while one is already queued are merged. It
// reports false when the daemon is not running.
func (d *Daemon) Request() bool {
	d.mu.Lock()
	running := d.running && !d.loopDone()
	d.mu.Unlock()
	if !running {
		return false
	}

	select {
	case d.trigger <- struct{}{}:
	default:
	}
	return true
}

// RunNow performs a recompute and waits for it. If one is already in
// flight, RunNow waits for and returns that run's outcome instead.
//
// While the loop is running every run is bound to the loop's context, so
// Stop abandons it and a caller giving up does not cancel it for the others
// waiting on it; such a caller gets RECOMPUTE_CANCELLED. While stopped, a
// run is bound to the context of the caller that started it.
func (d *Daemon) RunNow(ctx context.Context) (Result, error) {
	runCtx := ctx
	d.loopMu.Lock()
	if d.loopCtx != nil && d.loopCtx.Err() == nil {
		runCtx = d.loopCtx
	}
	d.loopMu.Unlock()
	return d.do(runCtx, ctx)
}

// do runs or joins the single in-flight recompute under runCtx and waits
// for it until waitCtx is done.
func (d *Daemon) do(runCtx, waitCtx context.Context) (Result, error) {
	ch := d.flight.DoChan("recompute", func() (interface{}, error) {
		return d.runOnce(runCtx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-waitCtx.Done():
		return Result{}, alerrors.NewAggregationError(alerrors.CodeRecomputeCancelled, "stopped waiting for recompute", waitCtx.Err())
	}
}

// Status returns a copy of the current status.
func (d *Daemon) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// run is the main loop. It must not take d.mu: Stop holds it while waiting
// on done.
func (d *Daemon) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.setRunning(false)

	// Run immediately on start
	d.tick(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		case <-d.trigger:
			d.tick(ctx)
		}
	}
}

// tick runs one recompute; failures are logged and the loop carries on.
func (d *Daemon) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.do(ctx, context.Background())
}

func (d *Daemon) runOnce(ctx context.Context) (Result, error) {
	if d.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	d.statusMu.Lock()
	d.status.LastStartedAt = &started
	d.statusMu.Unlock()

	res, err := d.engine.Recompute(ctx)
	finished := time.Now()

	d.statusMu.Lock()
	d.status.Runs++
	d.status.LastFinishedAt = &finished
	d.status.LastDurationMS = finished.Sub(started).Milliseconds()
	if err != nil {
		d.status.Failures++
		d.status.LastErrorKind = string(alerrors.GetCategory(err))
		d.status.LastErrorCode = alerrors.GetCode(err)
	} else {
		d.status.LastSuccessAt = &finished
		d.status.LastErrorKind = ""
		d.status.LastErrorCode = ""
		d.status.EfficiencyRows = res.EfficiencyRows
		d.status.StabilityRows = res.StabilityRows
	}
	d.statusMu.Unlock()

	if err != nil {
		if alerrors.GetCode(err) == alerrors.CodeRecomputeCancelled {
			d.log.Warn("recompute abandoned", "error", err)
		} else {
			d.log.Error("recompute failed, keeping previous summaries", "error", err)
		}
		return Result{}, err
	}

	d.log.Info("recompute finished",
		"efficiency_rows", res.EfficiencyRows,
		"stability_rows", res.StabilityRows,
		"duration_ms", res.Duration.Milliseconds())

	if d.publisher != nil {
		if perr := d.publisher.Publish(ctx); perr != nil {
			d.log.Warn("snapshot publish failed", "error", perr)
		}
	}
	return res, nil
}

// loopDone reports whether the loop has exited on its own. Callers hold d.mu.
func (d *Daemon) loopDone() bool {
	if d.done == nil {
		return true
	}
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Daemon) setRunning(v bool) {
	d.statusMu.Lock()
	d.status.Running = v
	d.statusMu.Unlock()
}
