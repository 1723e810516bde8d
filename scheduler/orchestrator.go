package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freundallein/stacdc/chassis/journal"
	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/chassis/metrics"
	"go.chromium.org/luci/common/clock"
)

// ErrBusy is returned by TryRun when a run of the same worker is in flight.
var ErrBusy = errors.New("scheduler: worker is already running")

// DefaultRetryDelays ...
var DefaultRetryDelays = []time.Duration{
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
}

// ExhaustedError is the terminal failure of one scheduled run.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("scheduler: run failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Runner is one worker pipeline.
type Runner interface {
	Run(ctx context.Context) error
	Dataset() string
	AOI() string
}

// Config ...
type Config struct {
	Worker      Runner
	Hour        int
	Minute      int
	MaxRetries  int
	RetryDelays []time.Duration
	// Journal is optional.
	Journal journal.Journal
	// SkipFirstRun waits for the first scheduled time instead of running at start.
	SkipFirstRun bool
}

// Status is a snapshot for the admin endpoint.
type Status struct {
	Dataset   string    `json:"dataset"`
	AOI       string    `json:"aoi"`
	Running   bool      `json:"running"`
	Attempt   int       `json:"attempt"`
	NextRun   time.Time `json:"nextRun"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Orchestrator runs one worker daily with a re-entrancy guard and bounded retries.
type Orchestrator struct {
	cfg     Config
	running atomic.Bool
	attempt atomic.Int32

	mu        sync.Mutex
	nextRun   time.Time
	lastRun   time.Time
	lastError string
}

// New ...
func New(cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	return &Orchestrator{cfg: cfg}
}

// Name ...
func (o *Orchestrator) Name() string {
	return o.cfg.Worker.Dataset() + "/" + o.cfg.Worker.AOI()
}

// RetryDelay picks the delay after the attempt-th failure; attempts past the
// table reuse its last entry.
func RetryDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(delays)-1 {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// NextRun returns the next hour:minute UTC strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (o *Orchestrator) fields(extra log.Fields) log.Fields {
	f := log.Fields{
		"dataset": o.cfg.Worker.Dataset(),
		"aoi":     o.cfg.Worker.AOI(),
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// Execute runs the schedule until ctx is cancelled.
func (o *Orchestrator) Execute(ctx context.Context) {
	log.WithFields(o.fields(log.Fields{
		"event":    "orchestrator_started",
		"schedule": fmt.Sprintf("%02d:%02d UTC", o.cfg.Hour, o.cfg.Minute),
	})).Info("orchestrator started")
	if !o.cfg.SkipFirstRun {
		o.tick(ctx)
	}
	for ctx.Err() == nil {
		now := clock.Now(ctx)
		next := NextRun(now, o.cfg.Hour, o.cfg.Minute)
		o.mu.Lock()
		o.nextRun = next
		o.mu.Unlock()
		log.WithFields(o.fields(log.Fields{
			"event":   "next_run_scheduled",
			"nextRun": next.Format(time.RFC3339),
		})).Debug("sleeping until next run")
		if tr := clock.Sleep(ctx, next.Sub(now)); tr.Incomplete() {
			break
		}
		o.tick(ctx)
	}
	log.WithFields(o.fields(log.Fields{
		"event": "ctx_canceled",
	})).Info("exit orchestrator")
}

func (o *Orchestrator) tick(ctx context.Context) {
	err := o.TryRun(ctx)
	var exhausted *ExhaustedError
	switch {
	case err == nil, errors.Is(err, ErrBusy), errors.Is(err, context.Canceled):
	case errors.As(err, &exhausted):
		log.WithFields(o.fields(log.Fields{
			"event":    "run_exhausted",
			"attempts": exhausted.Attempts,
		})).Error(exhausted.Err)
	default:
		log.WithFields(o.fields(log.Fields{
			"event": "run_failed",
		})).Error(err)
	}
}

// TryRun executes one scheduled run unless another one is in flight.
func (o *Orchestrator) TryRun(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		o.skipped(ctx)
		return ErrBusy
	}
	defer o.running.Store(false)
	return o.runOnce(ctx)
}

// Trigger starts a run in the background. It returns false when one is already in flight.
// A started run is tracked by group, so callers waiting on it see the run finish.
func (o *Orchestrator) Trigger(ctx context.Context, group *sync.WaitGroup) bool {
	if !o.running.CompareAndSwap(false, true) {
		o.skipped(ctx)
		return false
	}
	if group != nil {
		group.Add(1)
	}
	go func() {
		if group != nil {
			defer group.Done()
		}
		defer o.running.Store(false)
		o.logResult(o.runOnce(ctx))
	}()
	return true
}

func (o *Orchestrator) logResult(err error) {
	if err == nil {
		return
	}
	log.WithFields(o.fields(log.Fields{
		"event": "triggered_run_failed",
	})).Error(err)
}

func (o *Orchestrator) skipped(ctx context.Context) {
	metrics.SkippedTicks.WithLabelValues(o.cfg.Worker.Dataset(), o.cfg.Worker.AOI()).Inc()
	log.WithFields(o.fields(log.Fields{
		"event": "run_skipped",
	})).Warn("previous run still in progress, skipping")
	o.record(context.WithoutCancel(ctx), journal.Entry{Status: journal.StatusSkipped})
}

// runOnce retries failed runs with escalating delays up to MaxRetries attempts.
func (o *Orchestrator) runOnce(ctx context.Context) error {
	o.attempt.Store(0)
	for {
		started := clock.Now(ctx)
		err := o.cfg.Worker.Run(ctx)
		finished := clock.Now(ctx)
		metrics.RunDuration.WithLabelValues(o.cfg.Worker.Dataset(), o.cfg.Worker.AOI()).Observe(finished.Sub(started).Seconds())
		o.mu.Lock()
		o.lastRun = finished
		o.lastError = ""
		if err != nil {
			o.lastError = err.Error()
		}
		o.mu.Unlock()

		if err == nil {
			attempt := int(o.attempt.Load()) + 1
			o.attempt.Store(0)
			metrics.Runs.WithLabelValues(o.cfg.Worker.Dataset(), o.cfg.Worker.AOI(), "success").Inc()
			o.record(ctx, journal.Entry{Attempt: attempt, Status: journal.StatusSuccess, StartedAt: started, FinishedAt: finished})
			log.WithFields(o.fields(log.Fields{
				"event":   "run_succeeded",
				"attempt": attempt,
			})).Info("run finished")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := int(o.attempt.Add(1))
		if attempt >= o.cfg.MaxRetries {
			metrics.Runs.WithLabelValues(o.cfg.Worker.Dataset(), o.cfg.Worker.AOI(), "exhausted").Inc()
			o.record(ctx, journal.Entry{Attempt: attempt, Status: journal.StatusExhausted, Error: err.Error(), StartedAt: started, FinishedAt: finished})
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		metrics.Runs.WithLabelValues(o.cfg.Worker.Dataset(), o.cfg.Worker.AOI(), "error").Inc()
		o.record(ctx, journal.Entry{Attempt: attempt, Status: journal.StatusError, Error: err.Error(), StartedAt: started, FinishedAt: finished})

		delay := RetryDelay(o.cfg.RetryDelays, attempt)
		log.WithFields(o.fields(log.Fields{
			"event":   "run_attempt_failed",
			"attempt": attempt,
			"retryIn": delay.String(),
		})).Warn(err)
		if tr := clock.Sleep(ctx, delay); tr.Incomplete() {
			return tr.Err
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, entry journal.Entry) {
	if o.cfg.Journal == nil {
		return
	}
	entry.Dataset = o.cfg.Worker.Dataset()
	entry.AOI = o.cfg.Worker.AOI()
	if entry.StartedAt.IsZero() {
		entry.StartedAt = clock.Now(ctx)
		entry.FinishedAt = entry.StartedAt
	}
	if err := o.cfg.Journal.Record(ctx, entry); err != nil {
		log.WithFields(o.fields(log.Fields{
			"event": "journal_record_failed",
		})).Warn(err)
	}
}

// Status ...
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Dataset:   o.cfg.Worker.Dataset(),
		AOI:       o.cfg.Worker.AOI(),
		Running:   o.running.Load(),
		Attempt:   int(o.attempt.Load()),
		NextRun:   o.nextRun,
		LastRun:   o.lastRun,
		LastError: o.lastError,
	}
}
