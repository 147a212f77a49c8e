package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"softgate-functions/models"
)

// Scheduler states
const (
	StateInitializing = "initializing"
	StateRunning      = "running"
	StateStopped      = "stopped"
)

type SchedulerOptions struct {
	RefreshInterval  time.Duration
	DispatchInterval time.Duration
	EnqueueTimeout   time.Duration
	// TraceSegment prefixes the X-Ray segment opened per tick. Empty
	// disables tracing.
	TraceSegment string
}

// SchedulerStatus is a point-in-time view of the scheduler
type SchedulerStatus struct {
	State        string         `json:"state"`
	Schedules    int            `json:"schedules"`
	Slotted      int            `json:"slotted"`
	Dispatched   int64          `json:"dispatched"`
	Watermark    time.Time      `json:"watermark"`
	LastRefresh  time.Time      `json:"last_refresh"`
	LastDispatch time.Time      `json:"last_dispatch"`
	Slots        []SlotSnapshot `json:"slots"`
}

// ScheduleRunner drives the refresh and dispatch routines. Both routines
// touch the registry and window only while holding mu.
type ScheduleRunner struct {
	registry *ScheduleRegistry
	window   *DispatchWindow
	queue    TriggerQueue
	opts     SchedulerOptions
	now      func() time.Time
	log      zerolog.Logger

	mu           sync.Mutex
	state        string
	dispatched   int64
	lastRefresh  time.Time
	lastDispatch time.Time
}

func NewScheduleRunner(registry *ScheduleRegistry, window *DispatchWindow, queue TriggerQueue, opts SchedulerOptions, log zerolog.Logger) *ScheduleRunner {
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	return &ScheduleRunner{
		registry: registry,
		window:   window,
		queue:    queue,
		opts:     opts,
		now:      time.Now,
		log:      log,
		state:    StateInitializing,
	}
}

// Init loads every active schedule and builds the first window.
func (r *ScheduleRunner) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if err := r.registry.LoadAll(ctx, now); err != nil {
		return err
	}
	r.window.Rebuild(r.registry.Records(), now)
	r.lastRefresh = now
	return nil
}

// Run blocks until ctx is cancelled or a routine panics. A panic is returned
// as an error; the in-memory state is not trusted after that.
func (r *ScheduleRunner) Run(ctx context.Context) error {
	r.setState(StateRunning)
	defer r.setState(StateStopped)

	// Minute-multiple cadences tick on the minute boundary.
	firstDispatch := r.opts.DispatchInterval
	if firstDispatch%time.Minute == 0 {
		now := r.now()
		firstDispatch = now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.every(gctx, "refresh", r.opts.RefreshInterval, r.opts.RefreshInterval, r.Refresh)
	})
	g.Go(func() error {
		return r.every(gctx, "dispatch", firstDispatch, r.opts.DispatchInterval, r.Dispatch)
	})
	return g.Wait()
}

func (r *ScheduleRunner) every(ctx context.Context, name string, first, interval time.Duration, fn func(context.Context) error) error {
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := r.safely(ctx, name, fn); err != nil {
				return err
			}
			timer.Reset(interval)
		}
	}
}

func (r *ScheduleRunner) safely(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s routine panicked: %v\n%s", name, p, debug.Stack())
		}
	}()
	if cycleErr := fn(ctx); cycleErr != nil {
		r.log.Error().Err(cycleErr).Str("routine", name).Msg("scheduler cycle failed")
	}
	return nil
}

// Refresh pulls schedule changes since the watermark, drops stale window
// entries and rebuilds the window. Store I/O happens outside the lock.
func (r *ScheduleRunner) Refresh(ctx context.Context) (err error) {
	ctx, seg := traceBackground(ctx, segmentName(r.opts.TraceSegment, "refresh"))
	defer func() { closeSegment(seg, err) }()

	startedAt := r.now()

	r.mu.Lock()
	since := r.registry.Watermark()
	r.mu.Unlock()

	changes, err := r.registry.FetchSince(ctx, since)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := r.registry.Apply(changes, startedAt)
	annotate(seg, "changes", len(changes))
	r.window.Remove(stale...)
	r.window.Rebuild(r.registry.Records(), r.now())
	r.lastRefresh = startedAt

	r.log.Info().
		Int("changes", len(changes)).
		Int("stale", len(stale)).
		Int("schedules", r.registry.Len()).
		Time("watermark", r.registry.Watermark()).
		Msg("schedules refreshed")
	return nil
}

// Dispatch enqueues every schedule in a slot at or before the current minute
// and slots each one again at its next run.
func (r *ScheduleRunner) Dispatch(ctx context.Context) error {
	ctx, seg := traceBackground(ctx, segmentName(r.opts.TraceSegment, "dispatch"))
	defer closeSegment(seg, nil)

	tick := slotKey(r.now())
	due := r.collectDue(tick)
	annotate(seg, "due", len(due))

	sent := 0
	for _, rec := range due {
		if err := r.enqueue(ctx, rec); err != nil {
			r.log.Error().Err(err).
				Str("resource_id", rec.ResourceID).
				Str("project_id", rec.ProjectID).
				Msg("failed to enqueue scheduled execution")
			continue
		}
		sent++
	}

	r.mu.Lock()
	r.dispatched += int64(sent)
	r.lastDispatch = tick
	r.mu.Unlock()

	if len(due) > 0 {
		r.log.Info().Time("tick", tick).Int("due", len(due)).Int("enqueued", sent).Msg("schedules dispatched")
	}
	return nil
}

func (r *ScheduleRunner) collectDue(tick time.Time) []models.ScheduleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []models.ScheduleRecord
	for _, key := range r.window.DueSlots(tick) {
		for _, rec := range r.window.Take(key) {
			due = append(due, rec)

			// Re-slot whatever version the registry holds now. A record
			// removed since it was slotted is not re-slotted.
			current, ok := r.registry.Get(rec.ResourceID)
			if !ok {
				continue
			}
			if _, err := r.window.Schedule(current, tick, tick); err != nil {
				r.log.Error().Err(err).Str("resource_id", rec.ResourceID).Msg("skipping schedule")
			}
		}
	}
	return due
}

func (r *ScheduleRunner) enqueue(ctx context.Context, rec models.ScheduleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.EnqueueTimeout)
	defer cancel()
	return r.queue.Enqueue(ctx, &models.TriggerMessage{
		Type:       models.TriggerSchedule,
		ProjectID:  rec.ProjectID,
		FunctionID: rec.ResourceID,
	})
}

func (r *ScheduleRunner) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *ScheduleRunner) Status() SchedulerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SchedulerStatus{
		State:        r.state,
		Schedules:    r.registry.Len(),
		Slotted:      r.window.Len(),
		Dispatched:   r.dispatched,
		Watermark:    r.registry.Watermark(),
		LastRefresh:  r.lastRefresh,
		LastDispatch: r.lastDispatch,
		Slots:        r.window.Snapshot(),
	}
}
