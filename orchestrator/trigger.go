package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
)

// Admitter is the admission gate the trigger funnels into. Both scheduled
// fires and manual triggers go through the same gate.
type Admitter interface {
	TryRun(source string) error
}

// cronParser accepts the standard 5-field cron syntax plus descriptors such
// as "@every 10m" and "@hourly"
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a schedule expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidSchedule, "%q: %v", expr, err)
	}
	return schedule, nil
}

// Trigger fires runs on a cron schedule. A fire that the coordinator rejects
// is dropped, never queued: the next attempt happens at the next scheduled
// fire time. Manual triggers bypass the pause flag but still go through the
// coordinator's admission gate.
type Trigger struct {
	admitter Admitter
	log      *zap.SugaredLogger

	mu       sync.Mutex
	schedule cron.Schedule
	expr     string
	next     time.Time
	paused   bool

	tickInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewTrigger creates a trigger with the given schedule expression
func NewTrigger(admitter Admitter, expr string, tickInterval time.Duration, log *zap.SugaredLogger) (*Trigger, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	if tickInterval <= 0 {
		tickInterval = time.Second
	}

	return &Trigger{
		admitter:     admitter,
		log:          log,
		schedule:     schedule,
		expr:         expr,
		next:         schedule.Next(time.Now()),
		tickInterval: tickInterval,
	}, nil
}

// Configure swaps the schedule expression, used by config hot reload. The
// next fire time is recomputed from the new schedule immediately.
func (t *Trigger) Configure(expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.schedule = schedule
	t.expr = expr
	t.next = schedule.Next(time.Now())

	t.log.Infow("Trigger schedule updated",
		"schedule", expr,
		"next_fire", t.next.Format(time.RFC3339))
	return nil
}

// Start runs the tick loop until Stop is called. Idempotent.
func (t *Trigger) Start() {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.next = t.schedule.Next(time.Now())
	done := t.done
	t.mu.Unlock()

	t.log.Infow("Trigger started",
		"schedule", t.Expression(),
		"next_fire", t.NextFire().Format(time.RFC3339))

	go func() {
		defer close(done)
		t.run(ctx)
	}()
}

// Stop halts the tick loop and waits for it to exit
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.log.Infow("Trigger stopped")
}

func (t *Trigger) run(ctx context.Context) {
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	var lastHeartbeat time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(now)
			if now.Sub(lastHeartbeat) >= time.Minute {
				lastHeartbeat = now
				if next := t.NextFire(); !t.Paused() {
					t.log.Debugw("Trigger heartbeat",
						"next_fire", next.Format(time.RFC3339),
						"until_next", next.Sub(now).Round(time.Second).String())
				}
			}
		}
	}
}

// tick fires at most once per due schedule slot. The admission call happens
// outside the trigger lock so the coordinator can pause the trigger from its
// own critical sections without deadlocking.
func (t *Trigger) tick(now time.Time) {
	t.mu.Lock()
	if t.paused || now.Before(t.next) {
		t.mu.Unlock()
		return
	}
	// Advance before admitting: a rejected fire is dropped, not retried
	t.next = t.schedule.Next(now)
	next := t.next
	t.mu.Unlock()

	if err := t.admitter.TryRun("schedule"); err != nil {
		if errors.IsAdmissionRejection(err) {
			t.log.Infow("Scheduled run rejected, dropped",
				"reason", err.Error(),
				"next_fire", next.Format(time.RFC3339))
			return
		}
		t.log.Errorw("Scheduled run failed to start",
			"error", err,
			"next_fire", next.Format(time.RFC3339))
		return
	}

	t.log.Infow("Scheduled run fired",
		"next_fire", next.Format(time.RFC3339))
}

// TriggerNow requests an immediate run. It bypasses the pause flag; every
// other admission rule still applies.
func (t *Trigger) TriggerNow() error {
	return t.admitter.TryRun("manual")
}

// Pause suppresses scheduled fires. Idempotent.
func (t *Trigger) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		return
	}
	t.paused = true
	t.log.Infow("Trigger paused")
}

// Resume re-enables scheduled fires. Idempotent. The next fire time is
// recomputed so a long pause does not cause an immediate catch-up burst.
func (t *Trigger) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	t.next = t.schedule.Next(time.Now())
	t.log.Infow("Trigger resumed",
		"next_fire", t.next.Format(time.RFC3339))
}

// Paused reports whether scheduled fires are suppressed
func (t *Trigger) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// NextFire returns the next scheduled fire time
func (t *Trigger) NextFire() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Expression returns the active schedule expression
func (t *Trigger) Expression() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expr
}
