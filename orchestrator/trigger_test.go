package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
)

// stubAdmitter records admission attempts and returns a canned error
type stubAdmitter struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (a *stubAdmitter) TryRun(source string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, source)
	return a.err
}

func (a *stubAdmitter) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sources...)
}

func newTestTrigger(t *testing.T, admitter Admitter, expr string) *Trigger {
	t.Helper()
	trigger, err := NewTrigger(admitter, expr, time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)
	return trigger
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 10m", "@hourly", "*/5 * * * *", "0 3 * * 1"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}

	for _, expr := range []string{"", "not a schedule", "61 * * * *", "@every"} {
		_, err := ParseSchedule(expr)
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, errors.ErrInvalidSchedule), expr)
	}
}

func TestTriggerNextFire(t *testing.T) {
	trigger := newTestTrigger(t, &stubAdmitter{}, "@every 10m")

	next := trigger.NextFire()
	assert.True(t, next.After(time.Now()))
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), next, time.Minute)
}

func TestTriggerTickFiresWhenDue(t *testing.T) {
	admitter := &stubAdmitter{}
	trigger := newTestTrigger(t, admitter, "@every 10m")

	// Not yet due
	trigger.tick(time.Now())
	assert.Empty(t, admitter.calls())

	due := trigger.NextFire().Add(time.Second)
	trigger.tick(due)
	require.Equal(t, []string{"schedule"}, admitter.calls())

	// Next fire advanced past the consumed slot
	assert.True(t, trigger.NextFire().After(due))

	// Same slot never fires twice
	trigger.tick(due)
	assert.Len(t, admitter.calls(), 1)
}

func TestTriggerDropsRejectedFire(t *testing.T) {
	admitter := &stubAdmitter{err: errors.ErrRunInProgress}
	trigger := newTestTrigger(t, admitter, "@every 10m")

	due := trigger.NextFire().Add(time.Second)
	trigger.tick(due)
	assert.Len(t, admitter.calls(), 1)

	// The rejected fire is dropped, not retried before the next slot
	trigger.tick(due.Add(time.Second))
	assert.Len(t, admitter.calls(), 1)
	assert.True(t, trigger.NextFire().After(due))
}

func TestTriggerPauseSuppressesFires(t *testing.T) {
	admitter := &stubAdmitter{}
	trigger := newTestTrigger(t, admitter, "@every 10m")

	trigger.Pause()
	trigger.Pause() // idempotent
	assert.True(t, trigger.Paused())

	trigger.tick(trigger.NextFire().Add(time.Second))
	assert.Empty(t, admitter.calls())

	trigger.Resume()
	trigger.Resume() // idempotent
	assert.False(t, trigger.Paused())

	// Resume recomputes the slot instead of firing a catch-up burst
	assert.True(t, trigger.NextFire().After(time.Now()))
}

func TestTriggerManualBypassesPause(t *testing.T) {
	admitter := &stubAdmitter{}
	trigger := newTestTrigger(t, admitter, "@every 10m")

	trigger.Pause()
	require.NoError(t, trigger.TriggerNow())
	assert.Equal(t, []string{"manual"}, admitter.calls())
}

func TestTriggerConfigureSwapsSchedule(t *testing.T) {
	trigger := newTestTrigger(t, &stubAdmitter{}, "@every 10m")

	require.NoError(t, trigger.Configure("@every 1h"))
	assert.Equal(t, "@every 1h", trigger.Expression())
	assert.WithinDuration(t, time.Now().Add(time.Hour), trigger.NextFire(), time.Minute)

	err := trigger.Configure("bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidSchedule))
	// Previous schedule kept on rejection
	assert.Equal(t, "@every 1h", trigger.Expression())
}

func TestTriggerStartStop(t *testing.T) {
	trigger := newTestTrigger(t, &stubAdmitter{}, "@every 10m")

	trigger.Start()
	trigger.Start() // idempotent
	trigger.Stop()
	trigger.Stop() // idempotent
}
