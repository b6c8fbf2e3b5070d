package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerEvents struct {
	mu        sync.Mutex
	submitted []Trigger
	failed    []State
}

func (e *controllerEvents) submissions() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trigger{}, e.submitted...)
}

func (e *controllerEvents) failures() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State{}, e.failed...)
}

func newTestController(t *testing.T, clock clockwork.Clock, backend *fakeBackend) (*Controller, *controllerEvents) {
	t.Helper()
	events := &controllerEvents{}
	c := NewController(context.Background(), ControllerConfig{
		Clock: clock,
		Complete: func(ctx context.Context) error {
			return backend.CompleteAttempt(ctx, uuid.Nil)
		},
		OnSubmitted: func(t Trigger) {
			events.mu.Lock()
			events.submitted = append(events.submitted, t)
			events.mu.Unlock()
		},
		OnFailed: func(_ Trigger, _ error, next State) {
			events.mu.Lock()
			events.failed = append(events.failed, next)
			events.mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c, events
}

func waitState(t *testing.T, c *Controller, want State, attempts int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want && c.Attempts() == attempts
	}, time.Second, 5*time.Millisecond, "want %s after %d attempts", want, attempts)
}

func TestControllerAllowsOneSubmissionAcrossConcurrentTriggers(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{completeGate: gate}
	c, events := newTestController(t, clockwork.NewFakeClock(), backend)
	require.True(t, c.OpenConfirm())

	triggers := []func() bool{
		func() bool { return c.Submit(TriggerTimeExpired) },
		func() bool { return c.Submit(TriggerInstructorStop) },
		func() bool { return c.Submit(TriggerManual) },
		c.Confirm,
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(fire func() bool) {
			defer wg.Done()
			if fire() {
				wins.Add(1)
			}
		}(triggers[i%len(triggers)])
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, OutcomeInFlight, c.Outcome())

	close(gate)
	c.Wait()

	assert.Equal(t, 1, backend.completeCalls())
	assert.Equal(t, StateSubmitted, c.State())
	assert.Len(t, events.submissions(), 1)

	assert.False(t, c.Submit(TriggerInstructorStop))
	assert.False(t, c.Retry())
	assert.Equal(t, 1, backend.completeCalls())
}

func TestControllerManualFailureReturnsToEditing(t *testing.T) {
	backend := &fakeBackend{completeErrs: []error{errNetwork}}
	c, events := newTestController(t, clockwork.NewFakeClock(), backend)

	require.True(t, c.OpenConfirm())
	require.True(t, c.Confirm())
	c.Wait()

	assert.Equal(t, StateEditing, c.State())
	assert.Equal(t, []State{StateEditing}, events.failures())
	assert.False(t, c.Confirming())

	require.True(t, c.OpenConfirm())
	require.True(t, c.Confirm())
	c.Wait()

	assert.Equal(t, StateSubmitted, c.State())
	assert.Equal(t, 2, backend.completeCalls())
	assert.Equal(t, []Trigger{TriggerManual}, events.submissions())
}

func TestControllerConfirmRequiresOpenDialog(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestController(t, clockwork.NewFakeClock(), backend)

	assert.False(t, c.Confirm())

	require.True(t, c.OpenConfirm())
	c.CancelConfirm()
	assert.False(t, c.Confirm())
	assert.Equal(t, 0, backend.completeCalls())
}

func TestControllerForcedTriggerClosesDialog(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{completeGate: gate}
	c, _ := newTestController(t, clockwork.NewFakeClock(), backend)

	require.True(t, c.OpenConfirm())
	require.True(t, c.Submit(TriggerTimeExpired))

	assert.False(t, c.Confirming())
	assert.False(t, c.Confirm())
	assert.False(t, c.OpenConfirm())
	assert.Equal(t, TriggerTimeExpired, c.Trigger())

	close(gate)
	c.Wait()
	assert.Equal(t, 1, backend.completeCalls())
}

func TestControllerForcedFailureBacksOffThenRequiresRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{completeErrs: []error{errNetwork, errNetwork, errNetwork, errNetwork}}
	c, events := newTestController(t, clock, backend)

	require.True(t, c.Submit(TriggerInstructorStop))
	waitState(t, c, StateRetryScheduled, 1)

	for i, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.Advance(d - time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, i+1, c.Attempts(), "retry fired early")

		clock.Advance(time.Millisecond)
		if i < 2 {
			waitState(t, c, StateRetryScheduled, i+2)
		}
	}
	waitState(t, c, StateRetryRequired, 4)

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, c.Attempts())

	assert.False(t, c.Submit(TriggerTimeExpired))
	require.True(t, c.Retry())
	c.Wait()

	assert.Equal(t, StateSubmitted, c.State())
	assert.Equal(t, 5, backend.completeCalls())
	assert.Equal(t, []Trigger{TriggerInstructorStop}, events.submissions())
	assert.Equal(t, []State{
		StateRetryScheduled, StateRetryScheduled, StateRetryScheduled, StateRetryRequired,
	}, events.failures())
}

func TestControllerForcedTriggerTakesOverFailedManualSubmit(t *testing.T) {
	for _, forced := range []Trigger{TriggerTimeExpired, TriggerInstructorStop} {
		t.Run(forced.String(), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			gate := make(chan struct{})
			backend := &fakeBackend{completeGate: gate, completeErrs: []error{errNetwork}}
			c, events := newTestController(t, clock, backend)

			require.True(t, c.OpenConfirm())
			require.True(t, c.Confirm())
			assert.False(t, c.Submit(forced))
			assert.False(t, c.Submit(TriggerManual))

			close(gate)
			waitState(t, c, StateRetryScheduled, 1)
			assert.Equal(t, forced, c.Trigger())
			assert.Equal(t, []State{StateRetryScheduled}, events.failures())
			assert.False(t, c.OpenConfirm())

			clock.Advance(time.Second)
			waitState(t, c, StateSubmitted, 2)
			c.Wait()

			assert.Equal(t, 2, backend.completeCalls())
			assert.Equal(t, []Trigger{forced}, events.submissions())
		})
	}
}

func TestControllerForcedTriggerIgnoredAfterManualSuccess(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{completeGate: gate}
	c, events := newTestController(t, clockwork.NewFakeClock(), backend)

	require.True(t, c.OpenConfirm())
	require.True(t, c.Confirm())
	assert.False(t, c.Submit(TriggerTimeExpired))

	close(gate)
	c.Wait()

	assert.Equal(t, StateSubmitted, c.State())
	assert.Equal(t, TriggerManual, c.Trigger())
	assert.Equal(t, 1, backend.completeCalls())
	assert.Equal(t, []Trigger{TriggerManual}, events.submissions())
}

func TestControllerManualRetryCancelsScheduledRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{completeErrs: []error{errNetwork}}
	c, _ := newTestController(t, clock, backend)

	require.True(t, c.Submit(TriggerTimeExpired))
	waitState(t, c, StateRetryScheduled, 1)

	require.True(t, c.Retry())
	c.Wait()
	assert.Equal(t, StateSubmitted, c.State())

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, backend.completeCalls())
}

func TestControllerCloseDiscardsInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{completeGate: gate}
	c, events := newTestController(t, clockwork.NewFakeClock(), backend)

	require.True(t, c.Submit(TriggerManual))
	c.Close()
	close(gate)
	c.Wait()

	assert.Empty(t, events.submissions())
	assert.NotEqual(t, StateSubmitted, c.State())
	assert.False(t, c.Submit(TriggerTimeExpired))
}

func TestControllerCloseCancelsScheduledRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{completeErrs: []error{errNetwork}}
	c, _ := newTestController(t, clock, backend)

	require.True(t, c.Submit(TriggerTimeExpired))
	waitState(t, c, StateRetryScheduled, 1)

	c.Close()
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, backend.completeCalls())
	assert.False(t, c.Retry())
}

func TestTriggerMessages(t *testing.T) {
	assert.Equal(t, "time expired", TriggerTimeExpired.Message())
	assert.Equal(t, "stopped by instructor", TriggerInstructorStop.Message())
	assert.True(t, TriggerTimeExpired.Forced())
	assert.False(t, TriggerManual.Forced())
	assert.Equal(t, OutcomeInFlight, StateSubmitting.Outcome())
	assert.Equal(t, OutcomeNotSubmitted, StateRetryRequired.Outcome())
}
