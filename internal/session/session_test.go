package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	session *Session
	backend *fakeBackend
	channel *fakeChannel
	clock   *clockwork.FakeClock
	events  *recorder
}

func startHarness(t *testing.T, limit *int, tweak func(*fakeBackend, *Options)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &harness{
		backend: &fakeBackend{content: threeQuestionContent(clock.Now(), limit)},
		channel: &fakeChannel{},
		clock:   clock,
		events:  &recorder{},
	}
	opts := Options{Clock: clock, Observer: h.events, Logger: zerolog.Nop()}
	if tweak != nil {
		tweak(h.backend, &opts)
	}

	s, err := Start(context.Background(), h.backend, h.channel, uuid.New(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.session = s
	return h
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("attempt was not submitted")
	}
}

func TestSessionAutosavesSingleSelection(t *testing.T) {
	h := startHarness(t, intPtr(30*60), nil)

	require.NoError(t, h.session.ToggleChoice(1, 2))
	h.clock.Advance(2500 * time.Millisecond)

	require.Eventually(t, func() bool { return len(h.backend.saveCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.AnswerEntry{{QuestionID: 1, AnswerIDs: []int64{2}}}, h.backend.saveCalls()[0])
}

func TestSessionManualSubmitShowsCountAndCompletesOnce(t *testing.T) {
	h := startHarness(t, intPtr(30*60), nil)

	require.NoError(t, h.session.ToggleChoice(1, 2))
	confirm, err := h.session.RequestSubmit()
	require.NoError(t, err)
	assert.Equal(t, Confirmation{Answered: 1, Total: 3}, confirm)
	assert.True(t, h.session.View().Confirming)

	require.True(t, h.session.ConfirmSubmit())
	assert.False(t, h.session.ConfirmSubmit())
	waitDone(t, h.session)

	assert.Equal(t, 1, h.backend.completeCalls())
	assert.Equal(t, []Trigger{TriggerManual}, h.events.submissions())
	assert.Equal(t, OutcomeSubmitted, h.session.View().Outcome)
}

func TestSessionCancelSubmitKeepsEditing(t *testing.T) {
	h := startHarness(t, nil, nil)

	_, err := h.session.RequestSubmit()
	require.NoError(t, err)
	h.session.CancelSubmit()

	assert.False(t, h.session.ConfirmSubmit())
	assert.NoError(t, h.session.ToggleChoice(2, 1))
	assert.Equal(t, 0, h.backend.completeCalls())
}

func TestSessionTimeExpiryWithFailingSaves(t *testing.T) {
	h := startHarness(t, intPtr(3), func(b *fakeBackend, _ *Options) {
		b.saveErr = errNetwork
	})

	require.NoError(t, h.session.ToggleChoice(1, 1))
	h.clock.Advance(5 * time.Second)
	waitDone(t, h.session)

	assert.Equal(t, 1, h.backend.completeCalls())
	assert.Equal(t, []Trigger{TriggerTimeExpired}, h.events.submissions())

	v := h.session.View()
	assert.Equal(t, "time expired", v.Trigger.Message())
	assert.Equal(t, time.Duration(0), v.Remaining)

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.backend.completeCalls())
}

func TestSessionInstructorStop(t *testing.T) {
	h := startHarness(t, nil, nil)
	self := h.session.ID()

	h.channel.deliver(model.Interrupt{AttemptID: uuid.New(), Action: model.InterruptStop})
	assert.Equal(t, StateEditing, h.session.State())
	assert.Equal(t, 0, h.backend.completeCalls())

	h.channel.deliver(model.Interrupt{AttemptID: self, Action: model.InterruptWarning, Message: "5 minutes left"})
	h.channel.deliver(model.Interrupt{AttemptID: self, Action: model.InterruptStop})
	h.channel.deliver(model.Interrupt{AttemptID: self, Action: model.InterruptStop})
	waitDone(t, h.session)

	assert.Equal(t, 1, h.backend.completeCalls())
	assert.Equal(t, []string{"5 minutes left"}, h.events.warningList())

	v := h.session.View()
	assert.Equal(t, "stopped by instructor", v.Trigger.Message())
	assert.Equal(t, "5 minutes left", v.Warning)
	assert.True(t, h.channel.isUnsubscribed())
}

func TestSessionManualFailureAllowsResubmit(t *testing.T) {
	h := startHarness(t, nil, func(b *fakeBackend, _ *Options) {
		b.completeErrs = []error{errNetwork}
	})

	_, err := h.session.RequestSubmit()
	require.NoError(t, err)
	require.True(t, h.session.ConfirmSubmit())
	require.Eventually(t, func() bool { return len(h.events.failures()) == 1 }, time.Second, 5*time.Millisecond)

	v := h.session.View()
	assert.Equal(t, StateEditing, v.State)
	assert.ErrorIs(t, v.LastError, errNetwork)
	require.NoError(t, h.session.ToggleChoice(3, 4))

	_, err = h.session.RequestSubmit()
	require.NoError(t, err)
	require.True(t, h.session.ConfirmSubmit())
	waitDone(t, h.session)

	assert.Equal(t, 2, h.backend.completeCalls())
	assert.NoError(t, h.session.View().LastError)
}

func heldForced(s *Session) Trigger {
	s.controller.mu.Lock()
	defer s.controller.mu.Unlock()
	return s.controller.pendingForced
}

func TestSessionForcedTriggerDuringFailedManualSubmit(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		fire    func(h *harness)
	}{
		{"time expires", TriggerTimeExpired, func(h *harness) { h.clock.Advance(5 * time.Second) }},
		{"instructor stops", TriggerInstructorStop, func(h *harness) {
			h.channel.deliver(model.Interrupt{AttemptID: h.session.ID(), Action: model.InterruptStop})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			h := startHarness(t, intPtr(3), func(b *fakeBackend, _ *Options) {
				b.completeGate = gate
				b.completeErrs = []error{errNetwork}
			})

			require.NoError(t, h.session.ToggleChoice(1, 2))
			_, err := h.session.RequestSubmit()
			require.NoError(t, err)
			require.True(t, h.session.ConfirmSubmit())

			tt.fire(h)
			require.Eventually(t, func() bool { return heldForced(h.session) == tt.trigger }, time.Second, 5*time.Millisecond)

			close(gate)
			require.Eventually(t, func() bool { return h.session.State() == StateRetryScheduled }, time.Second, 5*time.Millisecond)
			assert.ErrorIs(t, h.session.ToggleChoice(2, 1), ErrNotEditable)
			assert.Equal(t, tt.trigger.Message(), h.session.View().Trigger.Message())

			h.clock.Advance(time.Second)
			waitDone(t, h.session)

			assert.Equal(t, 2, h.backend.completeCalls())
			assert.Equal(t, []Trigger{tt.trigger}, h.events.submissions())
			assert.Equal(t, []State{StateRetryScheduled}, h.events.failures())
		})
	}
}

func TestSessionRejectsEditsOnceForced(t *testing.T) {
	gate := make(chan struct{})
	h := startHarness(t, nil, func(b *fakeBackend, _ *Options) {
		b.completeGate = gate
	})

	h.channel.deliver(model.Interrupt{AttemptID: h.session.ID(), Action: model.InterruptStop, Message: "pens down"})

	assert.ErrorIs(t, h.session.ToggleChoice(1, 1), ErrNotEditable)
	assert.ErrorIs(t, h.session.SetText(1, "late"), ErrNotEditable)
	_, err := h.session.RequestSubmit()
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.Equal(t, "pens down", h.session.View().Warning)

	close(gate)
	waitDone(t, h.session)
}

func TestSessionCloseStopsEverything(t *testing.T) {
	gate := make(chan struct{})
	h := startHarness(t, intPtr(60), func(b *fakeBackend, _ *Options) {
		b.completeGate = gate
	})

	require.NoError(t, h.session.ToggleChoice(1, 1))
	_, err := h.session.RequestSubmit()
	require.NoError(t, err)
	require.True(t, h.session.ConfirmSubmit())

	h.session.Close()
	close(gate)
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.backend.saveCalls())
	assert.True(t, h.channel.isUnsubscribed())
	assert.Empty(t, h.events.submissions())
	select {
	case <-h.session.Done():
		t.Fatal("closed session reported a submission")
	default:
	}
}

func TestSessionStartErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()

	_, err := Start(context.Background(), &fakeBackend{fetchErr: errNetwork}, nil, uuid.New(), Options{Clock: clock})
	assert.ErrorIs(t, err, ErrContentUnavailable)
	assert.ErrorIs(t, err, errNetwork)

	content := threeQuestionContent(clock.Now(), nil)
	content.Status = model.AttemptStatusSubmitted
	_, err = Start(context.Background(), &fakeBackend{content: content}, nil, uuid.New(), Options{Clock: clock})
	assert.ErrorIs(t, err, ErrAttemptClosed)
}

func TestSessionSurvivesChannelFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &fakeBackend{content: threeQuestionContent(clock.Now(), nil)}

	s, err := Start(context.Background(), backend, &fakeChannel{subscribeErr: errNetwork}, uuid.New(),
		Options{Clock: clock, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.ToggleChoice(1, 1))
	assert.False(t, s.View().Timed)
}

func TestSessionHydration(t *testing.T) {
	saved := []model.AnswerEntry{
		{QuestionID: 1, AnswerIDs: []int64{2}},
		{QuestionID: 99, AnswerIDs: []int64{1}},
	}

	hydrated := startHarness(t, nil, func(b *fakeBackend, o *Options) {
		b.content.SavedAnswers = saved
		o.HydrateSaved = true
	})
	assert.Equal(t, []int64{1}, hydrated.session.View().Answered)

	fresh := startHarness(t, nil, func(b *fakeBackend, _ *Options) {
		b.content.SavedAnswers = saved
	})
	assert.Empty(t, fresh.session.View().Answered)
}

func TestSessionAnswerValidation(t *testing.T) {
	h := startHarness(t, nil, func(b *fakeBackend, _ *Options) {
		b.content.Questions[1].Type = model.QuestionTypeSingleChoice
		b.content.Questions[2].Type = model.QuestionTypeText
		b.content.Questions[2].Options = nil
	})
	s := h.session

	assert.ErrorIs(t, s.ToggleChoice(42, 1), ErrUnknownQuestion)
	assert.ErrorIs(t, s.ToggleChoice(1, 9), ErrUnknownOption)
	assert.ErrorIs(t, s.SetText(42, "x"), ErrUnknownQuestion)

	require.NoError(t, s.ToggleChoice(2, 1))
	require.NoError(t, s.ToggleChoice(2, 3))
	require.NoError(t, s.SetText(3, "x = 4"))

	v := s.View()
	assert.Equal(t, []int64{2, 3}, v.Answered)
	assert.False(t, v.Questions[1].Options[0].Selected)
	assert.True(t, v.Questions[1].Options[2].Selected)
	assert.Equal(t, "x = 4", v.Questions[2].AnswerText)
}

func TestSessionNavigationAndFlags(t *testing.T) {
	h := startHarness(t, nil, nil)
	s := h.session

	s.Prev()
	assert.Equal(t, 0, s.View().Current)
	s.Next()
	s.Next()
	s.Next()
	assert.Equal(t, 2, s.View().Current)

	require.NoError(t, s.Goto(1))
	assert.ErrorIs(t, s.Goto(3), ErrOutOfRange)
	assert.ErrorIs(t, s.ToggleFlag(-1), ErrOutOfRange)

	require.NoError(t, s.ToggleFlag(2))
	require.NoError(t, s.ToggleFlag(0))
	v := s.View()
	assert.Equal(t, 1, v.Current)
	assert.Equal(t, []int{0, 2}, v.Flagged)
	assert.True(t, v.Questions[2].Flagged)

	require.NoError(t, s.ToggleFlag(2))
	assert.Equal(t, []int{0}, s.View().Flagged)
}
