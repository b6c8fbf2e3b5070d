package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// DefaultAutosaveWindow is the quiescence window after the last edit.
const DefaultAutosaveWindow = 2 * time.Second

// SaveFunc sends a full answer snapshot to the backend.
type SaveFunc func(ctx context.Context, answers []model.AnswerEntry) error

// AutosaveConfig configures an Autosave.
type AutosaveConfig struct {
	Clock  clockwork.Clock
	Window time.Duration
	Save   SaveFunc
	// Source returns the snapshot to save when the timer fires.
	Source func() Snapshot
	// Active gates saving; a nil Active always saves.
	Active func() bool
	// OnResult is called after every save attempt that was actually sent.
	OnResult func(err error)
	Logger   zerolog.Logger
}

// Autosave debounces buffer mutations into "save progress" calls.
// At most one timer is pending at any time.
type Autosave struct {
	cfg AutosaveConfig
	ctx context.Context
	log zerolog.Logger

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	stopped bool
}

// NewAutosave creates a scheduler whose saves run under ctx.
func NewAutosave(ctx context.Context, cfg AutosaveConfig) *Autosave {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAutosaveWindow
	}
	return &Autosave{
		cfg: cfg,
		ctx: ctx,
		log: cfg.Logger.With().Str("component", "autosave").Logger(),
	}
}

// Touch restarts the quiescence window. Call it after every buffer mutation.
func (a *Autosave) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = a.cfg.Clock.AfterFunc(a.cfg.Window, func() { a.fire(gen) })
}

// Pending reports whether a save is scheduled.
func (a *Autosave) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Flush saves the current snapshot immediately. A pending timer is left
// armed; the backend treats both sends as last-write-wins.
func (a *Autosave) Flush(ctx context.Context) error {
	return a.send(ctx)
}

// Stop cancels the pending timer. Saves that complete afterwards are not reported.
func (a *Autosave) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Autosave) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	_ = a.send(a.ctx)
}

func (a *Autosave) send(ctx context.Context) error {
	if a.isStopped() {
		return nil
	}
	if a.cfg.Active != nil && !a.cfg.Active() {
		return nil
	}

	snap := a.cfg.Source()
	if snap.Len() == 0 {
		return nil
	}

	err := a.cfg.Save(ctx, snap.Entries())
	if a.isStopped() {
		a.log.Debug().Err(err).Msg("Discarding save result after stop")
		return err
	}

	if err != nil {
		a.log.Warn().Err(err).Int("answers", snap.Len()).Msg("Autosave failed")
	} else {
		a.log.Debug().Int("answers", snap.Len()).Msg("Progress saved")
	}
	if a.cfg.OnResult != nil {
		a.cfg.OnResult(err)
	}
	return err
}

func (a *Autosave) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}
