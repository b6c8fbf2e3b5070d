package session

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTickInterval is how often the countdown re-reads the clock.
const DefaultTickInterval = time.Second

// Remaining returns the whole seconds left until end, rounded up and clamped
// at zero. It is zero only once end has been reached.
func Remaining(end, now time.Time) time.Duration {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1) / time.Second * time.Second
}

// Countdown ticks towards a fixed end time and fires its expiry callback once.
// Every tick recomputes from the clock, so a suspended process catches up on
// its first tick after resuming.
type Countdown struct {
	clock    clockwork.Clock
	end      time.Time
	interval time.Duration
	onTick   func(remaining time.Duration)
	onExpire func()

	mu      sync.Mutex
	timer   clockwork.Timer
	last    time.Duration
	started bool
	expired bool
	stopped bool
}

// NewCountdown creates a countdown. Call Start to begin ticking.
func NewCountdown(clock clockwork.Clock, end time.Time, interval time.Duration, onTick func(time.Duration), onExpire func()) *Countdown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if onTick == nil {
		onTick = func(time.Duration) {}
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	return &Countdown{
		clock:    clock,
		end:      end,
		interval: interval,
		onTick:   onTick,
		onExpire: onExpire,
		last:     time.Duration(math.MaxInt64),
	}
}

// Start emits the first tick synchronously and schedules the rest.
func (c *Countdown) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.tick()
}

// Remaining returns the value of the most recent tick.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return Remaining(c.end, c.clock.Now())
	}
	return c.last
}

// Expired reports whether the expiry callback has fired.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop cancels further ticks. A tick already past its clock read still
// delivers; the submission gate absorbs a late expiry.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Countdown) tick() {
	c.mu.Lock()
	if c.stopped || c.expired {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	remaining := Remaining(c.end, c.clock.Now())
	if remaining > c.last {
		// A wall clock stepping backwards must not make time grow.
		remaining = c.last
	}
	c.last = remaining
	expired := remaining == 0
	c.expired = expired
	c.mu.Unlock()

	c.onTick(remaining)
	if expired {
		c.onExpire()
		return
	}

	c.mu.Lock()
	if !c.stopped {
		c.timer = c.clock.AfterFunc(c.interval, c.tick)
	}
	c.mu.Unlock()
}
