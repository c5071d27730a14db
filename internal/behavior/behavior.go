// Package behavior produces the randomized human-like timing decisions used
// by the dispatch pipeline: read/typing/response delays, the silent-ignore
// decision, and a time-of-day activity multiplier.
package behavior

import (
	"math/rand"
	"sync"
	"time"

	"autoreply/internal/model"
)

// Activity multiplier brackets. Waking hours respond near real time, the
// rest of the day is noticeably slower.
const (
	wakingStartHour = 9
	wakingEndHour   = 22

	wakingMultMin = 0.8
	wakingMultMax = 1.2
	nightMultMin  = 1.5
	nightMultMax  = 2.5
)

// typingCharsPerSec drives the text-length-aware typing estimate.
const typingCharsPerSec = 5.0

// Engine computes randomized delays from a per-account runtime config. It
// holds no per-account state and is safe for concurrent use from any number
// of sessions; the rand source is guarded by a mutex.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// New returns an Engine seeded from the wall clock.
func New() *Engine {
	return NewWithSource(rand.New(rand.NewSource(time.Now().UnixNano())), time.Now)
}

// NewWithSource returns an Engine with an explicit rand source and clock so
// tests can pin outcomes.
func NewWithSource(rnd *rand.Rand, now func() time.Time) *Engine {
	return &Engine{rnd: rnd, now: now}
}

// ReadDelay is the simulated time to notice and open the chat.
func (e *Engine) ReadDelay(cfg model.RuntimeConfig) time.Duration {
	return e.scaled(e.uniformSec(cfg.MinReadSec, cfg.MaxReadSec))
}

// TypingDelay is the simulated time spent composing, uniform over the
// configured bounds.
func (e *Engine) TypingDelay(cfg model.RuntimeConfig) time.Duration {
	return e.scaled(e.uniformSec(cfg.MinTypingSec, cfg.MaxTypingSec))
}

// TypingDelayFor estimates typing time from the response length at ~5 chars
// per second, varies it ±30%, and clamps into the configured bounds.
func (e *Engine) TypingDelayFor(cfg model.RuntimeConfig, text string) time.Duration {
	if text == "" {
		return e.TypingDelay(cfg)
	}
	base := float64(len(text)) / typingCharsPerSec * float64(time.Second)

	e.mu.Lock()
	jitter := 0.7 + e.rnd.Float64()*0.6
	e.mu.Unlock()

	d := time.Duration(base * jitter)
	min := time.Duration(cfg.MinTypingSec) * time.Second
	max := time.Duration(cfg.MaxTypingSec) * time.Second
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return e.scaled(d)
}

// ResponseDelay is the simulated pause between finishing typing and sending.
func (e *Engine) ResponseDelay(cfg model.RuntimeConfig) time.Duration {
	return e.scaled(e.uniformSec(cfg.MinResponseSec, cfg.MaxResponseSec))
}

// ShouldIgnore decides whether to silently skip a reply.
func (e *Engine) ShouldIgnore(cfg model.RuntimeConfig) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Intn(100) < cfg.IgnorePercent
}

// ActivityMultiplier returns the current time-of-day scalar: [0.8,1.2]
// during waking hours (9 to 22 local), [1.5,2.5] otherwise.
func (e *Engine) ActivityMultiplier() float64 {
	h := e.now().Hour()
	e.mu.Lock()
	defer e.mu.Unlock()
	if h >= wakingStartHour && h < wakingEndHour {
		return wakingMultMin + e.rnd.Float64()*(wakingMultMax-wakingMultMin)
	}
	return nightMultMin + e.rnd.Float64()*(nightMultMax-nightMultMin)
}

func (e *Engine) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * e.ActivityMultiplier())
}

func (e *Engine) uniformSec(minSec, maxSec int) time.Duration {
	min := time.Duration(minSec) * time.Second
	max := time.Duration(maxSec) * time.Second
	if max <= min {
		return min
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return min + time.Duration(e.rnd.Int63n(int64(max-min)))
}
