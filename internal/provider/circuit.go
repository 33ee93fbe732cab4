package provider

import (
	"sync"
	"time"
)

// CircuitState is the breaker state machine position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitConfig holds breaker thresholds.
type CircuitConfig struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures inside Window.
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	// Cooldown is the initial open duration; each re-open doubles it up
	// to MaxCooldown.
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// DefaultCircuitConfig returns the default breaker thresholds.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	d := DefaultCircuitConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

// breaker is a per-provider circuit breaker. Closed counts consecutive
// failures in a rolling window; open refuses until cooldown elapses;
// half-open admits exactly one trial call. A half-open failure re-opens
// with doubled cooldown, capped at MaxCooldown.
type breaker struct {
	mu  sync.Mutex
	cfg CircuitConfig

	state       CircuitState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	cooldown    time.Duration
	trialTaken  bool

	// onTransition fires outside the hot path on every state change.
	onTransition func(from, to CircuitState)

	now func() time.Time
}

func newBreaker(cfg CircuitConfig, onTransition func(from, to CircuitState)) *breaker {
	cfg = cfg.withDefaults()
	return &breaker{
		cfg:          cfg,
		state:        CircuitClosed,
		cooldown:     cfg.Cooldown,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// State returns the current state.
func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits one trial.
func (b *breaker) allow() bool {
	b.mu.Lock()

	switch b.state {
	case CircuitClosed:
		b.mu.Unlock()
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(CircuitOpen, CircuitHalfOpen)
			b.trialTaken = true
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	case CircuitHalfOpen:
		if !b.trialTaken {
			b.trialTaken = true
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()
	return false
}

// success records a successful call, closing the breaker and resetting
// the cooldown ladder.
func (b *breaker) success() {
	b.mu.Lock()
	if b.state != CircuitClosed {
		b.transition(b.state, CircuitClosed)
	}
	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	b.trialTaken = false
	b.mu.Unlock()
}

// failure records a failed call. In closed state it counts toward the
// rolling window; in half-open it re-opens with exponential cooldown.
func (b *breaker) failure() {
	b.mu.Lock()

	now := b.now()
	switch b.state {
	case CircuitClosed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(CircuitClosed, CircuitOpen)
			b.openedAt = now
		}
	case CircuitHalfOpen:
		b.transition(CircuitHalfOpen, CircuitOpen)
		b.openedAt = now
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.trialTaken = false
	}
	b.mu.Unlock()
}

// transition must be called with the lock held.
func (b *breaker) transition(from, to CircuitState) {
	b.state = to
	if b.onTransition != nil {
		// Handlers are bus publishes; they are fast and must not call
		// back into the breaker.
		b.onTransition(from, to)
	}
}
