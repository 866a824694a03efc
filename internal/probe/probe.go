// Package probe answers whether the remote habit service is actually
// reachable right now.
//
// Interface-level connectivity (the radio being up) does not guarantee the
// server answers, so the probe issues a cheap real request on a fixed
// interval and on demand. Listeners are notified only when the boolean
// state flips, which keeps a flapping network from turning into a listener
// storm.
package probe

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker is the slice of the remote client the probe needs.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Listener receives connectivity transitions. A newly added listener is
// replayed the current state once so late subscribers don't miss the
// baseline.
type Listener func(connected bool)

// Config holds probe configuration.
type Config struct {
	// Interval is how often the periodic check runs.
	Interval time.Duration

	// Debounce is the minimum spacing between checks triggered by Kick.
	Debounce time.Duration

	// CheckTimeout bounds a single health request.
	CheckTimeout time.Duration

	// Logger for probe activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     10 * time.Second,
		Debounce:     500 * time.Millisecond,
		CheckTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[probe] ", log.LstdFlags),
	}
}

// Probe tracks the last known reachability of the remote service.
//
// The state starts as disconnected and stays that way until the first
// check completes; it is never persisted.
type Probe struct {
	checker HealthChecker
	config  *Config

	connected atomic.Bool

	mu        sync.Mutex
	checkedAt time.Time
	lastCheck time.Time // spacing for debounced kicks
	listeners map[int]Listener
	nextID    int

	// notifyMu serializes listener invocations, registration replay
	// included, so a listener is never entered concurrently and its first
	// invocation is always the replay.
	notifyMu sync.Mutex

	kick chan struct{}
}

// New creates a probe over the given health checker.
func New(checker HealthChecker, config *Config) *Probe {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &Probe{
		checker:   checker,
		config:    config,
		listeners: make(map[int]Listener),
		kick:      make(chan struct{}, 1),
	}
}

// IsConnected returns the last known state instantly, without I/O.
func (p *Probe) IsConnected() bool {
	return p.connected.Load()
}

// LastCheckedAt returns when the state was last refreshed. Zero until the
// first check completes.
func (p *Probe) LastCheckedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedAt
}

// CheckNow issues one health request and updates the state. Any error or
// non-success response means "disconnected"; the probe never raises to its
// caller. Listeners fire only when the boolean result differs from the
// previous state.
func (p *Probe) CheckNow(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, p.config.CheckTimeout)
	err := p.checker.Health(checkCtx)
	cancel()

	now := time.Now()
	connected := err == nil
	previous := p.connected.Swap(connected)

	p.mu.Lock()
	p.checkedAt = now
	p.lastCheck = now
	var toNotify []Listener
	if connected != previous {
		for _, l := range p.listeners {
			toNotify = append(toNotify, l)
		}
	}
	p.mu.Unlock()

	if connected != previous {
		p.config.Logger.Printf("Connectivity changed: %v -> %v", previous, connected)
		p.notifyMu.Lock()
		for _, l := range toNotify {
			l(connected)
		}
		p.notifyMu.Unlock()
	}
}

// Kick requests an immediate check, typically on an OS-level "network
// available" hint. Kicks are coalesced and debounced: interface-up does
// not guarantee reachability, so bursts of hints collapse into one check.
func (p *Probe) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run checks on the configured interval until ctx is cancelled, and
// services debounced kicks in between ticks.
func (p *Probe) Run(ctx context.Context) {
	// Establish a baseline before the first tick.
	p.CheckNow(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.CheckNow(ctx)

		case <-p.kick:
			p.mu.Lock()
			since := time.Since(p.lastCheck)
			p.mu.Unlock()
			if since < p.config.Debounce {
				continue
			}
			p.CheckNow(ctx)
		}
	}
}

// AddListener registers a listener and returns an id for removal. The
// listener is immediately replayed the current state once; callbacks are
// serialized, so the replay is always the listener's first invocation and
// a concurrent transition is delivered after it.
func (p *Probe) AddListener(l Listener) int {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	l(p.connected.Load())
	return id
}

// RemoveListener unregisters a listener by id.
func (p *Probe) RemoveListener(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}
