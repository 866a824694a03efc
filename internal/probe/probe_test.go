package probe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeChecker is a HealthChecker whose result can be flipped from tests.
type fakeChecker struct {
	mu  sync.Mutex
	err error
}

func (f *fakeChecker) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChecker) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.Debounce = time.Millisecond
	cfg.CheckTimeout = time.Second
	return cfg
}

// TestCheckNow_Transitions tracks the connectivity state across checks
func TestCheckNow_Transitions(t *testing.T) {
	checker := &fakeChecker{err: errors.New("unreachable")}
	p := New(checker, testConfig())
	ctx := context.Background()

	if p.IsConnected() {
		t.Error("Probe should start disconnected")
	}

	p.CheckNow(ctx)
	if p.IsConnected() {
		t.Error("Failed check should leave probe disconnected")
	}

	checker.set(nil)
	p.CheckNow(ctx)
	if !p.IsConnected() {
		t.Error("Successful check should mark probe connected")
	}

	checker.set(errors.New("down again"))
	p.CheckNow(ctx)
	if p.IsConnected() {
		t.Error("Failed check should mark probe disconnected")
	}

	if p.LastCheckedAt().IsZero() {
		t.Error("LastCheckedAt not recorded")
	}
}

// TestListener_NotifiedOnChangeOnly suppresses steady-state notifications
func TestListener_NotifiedOnChangeOnly(t *testing.T) {
	checker := &fakeChecker{}
	p := New(checker, testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var events []bool
	p.AddListener(func(connected bool) {
		mu.Lock()
		events = append(events, connected)
		mu.Unlock()
	})

	// Registration replays the baseline (false) once.
	p.CheckNow(ctx) // false -> true
	p.CheckNow(ctx) // true -> true, no event
	p.CheckNow(ctx) // true -> true, no event
	checker.set(errors.New("down"))
	p.CheckNow(ctx) // true -> false

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true, false}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

// TestAddListener_BaselineReplay delivers the current state immediately
func TestAddListener_BaselineReplay(t *testing.T) {
	checker := &fakeChecker{}
	p := New(checker, testConfig())
	p.CheckNow(context.Background())

	got := make(chan bool, 1)
	p.AddListener(func(connected bool) {
		select {
		case got <- connected:
		default:
		}
	})

	select {
	case connected := <-got:
		if !connected {
			t.Error("Baseline replay = false, want true")
		}
	default:
		t.Fatal("Listener was not replayed the baseline")
	}
}

// TestRemoveListener stops future notifications
func TestRemoveListener(t *testing.T) {
	checker := &fakeChecker{err: errors.New("down")}
	p := New(checker, testConfig())
	ctx := context.Background()
	p.CheckNow(ctx)

	var mu sync.Mutex
	count := 0
	id := p.AddListener(func(bool) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	p.RemoveListener(id)

	checker.set(nil)
	p.CheckNow(ctx)

	mu.Lock()
	defer mu.Unlock()
	// Only the registration replay fired.
	if count != 1 {
		t.Errorf("listener fired %d times after removal, want 1", count)
	}
}

// TestRun_PeriodicChecks sees the ticker refresh the state
func TestRun_PeriodicChecks(t *testing.T) {
	checker := &fakeChecker{err: errors.New("down")}
	p := New(checker, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Baseline lands quickly.
	waitFor(t, func() bool { return !p.LastCheckedAt().IsZero() })
	if p.IsConnected() {
		t.Error("Probe connected while checker fails")
	}

	// Service comes back; a tick notices.
	checker.set(nil)
	waitFor(t, func() bool { return p.IsConnected() })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop on cancel")
	}
}

// TestListeners_Serialized never enters a listener concurrently, even when
// checks and registrations race
func TestListeners_Serialized(t *testing.T) {
	checker := &fakeChecker{}
	p := New(checker, testConfig())
	ctx := context.Background()

	var active, overlaps int32
	listener := func(bool) {
		if n := atomic.AddInt32(&active, 1); n != 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Flap connectivity from several goroutines.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if i%2 == 0 {
					checker.set(nil)
				} else {
					checker.set(errors.New("down"))
				}
				p.CheckNow(ctx)
			}
		}(i)
	}

	// Register listeners while the flapping runs.
	for i := 0; i < 8; i++ {
		p.AddListener(listener)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := atomic.LoadInt32(&overlaps); n != 0 {
		t.Errorf("listeners entered concurrently %d times, want 0", n)
	}
}

// TestKick_Coalesced collapses bursts into at most one queued check
func TestKick_Coalesced(t *testing.T) {
	checker := &fakeChecker{}
	p := New(checker, testConfig())

	for i := 0; i < 10; i++ {
		p.Kick()
	}
	if len(p.kick) != 1 {
		t.Errorf("kick queue depth = %d, want 1", len(p.kick))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
