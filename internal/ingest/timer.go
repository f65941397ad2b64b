package ingest

import (
	"sync"
	"time"
)

// BackoffTimer drives a callback on an exponentially growing interval.
// Each tick receives a reset function; calling it restores the base
// interval so the next tick fires quickly. Without a reset the interval
// grows by the multiplier up to the cap.
type BackoffTimer struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	tick       func(reset func())

	mu       sync.Mutex
	interval time.Duration
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBackoffTimer creates a timer with the given base interval, cap, and
// growth multiplier. The callback runs on the timer's own goroutine.
func NewBackoffTimer(base, max time.Duration, multiplier float64, tick func(reset func())) *BackoffTimer {
	if multiplier < 1 {
		multiplier = 2
	}
	if max < base {
		max = base
	}
	return &BackoffTimer{
		base:       base,
		max:        max,
		multiplier: multiplier,
		tick:       tick,
		interval:   base,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the timer loop.
func (t *BackoffTimer) Start() {
	go t.loop()
}

// Reset restores the base interval and schedules an immediate tick.
func (t *BackoffTimer) Reset() {
	t.mu.Lock()
	t.interval = t.base
	t.mu.Unlock()
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Stop terminates the loop. It is safe to call more than once; Stop does
// not wait for an in-flight tick to finish.
func (t *BackoffTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the loop has exited.
func (t *BackoffTimer) Done() <-chan struct{} {
	return t.done
}

func (t *BackoffTimer) loop() {
	defer close(t.done)

	timer := time.NewTimer(t.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		reset := false
		t.tick(func() { reset = true })

		t.mu.Lock()
		if reset {
			t.interval = t.base
		} else {
			next := time.Duration(float64(t.interval) * t.multiplier)
			if next > t.max {
				next = t.max
			}
			t.interval = next
		}
		interval := t.interval
		t.mu.Unlock()

		timer.Reset(interval)
	}
}

func (t *BackoffTimer) currentInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}
