// Package timerwheel provides the single ticking scheduler that services all
// delayed work in the runtime: timeout transitions, delayed auto transitions
// and heartbeat-style tasks. Scheduling and cancellation are O(1) regardless
// of the number of outstanding tasks; the trade-off is that firing precision
// is one tick, which is coarser than a native one-shot timer.
package timerwheel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTickMs is the tick interval used when the config leaves it zero.
	DefaultTickMs = 50
	// DefaultWheelSize holds roughly a minute of ticks at the default tick.
	DefaultWheelSize = 1200
)

// Config controls wheel granularity. Zero values select the defaults.
type Config struct {
	TickMs    int
	WheelSize int
}

// Callback is invoked when a task expires. It runs on the wheel's tick
// goroutine; long-running work must be handed off by the callee.
type Callback func()

type task struct {
	id       string
	expiry   time.Time
	bucket   int
	callback Callback
}

// Wheel is a circular-bucket timer wheel. Tasks are keyed by caller-chosen
// ids; adding a task under an existing id replaces it.
type Wheel struct {
	mu      sync.Mutex
	tick    time.Duration
	buckets []map[string]*task
	tasks   map[string]*task
	current int
	running bool
	stopCh  chan struct{}
	logger  *slog.Logger
}

// New creates a wheel from the given config. A nil logger falls back to
// slog.Default().
func New(cfg Config, logger *slog.Logger) *Wheel {
	if cfg.TickMs <= 0 {
		cfg.TickMs = DefaultTickMs
	}
	if cfg.WheelSize <= 0 {
		cfg.WheelSize = DefaultWheelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	buckets := make([]map[string]*task, cfg.WheelSize)
	for i := range buckets {
		buckets[i] = make(map[string]*task)
	}
	return &Wheel{
		tick:    time.Duration(cfg.TickMs) * time.Millisecond,
		buckets: buckets,
		tasks:   make(map[string]*task),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
}

// Start begins ticking. It is a no-op when the wheel is already running.
func (w *Wheel) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(w.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.advance()
			case <-stopCh:
				return
			case <-ctx.Done():
				w.mu.Lock()
				w.running = false
				w.mu.Unlock()
				return
			}
		}
	}()
	return nil
}

// Stop halts the tick loop. Pending tasks remain scheduled and resume firing
// after a subsequent Start.
func (w *Wheel) Stop(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopCh)
	w.running = false
	return nil
}

// Add schedules a callback after the given delay. An existing task with the
// same id is cancelled first. Delays shorter than one tick fire on the next
// tick.
func (w *Wheel) Add(id string, delay time.Duration, cb Callback) {
	if delay < 0 {
		delay = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.tasks[id]; ok {
		delete(w.buckets[old.bucket], id)
		delete(w.tasks, id)
	}

	ticks := int((delay + w.tick - 1) / w.tick)
	if ticks < 1 {
		ticks = 1
	}
	bucket := (w.current + ticks) % len(w.buckets)
	t := &task{
		id:       id,
		expiry:   time.Now().Add(delay),
		bucket:   bucket,
		callback: cb,
	}
	w.buckets[bucket][id] = t
	w.tasks[id] = t
}

// Remove cancels a pending task. It reports whether the id was scheduled.
func (w *Wheel) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[id]
	if !ok {
		return false
	}
	delete(w.buckets[t.bucket], id)
	delete(w.tasks, id)
	return true
}

// Len returns the number of pending tasks.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// advance processes the current bucket and moves the cursor forward. Expired
// tasks fire; tasks whose absolute expiry lies further out (multi-lap) are
// re-bucketed instead.
func (w *Wheel) advance() {
	now := time.Now()

	w.mu.Lock()
	bucket := w.buckets[w.current]
	var due []*task
	for id, t := range bucket {
		if !t.expiry.After(now) {
			due = append(due, t)
			delete(bucket, id)
			delete(w.tasks, id)
			continue
		}
		// Not yet expired: the delay spanned more than one lap of the
		// wheel. Re-bucket at the remaining distance.
		delete(bucket, id)
		remaining := t.expiry.Sub(now)
		ticks := int((remaining + w.tick - 1) / w.tick)
		if ticks < 1 {
			ticks = 1
		}
		t.bucket = (w.current + ticks) % len(w.buckets)
		w.buckets[t.bucket][t.id] = t
	}
	w.current = (w.current + 1) % len(w.buckets)
	w.mu.Unlock()

	for _, t := range due {
		w.fire(t)
	}
}

// fire invokes a task callback, containing panics so a misbehaving callback
// cannot stop the wheel.
func (w *Wheel) fire(t *task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("timer wheel callback panicked", "task", t.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	t.callback()
}
