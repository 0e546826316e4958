package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// Admission errors. A rejected Acquire never holds a slot.
var (
	ErrCircuitOpen      = errors.New("circuit open")
	ErrResourcePressure = errors.New("rejected under resource pressure")
	ErrQueueTimeout     = errors.New("timed out waiting for a slot")
	ErrInvalidLimit     = errors.New("limit must not be negative")
)

// keyState is the admission state of one concurrency key.
type keyState struct {
	active int
	// uncounted holds slots granted while the key was unlimited. They
	// never entered active or the global count.
	uncounted int
	waiters   waitQueue
	breaker breaker

	successStreak int
	failureStreak int

	windowSuccess int
	windowFailure int
}

// KeyInfo is a point-in-time view of one key.
type KeyInfo struct {
	Key     string       `json:"key"`
	Active  int          `json:"active"`
	Limit   int          `json:"limit"` // -1 when unlimited
	Queued  int          `json:"queued"`
	Circuit CircuitState `json:"circuit"`
}

// Controller is the admission gate. It combines per-key limits with a
// priority wait queue, a per-key circuit breaker, streak auto-scaling, a
// windowed adaptive adjuster and a process-wide cap.
type Controller struct {
	cfg    Config
	logger hclog.Logger

	mu           sync.Mutex
	keys         map[string]*keyState
	limits       map[string]int
	globalActive int
	seq          uint64
	windowStart  time.Time

	pressure PressureFunc
	now      func() time.Time
}

// New creates a controller. A nil cfg uses DefaultConfig; a nil pressure
// func uses HeapPressure.
func New(cfg *Config, pressure PressureFunc, logger hclog.Logger) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if pressure == nil {
		pressure = HeapPressure
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	c := &Controller{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("gate"),
		keys:     make(map[string]*keyState),
		limits:   make(map[string]int),
		pressure: pressure,
		now:      time.Now,
	}
	for k, v := range cfg.Keys {
		c.limits[k] = v
	}
	c.windowStart = c.now()
	return c
}

// Acquire blocks until a slot for key is granted, the queue timeout
// elapses or ctx is done.
func (c *Controller) Acquire(ctx context.Context, key string, priority models.Priority) error {
	underPressure := false
	if priority <= models.LowestPriority {
		underPressure = c.pressure() > c.cfg.PressureThreshold
	}

	c.mu.Lock()
	now := c.now()
	st := c.stateLocked(key)

	if !st.breaker.allow(now, c.cfg.OpenTimeout) {
		c.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrCircuitOpen, key)
	}
	if underPressure {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s priority for %s", ErrResourcePressure, priority, key)
	}

	limit := c.limitLocked(key)
	if limit == Unlimited {
		st.uncounted++
		c.mu.Unlock()
		return nil
	}
	if st.waiters.Len() == 0 && st.active < limit && c.globalRoomLocked() {
		st.active++
		c.globalActive++
		c.mu.Unlock()
		return nil
	}

	c.seq++
	w := &waiter{key: key, priority: priority, seq: c.seq, ready: make(chan struct{})}
	st.waiters.push(w)
	queued := st.waiters.Len()
	c.mu.Unlock()

	c.logger.Debug("queued", "key", key, "priority", priority.String(), "position", queued)

	timer := time.NewTimer(c.cfg.QueueTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		err = fmt.Errorf("%w for %s after %s", ErrQueueTimeout, key, c.cfg.QueueTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w.granted {
		// Granted between the timeout firing and taking the lock.
		return nil
	}
	st.waiters.remove(w)
	return err
}

// Release gives back one slot of key. A queued waiter on the same key
// takes a freed counted slot over directly; otherwise the count drops and
// the freed global slot goes to the best waiter on any key with room.
//
// Holders are not told apart, so the limit in force picks which kind of
// slot is returned: while limited, uncounted holders go first and active
// never drops below what is really running; while unlimited, counted
// holders go first so global slots come back early. Either way the sum of
// both counts matches the holders.
func (c *Controller) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.keys[key]
	if !ok {
		return
	}
	limit := c.limitLocked(key)

	counted := st.active > 0
	if st.uncounted > 0 && (limit != Unlimited || st.active == 0) {
		counted = false
	}
	if !counted {
		if st.uncounted > 0 {
			st.uncounted--
		}
		c.dispatchLocked()
		return
	}

	if limit != Unlimited && st.waiters.Len() > 0 && st.active <= limit {
		c.grantLocked(st.waiters.pop())
		return
	}

	st.active--
	if c.globalActive > 0 {
		c.globalActive--
	}
	c.dispatchLocked()
}

// Limit resolves the limit of key: explicit per-key limit, then model,
// provider, agent and default. Zero resolves to Unlimited.
func (c *Controller) Limit(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitLocked(key)
}

// SetLimit sets an explicit limit for key. 0 means unlimited.
func (c *Controller) SetLimit(key string, limit int) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limits[key] = limit
	c.dispatchLocked()
	return nil
}

// CircuitState returns the breaker state of key.
func (c *Controller) CircuitState(key string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.keys[key]
	if !ok {
		return CircuitClosed
	}
	return st.breaker.current(c.now(), c.cfg.OpenTimeout)
}

// ResetCircuit closes the breaker of key and clears its streaks.
func (c *Controller) ResetCircuit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.keys[key]; ok {
		st.breaker.reset()
		st.successStreak = 0
		st.failureStreak = 0
	}
}

// QueueLength returns how many callers wait on key.
func (c *Controller) QueueLength(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.keys[key]; ok {
		return st.waiters.Len()
	}
	return 0
}

// ActiveCount returns the slots of key currently held.
func (c *Controller) ActiveCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.keys[key]; ok {
		return st.active
	}
	return 0
}

// GlobalActive returns the slots held across all keys.
func (c *Controller) GlobalActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalActive
}

// Info returns a short slot summary for display, e.g. " (2/3 slots)".
// It is empty for unlimited keys.
func (c *Controller) Info(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.limitLocked(key)
	if limit == Unlimited {
		return ""
	}
	active := 0
	if st, ok := c.keys[key]; ok {
		active = st.active
	}
	return fmt.Sprintf(" (%d/%d slots)", active, limit)
}

// Snapshot returns every known key sorted by name.
func (c *Controller) Snapshot() []KeyInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]KeyInfo, 0, len(c.keys))
	for key, st := range c.keys {
		limit := c.limitLocked(key)
		if limit == Unlimited {
			limit = -1
		}
		out = append(out, KeyInfo{
			Key:     key,
			Active:  st.active,
			Limit:   limit,
			Queued:  st.waiters.Len(),
			Circuit: st.breaker.current(now, c.cfg.OpenTimeout),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Controller) stateLocked(key string) *keyState {
	st, ok := c.keys[key]
	if !ok {
		st = &keyState{breaker: newBreaker()}
		c.keys[key] = st
	}
	return st
}

func (c *Controller) limitLocked(key string) int {
	n, ok := c.limits[key]
	if !ok {
		n = c.cfg.configuredLimit(key)
	}
	if n == 0 {
		return Unlimited
	}
	return n
}

func (c *Controller) globalRoomLocked() bool {
	return c.cfg.GlobalMax == 0 || c.globalActive < c.cfg.GlobalMax
}

// grantLocked wakes a waiter whose slot is already accounted for.
func (c *Controller) grantLocked(w *waiter) {
	w.granted = true
	close(w.ready)
}

// dispatchLocked admits waiters while some key has room under both its
// own limit and the global cap, best waiter first across keys.
func (c *Controller) dispatchLocked() {
	for {
		var best *waiter
		var bestState *keyState
		for key, st := range c.keys {
			head := st.waiters.peek()
			if head == nil {
				continue
			}
			limit := c.limitLocked(key)
			if limit != Unlimited && (st.active >= limit || !c.globalRoomLocked()) {
				continue
			}
			if best == nil || head.before(best) {
				best, bestState = head, st
			}
		}
		if best == nil {
			return
		}

		bestState.waiters.pop()
		if c.limitLocked(best.key) != Unlimited {
			bestState.active++
			c.globalActive++
		} else {
			bestState.uncounted++
		}
		c.grantLocked(best)
	}
}

// rollWindowLocked applies the adaptive adjustment once per window: keys
// with enough samples move their limit up on a high success rate and down
// on a low one, within [PerKeyMin, PerKeyMax].
func (c *Controller) rollWindowLocked(now time.Time) {
	if now.Sub(c.windowStart) < c.cfg.Window {
		return
	}
	c.windowStart = now

	for key, st := range c.keys {
		total := st.windowSuccess + st.windowFailure
		rate := 0.0
		if total > 0 {
			rate = float64(st.windowSuccess) / float64(total)
		}
		st.windowSuccess, st.windowFailure = 0, 0

		if total < c.cfg.MinSamples {
			continue
		}
		limit := c.limitLocked(key)
		if limit == Unlimited {
			continue
		}
		switch {
		case rate >= c.cfg.ScaleUpRate && limit < c.cfg.PerKeyMax:
			c.limits[key] = limit + 1
			c.logger.Debug("adaptive increase", "key", key, "limit", limit+1, "rate", rate)
		case rate < c.cfg.ScaleDownRate && limit > c.cfg.PerKeyMin:
			c.limits[key] = limit - 1
			c.logger.Debug("adaptive decrease", "key", key, "limit", limit-1, "rate", rate)
		}
	}
}
