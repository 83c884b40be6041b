// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/intuitivelabs/timestamp"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability keys for the Runner.
const (
	// Metrics.
	PollsTotal     = metricz.Key("dwheel.polls.total")
	ExpiredTotal   = metricz.Key("dwheel.expired.total")
	SlowPollsTotal = metricz.Key("dwheel.slowpolls.total")
	TimersActive   = metricz.Key("dwheel.timers.active")

	// Spans.
	PollSpan = tracez.Key("dwheel.poll")

	// Tags.
	TagTick    = tracez.Tag("dwheel.tick")
	TagExpired = tracez.Tag("dwheel.expired")

	// Hook event keys.
	EventExpired  = hookz.Key("dwheel.expired")
	EventSlowPoll = hookz.Key("dwheel.slowpoll")
)

// pollBatch caps the callback invocations per wheel Poll() call inside
// one runner cycle; a cycle keeps polling until the wheel is drained.
const pollBatch = 256

// A RunnerEvent is emitted via hooks after a poll cycle that expired
// timers (EventExpired) and whenever the runner detects it fell more
// than a full rotation behind (EventSlowPoll).
type RunnerEvent struct {
	Now       int64     // poll time, ns on the runner clock
	Tick      int64     // wheel tick cursor after the cycle
	Expired   int       // timers expired and dispatched in the cycle
	Pending   int64     // timers still scheduled
	Timestamp time.Time // when the event occurred
}

// A TimerFunc is the handler registered with Runner.Schedule. It runs
// in the runner's poll goroutine, with no runner lock held: it may
// call Schedule and Cancel freely, but must execute fast and never
// block (a slow handler delays every other timer).
// Returning true and a delta re-arms the handler after delta (under a
// new id; a timer's identity is its wheel slot). Returning false ends
// the timer.
type TimerFunc func(r *Runner, id TimerId, arg interface{}) (bool, time.Duration)

type timerEnt struct {
	f   TimerFunc
	arg interface{}
}

type expiredEnt struct {
	id  TimerId
	ent timerEnt
}

// A Runner owns a deadline wheel and drives it from a clock: one poll
// cycle per tick, handlers dispatched as their timers expire. All the
// wheel access is serialized on an internal lock, so Schedule and
// Cancel are safe from any goroutine (the wheel itself stays
// single-threaded, as required).
type Runner struct {
	opLock sync.Mutex // operations lock, serializes wheel access
	wheel  *DWheel[*Runner]
	timers map[TimerId]timerEnt

	tickDuration time.Duration
	clock        clockz.Clock

	lastTickT timestamp.TS // last poll cycle wall time
	badTime   uint32       // count time going backwards

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[RunnerEvent]

	wg     sync.WaitGroup
	cancel chan struct{} // used to stop the poll goroutine
}

// NewRunner creates a runner whose wheel quantizes time to the
// smallest power-of-two number of nanoseconds >= tick.
// Note that tick durations that are too low would cause high cpu usage
// when idle (too many wakeups).
func NewRunner(tick time.Duration, ticksPerWheel int32) (*Runner, error) {
	if tick < time.Microsecond {
		return nil, errors.New("dwheel.NewRunner: tick duration too small")
	} else if tick > time.Hour*24 {
		// probably an error
		return nil, errors.New("dwheel.NewRunner: tick duration too high")
	}
	clock := clockz.RealClock
	wheel, err := New[*Runner](clock.Now().UnixNano(),
		pow2Ceil(tick.Nanoseconds()), ticksPerWheel)
	if err != nil {
		return nil, err
	}

	metrics := metricz.New()
	metrics.Counter(PollsTotal)
	metrics.Counter(ExpiredTotal)
	metrics.Counter(SlowPollsTotal)
	metrics.Gauge(TimersActive)

	return &Runner{
		wheel:        wheel,
		timers:       make(map[TimerId]timerEnt),
		tickDuration: tick,
		clock:        clock,
		metrics:      metrics,
		tracer:       tracez.New(),
		hooks:        hookz.New[RunnerEvent](),
	}, nil
}

// WithClock sets the clock implementation, primarily for testing with
// clockz.NewFakeClock(). It must be called before Start() and before
// any timer is scheduled (the wheel's time origin moves to the new
// clock's now).
func (r *Runner) WithClock(clock clockz.Clock) *Runner {
	r.opLock.Lock()
	defer r.opLock.Unlock()
	r.clock = clock
	if err := r.wheel.ResetStartTime(clock.Now().UnixNano()); err != nil {
		BUG("WithClock called with %d timers scheduled\n",
			r.wheel.TimerCount())
	}
	return r
}

// Schedule registers f to run after the given delay (rounded up to the
// wheel's tick resolution) and returns the timer's id. arg is passed
// back to f uninspected.
func (r *Runner) Schedule(after time.Duration, f TimerFunc,
	arg interface{}) (TimerId, error) {
	if after < 0 {
		after = 0
	}
	return r.ScheduleAt(r.clock.Now().UnixNano()+after.Nanoseconds(), f, arg)
}

// ScheduleAt is like Schedule but takes an absolute deadline in
// nanoseconds on the runner's clock.
func (r *Runner) ScheduleAt(deadline int64, f TimerFunc,
	arg interface{}) (TimerId, error) {
	if f == nil {
		ERR("called with 0 callback\n")
		return 0, ErrInvalidParameters
	}
	r.opLock.Lock()
	defer r.opLock.Unlock()
	id, err := r.wheel.Schedule(deadline)
	if err != nil {
		return 0, err
	}
	r.timers[id] = timerEnt{f: f, arg: arg}
	r.metrics.Gauge(TimersActive).Set(float64(r.wheel.TimerCount()))
	return id, nil
}

// Cancel removes a scheduled timer. It returns true if the timer was
// still pending; false if it already fired, was already cancelled or
// never existed. Cancelling from inside a TimerFunc is allowed.
func (r *Runner) Cancel(id TimerId) bool {
	r.opLock.Lock()
	defer r.opLock.Unlock()
	if !r.wheel.Cancel(id) {
		return false
	}
	delete(r.timers, id)
	r.metrics.Gauge(TimersActive).Set(float64(r.wheel.TimerCount()))
	return true
}

// TimerCount returns the number of pending timers.
func (r *Runner) TimerCount() int64 {
	r.opLock.Lock()
	defer r.opLock.Unlock()
	return r.wheel.TimerCount()
}

// Metrics returns the runner metrics registry.
func (r *Runner) Metrics() *metricz.Registry {
	return r.metrics
}

// Tracer returns the runner tracer.
func (r *Runner) Tracer() *tracez.Tracer {
	return r.tracer
}

// OnExpired registers a handler for poll cycles that expired timers.
func (r *Runner) OnExpired(h func(context.Context, RunnerEvent) error) error {
	_, err := r.hooks.Hook(EventExpired, h)
	return err
}

// OnSlowPoll registers a handler for slow-poll recoveries.
func (r *Runner) OnSlowPoll(h func(context.Context, RunnerEvent) error) error {
	_, err := r.hooks.Hook(EventSlowPoll, h)
	return err
}

// pollCycle drains every timer due at now, dispatches their handlers
// and re-arms the ones that request it. It returns the number of
// timers dispatched.
// It must only run from the poll goroutine (or, in tests, with no poll
// goroutine running): handlers execute with the lock released, exactly
// one cycle at a time.
func (r *Runner) pollCycle(now int64) int {
	ctx, span := r.tracer.StartSpan(context.Background(), PollSpan)
	defer span.Finish()

	var batch []expiredEnt
	collect := func(rn *Runner, _ int64, id TimerId) bool {
		ent, ok := rn.timers[id]
		if !ok {
			BUG("expired timer %d has no registered handler\n", id)
			return true
		}
		delete(rn.timers, id)
		batch = append(batch, expiredEnt{id: id, ent: ent})
		return true
	}

	r.opLock.Lock()
	slow := r.wheel.tickForTime(now)-r.wheel.currentTick >
		int64(r.wheel.ticksPerWheel)
	for {
		// collect-only callbacks never reject, so a short count means
		// the wheel is drained up to now
		if n := r.wheel.Poll(now, r, pollBatch, collect); n < pollBatch {
			break
		}
	}
	pending := r.wheel.TimerCount()
	tick := r.wheel.currentTick
	r.metrics.Gauge(TimersActive).Set(float64(pending))
	r.opLock.Unlock()

	r.metrics.Counter(PollsTotal).Inc()
	span.SetTag(TagTick, strconv.FormatInt(tick, 10))
	span.SetTag(TagExpired, strconv.Itoa(len(batch)))

	if slow {
		r.metrics.Counter(SlowPollsTotal).Inc()
		_ = r.hooks.Emit(ctx, EventSlowPoll, RunnerEvent{ //nolint:errcheck
			Now:       now,
			Tick:      tick,
			Pending:   pending,
			Timestamp: r.clock.Now(),
		})
	}

	for _, e := range batch {
		rearm, delta := e.ent.f(r, e.id, e.ent.arg)
		if rearm {
			if _, err := r.Schedule(delta, e.ent.f, e.ent.arg); err != nil {
				ERR("re-arm failed for timer %d: %s\n", e.id, err)
			}
		}
	}

	if len(batch) > 0 {
		r.metrics.Counter(ExpiredTotal).Add(float64(len(batch)))
		_ = r.hooks.Emit(ctx, EventExpired, RunnerEvent{ //nolint:errcheck
			Now:       now,
			Tick:      tick,
			Expired:   len(batch),
			Pending:   r.TimerCount(),
			Timestamp: r.clock.Now(),
		})
	}
	return len(batch)
}
