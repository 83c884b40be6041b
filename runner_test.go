// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// advanceCycles drives n poll cycles by hand on a fake clock, without
// the poll goroutine.
func advanceCycles(r *Runner, clock *clockz.FakeClock, step time.Duration,
	n int) {
	for i := 0; i < n; i++ {
		clock.Advance(step)
		r.pollCycle(clock.Now().UnixNano())
	}
}

func TestRunnerScheduleExpire(t *testing.T) {
	clock := clockz.NewFakeClock()
	r, err := NewRunner(time.Millisecond, 64)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.WithClock(clock)

	var runs uint64
	id, err := r.Schedule(5*time.Millisecond,
		func(_ *Runner, _ TimerId, arg interface{}) (bool, time.Duration) {
			if arg.(string) != "payload" {
				t.Errorf("wrong arg: %v\n", arg)
			}
			runs++
			return false, 0
		}, "payload")
	if err != nil {
		t.Fatalf("Schedule failed: %s\n", err)
	}
	if r.TimerCount() != 1 {
		t.Fatalf("count %d after schedule\n", r.TimerCount())
	}
	if v := r.Metrics().Gauge(TimersActive).Value(); v != 1 {
		t.Errorf("active gauge %v after schedule\n", v)
	}

	for i := 0; i < 20 && runs == 0; i++ {
		advanceCycles(r, clock, time.Millisecond, 1)
	}
	if runs != 1 {
		t.Fatalf("handler ran %d times\n", runs)
	}
	if r.TimerCount() != 0 {
		t.Errorf("count %d after expiry\n", r.TimerCount())
	}
	if r.Cancel(id) {
		t.Errorf("Cancel succeeded after expiry\n")
	}
	if v := r.Metrics().Counter(ExpiredTotal).Value(); v != 1 {
		t.Errorf("expired counter %v\n", v)
	}
	if v := r.Metrics().Counter(PollsTotal).Value(); v < 1 {
		t.Errorf("polls counter %v\n", v)
	}

	// nil handlers are rejected
	if _, err := r.Schedule(time.Millisecond, nil, nil); err != ErrInvalidParameters {
		t.Errorf("Schedule with nil handler: %v\n", err)
	}
}

func TestRunnerCancel(t *testing.T) {
	clock := clockz.NewFakeClock()
	r, err := NewRunner(time.Millisecond, 64)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.WithClock(clock)

	var runs uint64
	id, err := r.Schedule(10*time.Millisecond,
		func(*Runner, TimerId, interface{}) (bool, time.Duration) {
			runs++
			return false, 0
		}, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %s\n", err)
	}
	if !r.Cancel(id) {
		t.Fatalf("Cancel failed for pending timer\n")
	}
	if r.Cancel(id) {
		t.Errorf("double Cancel succeeded\n")
	}
	advanceCycles(r, clock, time.Millisecond, 30)
	if runs != 0 {
		t.Errorf("handler ran %d times after cancel\n", runs)
	}
	if v := r.Metrics().Gauge(TimersActive).Value(); v != 0 {
		t.Errorf("active gauge %v after cancel\n", v)
	}
}

func TestRunnerRearm(t *testing.T) {
	clock := clockz.NewFakeClock()
	r, err := NewRunner(time.Millisecond, 64)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.WithClock(clock)

	var runs uint64
	_, err = r.Schedule(2*time.Millisecond,
		func(*Runner, TimerId, interface{}) (bool, time.Duration) {
			runs++
			if runs < 3 {
				return true, 2 * time.Millisecond
			}
			return false, 0
		}, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %s\n", err)
	}
	advanceCycles(r, clock, time.Millisecond, 40)
	if runs != 3 {
		t.Errorf("handler ran %d times, expected 3\n", runs)
	}
	if r.TimerCount() != 0 {
		t.Errorf("count %d after the rearm chain finished\n", r.TimerCount())
	}
}

func TestRunnerSlowPoll(t *testing.T) {
	clock := clockz.NewFakeClock()
	r, err := NewRunner(time.Millisecond, 8)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.WithClock(clock)

	var slow uint64
	if err := r.OnSlowPoll(func(_ context.Context, ev RunnerEvent) error {
		atomic.AddUint64(&slow, 1)
		return nil
	}); err != nil {
		t.Fatalf("OnSlowPoll failed: %s\n", err)
	}

	var runs uint64
	_, err = r.Schedule(2*time.Millisecond,
		func(*Runner, TimerId, interface{}) (bool, time.Duration) {
			runs++
			return false, 0
		}, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %s\n", err)
	}

	// fall a dozen rotations behind in one step
	clock.Advance(100 * time.Millisecond)
	r.pollCycle(clock.Now().UnixNano())
	if v := r.Metrics().Counter(SlowPollsTotal).Value(); v != 1 {
		t.Fatalf("slow poll counter %v\n", v)
	}
	if runs != 0 || r.TimerCount() != 1 {
		t.Fatalf("timer lost in slow-poll recovery: runs %d count %d\n",
			runs, r.TimerCount())
	}
	// the pending timer fires once its spoke comes around again
	advanceCycles(r, clock, time.Millisecond, 30)
	if runs != 1 {
		t.Errorf("handler ran %d times after recovery\n", runs)
	}
	// hookz delivery may lag the emit
	for i := 0; i < 100 && atomic.LoadUint64(&slow) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadUint64(&slow) == 0 {
		t.Errorf("no slow-poll event emitted\n")
	}
}

func TestRunnerExpiredHook(t *testing.T) {
	clock := clockz.NewFakeClock()
	r, err := NewRunner(time.Millisecond, 64)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.WithClock(clock)

	var expired uint64
	if err := r.OnExpired(func(_ context.Context, ev RunnerEvent) error {
		atomic.AddUint64(&expired, uint64(ev.Expired))
		return nil
	}); err != nil {
		t.Fatalf("OnExpired failed: %s\n", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Schedule(3*time.Millisecond,
			func(*Runner, TimerId, interface{}) (bool, time.Duration) {
				return false, 0
			}, nil); err != nil {
			t.Fatalf("Schedule failed: %s\n", err)
		}
	}
	advanceCycles(r, clock, time.Millisecond, 20)
	if v := r.Metrics().Counter(ExpiredTotal).Value(); v != 2 {
		t.Errorf("expired counter %v, expected 2\n", v)
	}
	for i := 0; i < 100 && atomic.LoadUint64(&expired) < 2; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadUint64(&expired) != 2 {
		t.Errorf("expired events reported %d timers, expected 2\n",
			atomic.LoadUint64(&expired))
	}
}

func TestRunnerStartShutdown(t *testing.T) {
	r, err := NewRunner(2*time.Millisecond, 64)
	if err != nil {
		t.Fatalf("NewRunner failed: %s\n", err)
	}
	r.Start()

	done := make(chan struct{})
	start := time.Now()
	_, err = r.Schedule(20*time.Millisecond,
		func(*Runner, TimerId, interface{}) (bool, time.Duration) {
			close(done)
			return false, 0
		}, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %s\n", err)
	}
	select {
	case <-done:
		if d := time.Since(start); d < 10*time.Millisecond {
			t.Errorf("timer fired too early: %s\n", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired\n")
	}
	r.Shutdown()
}
