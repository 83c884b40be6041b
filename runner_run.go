// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

import (
	"github.com/intuitivelabs/timestamp"
)

// Start will start the poll goroutine. No handlers run before Start()
// is called. In most cases it should be used right after NewRunner().
func (r *Runner) Start() {
	r.cancel = make(chan struct{})
	r.lastTickT = timestamp.Now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if DBGon() {
			DBG("starting poll loop with tick %s\n", r.tickDuration)
		}
		for {
			select {
			case <-r.cancel:
				return
			case <-r.clock.After(r.tickDuration):
				r.tick()
			}
		}
	}()
}

// Shutdown signals the poll goroutine to stop and waits for it to
// finish. Pending timers are left scheduled.
func (r *Runner) Shutdown() {
	if r.cancel != nil {
		close(r.cancel)
	}
	r.wg.Wait()
	r.hooks.Close()
}

// tick runs one poll cycle, guarding against the wall clock going
// backwards (ntp steps, suspend/resume): polling with an older now is
// harmless for the wheel (the cursor never rewinds) but would hide how
// far behind we really are, so it is skipped and counted until the
// clock recovers.
func (r *Runner) tick() {
	ts := timestamp.Now()
	if ts.Before(r.lastTickT) {
		r.badTime++
		if r.badTime > 10 {
			// give up waiting for the clock to catch up, re-sync
			if ERRon() {
				ERR("trying to recover after time going backward %d times"+
					" with %s\n",
					r.badTime, r.lastTickT.Sub(ts))
			}
			r.lastTickT = ts
		} else if DBGon() {
			DBG("tick: time going backward with %s (%d times)\n",
				r.lastTickT.Sub(ts), r.badTime)
		}
		return
	}
	r.badTime = 0
	r.lastTickT = ts
	r.pollCycle(r.clock.Now().UnixNano())
}
