// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

// A TimerHandlerF is the callback invoked by Poll() once per expired
// timer, with the client value passed to Poll(), the poll time and the
// expired timer's id. By the time it runs the slot is already empty.
//
// Returning true consumes the expiry and the scan continues.
// Returning false rejects it: the timer is written back into its slot
// and Poll() returns immediately without counting it. NOTE: the scan
// cursor still moves past the rejected slot, so the timer is examined
// again only after the wheel has rotated once back to its spoke. Use
// rejection to bail out of an over-long poll, not as a cheap retry.
//
// The callback may call Schedule() and Cancel() on the wheel (a timer
// scheduled at or before the current tick is seen by a later Poll();
// cancelling a not-yet-visited slot is honored within the same call).
// It must not call Clear(), ResetStartTime(), Advance() or a nested
// Poll().
type TimerHandlerF[C any] func(client C, now int64, id TimerId) bool

// Poll expires due timers incrementally and returns how many were
// expired and consumed in this call. now is the current time in the
// wheel's units; expiryLimit caps the number of callback invocations,
// bounding the latency of a single call. The wheel remembers where the
// scan stopped, so the next Poll() resumes exactly there.
//
// A timer with deadline d fires at the first poll whose now has
// reached the end of the tick containing d (the wheel quantizes to
// ticks; there is no sub-tick precision and no ordering among timers
// of the same tick).
//
// Callers must poll at least once per ticksPerWheel ticks. A caller
// that falls further behind would be lapped, so the wheel logs a
// warning, resynchronizes the cursor to now and returns 0; pending
// timers fire on later polls as their spokes come around again.
func (w *DWheel[C]) Poll(now int64, client C, expiryLimit int,
	f TimerHandlerF[C]) int {
	targetTick := w.tickForTime(now)
	if targetTick < w.currentTick {
		targetTick = w.currentTick
	}
	if targetTick-w.currentTick > int64(w.ticksPerWheel) {
		// lapped: the caller broke the polling cadence contract
		if WARNon() {
			WARN("slow poller: %d ticks behind on a %d spoke wheel,"+
				" resyncing\n",
				targetTick-w.currentTick, w.ticksPerWheel)
		}
		w.currentTick = targetTick
		w.pollIndex = 0
		return 0
	}
	if w.timerCount == 0 {
		w.currentTick = targetTick
		w.pollIndex = 0
		return 0
	}

	expired := 0
	// scan only ticks that have fully elapsed (now past the tick end)
	for w.currentTick < targetTick && expired < expiryLimit {
		spoke := w.currentTick & w.tickMask
		for slot := w.pollIndex; slot < w.tickAllocation; slot++ {
			if expired >= expiryLimit {
				w.pollIndex = slot
				return expired
			}
			addr := w.slotAddr(spoke, slot)
			d := w.slots[addr]
			if d == NullDeadline || now < d {
				continue
			}
			w.slots[addr] = NullDeadline
			w.timerCount--
			expired++
			if !f(client, now, encodeTimerId(spoke, slot)) {
				// rejected: put the timer back and stop; the slot is
				// skipped until the next rotation reaches this spoke
				// (re-derive the address: a re-entrant Schedule may
				// have grown the wheel under us)
				w.slots[w.slotAddr(spoke, slot)] = d
				w.timerCount++
				w.pollIndex = slot + 1
				return expired - 1
			}
		}
		w.currentTick++
		w.pollIndex = 0
	}
	return expired
}
