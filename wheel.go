// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package dwheel provides a flat hashed deadline timer wheel, optimised
// for a high number of timers (10k+) scheduled by absolute deadline,
// with O(1) cancellation and incremental, bounded-work polling.
//
// The wheel keeps no per-timer allocation: a timer is a deadline value
// stored in a slot of its spoke, and its id is the packed (spoke, slot)
// position. The caller supplies the current time on each Poll(); the
// wheel itself never reads a clock and is not safe for concurrent use
// (see Runner for a clock-driven, serialized wrapper).
package dwheel

import (
	"math/bits"
)

const NAME = "dwheel"

var BuildTags []string

// NullDeadline is the sentinel value stored in empty slots. It is also
// returned by Deadline() for unknown ids.
const NullDeadline int64 = 1<<63 - 1

// DefaultTickAllocation is the initial per-spoke slot count used by New.
const DefaultTickAllocation int32 = 16

// maxSlots is the total slot-count limit: expanding a wheel past it
// fails with ErrCapacityExceeded (slot addresses must stay in 31 bits).
const maxSlots int64 = 1 << 31

// DWheel is a deadline timer wheel. The type parameter C is the client
// value forwarded, uninspected, to the Poll() callback.
//
// Time is an int64 axis in caller-chosen units, with startTime as the
// origin and tickResolution units per tick. All three dimensions
// (tickResolution, ticksPerWheel, tickAllocation) are powers of two so
// that tick, spoke and slot arithmetic reduce to shifts and masks.
type DWheel[C any] struct {
	startTime      int64
	tickResolution int64
	resolutionBits uint8
	ticksPerWheel  int32
	tickMask       int64
	tickAllocation int32
	allocationBits uint8

	currentTick int64 // tick cursor, only ResetStartTime moves it back
	pollIndex   int32 // resume slot within the currentTick spoke
	timerCount  int64

	// ticksPerWheel x tickAllocation cells, spoke-major; each cell is
	// either a deadline or NullDeadline
	slots []int64
}

// New creates a wheel with the default initial tick allocation.
// startTime is the origin of the time axis, tickResolution the number
// of time units per tick and ticksPerWheel the number of spokes; the
// latter two must be powers of two.
func New[C any](startTime, tickResolution int64,
	ticksPerWheel int32) (*DWheel[C], error) {
	return NewAlloc[C](startTime, tickResolution, ticksPerWheel,
		DefaultTickAllocation)
}

// NewAlloc is like New but with an explicit initial per-spoke slot
// count (power of two).
func NewAlloc[C any](startTime, tickResolution int64,
	ticksPerWheel, initialAllocation int32) (*DWheel[C], error) {
	w := &DWheel[C]{}
	if err := w.Init(startTime, tickResolution, ticksPerWheel,
		initialAllocation); err != nil {
		return nil, err
	}
	return w, nil
}

// Init initializes (or fully re-initializes) the wheel.
// It returns ErrInvalidParameters if tickResolution, ticksPerWheel or
// initialAllocation is not a power of two (>= 1).
func (w *DWheel[C]) Init(startTime, tickResolution int64,
	ticksPerWheel, initialAllocation int32) error {
	if !isPow2(tickResolution) || !isPow2(int64(ticksPerWheel)) ||
		!isPow2(int64(initialAllocation)) {
		return ErrInvalidParameters
	}
	w.startTime = startTime
	w.tickResolution = tickResolution
	w.resolutionBits = uint8(bits.TrailingZeros64(uint64(tickResolution)))
	w.ticksPerWheel = ticksPerWheel
	w.tickMask = int64(ticksPerWheel) - 1
	w.tickAllocation = initialAllocation
	w.allocationBits = uint8(bits.TrailingZeros64(uint64(initialAllocation)))
	w.currentTick = 0
	w.pollIndex = 0
	w.timerCount = 0
	w.slots = newSlots(int64(ticksPerWheel) * int64(initialAllocation))
	return nil
}

// newSlots allocates n cells, all empty.
func newSlots(n int64) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = NullDeadline
	}
	return s
}

// Schedule registers a timer for the absolute deadline (in the wheel's
// time units) and returns its id. A deadline already in the past is
// snapped up to the current tick, so it is visible to the next Poll().
// The returned id stays valid until the timer is cancelled, expired
// and consumed, or the wheel is cleared; it survives capacity growth.
//
// Scheduling into a full spoke doubles the per-spoke allocation; if
// the doubled wheel would exceed the slot-address space, Schedule
// fails with ErrCapacityExceeded and the wheel is left untouched.
func (w *DWheel[C]) Schedule(deadline int64) (TimerId, error) {
	deadlineTick := w.tickForTime(deadline)
	if deadlineTick < w.currentTick {
		deadlineTick = w.currentTick
	}
	spoke := deadlineTick & w.tickMask
	for slot := int32(0); slot < w.tickAllocation; slot++ {
		addr := w.slotAddr(spoke, slot)
		if w.slots[addr] == NullDeadline {
			w.slots[addr] = deadline
			w.timerCount++
			return encodeTimerId(spoke, slot), nil
		}
	}
	return w.increaseCapacity(spoke, deadline)
}

// increaseCapacity doubles tickAllocation, migrates every spoke's slots
// at the same relative offsets (ids are positions, so they survive the
// copy unchanged) and places deadline in the first slot of the new
// half of its spoke.
// currentTick and pollIndex are untouched: pollIndex <= old allocation
// <= new allocation, so an in-flight polling sequence resumes cleanly.
func (w *DWheel[C]) increaseCapacity(spoke, deadline int64) (TimerId, error) {
	newAllocation := int64(w.tickAllocation) * 2
	if int64(w.ticksPerWheel)*newAllocation > maxSlots {
		return 0, ErrCapacityExceeded
	}
	newBits := w.allocationBits + 1
	slots := newSlots(int64(w.ticksPerWheel) * newAllocation)
	for i := int64(0); i < int64(w.ticksPerWheel); i++ {
		copy(slots[i<<newBits:],
			w.slots[i<<w.allocationBits:(i+1)<<w.allocationBits])
	}
	slot := w.tickAllocation // first free slot of the doubled spoke
	slots[spoke<<newBits+int64(slot)] = deadline
	w.timerCount++
	w.slots = slots
	w.tickAllocation = int32(newAllocation)
	w.allocationBits = newBits
	if DBGon() {
		DBG("tick allocation doubled to %d (%d slots total)\n",
			w.tickAllocation, len(w.slots))
	}
	return encodeTimerId(spoke, slot), nil
}

// Cancel removes the timer with the given id. It returns true if the
// timer was active and false if the id is unknown, already expired or
// already cancelled. Cancelling twice is safe.
func (w *DWheel[C]) Cancel(id TimerId) bool {
	spoke := spokeOf(id)
	slot := slotOf(id)
	if spoke < 0 || spoke >= int64(w.ticksPerWheel) ||
		slot >= int64(w.tickAllocation) {
		return false
	}
	addr := w.slotAddr(spoke, int32(slot))
	if w.slots[addr] == NullDeadline {
		return false
	}
	w.slots[addr] = NullDeadline
	w.timerCount--
	return true
}

// Deadline returns the deadline stored for id, or NullDeadline if the
// id is out of range or its slot is empty.
func (w *DWheel[C]) Deadline(id TimerId) int64 {
	spoke := spokeOf(id)
	slot := slotOf(id)
	if spoke < 0 || spoke >= int64(w.ticksPerWheel) ||
		slot >= int64(w.tickAllocation) {
		return NullDeadline
	}
	return w.slots[w.slotAddr(spoke, int32(slot))]
}

// Clear empties every slot and zeroes the timer count. The tick cursor
// and start time are not reset.
func (w *DWheel[C]) Clear() {
	for i := range w.slots {
		w.slots[i] = NullDeadline
	}
	w.timerCount = 0
}

// ResetStartTime moves the origin of the time axis and rewinds the tick
// cursor. It is only legal on an empty wheel (active timers keep
// absolute deadlines relative to the old origin) and fails with
// ErrWheelNotEmpty otherwise.
func (w *DWheel[C]) ResetStartTime(startTime int64) error {
	if w.timerCount > 0 {
		return ErrWheelNotEmpty
	}
	w.startTime = startTime
	w.currentTick = 0
	w.pollIndex = 0
	return nil
}

// Advance moves the tick cursor forward to the tick containing now
// without expiring anything. The cursor never moves backwards.
func (w *DWheel[C]) Advance(now int64) {
	if t := w.tickForTime(now); t > w.currentTick {
		w.currentTick = t
	}
	w.pollIndex = 0
}

// CurrentTickTime returns the exclusive upper bound (in time units) of
// the tick the cursor is on: the earliest now at which Poll() will
// scan past it.
func (w *DWheel[C]) CurrentTickTime() int64 {
	return ((w.currentTick + 1) << w.resolutionBits) + w.startTime
}

// TimerCount returns the number of active timers.
func (w *DWheel[C]) TimerCount() int64 { return w.timerCount }

// StartTime returns the origin of the time axis.
func (w *DWheel[C]) StartTime() int64 { return w.startTime }

// TickResolution returns the number of time units per tick.
func (w *DWheel[C]) TickResolution() int64 { return w.tickResolution }

// TicksPerWheel returns the number of spokes.
func (w *DWheel[C]) TicksPerWheel() int32 { return w.ticksPerWheel }

// TickAllocation returns the current per-spoke slot count.
func (w *DWheel[C]) TickAllocation() int32 { return w.tickAllocation }
