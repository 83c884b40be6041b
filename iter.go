// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

// ForEach calls f with the (deadline, id) of every active timer, in
// storage-address order, without expiring anything. It stops
// immediately if f returns false.
// The number of active timers is TimerCount().
// WARNING: it does not support mutating the wheel from f(); schedule,
// cancel or poll between iterations instead.
func (w *DWheel[C]) ForEach(f func(deadline int64, id TimerId) bool) {
	for addr := range w.slots {
		d := w.slots[addr]
		if d == NullDeadline {
			continue
		}
		spoke := int64(addr) >> w.allocationBits
		slot := int32(int64(addr) & int64(w.tickAllocation-1))
		if !f(d, encodeTimerId(spoke, slot)) {
			return
		}
	}
}
