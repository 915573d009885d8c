// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package plock

import (
	"sync"
	"sync/atomic"
)

// IMutex is an intention lock: readers/writers descending a two-level
// structure (here: the hash map's segment table above its buckets) take a
// provisional IS/IX state on the way down before setting S or X on the
// node they actually want, so that a structural change at the outer level
// (segment growth, Clear, Defragment) can coordinate with in-flight bucket
// operations without serializing all of them behind one lock.
//
// State meanings, and the transition matrix they satisfy:
//
//	+---------------+----------+-----------+-----------+------------+------------+
//	|Request/Holding| Unlocked | Holding X | Holding S | Holding IX | Holding IS |
//	+---------------+----------+-----------+-----------+------------+------------+
//	|Request X      |   Yes    |    No     |    No     |     No     |     No     |
//	|Request S      |   Yes    |    No     |    Yes    |     No     |     Yes    |
//	|Request IX     |   Yes    |    No     |    No     |     Yes    |     Yes    |
//	|Request IS     |   Yes    |    No     |    Yes    |     Yes    |     Yes    |
//	+---------------+----------+-----------+-----------+------------+------------+
//
// chmap uses IS for any bucket-level Find/Insert/Erase (compatible with
// incremental segment growth, which holds IX while it appends a segment),
// and X for Clear/Defragment, which must not race with any bucket op.
type IMutex struct {
	generation atomic.Uint64
	mtx        sync.Mutex
	c          *sync.Cond
	state      uint64
}

const (
	ixOffset uint64 = 0
	ixMask   uint64 = (1 << 16) - 1

	isOffset uint64 = 16
	isMask   uint64 = ((1 << 32) - 1) & ^((1 << 16) - 1)

	sOffset uint64 = 32
	sMask   uint64 = ((1 << 48) - 1) & ^((1 << 32) - 1)

	xOffset uint64 = 48
	xMask   uint64 = 0xffffffffffffffff & ^((1 << 48) - 1)
)

func (m *IMutex) ensure() {
	cur := ProcessGeneration()
	if m.generation.Load() == cur {
		return
	}
	m.mtx = sync.Mutex{}
	m.c = sync.NewCond(&m.mtx)
	m.state = 0
	m.generation.Store(cur)
}

func extract(state, mask, offset uint64) uint64 { return (state & mask) >> offset }
func set(state, mask, offset, val uint64) uint64 { return (state & ^mask) | (val << offset) }

func compatibleWithX(state uint64) bool { return state == 0 }
func compatibleWithS(state uint64) bool {
	return extract(state, xMask, xOffset) == 0 && extract(state, ixMask, ixOffset) == 0
}
func compatibleWithIX(state uint64) bool {
	return extract(state, xMask, xOffset) == 0 && extract(state, sMask, sOffset) == 0
}
func compatibleWithIS(state uint64) bool { return extract(state, xMask, xOffset) == 0 }

func (m *IMutex) register(mask, offset uint64, compatible func(uint64) bool) bool {
	for {
		state := atomic.LoadUint64(&m.state)
		cur := extract(state, mask, offset)
		newState := set(state, mask, offset, cur+1)
		if atomic.CompareAndSwapUint64(&m.state, state, newState) {
			return compatible(state)
		}
	}
}

func (m *IMutex) unregister(mask, offset uint64) (remaining uint64) {
	for {
		state := atomic.LoadUint64(&m.state)
		cur := extract(state, mask, offset)
		newState := set(state, mask, offset, cur-1)
		if atomic.CompareAndSwapUint64(&m.state, state, newState) {
			return cur - 1
		}
	}
}

func (m *IMutex) acquire(mask, offset uint64, compatible func(uint64) bool) {
	m.ensure()
	m.mtx.Lock()
	if m.c == nil {
		m.c = sync.NewCond(&m.mtx)
	}
	for !compatible(atomic.LoadUint64(&m.state)) {
		m.c.Wait()
	}
	m.register(mask, offset, compatible)
	m.mtx.Unlock()
}

func (m *IMutex) release(mask, offset uint64) {
	if m.unregister(mask, offset) == 0 {
		m.mtx.Lock()
		if m.c != nil {
			m.c.Broadcast()
		}
		m.mtx.Unlock()
	}
}

// ISLock takes the lock in "intention to share" state: permitted unless
// currently held exclusively (X).
func (m *IMutex) ISLock() { m.acquire(isMask, isOffset, compatibleWithIS) }

// ISUnlock releases a single IS hold.
func (m *IMutex) ISUnlock() { m.release(isMask, isOffset) }

// IXLock takes the lock in "intention exclusive" state: permitted unless
// currently held exclusively (X) or shared (S).
func (m *IMutex) IXLock() { m.acquire(ixMask, ixOffset, compatibleWithIX) }

// IXUnlock releases a single IX hold.
func (m *IMutex) IXUnlock() { m.release(ixMask, ixOffset) }

// SLock takes the lock in shared state: permitted unless currently held
// exclusively (X) or intention-exclusively (IX).
func (m *IMutex) SLock() { m.acquire(sMask, sOffset, compatibleWithS) }

// SUnlock releases a single S hold.
func (m *IMutex) SUnlock() { m.release(sMask, sOffset) }

// XLock takes the lock in exclusive state: permitted only when fully
// unheld.
func (m *IMutex) XLock() { m.acquire(xMask, xOffset, compatibleWithX) }

// XUnlock releases a single X hold.
func (m *IMutex) XUnlock() { m.release(xMask, xOffset) }
