// Package streamid hands out frame stream identifiers from a bounded
// free-list so that ids are reused instead of allocated without bound.
package streamid

import (
	"fmt"
	"sync"
)

// Allocator manages stream ids in [0, max). Allocation and release are O(1).
// An id handed out by Alloc stays unavailable until released exactly once.
type Allocator struct {
	mu    sync.Mutex
	free  []int16
	inUse []bool
	max   int
}

// New constructs an allocator for ids [0, max). Ids are handed out low-first
// on a fresh allocator and in release order afterwards.
func New(max int) *Allocator {
	if max < 1 {
		max = 1
	}
	a := &Allocator{
		free:  make([]int16, 0, max),
		inUse: make([]bool, max),
		max:   max,
	}
	for id := max - 1; id >= 0; id-- {
		a.free = append(a.free, int16(id))
	}
	return a
}

// Alloc reserves a free id. ok is false when every id is outstanding; the
// caller must treat that as backpressure, not as an error to retry in place.
func (a *Allocator) Alloc() (id int16, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return 0, false
	}
	id = a.free[n-1]
	a.free = a.free[:n-1]
	a.inUse[id] = true
	return id, true
}

// Release returns an id to the pool. Releasing an id that is not outstanding
// is a bug in the caller and panics rather than silently corrupting the
// at-most-once mapping the id backs.
func (a *Allocator) Release(id int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || int(id) >= a.max || !a.inUse[id] {
		panic(fmt.Sprintf("streamid: release of id %d not in use", id))
	}
	a.inUse[id] = false
	a.free = append(a.free, id)
}

// InUse returns the number of outstanding ids.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - len(a.free)
}

// Max returns the id-space size.
func (a *Allocator) Max() int {
	return a.max
}
