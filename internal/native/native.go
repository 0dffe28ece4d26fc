// Package native holds the storage that backs marshalled values.
//
// Every read, allocation and free of a storage cell goes through a
// single process-wide mutex. The rest of the module treats this
// package as the native side of the value boundary: nothing outside
// it touches cell contents directly, and the lock is never exposed.
package native

import (
	"fmt"
	"sync"
)

var (
	// mu is the global native-call lock.
	mu sync.Mutex

	nextID uint64
	live   = map[uint64]*Cell{}
	allocs uint64
	frees  uint64
)

// A Cell is one unit of native storage.
//
// A Cell's payload is set at allocation and never modified
// afterwards. The owner must call Free exactly once.
type Cell struct {
	id      uint64
	payload any
	freed   bool
}

// Alloc stores payload in a new Cell.
func Alloc(payload any) *Cell {
	mu.Lock()
	defer mu.Unlock()
	nextID++
	allocs++
	c := &Cell{
		id:      nextID,
		payload: payload,
	}
	live[c.id] = c
	return c
}

// Load returns the cell's payload.
//
// Load panics if the cell has been freed.
func (c *Cell) Load() any {
	mu.Lock()
	defer mu.Unlock()
	if c.freed {
		panic(fmt.Sprintf("native: load of freed cell %d", c.id))
	}
	return c.payload
}

// Free releases the cell's storage and returns the payload it held,
// so that the caller can release anything the payload owns.
//
// Free panics if the cell has already been freed.
func (c *Cell) Free() any {
	mu.Lock()
	defer mu.Unlock()
	if c.freed {
		panic(fmt.Sprintf("native: double free of cell %d", c.id))
	}
	c.freed = true
	frees++
	delete(live, c.id)
	ret := c.payload
	c.payload = nil
	return ret
}

// Freed reports whether the cell has been freed.
func (c *Cell) Freed() bool {
	mu.Lock()
	defer mu.Unlock()
	return c.freed
}

// Stats is a snapshot of storage accounting.
type Stats struct {
	// Live is the number of allocated, not yet freed cells.
	Live int
	// Allocs is the total number of cells ever allocated.
	Allocs uint64
	// Frees is the total number of cells ever freed.
	Frees uint64
}

// Snapshot returns the current storage accounting.
func Snapshot() Stats {
	mu.Lock()
	defer mu.Unlock()
	return Stats{
		Live:   len(live),
		Allocs: allocs,
		Frees:  frees,
	}
}
