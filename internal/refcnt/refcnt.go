// Package refcnt provides an explicit reference counter for objects whose
// lifetime is shared between several owners.
package refcnt

import (
	"fmt"
	"sync/atomic"
)

// Count is an atomic reference counter. The zero value holds no references;
// call Init before handing the object out.
type Count struct {
	refs atomic.Int32
}

// Init sets the count to one reference held by the creator.
func (c *Count) Init() {
	c.refs.Store(1)
}

// Retain adds a reference. It panics if the object was already released.
func (c *Count) Retain() {
	for {
		n := c.refs.Load()
		if n <= 0 {
			panic("lodtiles: retain of released object")
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// TryRetain adds a reference unless the object was already released.
func (c *Count) TryRetain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and reports whether it was the last one.
func (c *Count) Release() bool {
	n := c.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("lodtiles: object released too many times (%d)", n))
	}
	return n == 0
}

func (c *Count) Refs() int32 {
	return c.refs.Load()
}

// Live reports whether at least one reference is held.
func (c *Count) Live() bool {
	return c.refs.Load() > 0
}

// Check panics if no reference is held.
func (c *Count) Check() {
	if !c.Live() {
		panic("lodtiles: use of released object")
	}
}
