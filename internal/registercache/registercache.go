// Package registercache holds the last known value of every
// (datalog, register) pair the coordinator has observed a confirmed reply
// for. It has no eviction and no TTL: a register's value is valid until
// overwritten by a newer reply.
package registercache

import (
	"sync"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

type key struct {
	datalog  serial.Serial
	register uint16
}

// Cache is a last-writer-wins map guarded by a single RWMutex. Reads and
// writes are both O(1) and safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	values map[key]uint16
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{values: make(map[key]uint16)}
}

// Write records value for (datalog, register), overwriting any prior
// value. The coordinator calls it for every inbound hold-read or write
// reply, whether or not a request was waiting on it.
func (c *Cache) Write(datalog serial.Serial, register uint16, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key{datalog, register}] = value
}

// Read returns the last known value for (datalog, register) and whether it
// has ever been written.
func (c *Cache) Read(datalog serial.Serial, register uint16) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key{datalog, register}]
	return v, ok
}

// Len reports how many (datalog, register) pairs are currently cached, for
// diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
