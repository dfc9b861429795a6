package engine

import (
	"sync"
)

// runningInstances serializes commands touching the same process
// instance within this engine. Cross-node serialization stays a
// persistence responsibility (row locks); this cache only prevents two
// local workers from interleaving transitions of one instance.
type runningInstances struct {
	mu    sync.Mutex
	locks map[int64]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newRunningInstances() *runningInstances {
	return &runningInstances{
		locks: map[int64]*instanceLock{},
	}
}

func (c *runningInstances) lock(processKey int64) {
	c.mu.Lock()
	l, ok := c.locks[processKey]
	if !ok {
		l = &instanceLock{}
		c.locks[processKey] = l
	}
	l.refs++
	c.mu.Unlock()
	l.mu.Lock()
}

func (c *runningInstances) unlock(processKey int64) {
	c.mu.Lock()
	l := c.locks[processKey]
	l.refs--
	if l.refs == 0 {
		delete(c.locks, processKey)
	}
	c.mu.Unlock()
	l.mu.Unlock()
}
