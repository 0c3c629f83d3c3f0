package txn

import (
	"sync"

	txnlog "github.com/microsoft/service-fabric-sub010"
)

// LockContext is a lock a state provider took while building an operation.
// It is released once the operation is unlocked.
type LockContext interface {
	Unlock()
	IsEqual(lockManager, key any) bool
}

// OperationContext carries the lock contexts of an operation from the
// moment it is logged until it is unlocked.
type OperationContext struct {
	mu       sync.Mutex
	locks    []LockContext
	unlocked bool
}

// NewOperationContext returns a context holding locks.
func NewOperationContext(locks ...LockContext) *OperationContext {
	return &OperationContext{locks: locks}
}

// Add records another lock. Adding to an unlocked context is an error.
func (c *OperationContext) Add(l LockContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlocked {
		return txnlog.InvalidStatef("txn.OperationContext.Add", "operation context already unlocked")
	}
	c.locks = append(c.locks, l)
	return nil
}

// Holds reports whether the context holds the lock for key in lockManager.
func (c *OperationContext) Holds(lockManager, key any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.locks {
		if l.IsEqual(lockManager, key) {
			return true
		}
	}
	return false
}

// Len returns the number of locks still held.
func (c *OperationContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// Unlock releases the locks in reverse acquisition order. Only the first
// call has an effect.
func (c *OperationContext) Unlock() {
	c.mu.Lock()
	locks := c.locks
	if c.unlocked {
		locks = nil
	}
	c.locks, c.unlocked = nil, true
	c.mu.Unlock()

	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}
