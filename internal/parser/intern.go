package parser

import (
	"sync"
)

// MaxInternPoolSize bounds the name pool. Past it, names are returned as-is.
const MaxInternPoolSize = 10000

// NameIntern shares one string per distinct monitor name. Live sessions
// decode the same payload every poll; interning keeps the row column keys
// from being reallocated each time.
type NameIntern struct {
	mu   sync.RWMutex
	pool map[string]string
}

// NewNameIntern creates an empty pool.
func NewNameIntern() *NameIntern {
	return &NameIntern{pool: make(map[string]string, 64)}
}

// Intern returns the pooled copy of s, storing s if it is new.
func (ni *NameIntern) Intern(s string) string {
	ni.mu.RLock()
	pooled, ok := ni.pool[s]
	full := len(ni.pool) >= MaxInternPoolSize
	ni.mu.RUnlock()
	if ok {
		return pooled
	}
	if full {
		return s
	}

	ni.mu.Lock()
	defer ni.mu.Unlock()
	if pooled, ok := ni.pool[s]; ok {
		return pooled
	}
	if len(ni.pool) >= MaxInternPoolSize {
		return s
	}
	ni.pool[s] = s
	return s
}

// Len returns the number of pooled names.
func (ni *NameIntern) Len() int {
	ni.mu.RLock()
	defer ni.mu.RUnlock()
	return len(ni.pool)
}

// Clear empties the pool.
func (ni *NameIntern) Clear() {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	ni.pool = make(map[string]string, 64)
}

var globalNames = NewNameIntern()
