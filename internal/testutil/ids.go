package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out predictable build identifiers:
// "<prefix>-1", "<prefix>-2", ...
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "build".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "build"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next identifier.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
