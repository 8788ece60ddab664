// Package surrogate generates surrogate identifiers for derived tables.
package surrogate

import "sync"

// Generator hands out int64 identifiers that are unique and strictly
// increasing for the lifetime of the generator. Callers must not assume
// contiguity or any ordering semantics beyond that.
type Generator struct {
	mu   sync.Mutex
	next int64
}

// NewGenerator returns a generator whose first id is base.
func NewGenerator(base int64) *Generator {
	return &Generator{next: base}
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	return id
}
