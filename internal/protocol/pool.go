package protocol

import (
	"sync"

	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

// EntangledGroup is a three-qubit GHZ resource tracked by the pool.
type EntangledGroup struct {
	ID       uint64
	Handles  [3]*quantum.Handle
	Uses     int
	Fidelity float64
}

// EntanglementPool is a FIFO of reusable entangled groups shared between
// protocols. It is safe for concurrent use.
type EntanglementPool struct {
	mu       sync.Mutex
	groups   []*EntangledGroup
	capacity int
	nextID   uint64
}

// NewEntanglementPool creates a pool holding at most capacity groups. A
// capacity of zero or less leaves it unbounded.
func NewEntanglementPool(capacity int) *EntanglementPool {
	if capacity < 0 {
		capacity = 0
	}
	return &EntanglementPool{capacity: capacity}
}

// Push appends g. It returns false when the pool is full.
func (p *EntanglementPool) Push(g *EntangledGroup) bool {
	if g == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity > 0 && len(p.groups) >= p.capacity {
		return false
	}
	p.groups = append(p.groups, g)
	return true
}

// Pop removes and returns the oldest group.
func (p *EntanglementPool) Pop() (*EntangledGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.groups) == 0 {
		return nil, false
	}
	g := p.groups[0]
	p.groups[0] = nil
	p.groups = p.groups[1:]
	return g, true
}

// Len returns the number of pooled groups.
func (p *EntanglementPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

// Capacity returns the bound, zero when unbounded.
func (p *EntanglementPool) Capacity() int { return p.capacity }

// NextID hands out group identifiers.
func (p *EntanglementPool) NextID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}
