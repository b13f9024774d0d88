package network

import (
	"errors"
	"sync"

	"github.com/samber/oops"

	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

// MemoryRouter is the router's two-position quantum memory.
const MemoryRouter = "RouterMemory"

var (
	ErrMemoryExists   = errors.New("memory already exists")
	ErrMemoryNotFound = errors.New("memory not found")
	ErrPosition       = errors.New("memory position out of range")
	ErrPositionBusy   = errors.New("memory position occupied")
	ErrPositionEmpty  = errors.New("memory position empty")
)

// Memory is a fixed number of quantum storage positions on a node. Each
// position holds at most one live handle.
type Memory struct {
	Name string

	mu        sync.Mutex
	positions []*quantum.Handle
}

// NewMemory returns a memory with size empty positions.
func NewMemory(name string, size int) *Memory {
	return &Memory{Name: name, positions: make([]*quantum.Handle, size)}
}

// Size returns the number of positions.
func (m *Memory) Size() int { return len(m.positions) }

// Used returns the number of occupied positions.
func (m *Memory) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.positions {
		if h != nil {
			n++
		}
	}
	return n
}

// Put stores h at pos.
func (m *Memory) Put(pos int, h *quantum.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos < 0 || pos >= len(m.positions) {
		return oops.Wrapf(ErrPosition, "%s[%d]", m.Name, pos)
	}
	if m.positions[pos] != nil {
		return oops.Wrapf(ErrPositionBusy, "%s[%d]", m.Name, pos)
	}
	if h.Consumed() {
		return oops.Wrapf(quantum.ErrHandleConsumed, "%s[%d]", m.Name, pos)
	}
	m.positions[pos] = h
	return nil
}

// Pop removes and returns the handle at pos.
func (m *Memory) Pop(pos int) (*quantum.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos < 0 || pos >= len(m.positions) {
		return nil, oops.Wrapf(ErrPosition, "%s[%d]", m.Name, pos)
	}
	h := m.positions[pos]
	if h == nil {
		return nil, oops.Wrapf(ErrPositionEmpty, "%s[%d]", m.Name, pos)
	}
	m.positions[pos] = nil
	return h, nil
}

// AddMemory attaches a memory with size positions to the node.
func (nd *Node) AddMemory(name string, size int) (*Memory, error) {
	if size <= 0 {
		return nil, oops.Wrapf(ErrPosition, "memory %s needs at least one position, got %d", name, size)
	}
	if _, ok := nd.memories[name]; ok {
		return nil, oops.Wrapf(ErrMemoryExists, "%s.%s", nd.Name, name)
	}
	if nd.memories == nil {
		nd.memories = make(map[string]*Memory)
	}
	m := NewMemory(name, size)
	nd.memories[name] = m
	return m, nil
}

// Memory returns the named memory.
func (nd *Node) Memory(name string) (*Memory, error) {
	m, ok := nd.memories[name]
	if !ok {
		return nil, oops.Wrapf(ErrMemoryNotFound, "%s.%s", nd.Name, name)
	}
	return m, nil
}
