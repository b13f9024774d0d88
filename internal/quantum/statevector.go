package quantum

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/samber/oops"
)

// Float64Source supplies uniform samples in [0,1) for measurement.
type Float64Source interface {
	Float64() float64
}

// Handle is an owned reference to one qubit inside a register.
type Handle struct {
	id       uint64
	reg      *register
	consumed bool
}

// ID returns the handle's allocation number.
func (h *Handle) ID() uint64 { return h.id }

// Consumed reports whether the handle was measured or discarded.
func (h *Handle) Consumed() bool { return h == nil || h.consumed }

// register is a joint pure state over an ordered list of qubits. Qubit i is
// the (n-1-i)th bit of the basis index, so qubits[0] is most significant.
type register struct {
	qubits []*Handle
	amps   []complex128
}

func (r *register) mask(h *Handle) int {
	n := len(r.qubits)
	for i, q := range r.qubits {
		if q == h {
			return 1 << (n - 1 - i)
		}
	}
	return 0
}

// StateVector is a ket-formalism Substrate. Handles start in separate
// registers and are merged by tensor product when an operator spans them.
type StateVector struct {
	mu     sync.Mutex
	rng    Float64Source
	nextID uint64
}

// NewStateVector returns a substrate that samples measurements from rng.
func NewStateVector(rng Float64Source) *StateVector {
	return &StateVector{rng: rng}
}

func (s *StateVector) CreateHandles(n int) ([]*Handle, error) {
	if n <= 0 {
		return nil, oops.Errorf("create handles: n must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := make([]*Handle, n)
	for i := range hs {
		s.nextID++
		h := &Handle{id: s.nextID}
		h.reg = &register{qubits: []*Handle{h}, amps: []complex128{1, 0}}
		hs[i] = h
	}
	return hs, nil
}

func (s *StateVector) Apply(op Operator, hs ...*Handle) error {
	if op.Arity() == 0 {
		return oops.Wrapf(ErrUnknownOperator, "apply %s", op)
	}
	if len(hs) != op.Arity() {
		return oops.Wrapf(ErrArity, "apply %s: want %d handles, got %d", op, op.Arity(), len(hs))
	}
	for i, h := range hs {
		if h.Consumed() {
			return oops.Wrapf(ErrHandleConsumed, "apply %s", op)
		}
		for _, other := range hs[:i] {
			if other == h {
				return oops.Wrapf(ErrDuplicateHandle, "apply %s: handle %d", op, h.id)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := hs[0].reg
	for _, h := range hs[1:] {
		if h.reg != reg {
			reg = tensor(reg, h.reg)
		}
	}

	masks := make([]int, len(hs))
	for i, h := range hs {
		masks[i] = reg.mask(h)
	}

	switch op {
	case H:
		applyHadamard(reg.amps, masks[0])
	case X:
		permute(reg.amps, func(i int) int { return i ^ masks[0] })
	case CNOT:
		permute(reg.amps, func(i int) int {
			if i&masks[0] != 0 {
				return i ^ masks[1]
			}
			return i
		})
	case SWAP:
		permute(reg.amps, func(i int) int { return swapBits(i, masks[0], masks[1]) })
	case CSWAP:
		permute(reg.amps, func(i int) int {
			if i&masks[0] != 0 {
				return swapBits(i, masks[1], masks[2])
			}
			return i
		})
	}
	return nil
}

func (s *StateVector) Measure(h *Handle) (Bit, float64, error) {
	if h.Consumed() {
		return 0, 0, oops.Wrapf(ErrHandleConsumed, "measure")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := h.reg
	m := reg.mask(h)

	var p0, total float64
	for i, a := range reg.amps {
		p := sqAbs(a)
		total += p
		if i&m == 0 {
			p0 += p
		}
	}
	if total > 0 {
		p0 /= total
	}

	outcome := Bit(1)
	prob := 1 - p0
	if s.rng.Float64() < p0 {
		outcome, prob = 0, p0
	}

	collapse(reg, h, m, outcome, prob)
	h.reg = nil
	h.consumed = true
	return outcome, prob, nil
}

func (s *StateVector) Discard(hs ...*Handle) error {
	for _, h := range hs {
		if _, _, err := s.Measure(h); err != nil {
			return oops.Wrapf(err, "discard handle")
		}
	}
	return nil
}

// Probability returns the probability of observing outcome when measuring h,
// without disturbing the state.
func (s *StateVector) Probability(h *Handle, outcome Bit) (float64, error) {
	if h.Consumed() {
		return 0, oops.Wrapf(ErrHandleConsumed, "probability")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := h.reg.mask(h)
	var p, total float64
	for i, a := range h.reg.amps {
		q := sqAbs(a)
		total += q
		if (i&m != 0) == (outcome == 1) {
			p += q
		}
	}
	if total == 0 {
		return 0, nil
	}
	return p / total, nil
}

// tensor merges b into a and repoints b's handles.
func tensor(a, b *register) *register {
	amps := make([]complex128, len(a.amps)*len(b.amps))
	for i, x := range a.amps {
		if x == 0 {
			continue
		}
		for j, y := range b.amps {
			amps[i*len(b.amps)+j] = x * y
		}
	}
	merged := &register{
		qubits: append(append([]*Handle{}, a.qubits...), b.qubits...),
		amps:   amps,
	}
	for _, q := range merged.qubits {
		q.reg = merged
	}
	return merged
}

// collapse projects reg onto outcome for the qubit at mask m and removes it.
func collapse(reg *register, h *Handle, m int, outcome Bit, prob float64) {
	n := len(reg.qubits)
	pos := 0
	for i, q := range reg.qubits {
		if q == h {
			pos = i
			break
		}
	}
	bit := n - 1 - pos
	norm := complex(math.Sqrt(prob), 0)

	amps := make([]complex128, len(reg.amps)/2)
	for i, a := range reg.amps {
		if (i&m != 0) != (outcome == 1) {
			continue
		}
		// Drop bit position `bit` from the index.
		low := i & ((1 << bit) - 1)
		high := (i >> (bit + 1)) << bit
		if norm != 0 {
			amps[high|low] = a / norm
		}
	}
	reg.amps = amps
	reg.qubits = append(reg.qubits[:pos:pos], reg.qubits[pos+1:]...)
}

func applyHadamard(amps []complex128, m int) {
	inv := complex(1/math.Sqrt2, 0)
	for i := range amps {
		if i&m != 0 {
			continue
		}
		a, b := amps[i], amps[i|m]
		amps[i] = (a + b) * inv
		amps[i|m] = (a - b) * inv
	}
}

// permute applies a basis-state permutation. All supported permutation gates
// are involutions, so the mapping can be applied in place pairwise.
func permute(amps []complex128, f func(int) int) {
	for i := range amps {
		j := f(i)
		if j > i {
			amps[i], amps[j] = amps[j], amps[i]
		}
	}
}

func swapBits(i, ma, mb int) int {
	if (i&ma != 0) != (i&mb != 0) {
		return i ^ (ma | mb)
	}
	return i
}

func sqAbs(a complex128) float64 {
	r := cmplx.Abs(a)
	return r * r
}
