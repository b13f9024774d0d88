// Package quantum is the quantum substrate the protocols run on: it creates
// qubit handles, applies named unitary operators to them and measures them.
//
// Handles are single-use resources. Measuring or discarding a handle
// tombstones it and every later operation on it fails with ErrHandleConsumed.
package quantum

import (
	"errors"
	"fmt"
)

// Bit is a classical measurement outcome in {0,1}.
type Bit uint8

// Flip returns the complementary bit.
func (b Bit) Flip() Bit { return 1 - b }

func (b Bit) String() string {
	if b == 0 {
		return "0"
	}
	return "1"
}

// Operator names a unitary the substrate can apply.
type Operator int

const (
	// H is the Hadamard gate.
	H Operator = iota
	// X is the Pauli-X (bit flip) gate.
	X
	// CNOT is the controlled-NOT gate; the first handle is the control.
	CNOT
	// SWAP exchanges two qubits.
	SWAP
	// CSWAP is the controlled-swap (Fredkin) gate; the first handle is the
	// control and the next two are swapped when it is |1>.
	CSWAP
)

// Arity returns the number of handles the operator acts on.
func (o Operator) Arity() int {
	switch o {
	case H, X:
		return 1
	case CNOT, SWAP:
		return 2
	case CSWAP:
		return 3
	default:
		return 0
	}
}

func (o Operator) String() string {
	switch o {
	case H:
		return "H"
	case X:
		return "X"
	case CNOT:
		return "CNOT"
	case SWAP:
		return "SWAP"
	case CSWAP:
		return "CSWAP"
	default:
		return fmt.Sprintf("Operator(%d)", int(o))
	}
}

var (
	// ErrHandleConsumed is returned when a measured or discarded handle is used.
	ErrHandleConsumed = errors.New("quantum handle already consumed")
	// ErrArity is returned when an operator gets the wrong number of handles.
	ErrArity = errors.New("operator arity mismatch")
	// ErrDuplicateHandle is returned when one handle appears twice in an application.
	ErrDuplicateHandle = errors.New("handle used twice in one operation")
	// ErrUnknownOperator is returned for operators the substrate does not implement.
	ErrUnknownOperator = errors.New("unknown operator")
)

// Substrate is the contract between the protocols and the quantum engine.
type Substrate interface {
	// CreateHandles allocates n independent handles in |0>.
	CreateHandles(n int) ([]*Handle, error)
	// Apply applies op to the ordered tuple of handles.
	Apply(op Operator, hs ...*Handle) error
	// Measure destructively measures h in the computational basis and
	// returns the outcome and its probability.
	Measure(h *Handle) (Bit, float64, error)
	// Discard releases handles that are no longer needed.
	Discard(hs ...*Handle) error
}

// Prepare returns a fresh handle in the computational basis state |b>.
func Prepare(sub Substrate, b Bit) (*Handle, error) {
	hs, err := sub.CreateHandles(1)
	if err != nil {
		return nil, err
	}
	if b == 1 {
		if err := sub.Apply(X, hs[0]); err != nil {
			return nil, err
		}
	}
	return hs[0], nil
}
