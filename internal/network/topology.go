package network

import (
	"time"

	"github.com/signalsfoundry/qkd-network-simulator/internal/scheduler"
)

// Node names of the MDI-QKD topology.
const (
	NodeAlice   = "Alice"
	NodeBob     = "Bob"
	NodeCharlie = "Charlie"
	NodeSifter  = "Sifter"
	NodeRouter  = "Router"
)

// Port names of the MDI-QKD topology.
const (
	PortQA = "portQA"
	PortCA = "portCA"
	PortSA = "portSA"

	PortQB = "portQB"
	PortCB = "portCB"
	PortSB = "portSB"

	PortQC1         = "portQC1"
	PortQC2         = "portQC2"
	PortCC1         = "portCC1"
	PortCC2         = "portCC2"
	PortCCRouter    = "portCC_Router"
	PortSASift      = "portSA_sift"
	PortSBSift      = "portSB_sift"
	PortR1          = "portR1"
	PortR2          = "portR2"
	PortRC1         = "portRC1"
	PortRC2         = "portRC2"
	PortCR1         = "portCR1"
	PortCR2         = "portCR2"
	PortCRClassical = "portCR_Classical"
)

// Delays holds the fixed propagation delays for each medium.
type Delays struct {
	Quantum   time.Duration
	Classical time.Duration
}

type linkSpec struct {
	label    string
	from     string
	fromPort string
	to       string
	toPort   string
	medium   MediumType
}

var mdiLinks = []linkSpec{
	{"quantum_Alice_Router", NodeAlice, PortQA, NodeRouter, PortR1, MediumQuantum},
	{"quantum_Bob_Router", NodeBob, PortQB, NodeRouter, PortR2, MediumQuantum},
	{"quantum_Router_Charlie1", NodeRouter, PortRC1, NodeCharlie, PortQC1, MediumQuantum},
	{"quantum_Router_Charlie2", NodeRouter, PortRC2, NodeCharlie, PortQC2, MediumQuantum},
	{"classical_Charlie_Alice", NodeCharlie, PortCC1, NodeAlice, PortCA, MediumClassical},
	{"classical_Charlie_Bob", NodeCharlie, PortCC2, NodeBob, PortCB, MediumClassical},
	{"classical_Router_Charlie", NodeRouter, PortCRClassical, NodeCharlie, PortCCRouter, MediumClassical},
}

// BuildMDINetwork declares the five-node MDI-QKD topology: two endpoints
// (Alice, Bob) feeding a router over quantum links, the router reporting to
// Charlie over a classical link, and Charlie's classical links back to the
// endpoints. The router carries a two-position quantum memory. Sifter is
// declared but not wired.
func BuildMDINetwork(sched scheduler.EventScheduler, delays Delays) (*Network, error) {
	net := New("MDI-QKD-Network", sched)

	decls := []struct {
		name  string
		ports []string
	}{
		{NodeAlice, []string{PortQA, PortCA, PortSA}},
		{NodeBob, []string{PortQB, PortCB, PortSB}},
		{NodeCharlie, []string{PortQC1, PortQC2, PortCC1, PortCC2, PortCCRouter}},
		{NodeSifter, []string{PortSASift, PortSBSift}},
		{NodeRouter, []string{PortR1, PortR2, PortRC1, PortRC2, PortCR1, PortCR2, PortCRClassical}},
	}
	for _, d := range decls {
		if _, err := net.AddNode(d.name, d.ports...); err != nil {
			return nil, err
		}
	}

	router, err := net.Node(NodeRouter)
	if err != nil {
		return nil, err
	}
	if _, err := router.AddMemory(MemoryRouter, 2); err != nil {
		return nil, err
	}

	for _, spec := range mdiLinks {
		from, err := net.Node(spec.from)
		if err != nil {
			return nil, err
		}
		to, err := net.Node(spec.to)
		if err != nil {
			return nil, err
		}
		delay := delays.Classical
		if spec.medium == MediumQuantum {
			delay = delays.Quantum
		}
		if _, err := net.Connect(spec.label, from, spec.fromPort, to, spec.toPort, spec.medium, delay); err != nil {
			return nil, err
		}
	}
	return net, nil
}
