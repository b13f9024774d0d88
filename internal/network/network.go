package network

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/internal/scheduler"
)

// MediumType describes what a link carries.
type MediumType string

const (
	MediumQuantum   MediumType = "quantum"
	MediumClassical MediumType = "classical"
)

var (
	ErrNodeExists     = errors.New("node already exists")
	ErrNodeNotFound   = errors.New("node not found")
	ErrPortNotFound   = errors.New("port not found")
	ErrPortConnected  = errors.New("port already connected")
	ErrNotConnected   = errors.New("port has no outbound link")
	ErrPortBusy       = errors.New("port already has a pending receiver")
	ErrMediumMismatch = errors.New("item not allowed on link medium")
	ErrEmptyMessage   = errors.New("message carries no items")
)

// Message is one delivery on a link.
type Message struct {
	Link   string
	SentAt time.Time
	Items  []any
}

// Network holds the nodes and one-way links of a simulated topology. All
// deliveries are scheduled on the shared event scheduler.
type Network struct {
	Name  string
	sched scheduler.EventScheduler

	mu    sync.RWMutex
	nodes map[string]*Node
	links map[string]*Link
}

// New creates an empty network bound to sched.
func New(name string, sched scheduler.EventScheduler) *Network {
	return &Network{
		Name:  name,
		sched: sched,
		nodes: make(map[string]*Node),
		links: make(map[string]*Link),
	}
}

// AddNode declares a node with the given port names.
func (n *Network) AddNode(name string, ports ...string) (*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.nodes[name]; ok {
		return nil, oops.Wrapf(ErrNodeExists, "add node %q", name)
	}
	node := &Node{Name: name, ports: make(map[string]*Port, len(ports))}
	for _, p := range ports {
		node.ports[p] = &Port{node: node, name: p, sched: n.sched}
	}
	n.nodes[name] = node
	return node, nil
}

// Node looks up a node by name.
func (n *Network) Node(name string) (*Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[name]
	if !ok {
		return nil, oops.Wrapf(ErrNodeNotFound, "node %q", name)
	}
	return node, nil
}

// Nodes returns all nodes sorted by name.
func (n *Network) Nodes() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Links returns all links sorted by label.
func (n *Network) Links() []*Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Link, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Connect creates a one-way link from from.fromPort to to.toPort.
func (n *Network) Connect(label string, from *Node, fromPort string, to *Node, toPort string, medium MediumType, delay time.Duration) (*Link, error) {
	src, err := from.Port(fromPort)
	if err != nil {
		return nil, err
	}
	dst, err := to.Port(toPort)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if src.out != nil {
		return nil, oops.Wrapf(ErrPortConnected, "%s.%s outbound", from.Name, fromPort)
	}
	if dst.in != nil {
		return nil, oops.Wrapf(ErrPortConnected, "%s.%s inbound", to.Name, toPort)
	}
	if delay < 0 {
		delay = 0
	}

	link := &Link{
		Label:  label,
		From:   src,
		To:     dst,
		Medium: medium,
		Delay:  delay,
		sched:  n.sched,
	}
	src.out = link
	dst.in = link
	n.links[label] = link
	return link, nil
}

// Node is a named endpoint with ports.
type Node struct {
	Name     string
	ports    map[string]*Port
	memories map[string]*Memory
}

// Port returns the named port.
func (nd *Node) Port(name string) (*Port, error) {
	p, ok := nd.ports[name]
	if !ok {
		return nil, oops.Wrapf(ErrPortNotFound, "%s.%s", nd.Name, name)
	}
	return p, nil
}

// PortNames returns the node's port names in sorted order.
func (nd *Node) PortNames() []string {
	out := make([]string, 0, len(nd.ports))
	for name := range nd.ports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Port is a node's attachment point. Inbound messages queue here until a
// receiver awaits them.
type Port struct {
	node  *Node
	name  string
	sched scheduler.EventScheduler
	in    *Link
	out   *Link

	queue      []Message
	waiter     func(Message)
	dispatchID string
}

// Name returns "<node>.<port>".
func (p *Port) Name() string { return p.node.Name + "." + p.name }

// Pending returns the number of queued, unreceived messages.
func (p *Port) Pending() int { return len(p.queue) }

// Send transmits items over the port's outbound link.
func (p *Port) Send(items ...any) error {
	if p.out == nil {
		return oops.Wrapf(ErrNotConnected, "send on %s", p.Name())
	}
	return p.out.Send(items...)
}

// Await registers fn to receive the next message on this port. fn always
// runs as its own scheduled event, never synchronously inside Await. A port
// accepts a single pending receiver.
func (p *Port) Await(fn func(Message)) error {
	if p.waiter != nil {
		return oops.Wrapf(ErrPortBusy, "await on %s", p.Name())
	}
	p.waiter = fn
	p.dispatch()
	return nil
}

func (p *Port) deliver(msg Message) {
	p.queue = append(p.queue, msg)
	p.dispatch()
}

// dispatch schedules the hand-off of the head message to the waiter.
func (p *Port) dispatch() {
	if p.waiter == nil || len(p.queue) == 0 || p.dispatchID != "" {
		return
	}
	p.dispatchID = p.sched.Schedule(p.sched.Now(), func() {
		p.dispatchID = ""
		if p.waiter == nil || len(p.queue) == 0 {
			return
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		fn := p.waiter
		p.waiter = nil
		fn(msg)
	})
}

// Link is a one-way, fixed-delay, FIFO channel between two ports.
type Link struct {
	Label  string
	From   *Port
	To     *Port
	Medium MediumType
	Delay  time.Duration

	sched     scheduler.EventScheduler
	sent      uint64
	delivered uint64
}

// Send schedules delivery of items after the link delay. Quantum links only
// carry live handles; classical links never carry handles.
func (l *Link) Send(items ...any) error {
	if len(items) == 0 {
		return oops.Wrapf(ErrEmptyMessage, "send on %s", l.Label)
	}
	for _, it := range items {
		h, isHandle := it.(*quantum.Handle)
		switch l.Medium {
		case MediumQuantum:
			if !isHandle {
				return oops.Wrapf(ErrMediumMismatch, "link %s: %T on quantum link", l.Label, it)
			}
			if h.Consumed() {
				return oops.Wrapf(quantum.ErrHandleConsumed, "link %s", l.Label)
			}
		case MediumClassical:
			if isHandle {
				return oops.Wrapf(ErrMediumMismatch, "link %s: quantum handle on classical link", l.Label)
			}
		}
	}

	msg := Message{
		Link:   l.Label,
		SentAt: l.sched.Now(),
		Items:  append([]any(nil), items...),
	}
	l.sent++
	l.sched.After(l.Delay, func() {
		l.delivered++
		l.To.deliver(msg)
	})
	return nil
}

// Stats returns how many messages were sent and delivered.
func (l *Link) Stats() (sent, delivered uint64) {
	return l.sent, l.delivered
}
