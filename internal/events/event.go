// Package events defines the simulator's observable event log: every key
// generation, rekey, revocation, routing completion and GHZ lifecycle step is
// reported here, logged, counted and retained for export.
package events

import (
	"fmt"
	"time"
)

// Kind classifies an event.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeyGenerated
	KindKeyRekeyed
	KindKeyRevoked
	KindKeyTargetReached
	KindPhotonEmitted
	KindRoutingCompleted
	KindNoticeReceived
	KindGHZGenerated
	KindGHZReused
	KindGHZRecycled
	KindGHZDiscarded
	KindGHZDistributed
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindKeyGenerated:     "key.generated",
	KindKeyRekeyed:       "key.rekeyed",
	KindKeyRevoked:       "key.revoked",
	KindKeyTargetReached: "key.target_reached",
	KindPhotonEmitted:    "photon.emitted",
	KindRoutingCompleted: "routing.completed",
	KindNoticeReceived:   "notice.received",
	KindGHZGenerated:     "ghz.generated",
	KindGHZReused:        "ghz.reused",
	KindGHZRecycled:      "ghz.recycled",
	KindGHZDiscarded:     "ghz.discarded",
	KindGHZDistributed:   "ghz.distributed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps an event name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Event is one entry in the simulation log. Fields carry kind-specific
// details such as the generated bit or the sampled fidelity.
type Event struct {
	Seq     uint64
	Time    time.Time
	Elapsed time.Duration
	Node    string
	Kind    Kind
	Fields  map[string]any
}

// Field returns the named detail, or nil.
func (e Event) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}
