package backtest

import "fmt"

// PathologyAction governs how the integrity guard handles one class of
// anomaly.
type PathologyAction string

const (
	ActionDrop    PathologyAction = "drop"
	ActionHalt    PathologyAction = "halt"
	ActionResync  PathologyAction = "resync"
	ActionReorder PathologyAction = "reorder"
)

// PathologyPolicy configures how duplicates, gaps, and out-of-order
// messages are handled.
type PathologyPolicy struct {
	Name        string
	OnDuplicate PathologyAction // drop | halt
	OnGap       PathologyAction // halt | resync
	OnOutOfOrder PathologyAction // drop | reorder | halt
	DedupCapacity int
}

// Strict halts on anything anomalous.
func Strict() PathologyPolicy {
	return PathologyPolicy{Name: "strict", OnDuplicate: ActionHalt, OnGap: ActionHalt, OnOutOfOrder: ActionHalt, DedupCapacity: 100000}
}

// Resilient resyncs on gaps and reorders out-of-order messages rather than
// halting the run.
func Resilient() PathologyPolicy {
	return PathologyPolicy{Name: "resilient", OnDuplicate: ActionDrop, OnGap: ActionResync, OnOutOfOrder: ActionReorder, DedupCapacity: 100000}
}

// Permissive drops anything anomalous; a run under this policy is
// explicitly non-representative.
func Permissive() PathologyPolicy {
	return PathologyPolicy{Name: "permissive", OnDuplicate: ActionDrop, OnGap: ActionDrop, OnOutOfOrder: ActionDrop, DedupCapacity: 100000}
}

// ErrHalt is returned by the guard when its policy calls for halting the run.
type ErrHalt struct {
	Reason string
}

func (e *ErrHalt) Error() string { return fmt.Sprintf("backtest: integrity guard halted run: %s", e.Reason) }

// StreamIntegrityGuard dedupes and polices one event stream's ordering
// pathologies per a configurable PathologyPolicy. A bounded-capacity
// hash-seen set dedupes; eviction is FIFO once capacity is reached.
type StreamIntegrityGuard struct {
	policy PathologyPolicy

	seen     map[int64]struct{}
	seenOrder []int64
	lastVenueSeq map[string]int64 // per-market last seen venue sequence, for gap detection

	ReorderCount   int
	DropCount      int
	ResyncCount    int
}

// NewStreamIntegrityGuard creates a guard enforcing policy.
func NewStreamIntegrityGuard(policy PathologyPolicy) *StreamIntegrityGuard {
	return &StreamIntegrityGuard{
		policy:       policy,
		seen:         make(map[int64]struct{}),
		lastVenueSeq: make(map[string]int64),
	}
}

// dedupKey combines market and seq into a single hashable key.
func dedupKey(marketID string, seq int64) int64 {
	h := int64(0)
	for _, c := range marketID {
		h = h*31 + int64(c)
	}
	return h ^ seq
}

// Admit checks ev for duplication and sequence gaps against marketID's last
// observed venue sequence number, applying the policy's configured action.
// Returns (admit, outOfOrder, error): admit is false when the event should be
// dropped (not an error); outOfOrder is true when venueSeq arrived behind the
// highest sequence already observed for marketID (the event's own venue seq,
// not its ArrivalTime, says it is late) and the policy reordered it in rather
// than dropping or halting. Callers use outOfOrder as a signal independent of
// the event's own ArrivalTime to decide how to advance a decision clock.
// error is non-nil only when the policy calls for a halt.
func (g *StreamIntegrityGuard) Admit(marketID string, venueSeq int64, dedupSeq int64) (bool, bool, error) {
	key := dedupKey(marketID, dedupSeq)
	if _, dup := g.seen[key]; dup {
		switch g.policy.OnDuplicate {
		case ActionHalt:
			return false, false, &ErrHalt{Reason: fmt.Sprintf("duplicate event market=%s seq=%d", marketID, dedupSeq)}
		default:
			g.DropCount++
			return false, false, nil
		}
	}
	g.recordSeen(key)

	if last, ok := g.lastVenueSeq[marketID]; ok && venueSeq > last+1 {
		switch g.policy.OnGap {
		case ActionHalt:
			return false, false, &ErrHalt{Reason: fmt.Sprintf("sequence gap market=%s last=%d got=%d", marketID, last, venueSeq)}
		case ActionResync:
			g.ResyncCount++
		default:
			g.DropCount++
			return false, false, nil
		}
	}

	outOfOrder := false
	if venueSeq > g.lastVenueSeq[marketID] {
		g.lastVenueSeq[marketID] = venueSeq
	} else if venueSeq < g.lastVenueSeq[marketID] {
		// Out of order relative to the highest seq observed for this market.
		switch g.policy.OnOutOfOrder {
		case ActionHalt:
			return false, false, &ErrHalt{Reason: fmt.Sprintf("out-of-order event market=%s seq=%d", marketID, venueSeq)}
		case ActionReorder:
			g.ReorderCount++
			outOfOrder = true
		default:
			g.DropCount++
			return false, false, nil
		}
	}

	return true, outOfOrder, nil
}

func (g *StreamIntegrityGuard) recordSeen(key int64) {
	g.seen[key] = struct{}{}
	g.seenOrder = append(g.seenOrder, key)
	if len(g.seenOrder) > g.policy.DedupCapacity {
		evict := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, evict)
	}
}
