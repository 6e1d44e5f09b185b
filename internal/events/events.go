// Package events carries the hub's outbound event stream: typed event
// payloads, the incremental patch builder, a durable journal and the
// fan-out bus. Every edge reference in an event payload uses the
// TrustLine direction: from is the creditor, to the debtor. Payments
// and cycles compute in debt direction; the engines transform at their
// boundary, never in payloads.
package events

import (
	"time"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/types"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindTxUpdated       Kind = "tx.updated"
	KindTxFailed        Kind = "tx.failed"
	KindClearingDone    Kind = "clearing.done"
	KindTopologyChanged Kind = "topology.changed"
	KindRunStatus       Kind = "run_status"
	// KindLost is the sentinel delivered to a subscriber disconnected
	// for falling behind.
	KindLost Kind = "lost"
)

// Event is one entry of the ordered, replayable stream.
type Event struct {
	Seq     uint64      `json:"seq"`
	TS      time.Time   `json:"ts"`
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload"`
}

// EdgeRef references a TrustLine edge (creditor→debtor).
type EdgeRef struct {
	From       types.PID `json:"from"`
	To         types.PID `json:"to"`
	Equivalent string    `json:"equivalent"`
}

// RefOf converts an edge key to its event reference.
func RefOf(k ledger.EdgeKey) EdgeRef {
	return EdgeRef{From: k.From, To: k.To, Equivalent: k.Equivalent}
}

// EdgePatchEntry carries the fresh state of one edge. Amounts are
// exact decimal strings in the equivalent's precision.
type EdgePatchEntry struct {
	From      types.PID `json:"from"`
	To        types.PID `json:"to"`
	Limit     string    `json:"limit"`
	Used      string    `json:"used"`
	Available string    `json:"available"`
	Status    string    `json:"status"`
	VizWidth  float64   `json:"viz_width"`
}

// EdgePatch is an incremental edge update for one equivalent. Full
// marks a whole-equivalent recomputation (trust-drift growth); scoped
// patches list only the edges an operation mutated.
type EdgePatch struct {
	Equivalent string           `json:"equivalent"`
	Full       bool             `json:"full"`
	Edges      []EdgePatchEntry `json:"edges"`
}

// Empty reports whether the patch carries no edges.
func (p *EdgePatch) Empty() bool { return p == nil || len(p.Edges) == 0 }

// NodePatchEntry carries the fresh state of one participant.
type NodePatchEntry struct {
	PID         types.PID `json:"pid"`
	DisplayName string    `json:"display_name"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
}

// NodePatch is an incremental node update.
type NodePatch struct {
	Nodes []NodePatchEntry `json:"nodes"`
}

// TxUpdated reports a transaction lifecycle change. Edges lists the
// exact edges the commit mutated with their fresh values.
type TxUpdated struct {
	TxID       string           `json:"tx_id"`
	Type       ledger.TxType    `json:"type"`
	State      ledger.TxState   `json:"state"`
	From       types.PID        `json:"from,omitempty"`
	To         types.PID        `json:"to,omitempty"`
	Equivalent string           `json:"equivalent"`
	Amount     string           `json:"amount"`
	Edges      []EdgePatchEntry `json:"edges,omitempty"`
}

// TxFailed reports the terminal failure of a transaction.
type TxFailed struct {
	TxID       string `json:"tx_id"`
	Reason     string `json:"reason"`
	Equivalent string `json:"equivalent,omitempty"`
	Amount     string `json:"amount,omitempty"`
}

// ClearingDone reports one cancelled cycle. CycleEdges uses TrustLine
// direction (from=creditor, to=debtor).
type ClearingDone struct {
	CycleEdges    []EdgeRef `json:"cycle_edges"`
	ClearedAmount string    `json:"cleared_amount"`
	Equivalent    string    `json:"equivalent"`
	ClearedCycles int       `json:"cleared_cycles,omitempty"`
	// Edges carries the fresh values of the cycle's edges after the
	// decrement.
	Edges []EdgePatchEntry `json:"edges,omitempty"`
}

// TopologyChanged reports graph mutations from inject or trust drift.
type TopologyChanged struct {
	Reason      string      `json:"reason"`
	AddedNodes  []types.PID `json:"added_nodes,omitempty"`
	AddedEdges  []EdgeRef   `json:"added_edges,omitempty"`
	FrozenNodes []types.PID `json:"frozen_nodes,omitempty"`
	FrozenEdges []EdgeRef   `json:"frozen_edges,omitempty"`
	EdgePatch   *EdgePatch  `json:"edge_patch,omitempty"`
	NodePatch   *NodePatch  `json:"node_patch,omitempty"`
}

// Empty reports whether the event would carry no information. Empty
// topology events are never emitted.
func (t *TopologyChanged) Empty() bool {
	return len(t.AddedNodes) == 0 && len(t.AddedEdges) == 0 &&
		len(t.FrozenNodes) == 0 && len(t.FrozenEdges) == 0 &&
		t.EdgePatch.Empty() && (t.NodePatch == nil || len(t.NodePatch.Nodes) == 0)
}

// RunStatus reports orchestrator state changes.
type RunStatus struct {
	State string `json:"state"`
}

// Lost is the disconnect sentinel.
type Lost struct {
	LastSeenSeq uint64 `json:"last_seen_seq"`
}
