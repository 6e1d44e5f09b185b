package ledger

import (
	"fmt"
	"sort"

	"github.com/openclearing/hubd/internal/types"
)

// EdgeKey identifies a TrustLine edge: From is the creditor, To the
// debtor. Event payloads always carry this direction; the debt view is
// derived at engine boundaries.
type EdgeKey struct {
	Equivalent string    `json:"equivalent"`
	From       types.PID `json:"from"`
	To         types.PID `json:"to"`
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s/%s->%s", k.Equivalent, k.From, k.To)
}

// Reverse returns the debt-direction key of the same pair.
func (k EdgeKey) Reverse() EdgeKey {
	return EdgeKey{Equivalent: k.Equivalent, From: k.To, To: k.From}
}

// lockTuple is the canonical sort key: equivalent ASC, then the
// unordered pair ASC, then direction. This ordering is the sole
// deadlock-avoidance mechanism between the payment and clearing
// sessions; no other lock ordering is permitted anywhere in the hub.
func (k EdgeKey) lockTuple() (string, types.PID, types.PID, types.PID) {
	lo, hi := k.From, k.To
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	return k.Equivalent, lo, hi, k.From
}

// LockLess orders two edge keys canonically.
func LockLess(a, b EdgeKey) bool {
	ae, alo, ahi, adir := a.lockTuple()
	be, blo, bhi, bdir := b.lockTuple()
	if ae != be {
		return ae < be
	}
	if alo != blo {
		return alo.Less(blo)
	}
	if ahi != bhi {
		return ahi.Less(bhi)
	}
	return adir.Less(bdir)
}

// SortEdgeKeys sorts keys into canonical lock order and drops
// duplicates. Every logical operation passes its touched edges through
// here before acquiring row locks.
func SortEdgeKeys(keys []EdgeKey) []EdgeKey {
	sorted := make([]EdgeKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return LockLess(sorted[i], sorted[j]) })

	out := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			out = append(out, k)
		}
	}
	return out
}

// LexicalEdgeLess orders edge keys by their plain lexical key
// (equivalent, from, to). Routing and planning tie-breaks use this so
// equal-length paths have a reproducible order.
func LexicalEdgeLess(a, b EdgeKey) bool {
	if a.Equivalent != b.Equivalent {
		return a.Equivalent < b.Equivalent
	}
	if a.From != b.From {
		return a.From.Less(b.From)
	}
	return a.To.Less(b.To)
}

// PathLexicalKey concatenates the lexical keys of a path's edges; used
// as the deterministic tie-break between equal-length candidate paths.
func PathLexicalKey(path []EdgeKey) string {
	s := ""
	for _, k := range path {
		s += k.String() + "|"
	}
	return s
}
