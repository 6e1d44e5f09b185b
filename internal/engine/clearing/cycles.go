package clearing

import (
	"sort"
	"strings"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/types"
)

// Cycle is a ring of debts in debt direction (each participant owes the
// next), rotated so the lexically smallest PID comes first. That
// rotation is the canonical form: two enumerations of the same ring
// always produce equal cycles.
type Cycle struct {
	Equivalent string
	PIDs       []types.PID
}

// Key is the canonical identity of the cycle.
func (c Cycle) Key() string {
	parts := make([]string, len(c.PIDs))
	for i, p := range c.PIDs {
		parts[i] = string(p)
	}
	return c.Equivalent + "|" + strings.Join(parts, "|")
}

// Edges returns the TrustLine keys the cycle consumes, hop by hop. The
// debt PIDs[i] -> PIDs[i+1] lives on the TrustLine (PIDs[i+1] ->
// PIDs[i]).
func (c Cycle) Edges() []ledger.EdgeKey {
	n := len(c.PIDs)
	keys := make([]ledger.EdgeKey, n)
	for i := 0; i < n; i++ {
		debtor, creditor := c.PIDs[i], c.PIDs[(i+1)%n]
		keys[i] = ledger.EdgeKey{Equivalent: c.Equivalent, From: creditor, To: debtor}
	}
	return keys
}

// EnumerateCycles finds every simple debt cycle of length 2..lenMax in
// the snapshot. Each cycle appears exactly once: the DFS only expands
// nodes greater than its seed, so a ring is discovered solely from its
// smallest PID and comes out already canonical. The result is sorted
// ascending by (length, canonical key), which is the clearing order.
func EnumerateCycles(equivalent string, debts []ledger.Debt, lenMax int) []Cycle {
	adj := make(map[types.PID][]types.PID)
	for _, d := range debts {
		if d.Amount <= 0 {
			continue
		}
		adj[d.Debtor] = append(adj[d.Debtor], d.Creditor)
	}
	seeds := make([]types.PID, 0, len(adj))
	for p := range adj {
		adj[p] = sortPIDs(adj[p])
		seeds = append(seeds, p)
	}
	seeds = sortPIDs(seeds)

	var cycles []Cycle
	path := make([]types.PID, 0, lenMax)
	onPath := make(map[types.PID]bool)

	var dfs func(seed, at types.PID)
	dfs = func(seed, at types.PID) {
		for _, next := range adj[at] {
			if next == seed {
				if len(path) >= 2 {
					cycles = append(cycles, Cycle{
						Equivalent: equivalent,
						PIDs:       append([]types.PID(nil), path...),
					})
				}
				continue
			}
			if !seed.Less(next) || onPath[next] || len(path) >= lenMax {
				continue
			}
			path = append(path, next)
			onPath[next] = true
			dfs(seed, next)
			onPath[next] = false
			path = path[:len(path)-1]
		}
	}

	for _, s := range seeds {
		path = append(path[:0], s)
		onPath = map[types.PID]bool{s: true}
		dfs(s, s)
	}

	sort.Slice(cycles, func(i, j int) bool {
		if len(cycles[i].PIDs) != len(cycles[j].PIDs) {
			return len(cycles[i].PIDs) < len(cycles[j].PIDs)
		}
		return cycles[i].Key() < cycles[j].Key()
	})
	return cycles
}

func sortPIDs(pids []types.PID) []types.PID {
	sort.Slice(pids, func(i, j int) bool { return pids[i].Less(pids[j]) })
	return pids
}
