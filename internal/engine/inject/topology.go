package inject

import (
	"context"
	"sort"

	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/types"
)

// StageTopologyEvents converts a Result into topology.changed events:
// one per touched equivalent carrying that equivalent's edge patch, the
// node changes riding the first. A result with nothing observable
// stages nothing. Events read fresh values through the session, so this
// must run before the session commits.
func StageTopologyEvents(ctx context.Context, sess storage.Session, patches *events.PatchBuilder, res *Result, reason string, col *events.Collector) error {
	if res == nil || res.Empty() {
		return nil
	}

	nodePatch, err := buildNodePatch(ctx, sess, res)
	if err != nil {
		return err
	}

	edgesByEq := make(map[string][]ledger.EdgeKey)
	for _, k := range res.ChangedEdges {
		edgesByEq[k.Equivalent] = append(edgesByEq[k.Equivalent], k)
	}
	eqCodes := make([]string, 0, len(edgesByEq))
	for eq := range edgesByEq {
		eqCodes = append(eqCodes, eq)
	}
	sort.Strings(eqCodes)

	if len(eqCodes) == 0 {
		seq, err := sess.NextEventSeq(ctx)
		if err != nil {
			return err
		}
		col.Add(events.NewEvent(seq, events.KindTopologyChanged, events.TopologyChanged{
			Reason:      reason,
			AddedNodes:  res.AddedNodes,
			FrozenNodes: res.FrozenNodes,
			NodePatch:   nodePatch,
		}))
		return nil
	}

	for i, code := range eqCodes {
		eq, err := sess.Equivalents().Get(ctx, code)
		if err != nil {
			return err
		}
		patch, err := patches.Scoped(ctx, sess, *eq, edgesByEq[code])
		if err != nil {
			return err
		}
		ev := events.TopologyChanged{Reason: reason, EdgePatch: patch}
		if i == 0 {
			ev.AddedNodes = res.AddedNodes
			ev.FrozenNodes = res.FrozenNodes
			ev.NodePatch = nodePatch
		}
		for _, k := range res.AddedEdges {
			if k.Equivalent == code {
				ev.AddedEdges = append(ev.AddedEdges, events.RefOf(k))
			}
		}
		for _, k := range res.FrozenEdges {
			if k.Equivalent == code {
				ev.FrozenEdges = append(ev.FrozenEdges, events.RefOf(k))
			}
		}
		if ev.Empty() {
			continue
		}
		seq, err := sess.NextEventSeq(ctx)
		if err != nil {
			return err
		}
		col.Add(events.NewEvent(seq, events.KindTopologyChanged, ev))
	}
	return nil
}

func buildNodePatch(ctx context.Context, sess storage.Session, res *Result) (*events.NodePatch, error) {
	pids := append(append([]types.PID(nil), res.AddedNodes...), res.FrozenNodes...)
	if len(pids) == 0 {
		return nil, nil
	}
	patch := &events.NodePatch{}
	for _, pid := range pids {
		p, err := sess.Participants().Get(ctx, pid)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		patch.Nodes = append(patch.Nodes, events.NodePatchEntry{
			PID:         p.PID,
			DisplayName: p.DisplayName,
			Type:        string(p.Type),
			Status:      string(p.Status),
		})
	}
	return patch, nil
}
