package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/storage/memstore"
	"github.com/openclearing/hubd/internal/types"
)

var patchUAH = types.Equivalent{Code: "UAH", Precision: 2}

func seedPatchLines(t *testing.T, st *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	for _, tl := range []ledger.TrustLine{
		{From: "A", To: "B", Equivalent: "UAH", Limit: 10000, Used: 2500, Status: ledger.TrustLineActive},
		{From: "B", To: "C", Equivalent: "UAH", Limit: 50000, Status: ledger.TrustLineActive},
		{From: "C", To: "A", Equivalent: "UAH", Limit: 100000, Status: ledger.TrustLineActive},
	} {
		tl := tl
		tl.CreatedAt = time.Now().UTC()
		require.NoError(t, sess.TrustLines().Put(ctx, &tl))
	}
	require.NoError(t, sess.Commit(ctx))
}

func TestScopedPatchReflectsSessionWrites(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedPatchLines(t, st)
	b := NewPatchBuilder(st)

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)

	// An uncommitted write must show up in the patch.
	tl, err := sess.TrustLines().Get(ctx, "A", "B", "UAH")
	require.NoError(t, err)
	tl.Used = 7500
	require.NoError(t, sess.TrustLines().Put(ctx, tl))

	p, err := b.Scoped(ctx, sess, patchUAH, []ledger.EdgeKey{
		{Equivalent: "UAH", From: "A", To: "B"},
	})
	require.NoError(t, err)
	require.Len(t, p.Edges, 1)
	assert.Equal(t, "100.00", p.Edges[0].Limit)
	assert.Equal(t, "75.00", p.Edges[0].Used)
	assert.Equal(t, "25.00", p.Edges[0].Available)
	assert.False(t, p.Full)
}

func TestScopedPatchSkipsMissingLines(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedPatchLines(t, st)
	b := NewPatchBuilder(st)

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)

	p, err := b.Scoped(ctx, sess, patchUAH, []ledger.EdgeKey{
		{Equivalent: "UAH", From: "A", To: "B"},
		{Equivalent: "UAH", From: "X", To: "Y"},
	})
	require.NoError(t, err)
	assert.Len(t, p.Edges, 1)
}

func TestVizWidthRanksLimits(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedPatchLines(t, st)
	b := NewPatchBuilder(st)

	p, err := b.FullEquivalent(ctx, patchUAH)
	require.NoError(t, err)
	require.Len(t, p.Edges, 3)
	assert.True(t, p.Full)

	// Widths are ranks on [1, 10]: smallest limit thinnest, largest
	// thickest.
	widths := map[string]float64{}
	for _, e := range p.Edges {
		widths[string(e.From)+string(e.To)] = e.VizWidth
	}
	assert.Equal(t, 1.0, widths["AB"])
	assert.Equal(t, 5.5, widths["BC"])
	assert.Equal(t, 10.0, widths["CA"])
}

func TestVizWidthDegenerateScale(t *testing.T) {
	assert.Equal(t, 5.0, vizWidth(nil, 100))
	assert.Equal(t, 5.0, vizWidth([]types.Amount{100}, 100))
}

func TestDropScaleRefreshesRanks(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedPatchLines(t, st)
	b := NewPatchBuilder(st)

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	p, err := b.Scoped(ctx, sess, patchUAH, []ledger.EdgeKey{
		{Equivalent: "UAH", From: "A", To: "B"},
	})
	require.NoError(t, err)
	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, 1.0, p.Edges[0].VizWidth)

	// A fourth, smaller line reshapes the scale once it is dropped.
	sess, err = st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.TrustLines().Put(ctx, &ledger.TrustLine{
		From: "D", To: "A", Equivalent: "UAH", Limit: 100,
		Status: ledger.TrustLineActive, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, sess.Commit(ctx))
	b.DropScale("UAH")

	sess, err = st.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)
	p, err = b.Scoped(ctx, sess, patchUAH, []ledger.EdgeKey{
		{Equivalent: "UAH", From: "A", To: "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, p.Edges[0].VizWidth)
}
