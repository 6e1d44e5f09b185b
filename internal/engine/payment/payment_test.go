package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclearing/hubd/internal/events"
	"github.com/openclearing/hubd/internal/ledger"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/storage"
	"github.com/openclearing/hubd/internal/storage/memstore"
	"github.com/openclearing/hubd/internal/types"
)

var (
	alice = types.DerivePID([]byte("alice"))
	bob   = types.DerivePID([]byte("bob"))
	carol = types.DerivePID([]byte("carol"))
	uah   = types.Equivalent{Code: "UAH", Precision: 2}
)

type fixture struct {
	store  *memstore.Store
	engine *Engine
}

// newFixture seeds participants and an equivalent and wires an engine.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	st.LockTimeout = 50 * time.Millisecond

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Equivalents().Put(ctx, uah))
	for _, pid := range []types.PID{alice, bob, carol} {
		require.NoError(t, sess.Participants().Put(ctx, &ledger.Participant{
			PID: pid, Type: ledger.ParticipantPerson,
			Status: ledger.ParticipantActive, CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, sess.Commit(ctx))

	rt, err := router.New(st, router.DefaultConfig())
	require.NoError(t, err)
	engine := New(rt, events.NewPatchBuilder(st), storage.NopLogger{}, DefaultConfig())
	return &fixture{store: st, engine: engine}
}

// trust opens a line: creditor trusts debtor up to limit atoms.
func (f *fixture) trust(t *testing.T, creditor, debtor types.PID, limit, used types.Amount) {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.TrustLines().Put(ctx, &ledger.TrustLine{
		From: creditor, To: debtor, Equivalent: "UAH",
		Limit: limit, Used: used,
		Status: ledger.TrustLineActive, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, sess.Commit(ctx))
}

func (f *fixture) submit(t *testing.T, req Request) (*Result, *events.Collector, error) {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.Begin(ctx)
	require.NoError(t, err)
	col := &events.Collector{}
	res, serr := f.engine.Submit(ctx, sess, req, col)
	if serr != nil {
		require.NoError(t, sess.Commit(ctx)) // failure bookkeeping still commits
		return res, col, serr
	}
	require.NoError(t, sess.Commit(ctx))
	return res, col, nil
}

func (f *fixture) line(t *testing.T, creditor, debtor types.PID) *ledger.TrustLine {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)
	tl, err := sess.TrustLines().Get(ctx, creditor, debtor, "UAH")
	require.NoError(t, err)
	return tl
}

func (f *fixture) record(t *testing.T, txID string) *ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)
	rec, err := sess.Transactions().Get(ctx, txID)
	require.NoError(t, err)
	return rec
}

func TestSubmitSingleHop(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0) // bob trusts alice for 1000.00

	res, col, err := f.submit(t, Request{
		TxID: "pay-1", From: alice, To: bob, Equivalent: "UAH", Amount: 25000,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCommitted, res.State)
	assert.False(t, res.Replayed)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, types.Amount(25000), res.Legs[0].Amount)

	tl := f.line(t, bob, alice)
	assert.Equal(t, types.Amount(25000), tl.Used)

	rec := f.record(t, "pay-1")
	require.NotNil(t, rec)
	assert.Equal(t, ledger.TxCommitted, rec.State)

	// One tx.updated event staged with the fresh edge values.
	require.Equal(t, 1, col.Len())
}

func TestSubmitTwoHop(t *testing.T) {
	f := newFixture(t)
	// alice -> carol -> bob: bob holds no direct trust in alice.
	f.trust(t, carol, alice, 50000, 0)
	f.trust(t, bob, carol, 50000, 0)

	res, _, err := f.submit(t, Request{
		TxID: "pay-2", From: alice, To: bob, Equivalent: "UAH", Amount: 30000,
	})
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Len(t, res.Legs[0].Edges, 2)

	// Both hops consumed; carol's net position is zero.
	assert.Equal(t, types.Amount(30000), f.line(t, carol, alice).Used)
	assert.Equal(t, types.Amount(30000), f.line(t, bob, carol).Used)
}

func TestSubmitSplitsAcrossPaths(t *testing.T) {
	f := newFixture(t)
	// Direct residual 100.00, plus 200.00 via carol: 250.00 needs both.
	f.trust(t, bob, alice, 10000, 0)
	f.trust(t, carol, alice, 20000, 0)
	f.trust(t, bob, carol, 20000, 0)

	res, _, err := f.submit(t, Request{
		TxID: "pay-3", From: alice, To: bob, Equivalent: "UAH", Amount: 25000,
	})
	require.NoError(t, err)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, types.Amount(10000), res.Legs[0].Amount)
	assert.Equal(t, types.Amount(15000), res.Legs[1].Amount)

	assert.Equal(t, types.Amount(10000), f.line(t, bob, alice).Used)
	assert.Equal(t, types.Amount(15000), f.line(t, carol, alice).Used)
}

func TestSubmitInsufficientCapacityFails(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 30000, 0)

	res, col, err := f.submit(t, Request{
		TxID: "pay-4", From: alice, To: bob, Equivalent: "UAH", Amount: 60000,
	})
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindInsufficientCapacity))
	assert.Nil(t, res)

	// The ledger is untouched, the record is terminal, the failure event
	// is staged.
	assert.Equal(t, types.Amount(0), f.line(t, bob, alice).Used)
	rec := f.record(t, "pay-4")
	require.NotNil(t, rec)
	assert.Equal(t, ledger.TxFailed, rec.State)
	assert.Equal(t, ledger.KindInsufficientCapacity, rec.ErrorKind)
	assert.Equal(t, 1, col.Len())
}

func TestSubmitNoPath(t *testing.T) {
	f := newFixture(t)
	f.trust(t, alice, bob, 30000, 0) // wrong direction: alice trusts bob

	_, _, err := f.submit(t, Request{
		TxID: "pay-5", From: alice, To: bob, Equivalent: "UAH", Amount: 100,
	})
	assert.True(t, ledger.IsKind(err, ledger.KindNoPath))
}

func TestSubmitIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0)

	req := Request{TxID: "pay-6", From: alice, To: bob, Equivalent: "UAH", Amount: 25000}
	_, _, err := f.submit(t, req)
	require.NoError(t, err)

	res, col, err := f.submit(t, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, ledger.TxCommitted, res.State)
	assert.Empty(t, res.Legs)
	assert.Equal(t, 0, col.Len())

	// The replay applied nothing.
	assert.Equal(t, types.Amount(25000), f.line(t, bob, alice).Used)
}

func TestSubmitReplayOfFailureReturnsRecordedKind(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100, 0)

	req := Request{TxID: "pay-7", From: alice, To: bob, Equivalent: "UAH", Amount: 500}
	_, _, err := f.submit(t, req)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientCapacity))

	res, _, err := f.submit(t, req)
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindInsufficientCapacity))
	require.NotNil(t, res)
	assert.True(t, res.Replayed)
	assert.Equal(t, ledger.TxFailed, res.State)
}

func TestSubmitRejectsReusedTxIDWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0)

	_, _, err := f.submit(t, Request{TxID: "pay-8", From: alice, To: bob, Equivalent: "UAH", Amount: 100})
	require.NoError(t, err)

	_, _, err = f.submit(t, Request{TxID: "pay-8", From: alice, To: bob, Equivalent: "UAH", Amount: 200})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0)

	tests := []struct {
		name string
		req  Request
		kind ledger.Kind
	}{
		{"missing tx_id", Request{From: alice, To: bob, Equivalent: "UAH", Amount: 1}, ledger.KindInvalidRequest},
		{"zero amount", Request{TxID: "x", From: alice, To: bob, Equivalent: "UAH"}, ledger.KindInvalidRequest},
		{"self payment", Request{TxID: "x", From: alice, To: alice, Equivalent: "UAH", Amount: 1}, ledger.KindInvalidRequest},
		{"bad pid", Request{TxID: "x", From: "nope", To: bob, Equivalent: "UAH", Amount: 1}, ledger.KindInvalidRequest},
		{"unknown equivalent", Request{TxID: "x", From: alice, To: bob, Equivalent: "XXX", Amount: 1}, ledger.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := f.store.Begin(ctx)
			require.NoError(t, err)
			defer sess.Rollback(ctx)
			_, err = f.engine.Submit(ctx, sess, tt.req, &events.Collector{})
			assert.True(t, ledger.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestSubmitRejectsFrozenParticipant(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0)

	ctx := context.Background()
	sess, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Participants().SetStatus(ctx, bob, ledger.ParticipantSuspended))
	require.NoError(t, sess.Commit(ctx))

	_, _, err = f.submit(t, Request{TxID: "pay-9", From: alice, To: bob, Equivalent: "UAH", Amount: 100})
	assert.True(t, ledger.IsKind(err, ledger.KindFrozen))
}

func TestSubmitRollsBackOnLockConflict(t *testing.T) {
	f := newFixture(t)
	f.trust(t, bob, alice, 100000, 0)

	// Another session holds the row lock for the only usable edge.
	ctx := context.Background()
	holder, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.LockEdges(ctx, []ledger.EdgeKey{
		{Equivalent: "UAH", From: bob, To: alice},
	}))
	defer holder.Rollback(ctx)

	_, _, err = f.submit(t, Request{
		TxID: "pay-10", From: alice, To: bob, Equivalent: "UAH", Amount: 100,
	})
	require.Error(t, err)
	assert.True(t, ledger.IsKind(err, ledger.KindConflict))

	rec := f.record(t, "pay-10")
	require.NotNil(t, rec)
	assert.Equal(t, ledger.TxRolledBack, rec.State)
	assert.Equal(t, types.Amount(0), f.line(t, bob, alice).Used)
}
