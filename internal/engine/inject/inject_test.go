package inject

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/ledger"
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
	sess   storage.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	eng := New(drift.NewHistory(), storage.NopLogger{})

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.EnsureEquivalents(ctx, sess, []types.Equivalent{uah}))
	t.Cleanup(func() { sess.Rollback(context.Background()) })
	return &fixture{store: st, engine: eng, sess: sess}
}

func (f *fixture) addParticipants(t *testing.T, pids ...types.PID) {
	t.Helper()
	ctx := context.Background()
	for _, pid := range pids {
		require.NoError(t, f.engine.AddParticipant(ctx, f.sess,
			AddParticipantParams{PID: pid}, &Result{}))
	}
}

func (f *fixture) line(t *testing.T, from, to types.PID) *ledger.TrustLine {
	t.Helper()
	tl, err := f.sess.TrustLines().Get(context.Background(), from, to, "UAH")
	require.NoError(t, err)
	return tl
}

func TestEnsureEquivalentsRejectsPrecisionChange(t *testing.T) {
	f := newFixture(t)
	err := f.engine.EnsureEquivalents(context.Background(), f.sess,
		[]types.Equivalent{{Code: "UAH", Precision: 4}})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestAddParticipantIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := &Result{}
	require.NoError(t, f.engine.AddParticipant(ctx, f.sess,
		AddParticipantParams{PID: alice, DisplayName: "Alice", Type: "person"}, res))
	require.Len(t, res.AddedNodes, 1)

	// A repeat add changes nothing.
	res2 := &Result{}
	require.NoError(t, f.engine.AddParticipant(ctx, f.sess,
		AddParticipantParams{PID: alice}, res2))
	assert.Empty(t, res2.AddedNodes)

	err := f.engine.AddParticipant(ctx, f.sess,
		AddParticipantParams{PID: "not-a-pid"}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))

	err = f.engine.AddParticipant(ctx, f.sess,
		AddParticipantParams{PID: bob, Type: "alien"}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestAddParticipantWithInitialTrustLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)

	res := &Result{}
	require.NoError(t, f.engine.AddParticipant(ctx, f.sess, AddParticipantParams{
		PID: carol,
		InitialTrustLines: []CreateTrustLineParams{
			{From: alice, To: carol, Equivalent: "UAH", Limit: "300.00"},
			{From: carol, To: bob, Equivalent: "UAH", Limit: "150.00"},
		},
	}, res))
	assert.Equal(t, []types.PID{carol}, res.AddedNodes)
	require.Len(t, res.AddedEdges, 2)

	require.NotNil(t, f.line(t, alice, carol))
	assert.Equal(t, types.Amount(30000), f.line(t, alice, carol).Limit)
	require.NotNil(t, f.line(t, carol, bob))

	// A line not touching the new participant is a script error.
	dave := types.DerivePID([]byte("dave"))
	err := f.engine.AddParticipant(ctx, f.sess, AddParticipantParams{
		PID: dave,
		InitialTrustLines: []CreateTrustLineParams{
			{From: alice, To: bob, Equivalent: "UAH", Limit: "1.00"},
		},
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))

	// A line against an unknown counterparty fails the whole event.
	err = f.engine.AddParticipant(ctx, f.sess, AddParticipantParams{
		PID: types.DerivePID([]byte("erin")),
		InitialTrustLines: []CreateTrustLineParams{
			{From: types.DerivePID([]byte("erin")), To: types.DerivePID([]byte("nobody")), Equivalent: "UAH", Limit: "1.00"},
		},
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindNotFound))
}

func TestCreateTrustLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)

	res := &Result{}
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, res))
	require.Len(t, res.AddedEdges, 1)
	assert.Equal(t, []string{"UAH"}, res.TouchedEquivalents)

	tl := f.line(t, alice, bob)
	require.NotNil(t, tl)
	assert.Equal(t, types.Amount(50000), tl.Limit)
	assert.Equal(t, ledger.TrustLineActive, tl.Status)

	// Repeat create is idempotent, the limit stays as first defined.
	res2 := &Result{}
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "900.00",
	}, res2))
	assert.Empty(t, res2.AddedEdges)
	assert.Equal(t, types.Amount(50000), f.line(t, alice, bob).Limit)
}

func TestCreateTrustLineValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)

	tests := []struct {
		name string
		p    CreateTrustLineParams
		kind ledger.Kind
	}{
		{"self trust", CreateTrustLineParams{From: alice, To: alice, Equivalent: "UAH", Limit: "1"}, ledger.KindInvalidRequest},
		{"unknown equivalent", CreateTrustLineParams{From: alice, To: bob, Equivalent: "XXX", Limit: "1"}, ledger.KindNotFound},
		{"zero limit", CreateTrustLineParams{From: alice, To: bob, Equivalent: "UAH", Limit: "0"}, ledger.KindInvalidRequest},
		{"unknown participant", CreateTrustLineParams{From: alice, To: carol, Equivalent: "UAH", Limit: "1"}, ledger.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.CreateTrustLine(ctx, f.sess, tt.p, &Result{})
			assert.True(t, ledger.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestCloseTrustLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, &Result{}))

	require.NoError(t, f.engine.CloseTrustLine(ctx, f.sess, CloseTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH",
	}, &Result{}))
	assert.Equal(t, ledger.TrustLineClosed, f.line(t, alice, bob).Status)

	// Closing again is a no-op; recreating a closed line is refused.
	require.NoError(t, f.engine.CloseTrustLine(ctx, f.sess, CloseTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH",
	}, &Result{}))
	err := f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindAlreadyExists))
}

func TestCloseTrustLineRefusesOutstandingDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, &Result{}))
	require.NoError(t, f.engine.InjectDebt(ctx, f.sess, InjectDebtParams{
		Debtor: bob, Creditor: alice, Equivalent: "UAH", Amount: "100.00",
	}, &Result{}))

	err := f.engine.CloseTrustLine(ctx, f.sess, CloseTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH",
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindNotEmpty))
}

func TestUpdateTrustLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, &Result{}))
	require.NoError(t, f.engine.InjectDebt(ctx, f.sess, InjectDebtParams{
		Debtor: bob, Creditor: alice, Equivalent: "UAH", Amount: "200.00",
	}, &Result{}))

	res := &Result{}
	require.NoError(t, f.engine.UpdateTrustLine(ctx, f.sess, UpdateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "300.00",
	}, res))
	assert.Equal(t, types.Amount(30000), f.line(t, alice, bob).Limit)
	assert.Len(t, res.ChangedEdges, 1)

	// The new limit must still cover outstanding debt.
	err := f.engine.UpdateTrustLine(ctx, f.sess, UpdateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "100.00",
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestFreezeParticipantCascadesToLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob, carol)
	for _, p := range []CreateTrustLineParams{
		{From: alice, To: bob, Equivalent: "UAH", Limit: "100.00"},
		{From: bob, To: alice, Equivalent: "UAH", Limit: "100.00"},
		{From: carol, To: alice, Equivalent: "UAH", Limit: "100.00"},
		{From: bob, To: carol, Equivalent: "UAH", Limit: "100.00"},
	} {
		require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, p, &Result{}))
	}

	res := &Result{}
	require.NoError(t, f.engine.FreezeParticipant(ctx, f.sess,
		FreezeParticipantParams{PID: alice}, res))
	assert.Equal(t, []types.PID{alice}, res.FrozenNodes)
	assert.Len(t, res.FrozenEdges, 3)

	// Every line touching alice froze, in both directions; the
	// bystander line stayed active.
	assert.Equal(t, ledger.TrustLineFrozen, f.line(t, alice, bob).Status)
	assert.Equal(t, ledger.TrustLineFrozen, f.line(t, bob, alice).Status)
	assert.Equal(t, ledger.TrustLineFrozen, f.line(t, carol, alice).Status)
	assert.Equal(t, ledger.TrustLineActive, f.line(t, bob, carol).Status)

	// Refreezing is idempotent.
	res2 := &Result{}
	require.NoError(t, f.engine.FreezeParticipant(ctx, f.sess,
		FreezeParticipantParams{PID: alice}, res2))
	assert.Empty(t, res2.FrozenNodes)
}

func TestInjectDebtSetsAbsoluteValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParticipants(t, alice, bob)
	require.NoError(t, f.engine.CreateTrustLine(ctx, f.sess, CreateTrustLineParams{
		From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
	}, &Result{}))

	require.NoError(t, f.engine.InjectDebt(ctx, f.sess, InjectDebtParams{
		Debtor: bob, Creditor: alice, Equivalent: "UAH", Amount: "300.00",
	}, &Result{}))
	assert.Equal(t, types.Amount(30000), f.line(t, alice, bob).Used)

	// The value is absolute, not additive: a lower value reduces.
	require.NoError(t, f.engine.InjectDebt(ctx, f.sess, InjectDebtParams{
		Debtor: bob, Creditor: alice, Equivalent: "UAH", Amount: "50.00",
	}, &Result{}))
	assert.Equal(t, types.Amount(5000), f.line(t, alice, bob).Used)

	d, err := f.sess.Debts().Get(ctx, bob, alice, "UAH")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.Amount(5000), d.Amount)

	err = f.engine.InjectDebt(ctx, f.sess, InjectDebtParams{
		Debtor: bob, Creditor: alice, Equivalent: "UAH", Amount: "600.00",
	}, &Result{})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestApplyDueFiresOnceInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params := func(v interface{}) json.RawMessage {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return raw
	}
	sc := &Scenario{
		Name:        "demo",
		Equivalents: []types.Equivalent{uah},
		Events: []Event{
			{Index: 1, AtTick: 1, Op: OpAddParticipant, Params: params(AddParticipantParams{PID: alice})},
			{Index: 2, AtTick: 1, Op: OpAddParticipant, Params: params(AddParticipantParams{PID: bob})},
			{Index: 3, AtTick: 2, Op: OpCreateTrustLine, Params: params(CreateTrustLineParams{
				From: alice, To: bob, Equivalent: "UAH", Limit: "500.00",
			})},
			{Index: 4, AtTick: 3, Op: OpNote, Params: params(NoteParams{Text: "ready"})},
		},
	}

	res, err := f.engine.ApplyDue(ctx, f.sess, sc, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Len(t, res.AddedNodes, 2)

	// Tick 3 catches up: event 3 was missed at tick 2 but still fires,
	// events 1 and 2 are already marked and skip.
	res, err = f.engine.ApplyDue(ctx, f.sess, sc, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"ready"}, res.Notes)
	require.NotNil(t, f.line(t, alice, bob))

	res, err = f.engine.ApplyDue(ctx, f.sess, sc, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 4, res.Skipped)
	assert.True(t, res.Empty())
}

func TestApplyDueUnknownOpAborts(t *testing.T) {
	f := newFixture(t)
	sc := &Scenario{Events: []Event{{Index: 1, AtTick: 1, Op: "explode"}}}
	_, err := f.engine.ApplyDue(context.Background(), f.sess, sc, 1)
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidRequest))
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")
	body := fmt.Sprintf(`{
		"name": "demo",
		"equivalents": [{"code": "UAH", "precision": 2}],
		"events": [
			{"at_tick": 1, "op": "add_participant", "params": {"pid": %q}},
			{"at_tick": 2, "op": "note", "params": {"text": "hi"}}
		]
	}`, alice)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", sc.Name)
	// Unindexed events get their position, one-based.
	assert.Equal(t, uint64(1), sc.Events[0].Index)
	assert.Equal(t, uint64(2), sc.Events[1].Index)
}

func TestLoadScenarioRejectsDuplicateIndexes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.json")
	body := `{"events": [
		{"index": 7, "at_tick": 1, "op": "note"},
		{"index": 7, "at_tick": 2, "op": "note"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := LoadScenario(path)
	assert.ErrorContains(t, err, "duplicate event index")
}

func TestScenarioDue(t *testing.T) {
	sc := &Scenario{Events: []Event{
		{Index: 1, AtTick: 1},
		{Index: 2, AtTick: 5},
		{Index: 3, AtTick: 9},
	}}
	assert.Len(t, sc.Due(0), 0)
	assert.Len(t, sc.Due(5), 2)
	assert.Len(t, sc.Due(100), 3)
}
