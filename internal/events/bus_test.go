package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusEvent(seq uint64, state string) Event {
	return NewEvent(seq, KindRunStatus, RunStatus{State: state})
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()

	sub, resync, err := bus.Subscribe(0)
	require.NoError(t, err)
	assert.False(t, resync)

	require.NoError(t, bus.Publish(statusEvent(1, "running")))
	require.NoError(t, bus.Publish(statusEvent(2, "paused")))

	assert.Equal(t, uint64(1), recvEvent(t, sub).Seq)
	assert.Equal(t, uint64(2), recvEvent(t, sub).Seq)
}

func TestSubscribeReplaysFromLastSeen(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, bus.Publish(statusEvent(seq, "running")))
	}

	// A reconnect that saw seq 2 gets 3 and 4 replayed, gap-free.
	sub, resync, err := bus.Subscribe(2)
	require.NoError(t, err)
	assert.False(t, resync)
	assert.Equal(t, uint64(3), recvEvent(t, sub).Seq)
	assert.Equal(t, uint64(4), recvEvent(t, sub).Seq)

	// Live events continue after the replay.
	require.NoError(t, bus.Publish(statusEvent(5, "running")))
	assert.Equal(t, uint64(5), recvEvent(t, sub).Seq)
}

func TestSubscribeUpToDateReplaysNothing(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()

	require.NoError(t, bus.Publish(statusEvent(1, "running")))
	sub, resync, err := bus.Subscribe(1)
	require.NoError(t, err)
	assert.False(t, resync)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected replayed event %d", ev.Seq)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeResyncWhenBacklogExceedsBuffer(t *testing.T) {
	bus := NewBus(NewMemJournal(), 4)
	defer bus.Close()

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, bus.Publish(statusEvent(seq, "running")))
	}

	// 9 missed events cannot fit a queue of 4: the caller must resync
	// from a snapshot instead.
	_, resync, err := bus.Subscribe(1)
	require.NoError(t, err)
	assert.True(t, resync)
}

func TestSlowSubscriberGetsLostAndDisconnects(t *testing.T) {
	bus := NewBus(NewMemJournal(), 2)
	defer bus.Close()

	sub, _, err := bus.Subscribe(0)
	require.NoError(t, err)

	// Fill the queue without consuming, then overflow it.
	require.NoError(t, bus.Publish(statusEvent(1, "running")))
	require.NoError(t, bus.Publish(statusEvent(2, "running")))
	require.NoError(t, bus.Publish(statusEvent(3, "running")))

	select {
	case lost := <-sub.Lost():
		assert.Equal(t, KindLost, lost.Kind)
		payload, ok := lost.Payload.(Lost)
		require.True(t, ok)
		// Sequences 1 and 2 are still queued; 3 was dropped.
		assert.Equal(t, uint64(2), payload.LastSeenSeq)
	case <-time.After(time.Second):
		t.Fatal("no lost sentinel delivered")
	}

	// The queued events are still readable, then the feed closes.
	assert.Equal(t, uint64(1), recvEvent(t, sub).Seq)
	assert.Equal(t, uint64(2), recvEvent(t, sub).Seq)
	_, open := <-sub.Events()
	assert.False(t, open)

	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestOnDropFiresPerDisconnect(t *testing.T) {
	bus := NewBus(NewMemJournal(), 1)
	defer bus.Close()

	drops := 0
	bus.OnDrop(func() { drops++ })

	slow, _, err := bus.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(statusEvent(1, "running")))
	require.NoError(t, bus.Publish(statusEvent(2, "running")))

	select {
	case <-slow.Lost():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.Equal(t, 1, drops)

	// Voluntary unsubscribe is not a drop.
	sub, _, err := bus.Subscribe(0)
	require.NoError(t, err)
	bus.Unsubscribe(sub.ID())
	assert.Equal(t, 1, drops)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(NewMemJournal(), 1)
	defer bus.Close()

	slow, _, err := bus.Subscribe(0)
	require.NoError(t, err)
	fast, _, err := bus.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(statusEvent(1, "running")))
	require.NoError(t, bus.Publish(statusEvent(2, "running")))

	assert.Equal(t, uint64(1), recvEvent(t, fast).Seq)
	assert.Equal(t, uint64(2), recvEvent(t, fast).Seq)

	select {
	case <-slow.Lost():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
}

func TestUnsubscribeClosesFeed(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()

	sub, _, err := bus.Subscribe(0)
	require.NoError(t, err)
	bus.Unsubscribe(sub.ID())

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestLastSeq(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()

	assert.Equal(t, uint64(0), bus.LastSeq())
	require.NoError(t, bus.Publish(statusEvent(7, "running")))
	assert.Equal(t, uint64(7), bus.LastSeq())
}

func TestMemJournalRejectsRegression(t *testing.T) {
	j := NewMemJournal()
	require.NoError(t, j.Append(statusEvent(5, "running")))
	assert.Error(t, j.Append(statusEvent(5, "running")))
	assert.Error(t, j.Append(statusEvent(4, "running")))

	min, max, err := j.Bounds()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), min)
	assert.Equal(t, uint64(5), max)
}

func TestCollectorFlushPublishesInSeqOrder(t *testing.T) {
	bus := NewBus(NewMemJournal(), 8)
	defer bus.Close()
	sub, _, err := bus.Subscribe(0)
	require.NoError(t, err)

	// Concurrent engines can stage out of order; Flush sorts by seq.
	col := &Collector{}
	col.Add(statusEvent(3, "a"))
	col.Add(statusEvent(1, "b"))
	col.Add(statusEvent(2, "c"))
	require.Equal(t, 3, col.Len())
	require.NoError(t, col.Flush(bus))
	assert.Equal(t, 0, col.Len())

	assert.Equal(t, uint64(1), recvEvent(t, sub).Seq)
	assert.Equal(t, uint64(2), recvEvent(t, sub).Seq)
	assert.Equal(t, uint64(3), recvEvent(t, sub).Seq)
}

func TestCollectorReset(t *testing.T) {
	col := &Collector{}
	col.Add(statusEvent(1, "a"))
	col.Reset()
	assert.Equal(t, 0, col.Len())
}

func TestJournalRecordRoundTrip(t *testing.T) {
	ev := NewEvent(9, KindTxFailed, TxFailed{TxID: "t1", Reason: "Conflict"})
	buf, err := encodeRecord(ev)
	require.NoError(t, err)
	back, err := decodeRecord(buf)
	require.NoError(t, err)

	assert.Equal(t, ev.Seq, back.Seq)
	assert.Equal(t, ev.Kind, back.Kind)
	assert.Equal(t, ev.TS, back.TS)

	raw, ok := back.Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"tx_id":"t1","reason":"Conflict"}`, string(raw))
}
