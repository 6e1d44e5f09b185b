package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ugorji/go/codec"
)

// Journal persists published events so reconnecting subscribers can
// replay from their last seen sequence number.
type Journal interface {
	// Append stores one event. Sequence numbers must arrive in
	// strictly increasing order.
	Append(ev Event) error
	// Replay calls fn for every stored event with Seq >= from, in
	// sequence order.
	Replay(from uint64, fn func(Event) error) error
	// Bounds returns the smallest and largest stored sequence numbers,
	// or (0, 0) when the journal is empty.
	Bounds() (min, max uint64, err error)
	Close() error
}

// record is the stored form of an event. The payload is kept as
// encoded JSON so replayed events marshal byte-identically to their
// original delivery.
type record struct {
	Seq     uint64 `codec:"s"`
	TS      int64  `codec:"t"` // unix nanoseconds, UTC
	Kind    string `codec:"k"`
	Payload []byte `codec:"p"`
}

var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

func encodeRecord(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	rec := record{Seq: ev.Seq, TS: ev.TS.UnixNano(), Kind: string(ev.Kind), Payload: payload}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(rec); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeRecord(data []byte) (Event, error) {
	var rec record
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(&rec); err != nil {
		return Event{}, err
	}
	return Event{
		Seq:     rec.Seq,
		TS:      time.Unix(0, rec.TS).UTC(),
		Kind:    Kind(rec.Kind),
		Payload: json.RawMessage(rec.Payload),
	}, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// PebbleJournal stores events in a pebble keyspace ordered by
// big-endian sequence number, so range iteration is replay order.
type PebbleJournal struct {
	db *pebble.DB
}

// OpenPebbleJournal opens (or creates) a journal at dir.
func OpenPebbleJournal(dir string) (*PebbleJournal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Append(ev Event) error {
	buf, err := encodeRecord(ev)
	if err != nil {
		return err
	}
	return j.db.Set(seqKey(ev.Seq), buf, pebble.Sync)
}

func (j *PebbleJournal) Replay(from uint64, fn func(Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: seqKey(from)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		ev, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (j *PebbleJournal) Bounds() (uint64, uint64, error) {
	iter, err := j.db.NewIter(nil)
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	if !iter.First() {
		return 0, 0, iter.Error()
	}
	min := binary.BigEndian.Uint64(iter.Key())
	iter.Last()
	max := binary.BigEndian.Uint64(iter.Key())
	return min, max, iter.Error()
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

var _ Journal = (*PebbleJournal)(nil)

// MemJournal is an in-memory journal for standalone mode and tests.
type MemJournal struct {
	mu   sync.Mutex
	evs  []Event
	base uint64 // Seq of evs[0]
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal { return &MemJournal{} }

func (j *MemJournal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.evs) > 0 && ev.Seq <= j.evs[len(j.evs)-1].Seq {
		return errors.New("events: journal sequence regressed")
	}
	if len(j.evs) == 0 {
		j.base = ev.Seq
	}
	j.evs = append(j.evs, ev)
	return nil
}

func (j *MemJournal) Replay(from uint64, fn func(Event) error) error {
	j.mu.Lock()
	evs := append([]Event(nil), j.evs...)
	j.mu.Unlock()
	for _, ev := range evs {
		if ev.Seq < from {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemJournal) Bounds() (uint64, uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.evs) == 0 {
		return 0, 0, nil
	}
	return j.base, j.evs[len(j.evs)-1].Seq, nil
}

func (j *MemJournal) Close() error { return nil }

var _ Journal = (*MemJournal)(nil)
