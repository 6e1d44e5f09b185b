package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth.
const DefaultSubscriberBuffer = 256

// Subscription is one subscriber's view of the stream. Events delivers
// the live feed (preceded by any journal replay); Lost fires at most
// once, when the subscriber fell too far behind and was disconnected.
// After a Lost delivery the Events channel is closed.
type Subscription struct {
	id     string
	events chan Event
	lost   chan Event
	once   sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns the ordered event feed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Lost returns the overflow sentinel channel.
func (s *Subscription) Lost() <-chan Event { return s.lost }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Bus fans events out to subscribers over bounded queues. Delivery
// never blocks the publisher: a subscriber whose queue is full receives
// a lost sentinel naming the last sequence it can have seen, and is
// disconnected.
type Bus struct {
	journal Journal
	buffer  int

	mu     sync.Mutex
	subs   map[string]*Subscription
	onDrop func()
}

// NewBus creates a bus persisting to journal. A buffer of 0 selects
// DefaultSubscriberBuffer.
func NewBus(journal Journal, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{journal: journal, buffer: buffer, subs: make(map[string]*Subscription)}
}

// OnDrop registers a callback invoked each time a subscriber is
// disconnected for falling behind. Set once during wiring, before any
// Publish.
func (b *Bus) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// NewEvent stamps an event with the given sequence and the current time.
func NewEvent(seq uint64, kind Kind, payload interface{}) Event {
	return Event{Seq: seq, TS: time.Now().UTC(), Kind: kind, Payload: payload}
}

// Publish journals the event and fans it out. A full subscriber queue
// disconnects that subscriber; it never delays the others.
func (b *Bus) Publish(ev Event) error {
	if err := b.journal.Append(ev); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			delete(b.subs, id)
			// Delivery is in order, so everything up to the previous
			// sequence is already queued for this subscriber.
			b.disconnectLost(sub, ev.Seq-1)
		}
	}
	return nil
}

// disconnectLost delivers the lost sentinel naming the last sequence
// the subscriber's queue covers, then closes the feed. The lost channel
// has capacity one and is written at most once, so the send cannot
// block.
func (b *Bus) disconnectLost(sub *Subscription, lastSeen uint64) {
	sub.lost <- NewEvent(lastSeen, KindLost, Lost{LastSeenSeq: lastSeen})
	sub.close()
	if b.onDrop != nil {
		b.onDrop()
	}
}

// Subscribe registers a subscriber. Events after lastSeen are replayed
// from the journal into the queue before live delivery starts, so the
// feed has no gap. When the journal no longer covers lastSeen, or the
// backlog exceeds the queue, no replay happens and resync reports true:
// the caller must send a full snapshot before consuming the feed.
// Subscribing with lastSeen 0 replays nothing.
func (b *Bus) Subscribe(lastSeen uint64) (sub *Subscription, resync bool, err error) {
	sub = &Subscription{
		id:     uuid.NewString(),
		events: make(chan Event, b.buffer),
		lost:   make(chan Event, 1),
	}

	// The bus lock is held across replay so no publish can slip between
	// the journal read and live registration.
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastSeen > 0 {
		min, max, berr := b.journal.Bounds()
		if berr != nil {
			return nil, false, berr
		}
		switch {
		case max <= lastSeen:
			// Nothing to replay.
		case min > lastSeen+1 || max-lastSeen > uint64(b.buffer):
			resync = true
		default:
			err = b.journal.Replay(lastSeen+1, func(ev Event) error {
				sub.events <- ev
				return nil
			})
			if err != nil {
				return nil, false, err
			}
		}
	}

	b.subs[sub.id] = sub
	return sub, resync, nil
}

// Unsubscribe removes a subscriber and closes its feed.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// LastSeq reports the newest journaled sequence, 0 when none.
func (b *Bus) LastSeq() uint64 {
	_, max, err := b.journal.Bounds()
	if err != nil {
		return 0
	}
	return max
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers and closes the journal.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return b.journal.Close()
}
