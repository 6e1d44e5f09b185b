package events

import "sort"

// Collector stages events produced inside a storage session. Engines
// stamp sequence numbers while their transaction is open, but nothing
// may reach subscribers until the transaction commits; the orchestrator
// flushes the collector right after a successful commit.
type Collector struct {
	pending []Event
}

// Add stages a stamped event.
func (c *Collector) Add(ev Event) {
	c.pending = append(c.pending, ev)
}

// Len reports the number of staged events.
func (c *Collector) Len() int { return len(c.pending) }

// Reset discards staged events. Called after a rolled-back session.
func (c *Collector) Reset() { c.pending = c.pending[:0] }

// Merge moves everything staged in other into c, leaving other empty.
// Lets work staged on concurrent sessions join one ordered flush.
func (c *Collector) Merge(other *Collector) {
	c.pending = append(c.pending, other.pending...)
	other.pending = other.pending[:0]
}

// Flush publishes staged events in sequence order and clears the
// collector. Savepoint rollbacks can leave gaps in the staged
// sequences; order still holds because the counter is monotonic.
func (c *Collector) Flush(bus *Bus) error {
	sort.Slice(c.pending, func(i, j int) bool { return c.pending[i].Seq < c.pending[j].Seq })
	for _, ev := range c.pending {
		if err := bus.Publish(ev); err != nil {
			return err
		}
	}
	c.pending = c.pending[:0]
	return nil
}
