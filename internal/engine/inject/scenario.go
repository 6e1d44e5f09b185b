package inject

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openclearing/hubd/internal/types"
)

// Op names a scripted mutation.
type Op string

const (
	OpAddParticipant    Op = "add_participant"
	OpCreateTrustLine   Op = "create_trustline"
	OpCloseTrustLine    Op = "close_trustline"
	OpFreezeParticipant Op = "freeze_participant"
	OpInjectDebt        Op = "inject_debt"
	OpNote              Op = "note"
)

// Event is one scripted mutation, due at a tick. Index is the event's
// durable identity: a restarted run skips indexes already marked fired.
type Event struct {
	Index  uint64          `json:"index"`
	AtTick uint64          `json:"at_tick"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Scenario is a scripted run: the equivalents it uses plus its events.
type Scenario struct {
	Name        string             `json:"name"`
	Equivalents []types.Equivalent `json:"equivalents"`
	Events      []Event            `json:"events"`
}

// LoadScenario reads a scenario file. Events without an explicit index
// get their position; indexes must end up unique.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	seen := make(map[uint64]bool, len(sc.Events))
	for i := range sc.Events {
		if sc.Events[i].Index == 0 {
			sc.Events[i].Index = uint64(i + 1)
		}
		if seen[sc.Events[i].Index] {
			return nil, fmt.Errorf("scenario %s: duplicate event index %d", path, sc.Events[i].Index)
		}
		seen[sc.Events[i].Index] = true
	}
	for _, eq := range sc.Equivalents {
		if err := eq.Validate(); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", path, err)
		}
	}
	return &sc, nil
}

// Due returns the events due at tick: everything scheduled at or before
// it. Late events (missed ticks) still fire; the fired index keeps them
// from firing twice.
func (s *Scenario) Due(tick uint64) []Event {
	var due []Event
	for _, ev := range s.Events {
		if ev.AtTick <= tick {
			due = append(due, ev)
		}
	}
	return due
}

// Parameter shapes, one per op. Amounts are wire decimals parsed
// against the equivalent's precision at apply time.

type AddParticipantParams struct {
	PID         types.PID `json:"pid"`
	DisplayName string    `json:"display_name"`
	Type        string    `json:"type"`
	// InitialTrustLines opens lines in the same batch as the insert, so
	// the participant arrives already wired into the graph. Every line
	// must touch the new participant on one end.
	InitialTrustLines []CreateTrustLineParams `json:"initial_trustlines,omitempty"`
}

type CreateTrustLineParams struct {
	From       types.PID `json:"from"`
	To         types.PID `json:"to"`
	Equivalent string    `json:"equivalent"`
	Limit      string    `json:"limit"`
}

type CloseTrustLineParams struct {
	From       types.PID `json:"from"`
	To         types.PID `json:"to"`
	Equivalent string    `json:"equivalent"`
}

type FreezeParticipantParams struct {
	PID types.PID `json:"pid"`
}

type InjectDebtParams struct {
	Debtor     types.PID `json:"debtor"`
	Creditor   types.PID `json:"creditor"`
	Equivalent string    `json:"equivalent"`
	Amount     string    `json:"amount"`
}

type NoteParams struct {
	Text string `json:"text"`
}
