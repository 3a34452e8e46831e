package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a ticket.
type State int

const (
	stateUnknown State = iota
	StateWaiting
	StateServed
	StateAbandoned
	StateRescheduled
)

var stateNames = map[State]string{
	StateWaiting:     "waiting",
	StateServed:      "served",
	StateAbandoned:   "abandoned",
	StateRescheduled: "rescheduled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return ""
}

// Terminal reports whether the state accepts no further events.
func (s State) Terminal() bool {
	return s == StateServed || s == StateAbandoned
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

func ParseState(value string) (State, error) {
	for state, name := range stateNames {
		if name == value {
			return state, nil
		}
	}
	return stateUnknown, fmt.Errorf("unknown ticket state %q", value)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = stateUnknown
		return nil
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

const (
	ReasonIssued            = "issued"
	ReasonServed            = "served"
	ReasonNoShow            = "no-show"
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonRescheduled       = "rescheduled"
	ReasonReactivated       = "reactivated"
	ReasonExpiredReschedule = "expired-reschedule"
	ReasonRescheduleLimit   = "reschedule-limit"
)

const IssueDateLayout = "2006-01-02"

type Ticket struct {
	TicketID        string     `json:"ticket_id"`
	SequenceLabel   string     `json:"sequence_label"`
	ClientRef       string     `json:"client_ref"`
	BranchID        string     `json:"branch_id"`
	KioskID         string     `json:"kiosk_id"`
	CategoryID      string     `json:"category_id"`
	State           State      `json:"state"`
	Priority        Priority   `json:"priority"`
	QueuePosition   int        `json:"queue_position"`
	IssueDate       string     `json:"issue_date"`
	CreatedAt       time.Time  `json:"created_at"`
	WaitingSince    time.Time  `json:"waiting_since"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	RescheduleCount int        `json:"reschedule_count"`
	WaitDurationMs  int64      `json:"wait_duration_ms,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// QueueKey identifies the queue a ticket belongs to.
func (t Ticket) QueueKey() QueueKey {
	return QueueKey{BranchID: t.BranchID, CategoryID: t.CategoryID}
}

type QueueKey struct {
	BranchID   string
	CategoryID string
}

func (k QueueKey) String() string {
	return k.BranchID + "/" + k.CategoryID
}
