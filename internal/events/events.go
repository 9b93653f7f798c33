// Package events publishes run lifecycle events for external consumers such
// as dashboards and leaderboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/osce/internal/model"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted   Type = "run.started"
	RunSubmitted Type = "run.submitted"
	RunScored    Type = "run.scored"
)

// Event is the JSON message published on the events channel.
type Event struct {
	Type         Type            `json:"type"`
	RunID        string          `json:"run_id"`
	AssignmentID string          `json:"assignment_id"`
	StudentID    string          `json:"student_id"`
	CaseID       string          `json:"case_id"`
	Phase        model.Phase     `json:"phase"`
	EndReason    model.EndReason `json:"end_reason,omitempty"`
	Percentage   *int            `json:"percentage,omitempty"`
	Grade        model.Grade     `json:"grade,omitempty"`
	Partial      bool            `json:"partial,omitempty"`
	At           time.Time       `json:"at"`
}

// FromRun builds an event of type t describing run.
func FromRun(t Type, run model.Run, at time.Time) Event {
	e := Event{
		Type:         t,
		RunID:        run.ID,
		AssignmentID: run.AssignmentID,
		StudentID:    run.StudentID,
		CaseID:       run.CaseID,
		Phase:        run.Phase,
		EndReason:    run.EndReason,
		At:           at,
	}
	if run.Score != nil {
		pct := run.Score.Percentage
		e.Percentage = &pct
		e.Grade = run.Score.Grade
		e.Partial = run.Score.Partial
	}
	return e
}

// Encode returns the wire form of e.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses the wire form of an event.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" || e.RunID == "" {
		return e, fmt.Errorf("decode event: missing type or run id")
	}
	return e, nil
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
