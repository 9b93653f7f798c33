package model

import "time"

// RunExport is the top-level JSON structure for run result export.
type RunExport struct {
	ExportedAt time.Time   `json:"exported_at"`
	NumRuns    int         `json:"num_runs"`
	Results    []RunResult `json:"results"`
}

// RunResult holds one run and its score for export.
type RunResult struct {
	RunID        string            `json:"run_id"`
	AssignmentID string            `json:"assignment_id"`
	StudentID    string            `json:"student_id"`
	CaseID       string            `json:"case_id"`
	CaseTitle    string            `json:"case_title"`
	Phase        Phase             `json:"phase"`
	EndReason    EndReason         `json:"end_reason,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Conversation []ConversationMsg `json:"conversation"`
	Actions      []ActionRecord    `json:"actions"`
	Score        *ScoreResult      `json:"score,omitempty"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
