package model

import "time"

// Phase is the state of a run. The set is closed: every transition is listed
// in phaseTransitions.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseDiagnosis  Phase = "diagnosis"
	PhaseManagement Phase = "management"
	PhaseSubmitted  Phase = "submitted"
	PhaseScored     Phase = "scored"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseNotStarted: {PhaseInProgress},
	PhaseInProgress: {PhaseDiagnosis, PhaseManagement, PhaseSubmitted},
	PhaseDiagnosis:  {PhaseManagement, PhaseSubmitted},
	PhaseManagement: {PhaseSubmitted},
	PhaseSubmitted:  {PhaseScored},
	PhaseScored:     {PhaseScored},
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

// Terminal reports whether the run no longer accepts student input.
func (p Phase) Terminal() bool {
	return p == PhaseSubmitted || p == PhaseScored
}

// CanTransition reports whether moving from p to next is allowed.
func (p Phase) CanTransition(next Phase) bool {
	for _, n := range phaseTransitions[p] {
		if n == next {
			return true
		}
	}
	return false
}

// EndReason records why a run stopped accepting input.
type EndReason string

const (
	EndReasonNone      EndReason = ""
	EndReasonCompleted EndReason = "completed"
	EndReasonEarly     EndReason = "early_submit"
	EndReasonTimeout   EndReason = "timeout"
)

// Role is the author of a transcript turn.
type Role string

const (
	RolePatient Role = "patient"
	RoleStudent Role = "student"
)

// Turn is one utterance in the run transcript.
type Turn struct {
	Seq  int       `json:"seq"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ActionType tags an ActionRecord.
type ActionType string

const (
	ActionExamReveal          ActionType = "exam_reveal"
	ActionLabOrder            ActionType = "lab_order"
	ActionDiagnosisSubmitted  ActionType = "diagnosis_submitted"
	ActionManagementSubmitted ActionType = "management_submitted"
)

// DiagnosisPayload is the normalized diagnosis decision.
type DiagnosisPayload struct {
	OptionID      string `json:"option_id,omitempty"`
	OptionText    string `json:"option_text,omitempty"`
	FreeText      string `json:"free_text,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// ManagementPayload is the normalized management decision.
type ManagementPayload struct {
	Immediate      []string `json:"immediate,omitempty"`
	Investigations []string `json:"investigations,omitempty"`
	Definitive     string   `json:"definitive,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
	// Texts holds the option texts of every selected id, in selection order.
	Texts []string `json:"texts,omitempty"`
}

// ActionRecord is one entry in the action ledger. Which payload field is set
// depends on Type.
type ActionRecord struct {
	Seq        int                `json:"seq"`
	Type       ActionType         `json:"type"`
	ItemID     string             `json:"item_id,omitempty"`
	Label      string             `json:"label,omitempty"`
	Result     string             `json:"result,omitempty"`
	Diagnosis  *DiagnosisPayload  `json:"diagnosis,omitempty"`
	Management *ManagementPayload `json:"management,omitempty"`
	At         time.Time          `json:"at"`
}

// Run is one student's timed attempt at a case.
type Run struct {
	ID           string         `json:"id"`
	AssignmentID string         `json:"assignment_id"`
	StudentID    string         `json:"student_id"`
	CaseID       string         `json:"case_id"`
	Phase        Phase          `json:"phase"`
	EndReason    EndReason      `json:"end_reason,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Deadline     time.Time      `json:"deadline"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	ScoredAt     *time.Time     `json:"scored_at,omitempty"`
	Transcript   []Turn         `json:"transcript"`
	Actions      []ActionRecord `json:"actions"`
	Score        *ScoreResult   `json:"score,omitempty"`
}

// Remaining returns the countdown left at now, never negative.
func (r Run) Remaining(now time.Time) time.Duration {
	d := r.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RunCommit is a single atomic mutation of a run: appended turns and actions
// plus an optional phase change.
type RunCommit struct {
	RunID     string
	Turns     []Turn
	Actions   []ActionRecord
	Phase     Phase // empty means unchanged
	EndReason EndReason
	EndedAt   *time.Time
}

// RunSnapshot is what clients poll to render a run.
type RunSnapshot struct {
	ID               string         `json:"id"`
	Phase            Phase          `json:"phase"`
	EndReason        EndReason      `json:"end_reason,omitempty"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Transcript       []Turn         `json:"transcript"`
	Actions          []ActionRecord `json:"actions"`
	Scored           bool           `json:"scored"`
}
