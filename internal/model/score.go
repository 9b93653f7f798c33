package model

// Grade is the band a percentage falls into.
type Grade string

const (
	GradeDistinction Grade = "Distinction"
	GradePass        Grade = "Pass"
	GradeBorderline  Grade = "Borderline"
	GradeFail        Grade = "Fail"
)

// GradeFor maps a percentage onto its grade band.
func GradeFor(percentage int) Grade {
	switch {
	case percentage >= 85:
		return GradeDistinction
	case percentage >= 70:
		return GradePass
	case percentage >= 50:
		return GradeBorderline
	default:
		return GradeFail
	}
}

// CreditSource names the evidence channel that credited a rubric item.
type CreditSource string

const (
	SourceNone       CreditSource = ""
	SourceActionLog  CreditSource = "action_log"
	SourceTranscript CreditSource = "transcript"
)

// ItemVerdict is the scored outcome of a single rubric item.
type ItemVerdict struct {
	ItemID     string       `json:"item_id"`
	SectionID  string       `json:"section_id"`
	Text       string       `json:"text"`
	Weight     float64      `json:"weight"`
	Achieved   float64      `json:"achieved"`
	Confidence float64      `json:"confidence"`
	Evidence   string       `json:"evidence,omitempty"`
	Source     CreditSource `json:"source,omitempty"`
	Tip        string       `json:"tip,omitempty"`
	Reference  string       `json:"reference,omitempty"`
}

// Points is the weighted contribution of the item before section capping.
func (v ItemVerdict) Points() float64 {
	return v.Weight * v.Achieved
}

// SectionScore is a per-section subtotal.
type SectionScore struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
	Max   float64 `json:"max"`
}

// ScoreResult is the canonical score of a run. It is replaced wholesale on
// rescoring and carries no timestamps.
type ScoreResult struct {
	Items       []ItemVerdict  `json:"items"`
	Sections    []SectionScore `json:"sections"`
	TotalPoints float64        `json:"total_points"`
	MaxPoints   float64        `json:"max_points"`
	Percentage  int            `json:"percentage"`
	Grade       Grade          `json:"grade"`
	Partial     bool           `json:"partial"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Item returns the verdict for a rubric item id.
func (s ScoreResult) Item(id string) (ItemVerdict, bool) {
	for _, it := range s.Items {
		if it.ItemID == id {
			return it, true
		}
	}
	return ItemVerdict{}, false
}

// ItemJudgement is the semantic matcher's opinion on one rubric item.
type ItemJudgement struct {
	ItemID       string  `json:"item_id"`
	Demonstrated bool    `json:"demonstrated"`
	Confidence   float64 `json:"confidence"`
	Evidence     string  `json:"evidence,omitempty"`
}

// MissedItem is a rubric item surfaced in the debrief with its remediation tip.
type MissedItem struct {
	ItemID    string  `json:"item_id"`
	Text      string  `json:"text"`
	Achieved  float64 `json:"achieved"`
	Tip       string  `json:"tip"`
	Reference string  `json:"reference,omitempty"`
}

// SectionBreakdown is one rubric section with its item verdicts.
type SectionBreakdown struct {
	SectionScore
	Items []ItemVerdict `json:"items"`
}

// Debrief is the feedback artifact returned after scoring. It is recomputed on
// every view.
type Debrief struct {
	RunID       string                `json:"run_id"`
	CaseID      string                `json:"case_id"`
	CaseTitle   string                `json:"case_title"`
	EndReason   EndReason             `json:"end_reason,omitempty"`
	TotalPoints float64               `json:"total_points"`
	MaxPoints   float64               `json:"max_points"`
	Percentage  int                   `json:"percentage"`
	Grade       Grade                 `json:"grade"`
	GradeLabel  string                `json:"grade_label"`
	Summary     string                `json:"summary"`
	Partial     bool                  `json:"partial"`
	Warnings    []string              `json:"warnings,omitempty"`
	Sections    []SectionBreakdown    `json:"sections"`
	MissedItems []MissedItem          `json:"missed_items"`
	Reasoning   []string              `json:"reasoning"`
	Pearls      []Pearl               `json:"pearls"`
	Remediation []RemediationQuestion `json:"remediation"`
}
