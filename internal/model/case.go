package model

import "sort"

// Sex of the simulated patient.
type Sex string

const (
	SexFemale Sex = "female"
	SexMale   Sex = "male"
	SexOther  Sex = "other"
)

// PatientProfile describes who the student is talking to.
type PatientProfile struct {
	Name           string `json:"name" yaml:"name" validate:"required"`
	Age            int    `json:"age" yaml:"age" validate:"gte=0,lte=130"`
	Sex            Sex    `json:"sex" yaml:"sex"`
	Occupation     string `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	ChiefComplaint string `json:"chief_complaint" yaml:"chief_complaint" validate:"required"`
	Persona        string `json:"persona,omitempty" yaml:"persona,omitempty"`
}

// ScriptItem is an examination finding or a lab result that is disclosed only
// through an explicit student action.
type ScriptItem struct {
	Label  string `json:"label" yaml:"label" validate:"required"`
	Result string `json:"result" yaml:"result" validate:"required"`
}

// Script holds everything the simulated patient and the case "know".
type Script struct {
	// History maps a scripted history question to the patient's answer.
	History map[string]string     `json:"history" yaml:"history"`
	Exams   map[string]ScriptItem `json:"exams" yaml:"exams" validate:"dive"`
	Labs    map[string]ScriptItem `json:"labs" yaml:"labs" validate:"dive"`
}

// HistoryQuestions returns the scripted history questions in a stable order.
func (s Script) HistoryQuestions() []string {
	qs := make([]string, 0, len(s.History))
	for q := range s.History {
		qs = append(qs, q)
	}
	sort.Strings(qs)
	return qs
}

// RubricItem is the smallest scored unit of expected clinical behavior.
type RubricItem struct {
	ID        string  `json:"id" yaml:"id" validate:"required"`
	Text      string  `json:"text" yaml:"text" validate:"required"`
	Weight    float64 `json:"weight" yaml:"weight" validate:"gte=0"`
	Tip       string  `json:"tip,omitempty" yaml:"tip,omitempty"`
	Reference string  `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// RubricSection groups rubric items under a point cap.
type RubricSection struct {
	ID    string       `json:"id" yaml:"id" validate:"required"`
	Title string       `json:"title" yaml:"title"`
	Max   float64      `json:"max" yaml:"max" validate:"gte=0"`
	Items []RubricItem `json:"items" yaml:"items" validate:"dive"`
}

// Rubric is the ordered list of sections used to score a run.
type Rubric struct {
	Sections []RubricSection `json:"sections" yaml:"sections" validate:"required,min=1,dive"`
}

// Items returns all rubric items in section order.
func (r Rubric) Items() []RubricItem {
	var items []RubricItem
	for _, s := range r.Sections {
		items = append(items, s.Items...)
	}
	return items
}

// Option is a selectable choice in the diagnosis or management step.
type Option struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Text string `json:"text" yaml:"text" validate:"required"`
	// Other marks the free-text sentinel option.
	Other bool `json:"other,omitempty" yaml:"other,omitempty"`
}

// ManagementOptions are the option sets offered in the management step.
type ManagementOptions struct {
	Immediate      []Option `json:"immediate" yaml:"immediate" validate:"dive"`
	Investigations []Option `json:"investigations" yaml:"investigations" validate:"dive"`
	Definitive     []Option `json:"definitive" yaml:"definitive" validate:"dive"`
}

// Pearl is a short teaching point with a citation.
type Pearl struct {
	Text     string `json:"text" yaml:"text"`
	Citation string `json:"citation,omitempty" yaml:"citation,omitempty"`
}

// RemediationQuestion is a multiple-choice question attached to the debrief.
type RemediationQuestion struct {
	ID          string   `json:"id" yaml:"id"`
	Stem        string   `json:"stem" yaml:"stem"`
	Options     []string `json:"options" yaml:"options"`
	AnswerIndex int      `json:"answer_index" yaml:"answer_index"`
	Explanation string   `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

// CaseDocument is the immutable input contract of a run.
type CaseDocument struct {
	ID                string                `json:"id" yaml:"id" validate:"required"`
	Title             string                `json:"title" yaml:"title" validate:"required"`
	Patient           PatientProfile        `json:"patient" yaml:"patient"`
	Stem              string                `json:"stem,omitempty" yaml:"stem,omitempty"`
	Greeting          string                `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	Vitals            map[string]string     `json:"vitals,omitempty" yaml:"vitals,omitempty"`
	Script            Script                `json:"script" yaml:"script"`
	Rubric            Rubric                `json:"rubric" yaml:"rubric"`
	DiagnosisOptions  []Option              `json:"diagnosis_options" yaml:"diagnosis_options" validate:"dive"`
	ManagementOptions ManagementOptions     `json:"management_options" yaml:"management_options"`
	CorrectDiagnosis  string                `json:"correct_diagnosis,omitempty" yaml:"correct_diagnosis,omitempty"`
	Reasoning         []string              `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Pearls            []Pearl               `json:"pearls,omitempty" yaml:"pearls,omitempty"`
	Remediation       []RemediationQuestion `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// DiagnosisOption returns the diagnosis option with the given id.
func (c CaseDocument) DiagnosisOption(id string) (Option, bool) {
	return findOption(c.DiagnosisOptions, id)
}

// OtherDiagnosisOption returns the free-text sentinel option, if the case has one.
func (c CaseDocument) OtherDiagnosisOption() (Option, bool) {
	for _, o := range c.DiagnosisOptions {
		if o.Other {
			return o, true
		}
	}
	return Option{}, false
}

func findOption(opts []Option, id string) (Option, bool) {
	for _, o := range opts {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// FindOption looks up an option id in a list.
func FindOption(opts []Option, id string) (Option, bool) {
	return findOption(opts, id)
}

// CaseView is the student-facing projection of a case: labels only, no findings.
type CaseView struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Patient           PatientProfile    `json:"patient"`
	Stem              string            `json:"stem,omitempty"`
	Vitals            map[string]string `json:"vitals,omitempty"`
	Exams             []Option          `json:"exams"`
	Labs              []Option          `json:"labs"`
	DiagnosisOptions  []Option          `json:"diagnosis_options"`
	ManagementOptions ManagementOptions `json:"management_options"`
}

// View builds the student-facing projection of the case.
func (c CaseDocument) View() CaseView {
	return CaseView{
		ID:                c.ID,
		Title:             c.Title,
		Patient:           c.Patient,
		Stem:              c.Stem,
		Vitals:            c.Vitals,
		Exams:             labels(c.Script.Exams),
		Labs:              labels(c.Script.Labs),
		DiagnosisOptions:  c.DiagnosisOptions,
		ManagementOptions: c.ManagementOptions,
	}
}

func labels(items map[string]ScriptItem) []Option {
	out := make([]Option, 0, len(items))
	for id, it := range items {
		out = append(out, Option{ID: id, Text: it.Label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assignment binds a case to a time limit; it is owned by the course tooling.
type Assignment struct {
	ID               string `json:"id" yaml:"id" validate:"required"`
	CaseID           string `json:"case_id" yaml:"case_id" validate:"required"`
	TimeLimitMinutes int    `json:"time_limit_minutes" yaml:"time_limit_minutes" validate:"gt=0"`
	Active           bool   `json:"active" yaml:"active"`
}
