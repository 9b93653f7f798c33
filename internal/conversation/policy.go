package conversation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pavelanni/osce/internal/llm/prompts"
	"github.com/pavelanni/osce/internal/model"
)

const (
	DefaultMaxSentences = 3
	DefaultMaxChars     = 320
	DefaultFallback     = "I'm not sure about that, doctor."
)

// minClauseWords keeps single words like "Elevated" or "III" out of the
// forbidden clauses; whole results are always forbidden.
const minClauseWords = 2

var clauseSplitRegex = regexp.MustCompile(`[.;,]+(\s+|$)`)

// Fact is a scripted history question with the patient's answer.
type Fact struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Policy is the declarative description of what the simulated patient may
// say. It is rendered into the generator prompt and enforced again on the
// generator's output.
type Policy struct {
	Patient   model.PatientProfile `json:"patient"`
	Knowledge []Fact               `json:"knowledge"`
	// Forbidden phrases are findings and diagnoses that must never appear in
	// a patient utterance.
	Forbidden    []string `json:"forbidden"`
	MaxSentences int      `json:"max_sentences"`
	MaxChars     int      `json:"max_chars"`
	Fallback     string   `json:"fallback"`
}

// PolicyFromCase derives the persona policy from the case's history script
// and patient profile. Exam and lab results and the correct diagnosis become
// forbidden phrases.
func PolicyFromCase(c model.CaseDocument) Policy {
	p := Policy{
		Patient:      c.Patient,
		MaxSentences: DefaultMaxSentences,
		MaxChars:     DefaultMaxChars,
		Fallback:     DefaultFallback,
	}
	for _, q := range c.Script.HistoryQuestions() {
		p.Knowledge = append(p.Knowledge, Fact{Question: q, Answer: c.Script.History[q]})
	}

	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		p.Forbidden = append(p.Forbidden, s)
	}
	for _, items := range []map[string]model.ScriptItem{c.Script.Exams, c.Script.Labs} {
		ids := make([]string, 0, len(items))
		for id := range items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			add(items[id].Result)
			for _, clause := range clauses(items[id].Result) {
				add(clause)
			}
		}
	}
	add(c.CorrectDiagnosis)
	return p
}

// clauses splits a result into its sentences and comma-separated parts so a
// partial disclosure is caught as well as a verbatim one.
func clauses(result string) []string {
	parts := clauseSplitRegex.Split(result, -1)
	if len(parts) < 2 {
		return nil
	}
	var out []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if len(strings.Fields(part)) >= minClauseWords {
			out = append(out, part)
		}
	}
	return out
}

// Prompt renders the policy as a generator system prompt.
func (p Policy) Prompt() (string, error) {
	d := prompts.PersonaData{
		Name:           p.Patient.Name,
		Age:            p.Patient.Age,
		Sex:            string(p.Patient.Sex),
		Occupation:     p.Patient.Occupation,
		Persona:        p.Patient.Persona,
		ChiefComplaint: p.Patient.ChiefComplaint,
		Forbidden:      p.Forbidden,
		MaxSentences:   p.maxSentences(),
		Fallback:       p.fallback(),
	}
	for _, f := range p.Knowledge {
		d.Knowledge = append(d.Knowledge, prompts.Fact{Question: f.Question, Answer: f.Answer})
	}
	return prompts.BuildPersona(d)
}

func (p Policy) maxSentences() int {
	if p.MaxSentences <= 0 {
		return DefaultMaxSentences
	}
	return p.MaxSentences
}

func (p Policy) maxChars() int {
	if p.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return p.MaxChars
}

func (p Policy) fallback() string {
	if p.Fallback == "" {
		return DefaultFallback
	}
	return p.Fallback
}
