// Package prompts renders the system prompts sent to the language model.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/osce/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const maxTextRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

// Fact is one scripted question and the patient's answer to it.
type Fact struct {
	Question string
	Answer   string
}

// PersonaData holds template data for the patient persona prompt.
type PersonaData struct {
	Name           string
	Age            int
	Sex            string
	Occupation     string
	Persona        string
	ChiefComplaint string
	Knowledge      []Fact
	Forbidden      []string
	MaxSentences   int
	Fallback       string
}

// MatchData holds template data for the rubric matching prompt.
type MatchData struct {
	Items      []model.RubricItem
	Transcript string
}

func load() error {
	loadOnce.Do(func() {
		templates, loadErr = template.ParseFS(templateFS, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", loadErr)
		}
	})
	return loadErr
}

func execute(name string, data any) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// BuildPersona renders the patient system prompt.
func BuildPersona(d PersonaData) (string, error) {
	return execute("persona.tmpl", d)
}

// BuildMatch renders the rubric matching prompt over the whole transcript.
func BuildMatch(items []model.RubricItem, turns []model.Turn) (string, error) {
	return execute("match.tmpl", MatchData{
		Items:      items,
		Transcript: Transcript(turns),
	})
}

// Transcript flattens turns into "Student:"/"Patient:" lines with student text
// sanitized.
func Transcript(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t.Role == model.RoleStudent {
			sb.WriteString("Student: " + Sanitize(t.Text) + "\n")
			continue
		}
		sb.WriteString("Patient: " + t.Text + "\n")
	}
	if sb.Len() == 0 {
		return "[No conversation]"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Sanitize strips prompt delimiter tags from student text and bounds its
// length.
func Sanitize(text string) string {
	text = studentAnswerRegex.ReplaceAllString(text, "")
	text = systemInstructionsRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(text) > maxTextRunes {
		runes := []rune(text)
		text = string(runes[:maxTextRunes]) + "\n\n[Answer truncated due to length]"
	}
	return text
}

// Wrap encloses student text in the delimiter tags the persona prompt refers
// to.
func Wrap(text string) string {
	return "<student-answer>" + Sanitize(text) + "</student-answer>"
}
