// Package conversation mediates the dialogue between the student and the
// simulated patient.
package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/osce/internal/model"
)

// Generator produces free text from a system prompt and a transcript.
// *llm.Client satisfies it.
type Generator interface {
	Complete(ctx context.Context, system string, turns []model.Turn) (string, error)
}

// Engine turns student messages into policy-conforming patient replies.
// It holds no per-run state.
type Engine struct {
	gen Generator
}

// New creates an Engine backed by gen.
func New(gen Generator) *Engine {
	return &Engine{gen: gen}
}

// Reply returns the patient's answer to msg given the transcript so far.
// Generator failures are reported as model.ErrPatientResponseUnavailable.
func (e *Engine) Reply(ctx context.Context, p Policy, transcript []model.Turn, msg string) (string, error) {
	system, err := p.Prompt()
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrPatientResponseUnavailable, err)
	}

	turns := make([]model.Turn, 0, len(transcript)+1)
	turns = append(turns, transcript...)
	turns = append(turns, model.Turn{Role: model.RoleStudent, Text: msg})

	raw, err := e.gen.Complete(ctx, system, turns)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrPatientResponseUnavailable, err)
	}
	return Enforce(p, raw), nil
}

// Greeting is the scripted opening line of a run.
func Greeting(c model.CaseDocument) string {
	if g := strings.TrimSpace(c.Greeting); g != "" {
		return g
	}
	if cc := strings.TrimSpace(c.Patient.ChiefComplaint); cc != "" {
		return "Hello, doctor. " + cc
	}
	return "Hello, doctor."
}

var (
	stageDirectionRegex = regexp.MustCompile(`\[[^\]]*\]`)
	markupRegex         = regexp.MustCompile("(?m)^\\s*(#+|[-*•]|\\d+[.)])\\s+|[*_`#>]")
	spaceRegex          = regexp.MustCompile(`\s+`)
	sentenceEndRegex    = regexp.MustCompile(`[.!?…]+["')]?(\s|$)`)
)

// Enforce applies the output rules of p to raw generator text: formatting is
// stripped, forbidden phrases turn the reply into the fallback line and the
// reply is bounded in sentences and characters.
func Enforce(p Policy, raw string) string {
	text := stageDirectionRegex.ReplaceAllString(raw, " ")
	text = markupRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(spaceRegex.ReplaceAllString(text, " "))
	if text == "" {
		return p.fallback()
	}

	lower := strings.ToLower(text)
	for _, f := range p.Forbidden {
		if f != "" && strings.Contains(lower, strings.ToLower(f)) {
			return p.fallback()
		}
	}

	text = limitSentences(text, p.maxSentences())
	return limitRunes(text, p.maxChars())
}

func limitSentences(text string, n int) string {
	ends := sentenceEndRegex.FindAllStringIndex(text, -1)
	if len(ends) <= n {
		return text
	}
	return strings.TrimSpace(text[:ends[n-1][1]])
}

func limitRunes(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)[:n]
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}
