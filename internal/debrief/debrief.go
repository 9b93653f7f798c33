// Package debrief compiles the feedback shown to a student after scoring.
package debrief

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/model"
)

const (
	MaxMissedItems = 3
	MaxPearls      = 3
	MaxRemediation = 3
)

var genericReasoning = []string{
	"ReasoningStep1",
	"ReasoningStep2",
	"ReasoningStep3",
	"ReasoningStep4",
	"ReasoningStep5",
}

// Compile projects a score onto the debrief artifact. It has no side effects
// and is recomputed on every view; text is localized from ctx.
func Compile(ctx context.Context, c model.CaseDocument, run model.Run, score model.ScoreResult) model.Debrief {
	d := model.Debrief{
		RunID:       run.ID,
		CaseID:      c.ID,
		CaseTitle:   c.Title,
		EndReason:   run.EndReason,
		TotalPoints: score.TotalPoints,
		MaxPoints:   score.MaxPoints,
		Percentage:  score.Percentage,
		Grade:       score.Grade,
		GradeLabel:  i18n.T(ctx, "Grade"+string(score.Grade)),
		Partial:     score.Partial,
		Sections:    sections(c.Rubric, score),
		MissedItems: missed(ctx, score),
		Reasoning:   reasoning(ctx, c),
		Pearls:      pearls(c.Pearls),
		Remediation: remediation(c.Remediation),
	}

	d.Summary = i18n.Td(ctx, "DebriefSummary", map[string]any{
		"Total":      formatPoints(score.TotalPoints),
		"Max":        formatPoints(score.MaxPoints),
		"Percentage": score.Percentage,
		"Grade":      d.GradeLabel,
	})
	if n := countMissed(score); n > 0 {
		d.Summary += " " + i18n.Tp(ctx, "ItemsMissed", n)
	}

	if run.EndReason == model.EndReasonTimeout {
		d.Warnings = append(d.Warnings, i18n.T(ctx, "EndReasonTimeout"))
	}
	if score.Partial {
		d.Warnings = append(d.Warnings, i18n.T(ctx, "WarningPartialScoring"))
	}
	d.Warnings = append(d.Warnings, score.Warnings...)
	return d
}

func sections(r model.Rubric, score model.ScoreResult) []model.SectionBreakdown {
	bySection := make(map[string][]model.ItemVerdict)
	for _, v := range score.Items {
		bySection[v.SectionID] = append(bySection[v.SectionID], v)
	}
	out := make([]model.SectionBreakdown, 0, len(score.Sections))
	for _, s := range score.Sections {
		out = append(out, model.SectionBreakdown{SectionScore: s, Items: bySection[s.ID]})
	}
	return out
}

func countMissed(score model.ScoreResult) int {
	n := 0
	for _, v := range score.Items {
		if v.Achieved < 1 {
			n++
		}
	}
	return n
}

// missed picks the lowest-achieved items, heaviest first on ties, keeping
// rubric order otherwise.
func missed(ctx context.Context, score model.ScoreResult) []model.MissedItem {
	var cand []model.ItemVerdict
	for _, v := range score.Items {
		if v.Achieved < 1 {
			cand = append(cand, v)
		}
	}
	sort.SliceStable(cand, func(i, j int) bool {
		if cand[i].Achieved != cand[j].Achieved {
			return cand[i].Achieved < cand[j].Achieved
		}
		return cand[i].Weight > cand[j].Weight
	})
	if len(cand) > MaxMissedItems {
		cand = cand[:MaxMissedItems]
	}

	out := make([]model.MissedItem, 0, len(cand))
	for _, v := range cand {
		tip := strings.TrimSpace(v.Tip)
		if tip == "" {
			tip = i18n.T(ctx, "DefaultTip")
		}
		out = append(out, model.MissedItem{
			ItemID:    v.ItemID,
			Text:      v.Text,
			Achieved:  v.Achieved,
			Tip:       tip,
			Reference: v.Reference,
		})
	}
	return out
}

func reasoning(ctx context.Context, c model.CaseDocument) []string {
	var out []string
	for _, step := range c.Reasoning {
		if step = strings.TrimSpace(step); step != "" {
			out = append(out, step)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, id := range genericReasoning {
		out = append(out, i18n.T(ctx, id))
	}
	return out
}

func pearls(in []model.Pearl) []model.Pearl {
	seen := make(map[string]bool)
	out := []model.Pearl{}
	for _, p := range in {
		key := strings.ToLower(strings.Join(strings.Fields(p.Text), " "))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
		if len(out) == MaxPearls {
			break
		}
	}
	return out
}

func remediation(in []model.RemediationQuestion) []model.RemediationQuestion {
	if len(in) > MaxRemediation {
		in = in[:MaxRemediation]
	}
	return append([]model.RemediationQuestion{}, in...)
}

func formatPoints(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
