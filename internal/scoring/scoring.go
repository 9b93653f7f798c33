// Package scoring converts a run's action ledger and transcript into an
// itemized ScoreResult.
package scoring

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
)

var errNoMatcher = errors.New("no semantic matcher configured")

// Matcher judges which rubric items a transcript demonstrates.
// *llm.Client satisfies it.
type Matcher interface {
	Match(ctx context.Context, items []model.RubricItem, turns []model.Turn) ([]model.ItemJudgement, error)
}

// Engine scores runs. It is safe for concurrent use and holds no run state.
type Engine struct {
	matcher Matcher
	tracer  trace.Tracer
}

// New creates an Engine. A nil matcher yields deterministic-only results.
func New(m Matcher) *Engine {
	return &Engine{
		matcher: m,
		tracer:  otel.Tracer("github.com/pavelanni/osce/internal/scoring"),
	}
}

// Score runs the deterministic pass and then the semantic pass and merges
// them so that every rubric item is credited at most once. A failing semantic
// pass does not fail scoring: the result is marked partial and carries a
// warning.
func (e *Engine) Score(ctx context.Context, rubric model.Rubric, actions []model.ActionRecord, turns []model.Turn) model.ScoreResult {
	ctx, span := e.tracer.Start(ctx, "scoring.Score")
	defer span.End()

	items := rubric.Items()
	det := deterministicPass(items, actions)

	var (
		sem      []credit
		partial  bool
		warnings []string
	)
	if len(det) < len(items) {
		judgements, err := e.semantic(ctx, items, turns)
		if err != nil {
			slog.Warn("semantic scoring failed, using action log only", "error", err)
			partial = true
			warnings = append(warnings, model.ErrScoringUnavailable.Error()+": "+err.Error())
		} else {
			sem = semanticCredits(judgements)
		}
	}

	res := aggregate(rubric, reduce(det, sem))
	res.Partial = partial
	res.Warnings = warnings

	outcome := "full"
	if partial {
		outcome = "partial"
	}
	metrics.ScoringOutcomes.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("rubric.items", len(items)),
		attribute.Int("credits.action_log", len(det)),
		attribute.Bool("partial", partial),
		attribute.Int("percentage", res.Percentage),
	)
	return res
}

func (e *Engine) semantic(ctx context.Context, items []model.RubricItem, turns []model.Turn) ([]model.ItemJudgement, error) {
	if e.matcher == nil {
		return nil, errNoMatcher
	}
	ctx, span := e.tracer.Start(ctx, "scoring.semantic")
	defer span.End()

	judgements, err := e.matcher.Match(ctx, items, turns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return judgements, nil
}

// aggregate builds the ScoreResult from the winning credits. Section scores
// are capped at the section max and the percentage is clamped to [0,100].
func aggregate(rubric model.Rubric, cs credits) model.ScoreResult {
	var res model.ScoreResult
	for _, sec := range rubric.Sections {
		var sum, weights float64
		for _, it := range sec.Items {
			v := model.ItemVerdict{
				ItemID:    it.ID,
				SectionID: sec.ID,
				Text:      it.Text,
				Weight:    it.Weight,
				Tip:       it.Tip,
				Reference: it.Reference,
			}
			if c, ok := cs[it.ID]; ok {
				v.Achieved = c.Achieved
				v.Confidence = c.Confidence
				v.Evidence = c.Evidence
				v.Source = c.Source
			}
			res.Items = append(res.Items, v)
			sum += v.Points()
			weights += it.Weight
		}
		limit := sec.Max
		if limit <= 0 {
			limit = weights
		}
		score := math.Min(sum, limit)
		res.Sections = append(res.Sections, model.SectionScore{
			ID:    sec.ID,
			Title: sec.Title,
			Score: round2(score),
			Max:   round2(limit),
		})
		res.TotalPoints += score
		res.MaxPoints += limit
	}
	res.TotalPoints = round2(res.TotalPoints)
	res.MaxPoints = round2(res.MaxPoints)
	res.Percentage = percentage(res.TotalPoints, res.MaxPoints)
	res.Grade = model.GradeFor(res.Percentage)
	return res
}

func percentage(total, maxPoints float64) int {
	if maxPoints <= 0 {
		return 0
	}
	p := int(math.Round(100 * total / maxPoints))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
