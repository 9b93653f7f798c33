package session

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/osce/internal/debrief"
	"github.com/pavelanni/osce/internal/events"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
)

// ForceSubmit closes a run for the given reason. A timeout against a run that
// is already closed is a no-op, which makes late countdown firings harmless.
func (c *Controller) ForceSubmit(ctx context.Context, runID string, reason model.EndReason) (model.Run, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Phase.Terminal() {
		if reason == model.EndReasonTimeout {
			return run, nil
		}
		return run, fmt.Errorf("run %s: %w", runID, model.ErrRunClosed)
	}
	return c.submitLocked(ctx, run, reason)
}

// submitLocked closes run without recording a decision. The caller must hold
// the run lock.
func (c *Controller) submitLocked(ctx context.Context, run model.Run, reason model.EndReason) (model.Run, error) {
	return c.finish(ctx, run, reason)
}

// finish moves run to submitted together with recs in one commit, cancels
// its countdown and, for expired runs, schedules background scoring.
func (c *Controller) finish(ctx context.Context, run model.Run, reason model.EndReason, recs ...model.ActionRecord) (model.Run, error) {
	now := c.clock.Now()
	commit := model.RunCommit{
		RunID:     run.ID,
		Actions:   recs,
		Phase:     model.PhaseSubmitted,
		EndReason: reason,
		EndedAt:   &now,
	}
	if err := c.transition(ctx, run, commit); err != nil {
		return run, err
	}
	c.disarm(run.ID)

	run.Phase = model.PhaseSubmitted
	run.EndReason = reason
	run.EndedAt = &now
	run.Actions = append(run.Actions, recs...)

	metrics.RunsSubmitted.WithLabelValues(string(reason)).Inc()
	c.publish(ctx, events.RunSubmitted, run)
	slog.Info("run submitted", "run_id", run.ID, "reason", reason)

	if reason == model.EndReasonTimeout && c.scoreOnExpiry {
		c.scoreInBackground(run.ID)
	}
	return run, nil
}

func (c *Controller) scoreInBackground(runID string) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.bg.Add(1)
	}
	c.mu.Unlock()
	if closed {
		return
	}
	go func() {
		defer c.bg.Done()
		if _, err := c.scoreRun(context.Background(), runID); err != nil {
			slog.Error("background scoring failed", "run_id", runID, "error", err)
		}
	}()
}

// SubmitRun closes the run if it is still open, scores it and returns the
// debrief. Submitting a run that was already scored returns the stored result.
func (c *Controller) SubmitRun(ctx context.Context, runID string) (model.Debrief, error) {
	ctx, span := c.tracer.Start(ctx, "session.SubmitRun", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	unlock := c.locks.Lock(runID)
	run, err := c.store.GetRun(ctx, runID)
	if err == nil && !run.Phase.Terminal() {
		reason := model.EndReasonEarly
		if !c.clock.Now().Before(run.Deadline) {
			reason = model.EndReasonTimeout
		}
		run, err = c.submitLocked(ctx, run, reason)
	}
	unlock()
	if err != nil {
		return model.Debrief{}, err
	}

	if run.Score == nil {
		if run, err = c.scoreRun(ctx, runID); err != nil {
			return model.Debrief{}, err
		}
	}
	return c.compile(ctx, run)
}

// RetryScoring re-runs both scoring passes on a closed run and replaces the
// stored score.
func (c *Controller) RetryScoring(ctx context.Context, runID string) (model.Debrief, error) {
	ctx, span := c.tracer.Start(ctx, "session.RetryScoring", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.Debrief{}, err
	}
	if !run.Phase.Terminal() {
		return model.Debrief{}, fmt.Errorf("run %s: %w", runID, model.ErrNotSubmitted)
	}
	if run, err = c.scoreRun(ctx, runID); err != nil {
		return model.Debrief{}, err
	}
	return c.compile(ctx, run)
}

// Debrief compiles the debrief from the stored score.
func (c *Controller) Debrief(ctx context.Context, runID string) (model.Debrief, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.Debrief{}, err
	}
	if !run.Phase.Terminal() {
		return model.Debrief{}, fmt.Errorf("run %s: %w", runID, model.ErrNotSubmitted)
	}
	if run.Score == nil {
		return model.Debrief{}, fmt.Errorf("run %s: %w", runID, model.ErrNotScored)
	}
	return c.compile(ctx, run)
}

// scoreRun scores a closed run and stores the result. Concurrent calls for
// the same run share one pass, and the pass outlives a cancelled caller.
func (c *Controller) scoreRun(ctx context.Context, runID string) (model.Run, error) {
	v, err, shared := c.scoring.Do(runID, func() (any, error) {
		return c.scoreOnce(context.WithoutCancel(ctx), runID)
	})
	if err != nil {
		return model.Run{}, err
	}
	if shared {
		slog.Debug("scoring pass shared", "run_id", runID)
	}
	return v.(model.Run), nil
}

func (c *Controller) scoreOnce(ctx context.Context, runID string) (model.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if !run.Phase.Terminal() {
		return run, fmt.Errorf("run %s: %w", runID, model.ErrNotSubmitted)
	}
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return run, err
	}

	result := c.scorer.Score(ctx, cs.Rubric, run.Actions, run.Transcript)
	now := c.clock.Now()
	if err := c.store.SaveScore(ctx, runID, result, now); err != nil {
		return run, fmt.Errorf("save score: %w", err)
	}
	run.Phase = model.PhaseScored
	run.Score = &result
	run.ScoredAt = &now

	c.publish(ctx, events.RunScored, run)
	slog.Info("run scored", "run_id", runID, "percentage", result.Percentage, "grade", result.Grade, "partial", result.Partial)
	return run, nil
}

func (c *Controller) compile(ctx context.Context, run model.Run) (model.Debrief, error) {
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.Debrief{}, err
	}
	return debrief.Compile(ctx, cs, run, *run.Score), nil
}
