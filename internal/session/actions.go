package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/osce/internal/conversation"
	"github.com/pavelanni/osce/internal/decision"
	"github.com/pavelanni/osce/internal/ledger"
	"github.com/pavelanni/osce/internal/model"
)

// MaxMessageRunes bounds a single student message.
const MaxMessageRunes = 2000

// openRun loads a run for mutation. The caller must hold the run lock. A run
// past its deadline is force-submitted and reported closed.
func (c *Controller) openRun(ctx context.Context, runID string) (model.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	run, err = c.expireIfDue(ctx, run)
	if err != nil {
		return run, err
	}
	if run.Phase.Terminal() {
		return run, fmt.Errorf("run %s: %w", runID, model.ErrRunClosed)
	}
	return run, nil
}

// expireIfDue force-submits run when its deadline has passed and returns the
// updated run. The caller must hold the run lock.
func (c *Controller) expireIfDue(ctx context.Context, run model.Run) (model.Run, error) {
	if run.Phase.Terminal() || c.clock.Now().Before(run.Deadline) {
		return run, nil
	}
	return c.submitLocked(ctx, run, model.EndReasonTimeout)
}

func requirePhase(run model.Run, allowed ...model.Phase) error {
	for _, p := range allowed {
		if run.Phase == p {
			return nil
		}
	}
	return fmt.Errorf("run %s is %s: %w", run.ID, run.Phase, model.ErrInvalidPhase)
}

// PostMessage sends a student message to the simulated patient and returns
// the patient's reply. Only one message per run may be awaiting a reply. The
// run lock is released while the reply is generated, so the countdown can
// close the run meanwhile; such a late reply is discarded.
func (c *Controller) PostMessage(ctx context.Context, runID, text string) (model.Turn, error) {
	ctx, span := c.tracer.Start(ctx, "session.PostMessage", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return model.Turn{}, model.Invalid(model.ErrInvalidInput, "text", "message is empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return model.Turn{}, model.Invalid(model.ErrInvalidInput, "text", fmt.Sprintf("message exceeds %d characters", MaxMessageRunes))
	}

	unlock := c.locks.Lock(runID)
	run, err := c.openRun(ctx, runID)
	if err == nil {
		err = requirePhase(run, model.PhaseInProgress)
	}
	if err == nil && !c.beginTurn(runID) {
		err = fmt.Errorf("run %s: %w", runID, model.ErrTurnInProgress)
	}
	unlock()
	if err != nil {
		return model.Turn{}, err
	}
	defer c.endTurn(runID)

	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.Turn{}, err
	}
	reply, err := c.replier.Reply(ctx, conversation.PolicyFromCase(cs), run.Transcript, text)
	if err != nil {
		slog.Warn("patient reply failed", "run_id", runID, "error", err)
		return model.Turn{}, err
	}

	unlock = c.locks.Lock(runID)
	defer unlock()
	run, err = c.openRun(ctx, runID)
	if err != nil {
		return model.Turn{}, err
	}
	if err := requirePhase(run, model.PhaseInProgress); err != nil {
		return model.Turn{}, err
	}

	now := c.clock.Now()
	seq := ledger.NextTurnSeq(run.Transcript)
	student := model.Turn{Seq: seq, Role: model.RoleStudent, Text: text, At: now}
	patient := model.Turn{Seq: seq + 1, Role: model.RolePatient, Text: reply, At: now}
	if err := c.store.Commit(ctx, model.RunCommit{RunID: runID, Turns: []model.Turn{student, patient}}); err != nil {
		return model.Turn{}, fmt.Errorf("commit turn: %w", err)
	}
	return patient, nil
}

func (c *Controller) beginTurn(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[runID] {
		return false
	}
	c.inflight[runID] = true
	return true
}

func (c *Controller) endTurn(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, runID)
}

// RevealExam discloses an on-request examination finding. Repeating the
// request returns the recorded finding without appending.
func (c *Controller) RevealExam(ctx context.Context, runID, itemID string) (model.ActionRecord, error) {
	return c.disclose(ctx, runID, itemID, ledger.Reveal)
}

// OrderLab discloses a lab result with the same idempotency as RevealExam.
func (c *Controller) OrderLab(ctx context.Context, runID, itemID string) (model.ActionRecord, error) {
	return c.disclose(ctx, runID, itemID, ledger.Order)
}

type discloseFunc func(model.CaseDocument, []model.ActionRecord, string, time.Time) (model.ActionRecord, bool, error)

func (c *Controller) disclose(ctx context.Context, runID, itemID string, fn discloseFunc) (model.ActionRecord, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.openRun(ctx, runID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	rec, appended, err := fn(cs, run.Actions, itemID, c.clock.Now())
	if err != nil || !appended {
		return rec, err
	}
	if err := c.store.Commit(ctx, model.RunCommit{RunID: runID, Actions: []model.ActionRecord{rec}}); err != nil {
		return model.ActionRecord{}, fmt.Errorf("commit %s: %w", rec.Type, err)
	}
	slog.Debug("action recorded", "run_id", runID, "type", rec.Type, "item_id", itemID)
	return rec, nil
}

// EnterDiagnosis closes history taking. Calling it again in the diagnosis
// phase is a no-op.
func (c *Controller) EnterDiagnosis(ctx context.Context, runID string) (model.Phase, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.openRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Phase == model.PhaseDiagnosis {
		return run.Phase, nil
	}
	if err := requirePhase(run, model.PhaseInProgress); err != nil {
		return "", err
	}
	if err := c.transition(ctx, run, model.RunCommit{RunID: runID, Phase: model.PhaseDiagnosis}); err != nil {
		return "", err
	}
	return model.PhaseDiagnosis, nil
}

// SubmitDiagnosis captures the diagnosis and moves the run to management.
func (c *Controller) SubmitDiagnosis(ctx context.Context, runID string, in decision.DiagnosisInput) (model.ActionRecord, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.openRun(ctx, runID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	if err := requirePhase(run, model.PhaseInProgress, model.PhaseDiagnosis); err != nil {
		return model.ActionRecord{}, err
	}
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	rec, err := decision.Diagnosis(cs, in, ledger.NextSeq(run.Actions), c.clock.Now())
	if err != nil {
		return model.ActionRecord{}, err
	}
	err = c.transition(ctx, run, model.RunCommit{
		RunID:   runID,
		Actions: []model.ActionRecord{rec},
		Phase:   model.PhaseManagement,
	})
	if err != nil {
		return model.ActionRecord{}, err
	}
	return rec, nil
}

// SubmitManagement captures the management plan and submits the run.
func (c *Controller) SubmitManagement(ctx context.Context, runID string, in decision.ManagementInput) (model.ActionRecord, error) {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.openRun(ctx, runID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	if err := requirePhase(run, model.PhaseManagement); err != nil {
		return model.ActionRecord{}, err
	}
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.ActionRecord{}, err
	}
	now := c.clock.Now()
	rec, err := decision.Management(cs, in, ledger.NextSeq(run.Actions), now)
	if err != nil {
		return model.ActionRecord{}, err
	}
	if _, err := c.finish(ctx, run, model.EndReasonCompleted, rec); err != nil {
		return model.ActionRecord{}, err
	}
	return rec, nil
}

// transition commits c after checking the phase table.
func (c *Controller) transition(ctx context.Context, run model.Run, commit model.RunCommit) error {
	if commit.Phase != "" && !run.Phase.CanTransition(commit.Phase) {
		return fmt.Errorf("run %s: %s to %s: %w", run.ID, run.Phase, commit.Phase, model.ErrInvalidPhase)
	}
	if err := c.store.Commit(ctx, commit); err != nil {
		return fmt.Errorf("commit %s: %w", commit.Phase, err)
	}
	slog.Info("run phase changed", "run_id", run.ID, "from", run.Phase, "to", commit.Phase)
	return nil
}
