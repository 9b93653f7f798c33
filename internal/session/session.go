// Package session drives a student's timed run through its phases. The
// Controller owns the phase state machine, the per-run countdown and the
// hand-off to scoring.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/osce/internal/conversation"
	"github.com/pavelanni/osce/internal/events"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/store"
)

// Store is the persistence the controller needs. *store.Store satisfies it.
type Store interface {
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	GetCase(ctx context.Context, id string) (model.CaseDocument, error)
	CreateRun(ctx context.Context, run model.Run) error
	FindRun(ctx context.Context, assignmentID, studentID string) (model.Run, bool, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, phases ...model.Phase) ([]model.Run, error)
	Commit(ctx context.Context, c model.RunCommit) error
	SaveScore(ctx context.Context, runID string, score model.ScoreResult, scoredAt time.Time) error
}

// Replier produces patient replies. *conversation.Engine satisfies it.
type Replier interface {
	Reply(ctx context.Context, p conversation.Policy, transcript []model.Turn, msg string) (string, error)
}

// Scorer scores a run. *scoring.Engine satisfies it.
type Scorer interface {
	Score(ctx context.Context, rubric model.Rubric, actions []model.ActionRecord, turns []model.Turn) model.ScoreResult
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(ctl *Controller) { ctl.events = p }
}

// WithScoreOnExpiry makes the controller score runs in the background as
// soon as their countdown force-submits them.
func WithScoreOnExpiry(on bool) Option {
	return func(ctl *Controller) { ctl.scoreOnExpiry = on }
}

// Controller serializes all mutations of a run and owns its countdown.
// Different runs never contend.
type Controller struct {
	store         Store
	replier       Replier
	scorer        Scorer
	events        events.Publisher
	clock         Clock
	scoreOnExpiry bool
	tracer        trace.Tracer

	locks   *keyedMutex
	scoring singleflight.Group

	mu       sync.Mutex
	timers   map[string]Timer
	inflight map[string]bool
	closed   bool

	bg sync.WaitGroup
}

// New creates a Controller.
func New(st Store, r Replier, sc Scorer, opts ...Option) *Controller {
	c := &Controller{
		store:    st,
		replier:  r,
		scorer:   sc,
		events:   events.Nop{},
		clock:    SystemClock{},
		tracer:   otel.Tracer("github.com/pavelanni/osce/internal/session"),
		locks:    newKeyedMutex(),
		timers:   make(map[string]Timer),
		inflight: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartResult is returned by Start.
type StartResult struct {
	RunID            string      `json:"run_id"`
	Greeting         string      `json:"greeting"`
	RemainingSeconds int         `json:"remaining_seconds"`
	Phase            model.Phase `json:"phase"`
	Resumed          bool        `json:"resumed"`
}

// Start opens a run of the assignment for the student, or resumes the
// student's unfinished run.
func (c *Controller) Start(ctx context.Context, assignmentID, studentID string) (StartResult, error) {
	ctx, span := c.tracer.Start(ctx, "session.Start", trace.WithAttributes(
		attribute.String("assignment.id", assignmentID),
	))
	defer span.End()

	if studentID == "" {
		return StartResult{}, model.Invalid(model.ErrInvalidInput, "student_id", "required")
	}
	a, err := c.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return StartResult{}, err
	}
	if !a.Active {
		return StartResult{}, fmt.Errorf("assignment %s: %w", assignmentID, model.ErrAssignmentInactive)
	}

	unlock := c.locks.Lock("start:" + assignmentID + "/" + studentID)
	defer unlock()

	existing, ok, err := c.store.FindRun(ctx, assignmentID, studentID)
	if err != nil {
		return StartResult{}, err
	}
	if ok {
		return c.resume(ctx, existing)
	}

	cs, err := c.store.GetCase(ctx, a.CaseID)
	if err != nil {
		return StartResult{}, err
	}

	now := c.clock.Now()
	greeting := conversation.Greeting(cs)
	run := model.Run{
		ID:           uuid.NewString(),
		AssignmentID: a.ID,
		StudentID:    studentID,
		CaseID:       cs.ID,
		Phase:        model.PhaseInProgress,
		StartedAt:    now,
		Deadline:     now.Add(time.Duration(a.TimeLimitMinutes) * time.Minute),
		Transcript:   []model.Turn{{Seq: 1, Role: model.RolePatient, Text: greeting, At: now}},
		Actions:      []model.ActionRecord{},
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another process created it first.
			existing, ok, ferr := c.store.FindRun(ctx, assignmentID, studentID)
			if ferr == nil && ok {
				return c.resume(ctx, existing)
			}
		}
		return StartResult{}, fmt.Errorf("create run: %w", err)
	}

	c.arm(run.ID, run.Remaining(now))
	metrics.RunsStarted.Inc()
	c.publish(ctx, events.RunStarted, run)
	slog.Info("run started", "run_id", run.ID, "assignment_id", a.ID, "case_id", cs.ID, "deadline", run.Deadline)

	return StartResult{
		RunID:            run.ID,
		Greeting:         greeting,
		RemainingSeconds: seconds(run.Remaining(now)),
		Phase:            run.Phase,
	}, nil
}

func (c *Controller) resume(ctx context.Context, found model.Run) (StartResult, error) {
	unlock := c.locks.Lock(found.ID)
	defer unlock()

	// found was read before the run lock; the countdown may have closed it since.
	run, err := c.store.GetRun(ctx, found.ID)
	if err != nil {
		return StartResult{}, err
	}
	run, err = c.expireIfDue(ctx, run)
	if err != nil {
		return StartResult{}, err
	}
	if run.Phase.Terminal() {
		return StartResult{}, fmt.Errorf("run %s: %w", run.ID, model.ErrRunClosed)
	}

	now := c.clock.Now()
	c.armIfIdle(run.ID, run.Remaining(now))
	var greeting string
	if len(run.Transcript) > 0 {
		greeting = run.Transcript[0].Text
	}
	slog.Info("run resumed", "run_id", run.ID, "phase", run.Phase)
	return StartResult{
		RunID:            run.ID,
		Greeting:         greeting,
		RemainingSeconds: seconds(run.Remaining(now)),
		Phase:            run.Phase,
		Resumed:          true,
	}, nil
}

// Snapshot returns the client view of a run. A run whose deadline passed is
// force-submitted first.
func (c *Controller) Snapshot(ctx context.Context, runID string) (model.RunSnapshot, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	if !run.Phase.Terminal() && !c.clock.Now().Before(run.Deadline) {
		unlock := c.locks.Lock(runID)
		run, err = c.store.GetRun(ctx, runID)
		if err == nil {
			run, err = c.expireIfDue(ctx, run)
		}
		unlock()
		if err != nil {
			return model.RunSnapshot{}, err
		}
	}

	remaining := 0
	if !run.Phase.Terminal() {
		remaining = seconds(run.Remaining(c.clock.Now()))
	}
	return model.RunSnapshot{
		ID:               run.ID,
		Phase:            run.Phase,
		EndReason:        run.EndReason,
		RemainingSeconds: remaining,
		Transcript:       run.Transcript,
		Actions:          run.Actions,
		Scored:           run.Score != nil,
	}, nil
}

// CaseView returns what the student may see of the run's case.
func (c *Controller) CaseView(ctx context.Context, runID string) (model.CaseView, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.CaseView{}, err
	}
	cs, err := c.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return model.CaseView{}, err
	}
	return cs.View(), nil
}

// Recover re-arms the countdowns of unfinished runs after a restart and
// force-submits the ones whose deadline already passed.
func (c *Controller) Recover(ctx context.Context) error {
	runs, err := c.store.ListRuns(ctx, model.PhaseInProgress, model.PhaseDiagnosis, model.PhaseManagement)
	if err != nil {
		return fmt.Errorf("list open runs: %w", err)
	}
	now := c.clock.Now()
	var expired, armed int
	for _, run := range runs {
		if !now.Before(run.Deadline) {
			if _, err := c.ForceSubmit(ctx, run.ID, model.EndReasonTimeout); err != nil {
				slog.Error("recover: force submit failed", "run_id", run.ID, "error", err)
				continue
			}
			expired++
			continue
		}
		c.armIfIdle(run.ID, run.Remaining(now))
		armed++
	}
	slog.Info("recovered runs", "armed", armed, "expired", expired)
	return nil
}

// Close cancels every countdown and waits for background scoring.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.bg.Wait()
}

func (c *Controller) arm(runID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[runID]; ok {
		t.Stop()
	}
	c.timers[runID] = c.clock.AfterFunc(d, func() { c.expire(runID) })
}

func (c *Controller) armIfIdle(runID string, d time.Duration) {
	c.mu.Lock()
	_, ok := c.timers[runID]
	c.mu.Unlock()
	if !ok {
		c.arm(runID, d)
	}
}

func (c *Controller) disarm(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[runID]; ok {
		t.Stop()
		delete(c.timers, runID)
	}
}

// armed reports whether a countdown is pending for the run.
func (c *Controller) armed(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[runID]
	return ok
}

// expire is the countdown callback.
func (c *Controller) expire(runID string) {
	ctx := context.Background()
	if _, err := c.ForceSubmit(ctx, runID, model.EndReasonTimeout); err != nil {
		slog.Error("countdown expiry failed", "run_id", runID, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, t events.Type, run model.Run) {
	if err := c.events.Publish(ctx, events.FromRun(t, run, c.clock.Now())); err != nil {
		slog.Warn("publish event failed", "type", t, "run_id", run.ID, "error", err)
	}
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
