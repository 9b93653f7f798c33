package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/osce/internal/conversation"
	"github.com/pavelanni/osce/internal/decision"
	"github.com/pavelanni/osce/internal/events"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/scoring"
	"github.com/pavelanni/osce/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and runs every callback that became due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type fakeReplier struct {
	reply   string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeReplier) Reply(ctx context.Context, _ conversation.Policy, _ []model.Turn, _ string) (string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeMatcher struct {
	mu         sync.Mutex
	calls      int
	judgements []model.ItemJudgement
	err        error
}

func (m *fakeMatcher) Match(context.Context, []model.RubricItem, []model.Turn) ([]model.ItemJudgement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.judgements, m.err
}

func (m *fakeMatcher) set(j []model.ItemJudgement, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.judgements, m.err = j, err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testCase() model.CaseDocument {
	return model.CaseDocument{
		ID:      "chest-pain",
		Title:   "Chest pain",
		Patient: model.PatientProfile{Name: "Sam Reed", Age: 58, ChiefComplaint: "My chest hurts."},
		Script: model.Script{
			History: map[string]string{"Where is the pain?": "In the middle of my chest."},
			Exams:   map[string]model.ScriptItem{"ecg": {Label: "12-lead ECG", Result: "ST elevation in II, III, aVF"}},
			Labs:    map[string]model.ScriptItem{"trop": {Label: "Troponin", Result: "Elevated"}},
		},
		Rubric: model.Rubric{Sections: []model.RubricSection{{
			ID: "S1", Title: "Assessment", Max: 3,
			Items: []model.RubricItem{
				{ID: "ecg", Text: "performs an ECG", Weight: 1},
				{ID: "radiation", Text: "asks about radiation of the pain", Weight: 1, Tip: "Ask where the pain spreads."},
				{ID: "stemi", Text: "diagnoses inferior STEMI", Weight: 1},
			},
		}}},
		DiagnosisOptions: []model.Option{
			{ID: "stemi", Text: "Inferior STEMI"},
			{ID: "pe", Text: "Pulmonary embolism"},
			{ID: "other", Text: "Other", Other: true},
		},
		ManagementOptions: model.ManagementOptions{
			Immediate:      []model.Option{{ID: "aspirin", Text: "Aspirin 300 mg"}},
			Investigations: []model.Option{{ID: "echo", Text: "Echocardiogram"}},
			Definitive:     []model.Option{{ID: "pci", Text: "Primary PCI"}},
		},
	}
}

type harness struct {
	ctl     *Controller
	store   *store.Store
	clock   *manualClock
	replier *fakeReplier
	matcher *fakeMatcher
	events  *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.UpsertCase(ctx, testCase()); err != nil {
		t.Fatalf("UpsertCase: %v", err)
	}
	for _, a := range []model.Assignment{
		{ID: "asg-1", CaseID: "chest-pain", TimeLimitMinutes: 10, Active: true},
		{ID: "asg-off", CaseID: "chest-pain", TimeLimitMinutes: 10},
	} {
		if err := st.UpsertAssignment(ctx, a); err != nil {
			t.Fatalf("UpsertAssignment: %v", err)
		}
	}

	h := &harness{
		store:   st,
		clock:   &manualClock{now: t0},
		replier: &fakeReplier{reply: "It started an hour ago."},
		matcher: &fakeMatcher{},
		events:  &recorder{},
	}
	opts = append([]Option{WithClock(h.clock), WithPublisher(h.events)}, opts...)
	h.ctl = New(st, h.replier, scoring.New(h.matcher), opts...)
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) start(t *testing.T, student string) StartResult {
	t.Helper()
	res, err := h.ctl.Start(context.Background(), "asg-1", student)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

func (h *harness) run(t *testing.T, id string) model.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func TestStartAndResume(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, "stu-1")
	if first.Resumed || first.Phase != model.PhaseInProgress {
		t.Fatalf("first start = %+v", first)
	}
	if first.RemainingSeconds != 600 {
		t.Errorf("RemainingSeconds = %d, want 600", first.RemainingSeconds)
	}
	if first.Greeting != "Hello, doctor. My chest hurts." {
		t.Errorf("Greeting = %q", first.Greeting)
	}

	h.clock.Advance(90 * time.Second)
	again := h.start(t, "stu-1")
	if !again.Resumed || again.RunID != first.RunID {
		t.Fatalf("second start = %+v, want resume of %s", again, first.RunID)
	}
	if again.RemainingSeconds != 510 || again.Greeting != first.Greeting {
		t.Errorf("resumed = %+v", again)
	}
	if n := h.events.count(events.RunStarted); n != 1 {
		t.Errorf("run.started events = %d, want 1", n)
	}

	other := h.start(t, "stu-2")
	if other.RunID == first.RunID {
		t.Error("different students share a run")
	}
}

func TestStartRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tests := []struct {
		name       string
		assignment string
		student    string
		want       error
	}{
		{"missing student", "asg-1", "", model.ErrInvalidInput},
		{"unknown assignment", "nope", "stu-1", model.ErrAssignmentNotFound},
		{"inactive assignment", "asg-off", "stu-1", model.ErrAssignmentInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ctl.Start(ctx, tt.assignment, tt.student)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFullRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.matcher.set([]model.ItemJudgement{
		{ItemID: "radiation", Demonstrated: true, Confidence: 0.9, Evidence: "Does it spread anywhere?"},
	}, nil)
	id := h.start(t, "stu-1").RunID

	turn, err := h.ctl.PostMessage(ctx, id, "  When did it start?  ")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if turn.Role != model.RolePatient || turn.Seq != 3 || turn.Text != "It started an hour ago." {
		t.Errorf("reply turn = %+v", turn)
	}

	for i := 0; i < 2; i++ {
		if _, err := h.ctl.RevealExam(ctx, id, "ecg"); err != nil {
			t.Fatalf("RevealExam: %v", err)
		}
	}
	if _, err := h.ctl.OrderLab(ctx, id, "d-dimer"); !errors.Is(err, model.ErrUnknownItem) {
		t.Errorf("OrderLab unknown err = %v, want ErrUnknownItem", err)
	}

	if phase, err := h.ctl.EnterDiagnosis(ctx, id); err != nil || phase != model.PhaseDiagnosis {
		t.Fatalf("EnterDiagnosis = %s, %v", phase, err)
	}
	if _, err := h.ctl.EnterDiagnosis(ctx, id); err != nil {
		t.Errorf("repeated EnterDiagnosis: %v", err)
	}
	if _, err := h.ctl.PostMessage(ctx, id, "One more thing"); !errors.Is(err, model.ErrInvalidPhase) {
		t.Errorf("PostMessage in diagnosis err = %v, want ErrInvalidPhase", err)
	}
	if _, err := h.ctl.SubmitManagement(ctx, id, decision.ManagementInput{Immediate: []string{"aspirin"}, Confirmed: true}); !errors.Is(err, model.ErrInvalidPhase) {
		t.Errorf("early SubmitManagement err = %v, want ErrInvalidPhase", err)
	}

	if _, err := h.ctl.SubmitDiagnosis(ctx, id, decision.DiagnosisInput{OptionID: "other", Confirmed: true}); !errors.Is(err, model.ErrInvalidDiagnosisSelection) {
		t.Errorf("other without text err = %v", err)
	}
	if _, err := h.ctl.SubmitDiagnosis(ctx, id, decision.DiagnosisInput{OptionID: "stemi", Confirmed: true}); err != nil {
		t.Fatalf("SubmitDiagnosis: %v", err)
	}
	if _, err := h.ctl.SubmitDiagnosis(ctx, id, decision.DiagnosisInput{OptionID: "pe", Confirmed: true}); !errors.Is(err, model.ErrInvalidPhase) {
		t.Errorf("second diagnosis err = %v, want ErrInvalidPhase", err)
	}
	if _, err := h.ctl.SubmitManagement(ctx, id, decision.ManagementInput{Confirmed: true}); !errors.Is(err, model.ErrIncompleteManagementSelection) {
		t.Errorf("empty management err = %v", err)
	}
	if _, err := h.ctl.SubmitManagement(ctx, id, decision.ManagementInput{
		Immediate: []string{"aspirin"}, Definitive: "pci", Confirmed: true,
	}); err != nil {
		t.Fatalf("SubmitManagement: %v", err)
	}

	run := h.run(t, id)
	if run.Phase != model.PhaseSubmitted || run.EndReason != model.EndReasonCompleted {
		t.Fatalf("after management phase=%s reason=%s", run.Phase, run.EndReason)
	}
	if len(run.Actions) != 3 {
		t.Errorf("actions = %d, want exam, diagnosis, management", len(run.Actions))
	}
	if len(run.Transcript) != 3 {
		t.Errorf("transcript = %d turns, want 3", len(run.Transcript))
	}
	if h.ctl.armed(id) {
		t.Error("countdown still armed after submission")
	}

	d, err := h.ctl.SubmitRun(ctx, id)
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if d.Percentage != 100 || d.Grade != model.GradeDistinction || d.Partial {
		t.Errorf("debrief = %d%% %s partial=%v", d.Percentage, d.Grade, d.Partial)
	}

	again, err := h.ctl.SubmitRun(ctx, id)
	if err != nil {
		t.Fatalf("repeated SubmitRun: %v", err)
	}
	if again.Percentage != d.Percentage {
		t.Errorf("repeated SubmitRun changed result")
	}
	if h.matcher.calls != 1 {
		t.Errorf("matcher calls = %d, want 1", h.matcher.calls)
	}
	if n := h.events.count(events.RunScored); n != 1 {
		t.Errorf("run.scored events = %d, want 1", n)
	}
	if _, err := h.ctl.RevealExam(ctx, id, "ecg"); !errors.Is(err, model.ErrRunClosed) {
		t.Errorf("RevealExam after submit err = %v, want ErrRunClosed", err)
	}
}

func TestPostMessageValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID

	if _, err := h.ctl.PostMessage(ctx, id, "   "); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("blank message err = %v", err)
	}
	long := make([]rune, MaxMessageRunes+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := h.ctl.PostMessage(ctx, id, string(long)); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("long message err = %v", err)
	}
	if _, err := h.ctl.PostMessage(ctx, "missing", "hello"); !errors.Is(err, model.ErrRunNotFound) {
		t.Errorf("unknown run err = %v", err)
	}
}

func TestPatientFailureLeavesRunUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID
	h.replier.err = model.ErrPatientResponseUnavailable

	if _, err := h.ctl.PostMessage(ctx, id, "Any nausea?"); !errors.Is(err, model.ErrPatientResponseUnavailable) {
		t.Fatalf("err = %v, want ErrPatientResponseUnavailable", err)
	}
	if n := len(h.run(t, id).Transcript); n != 1 {
		t.Errorf("transcript = %d turns, want 1", n)
	}

	h.replier.err = nil
	if _, err := h.ctl.PostMessage(ctx, id, "Any nausea?"); err != nil {
		t.Errorf("resend failed: %v", err)
	}
}

func TestOneTurnInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID
	h.replier.entered = make(chan struct{})
	h.replier.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctl.PostMessage(ctx, id, "first")
		done <- err
	}()
	<-h.replier.entered

	if _, err := h.ctl.PostMessage(ctx, id, "second"); !errors.Is(err, model.ErrTurnInProgress) {
		t.Errorf("concurrent message err = %v, want ErrTurnInProgress", err)
	}
	// Disclosures are not blocked by a pending reply.
	if _, err := h.ctl.RevealExam(ctx, id, "ecg"); err != nil {
		t.Errorf("RevealExam during reply: %v", err)
	}

	close(h.replier.release)
	if err := <-done; err != nil {
		t.Fatalf("first message: %v", err)
	}
	if n := len(h.run(t, id).Transcript); n != 3 {
		t.Errorf("transcript = %d turns, want 3", n)
	}
}

func TestLateReplyDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID
	h.replier.entered = make(chan struct{})
	h.replier.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctl.PostMessage(ctx, id, "Is it worse lying down?")
		done <- err
	}()
	<-h.replier.entered
	h.clock.Advance(10 * time.Minute)
	close(h.replier.release)

	if err := <-done; !errors.Is(err, model.ErrRunClosed) {
		t.Errorf("late reply err = %v, want ErrRunClosed", err)
	}
	run := h.run(t, id)
	if run.Phase != model.PhaseSubmitted || run.EndReason != model.EndReasonTimeout {
		t.Errorf("phase=%s reason=%s", run.Phase, run.EndReason)
	}
	if len(run.Transcript) != 1 {
		t.Errorf("transcript = %d turns, want 1", len(run.Transcript))
	}
}

func TestCountdownExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID
	if !h.ctl.armed(id) {
		t.Fatal("countdown not armed")
	}

	h.clock.Advance(9*time.Minute + 59*time.Second)
	snap, err := h.ctl.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Phase != model.PhaseInProgress || snap.RemainingSeconds != 1 {
		t.Fatalf("snapshot before deadline = %+v", snap)
	}

	h.clock.Advance(time.Second)
	// A second, late firing must not submit again.
	h.ctl.expire(id)

	snap, err = h.ctl.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Phase != model.PhaseSubmitted || snap.EndReason != model.EndReasonTimeout || snap.RemainingSeconds != 0 {
		t.Errorf("snapshot after deadline = %+v", snap)
	}
	if n := h.events.count(events.RunSubmitted); n != 1 {
		t.Errorf("run.submitted events = %d, want 1", n)
	}
	if h.ctl.armed(id) {
		t.Error("countdown still armed")
	}
	if _, err := h.ctl.PostMessage(ctx, id, "hello?"); !errors.Is(err, model.ErrRunClosed) {
		t.Errorf("PostMessage after expiry err = %v, want ErrRunClosed", err)
	}
	if _, err := h.ctl.ForceSubmit(ctx, id, model.EndReasonEarly); !errors.Is(err, model.ErrRunClosed) {
		t.Errorf("early submit of closed run err = %v, want ErrRunClosed", err)
	}
	if _, err := h.ctl.Start(ctx, "asg-1", "stu-1"); !errors.Is(err, model.ErrRunClosed) {
		t.Errorf("restart of finished run err = %v, want ErrRunClosed", err)
	}
}

func TestScoreOnExpiry(t *testing.T) {
	h := newHarness(t, WithScoreOnExpiry(true))
	id := h.start(t, "stu-1").RunID

	h.clock.Advance(10 * time.Minute)
	h.ctl.Close()

	run := h.run(t, id)
	if run.Phase != model.PhaseScored || run.Score == nil {
		t.Fatalf("phase=%s score=%v, want scored", run.Phase, run.Score)
	}
	if run.EndReason != model.EndReasonTimeout {
		t.Errorf("EndReason = %s", run.EndReason)
	}
}

func TestResumeAfterCountdownClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID

	// The run as read by Start before it takes the run lock.
	found, ok, err := h.store.FindRun(ctx, "asg-1", "stu-1")
	if err != nil || !ok {
		t.Fatalf("FindRun: ok=%v err=%v", ok, err)
	}

	h.clock.Advance(11 * time.Minute)
	if _, err := h.ctl.SubmitRun(ctx, id); err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	before := h.run(t, id)

	if _, err := h.ctl.resume(ctx, found); !errors.Is(err, model.ErrRunClosed) {
		t.Fatalf("resume err = %v, want ErrRunClosed", err)
	}
	after := h.run(t, id)
	if after.Phase != model.PhaseScored {
		t.Errorf("phase = %s, want scored", after.Phase)
	}
	if after.EndedAt == nil || before.EndedAt == nil || !after.EndedAt.Equal(*before.EndedAt) {
		t.Errorf("EndedAt = %v, was %v", after.EndedAt, before.EndedAt)
	}
	if after.EndReason != model.EndReasonTimeout {
		t.Errorf("EndReason = %s, want timeout", after.EndReason)
	}
	if n := h.events.count(events.RunSubmitted); n != 1 {
		t.Errorf("run.submitted events = %d, want 1", n)
	}
}

func TestPartialScoringAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.matcher.set(nil, errors.New("upstream 502"))
	id := h.start(t, "stu-1").RunID
	if _, err := h.ctl.RevealExam(ctx, id, "ecg"); err != nil {
		t.Fatalf("RevealExam: %v", err)
	}

	d, err := h.ctl.SubmitRun(ctx, id)
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if !d.Partial || len(d.Warnings) == 0 {
		t.Errorf("debrief partial=%v warnings=%v", d.Partial, d.Warnings)
	}
	if d.EndReason != model.EndReasonEarly {
		t.Errorf("EndReason = %s, want early_submit", d.EndReason)
	}
	if d.Percentage != 33 {
		t.Errorf("Percentage = %d, want 33", d.Percentage)
	}

	h.matcher.set([]model.ItemJudgement{{ItemID: "radiation", Demonstrated: true, Confidence: 0.7}}, nil)
	d, err = h.ctl.RetryScoring(ctx, id)
	if err != nil {
		t.Fatalf("RetryScoring: %v", err)
	}
	if d.Partial || d.TotalPoints != 1.5 || d.Percentage != 50 {
		t.Errorf("rescored partial=%v total=%v pct=%d", d.Partial, d.TotalPoints, d.Percentage)
	}

	stored, err := h.ctl.Debrief(ctx, id)
	if err != nil {
		t.Fatalf("Debrief: %v", err)
	}
	if stored.TotalPoints != 1.5 {
		t.Errorf("stored debrief total = %v", stored.TotalPoints)
	}
}

func TestDebriefBeforeScoring(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID

	if _, err := h.ctl.Debrief(ctx, id); !errors.Is(err, model.ErrNotSubmitted) {
		t.Errorf("Debrief of open run err = %v, want ErrNotSubmitted", err)
	}
	if _, err := h.ctl.RetryScoring(ctx, id); !errors.Is(err, model.ErrNotSubmitted) {
		t.Errorf("RetryScoring of open run err = %v, want ErrNotSubmitted", err)
	}
	if _, err := h.ctl.ForceSubmit(ctx, id, model.EndReasonEarly); err != nil {
		t.Fatalf("ForceSubmit: %v", err)
	}
	if _, err := h.ctl.Debrief(ctx, id); !errors.Is(err, model.ErrNotScored) {
		t.Errorf("Debrief of unscored run err = %v, want ErrNotScored", err)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := h.start(t, "stu-1").RunID
	h.clock.Advance(5 * time.Minute)
	open := h.start(t, "stu-2").RunID

	// A fresh controller over the same store, as after a restart, six
	// minutes later: the first run is overdue, the second is not.
	clock := &manualClock{now: t0.Add(11 * time.Minute)}
	ctl := New(h.store, h.replier, scoring.New(h.matcher), WithClock(clock))
	defer ctl.Close()

	if err := ctl.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if run := h.run(t, due); run.Phase != model.PhaseSubmitted || run.EndReason != model.EndReasonTimeout {
		t.Errorf("overdue run phase=%s reason=%s", run.Phase, run.EndReason)
	}
	if !ctl.armed(open) {
		t.Fatal("open run not re-armed")
	}

	clock.Advance(4 * time.Minute)
	if run := h.run(t, open); run.Phase != model.PhaseSubmitted {
		t.Errorf("re-armed run phase = %s, want submitted", run.Phase)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "stu-1").RunID

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.ctl.SubmitRun(ctx, id)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("SubmitRun %d: %v", i, err)
		}
	}
	if n := h.events.count(events.RunSubmitted); n != 1 {
		t.Errorf("run.submitted events = %d, want 1", n)
	}
	if run := h.run(t, id); run.Phase != model.PhaseScored {
		t.Errorf("phase = %s, want scored", run.Phase)
	}
}
