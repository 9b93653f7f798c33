package casefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pavelanni/osce/internal/model"
)

func mustRead(t *testing.T, path string) File {
	t.Helper()
	f, err := Read(path)
	if err != nil {
		t.Fatalf("Read(%s): %v", path, err)
	}
	return f
}

func TestParseCaseJSON(t *testing.T) {
	c, err := ParseCase(mustRead(t, "testdata/palpitations.json"))
	if err != nil {
		t.Fatalf("ParseCase: %v", err)
	}
	if c.ID != "palpitations-01" {
		t.Errorf("ID = %q", c.ID)
	}
	if got := len(c.Rubric.Items()); got != 2 {
		t.Errorf("rubric items = %d, want 2", got)
	}
	other, ok := c.OtherDiagnosisOption()
	if !ok || other.ID != "other" {
		t.Errorf("other option = %+v, %v", other, ok)
	}
	// Declared option sets are kept as-is.
	if len(c.ManagementOptions.Immediate) != 1 {
		t.Errorf("immediate options = %d, want 1", len(c.ManagementOptions.Immediate))
	}
}

func TestParseCaseYAMLAppliesDefaults(t *testing.T) {
	c, err := ParseCase(mustRead(t, "testdata/sparse.yaml"))
	if err != nil {
		t.Fatalf("ParseCase: %v", err)
	}
	if _, ok := c.OtherDiagnosisOption(); !ok {
		t.Error("expected sentinel diagnosis option to be added")
	}
	if len(c.ManagementOptions.Immediate) != len(DefaultImmediate) {
		t.Errorf("immediate defaults not applied: %d", len(c.ManagementOptions.Immediate))
	}
	if len(c.ManagementOptions.Definitive) != len(DefaultDefinitive) {
		t.Errorf("definitive defaults not applied: %d", len(c.ManagementOptions.Definitive))
	}
	s := c.Rubric.Sections[0]
	if s.Items[0].Weight != 1 {
		t.Errorf("default weight = %v, want 1", s.Items[0].Weight)
	}
	if s.Max != 3 {
		t.Errorf("section max fallback = %v, want 3", s.Max)
	}
	if c.Script.Exams == nil || c.Script.Labs == nil {
		t.Error("script maps should be initialized")
	}
}

func TestValidateRejectsBrokenCases(t *testing.T) {
	base := func() model.CaseDocument {
		c := model.CaseDocument{
			ID:    "c",
			Title: "t",
			Patient: model.PatientProfile{
				Name: "p", Age: 30, ChiefComplaint: "pain",
			},
			Rubric: model.Rubric{Sections: []model.RubricSection{{
				ID: "S1", Max: 1, Items: []model.RubricItem{{ID: "I1", Text: "x", Weight: 1}},
			}}},
		}
		ApplyDefaults(&c)
		return c
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("base case invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *model.CaseDocument)
	}{
		{"missing title", func(c *model.CaseDocument) { c.Title = "" }},
		{"no rubric", func(c *model.CaseDocument) { c.Rubric.Sections = nil }},
		{"duplicate item ids", func(c *model.CaseDocument) {
			c.Rubric.Sections = append(c.Rubric.Sections, model.RubricSection{
				ID: "S2", Max: 1, Items: []model.RubricItem{{ID: "I1", Text: "y", Weight: 1}},
			})
		}},
		{"exam without result", func(c *model.CaseDocument) {
			c.Script.Exams["e"] = model.ScriptItem{Label: "Exam"}
		}},
		{"remediation answer out of range", func(c *model.CaseDocument) {
			c.Remediation = []model.RemediationQuestion{{ID: "q", Options: []string{"a"}, AnswerIndex: 3}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := Validate(c)
			if !errors.Is(err, model.ErrInvalidCase) {
				t.Errorf("Validate() = %v, want ErrInvalidCase", err)
			}
		})
	}
}

func TestParseAssignments(t *testing.T) {
	list, err := ParseAssignments(mustRead(t, "testdata/assignments.yaml"))
	if err != nil {
		t.Fatalf("ParseAssignments: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d assignments", len(list))
	}
	if !list[0].Active || list[1].Active {
		t.Errorf("active flags not parsed: %+v", list)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"id":"a","case_id":"c","time_limit_minutes":0}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAssignments(mustRead(t, bad)); err == nil {
		t.Error("expected error for zero time limit")
	}
}

func TestReadHashIsStable(t *testing.T) {
	a := mustRead(t, "testdata/sparse.yaml")
	b := mustRead(t, "testdata/sparse.yaml")
	if a.Hash == "" || a.Hash != b.Hash {
		t.Errorf("hash unstable: %q vs %q", a.Hash, b.Hash)
	}
}
