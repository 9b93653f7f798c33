package decision

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/osce/internal/casefile"
	"github.com/pavelanni/osce/internal/model"
)

func loadCase(t *testing.T) model.CaseDocument {
	t.Helper()
	f, err := casefile.Read("../casefile/testdata/palpitations.json")
	if err != nil {
		t.Fatal(err)
	}
	c, err := casefile.ParseCase(f)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var at = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestDiagnosis(t *testing.T) {
	c := loadCase(t)
	tests := []struct {
		name      string
		in        DiagnosisInput
		wantErr   bool
		wantField string
		wantID    string
	}{
		{name: "listed option", in: DiagnosisInput{OptionID: "af", Justification: "irregular pulse", Confirmed: true}, wantID: "af"},
		{name: "free text implies other", in: DiagnosisInput{FreeText: "thyrotoxicosis", Confirmed: true}, wantID: "other"},
		{name: "other with text", in: DiagnosisInput{OptionID: "other", FreeText: "atrial flutter", Confirmed: true}, wantID: "other"},
		{name: "not confirmed", in: DiagnosisInput{OptionID: "af"}, wantErr: true, wantField: "confirmed"},
		{name: "empty", in: DiagnosisInput{Confirmed: true}, wantErr: true, wantField: "option_id"},
		{name: "unknown option", in: DiagnosisInput{OptionID: "mi", Confirmed: true}, wantErr: true, wantField: "option_id"},
		{name: "other without text", in: DiagnosisInput{OptionID: "other", FreeText: "  ", Confirmed: true}, wantErr: true, wantField: "free_text"},
		{name: "free text on listed option", in: DiagnosisInput{OptionID: "af", FreeText: "x", Confirmed: true}, wantErr: true, wantField: "free_text"},
		{name: "free text too long", in: DiagnosisInput{OptionID: "other", FreeText: strings.Repeat("a", 251), Confirmed: true}, wantErr: true, wantField: "freetext"},
		{name: "justification too long", in: DiagnosisInput{OptionID: "af", Justification: strings.Repeat("a", 251), Confirmed: true}, wantErr: true, wantField: "justification"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Diagnosis(c, tt.in, 3, at)
			if tt.wantErr {
				if !errors.Is(err, model.ErrInvalidDiagnosisSelection) {
					t.Fatalf("err = %v, want ErrInvalidDiagnosisSelection", err)
				}
				var verr *model.ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.wantField {
					t.Errorf("field = %+v, want %q", verr, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Type != model.ActionDiagnosisSubmitted || rec.Seq != 3 || !rec.At.Equal(at) {
				t.Errorf("record = %+v", rec)
			}
			if rec.Diagnosis.OptionID != tt.wantID {
				t.Errorf("option = %q, want %q", rec.Diagnosis.OptionID, tt.wantID)
			}
		})
	}
}

func TestDiagnosisOtherKeepsFreeText(t *testing.T) {
	c := loadCase(t)
	rec, err := Diagnosis(c, DiagnosisInput{FreeText: "  thyroid storm ", Confirmed: true}, 1, at)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Diagnosis.FreeText != "thyroid storm" {
		t.Errorf("free text = %q", rec.Diagnosis.FreeText)
	}
}

func TestManagement(t *testing.T) {
	c := loadCase(t)
	tests := []struct {
		name      string
		in        ManagementInput
		wantField string
	}{
		{name: "immediate only", in: ManagementInput{Immediate: []string{"rate"}, Confirmed: true}},
		{name: "definitive only", in: ManagementInput{Definitive: "anticoag", Confirmed: true}},
		{name: "full plan", in: ManagementInput{Immediate: []string{"rate"}, Investigations: []string{"echo"}, Definitive: "anticoag", Rationale: "rate then anticoagulate", Confirmed: true}},
		{name: "nothing selected", in: ManagementInput{Investigations: []string{"echo"}, Confirmed: true}, wantField: "immediate"},
		{name: "not confirmed", in: ManagementInput{Immediate: []string{"rate"}}, wantField: "confirmed"},
		{name: "unknown immediate", in: ManagementInput{Immediate: []string{"cpr"}, Confirmed: true}, wantField: "immediate"},
		{name: "investigation from wrong group", in: ManagementInput{Immediate: []string{"rate"}, Investigations: []string{"rate"}, Confirmed: true}, wantField: "investigations"},
		{name: "unknown definitive", in: ManagementInput{Definitive: "surgery", Confirmed: true}, wantField: "definitive"},
		{name: "rationale too long", in: ManagementInput{Immediate: []string{"rate"}, Rationale: strings.Repeat("r", 401), Confirmed: true}, wantField: "rationale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Management(c, tt.in, 5, at)
			if tt.wantField != "" {
				if !errors.Is(err, model.ErrIncompleteManagementSelection) {
					t.Fatalf("err = %v, want ErrIncompleteManagementSelection", err)
				}
				var verr *model.ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.wantField {
					t.Errorf("field = %+v, want %q", verr, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Type != model.ActionManagementSubmitted || rec.Management == nil {
				t.Errorf("record = %+v", rec)
			}
		})
	}
}

func TestManagementDedupesAndCollectsTexts(t *testing.T) {
	c := loadCase(t)
	rec, err := Management(c, ManagementInput{
		Immediate:      []string{"rate", "rate", " rate "},
		Investigations: []string{"echo"},
		Definitive:     "anticoag",
		Confirmed:      true,
	}, 1, at)
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.Management.Immediate; len(got) != 1 || got[0] != "rate" {
		t.Errorf("immediate = %v", got)
	}
	want := []string{"Rate control", "Echocardiogram", "Anticoagulation after risk scoring"}
	if strings.Join(rec.Management.Texts, "|") != strings.Join(want, "|") {
		t.Errorf("texts = %v, want %v", rec.Management.Texts, want)
	}
}
