// Package decision validates and normalizes the two structured decisions of a
// run, the diagnosis and the management plan, into ledger records.
package decision

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/osce/internal/model"
)

const (
	MaxFreeTextLen      = 250
	MaxJustificationLen = 250
	MaxRationaleLen     = 400
)

// DiagnosisInput is the diagnosis payload as submitted by the student.
type DiagnosisInput struct {
	OptionID      string `json:"option_id" validate:"omitempty,max=100"`
	FreeText      string `json:"free_text" validate:"max=250"`
	Justification string `json:"justification" validate:"max=250"`
	Confirmed     bool   `json:"confirmed"`
}

// ManagementInput is the management payload as submitted by the student.
type ManagementInput struct {
	Immediate      []string `json:"immediate" validate:"dive,required"`
	Investigations []string `json:"investigations" validate:"dive,required"`
	Definitive     string   `json:"definitive"`
	Rationale      string   `json:"rationale" validate:"max=400"`
	Confirmed      bool     `json:"confirmed"`
}

var validate = validator.New()

// Diagnosis validates in against the case's option set and returns the
// normalized ledger record.
func Diagnosis(c model.CaseDocument, in DiagnosisInput, seq int, at time.Time) (model.ActionRecord, error) {
	kind := model.ErrInvalidDiagnosisSelection
	in.OptionID = strings.TrimSpace(in.OptionID)
	in.FreeText = strings.TrimSpace(in.FreeText)
	in.Justification = strings.TrimSpace(in.Justification)

	if err := validate.Struct(in); err != nil {
		return model.ActionRecord{}, fieldError(kind, err)
	}
	if !in.Confirmed {
		return model.ActionRecord{}, model.Invalid(kind, "confirmed", "diagnosis must be confirmed")
	}

	// Free text without an option is a shorthand for the sentinel.
	if in.OptionID == "" && in.FreeText != "" {
		if other, ok := c.OtherDiagnosisOption(); ok {
			in.OptionID = other.ID
		}
	}
	if in.OptionID == "" {
		return model.ActionRecord{}, model.Invalid(kind, "option_id", "an option or free text is required")
	}
	opt, ok := c.DiagnosisOption(in.OptionID)
	if !ok {
		return model.ActionRecord{}, model.Invalid(kind, "option_id", "unknown option "+in.OptionID)
	}

	payload := &model.DiagnosisPayload{
		OptionID:      opt.ID,
		OptionText:    opt.Text,
		Justification: in.Justification,
	}
	if opt.Other {
		if in.FreeText == "" {
			return model.ActionRecord{}, model.Invalid(kind, "free_text", "required for the other option")
		}
		payload.FreeText = in.FreeText
	} else if in.FreeText != "" {
		return model.ActionRecord{}, model.Invalid(kind, "free_text", "only allowed with the other option")
	}

	return model.ActionRecord{
		Seq:       seq,
		Type:      model.ActionDiagnosisSubmitted,
		ItemID:    opt.ID,
		Label:     opt.Text,
		Diagnosis: payload,
		At:        at,
	}, nil
}

// Management validates in against the case's management option sets and
// returns the normalized ledger record.
func Management(c model.CaseDocument, in ManagementInput, seq int, at time.Time) (model.ActionRecord, error) {
	kind := model.ErrIncompleteManagementSelection
	in.Definitive = strings.TrimSpace(in.Definitive)
	in.Rationale = strings.TrimSpace(in.Rationale)

	if err := validate.Struct(in); err != nil {
		return model.ActionRecord{}, fieldError(kind, err)
	}
	if !in.Confirmed {
		return model.ActionRecord{}, model.Invalid(kind, "confirmed", "management plan must be confirmed")
	}

	immediate := dedupe(in.Immediate)
	investigations := dedupe(in.Investigations)
	if len(immediate) == 0 && in.Definitive == "" {
		return model.ActionRecord{}, model.Invalid(kind, "immediate", "select an immediate action or a definitive disposition")
	}

	opts := c.ManagementOptions
	var texts []string
	for _, group := range []struct {
		field   string
		ids     []string
		offered []model.Option
	}{
		{"immediate", immediate, opts.Immediate},
		{"investigations", investigations, opts.Investigations},
	} {
		for _, id := range group.ids {
			o, ok := model.FindOption(group.offered, id)
			if !ok {
				return model.ActionRecord{}, model.Invalid(kind, group.field, "unknown option "+id)
			}
			texts = append(texts, o.Text)
		}
	}
	if in.Definitive != "" {
		o, ok := model.FindOption(opts.Definitive, in.Definitive)
		if !ok {
			return model.ActionRecord{}, model.Invalid(kind, "definitive", "unknown option "+in.Definitive)
		}
		texts = append(texts, o.Text)
	}

	return model.ActionRecord{
		Seq:  seq,
		Type: model.ActionManagementSubmitted,
		Management: &model.ManagementPayload{
			Immediate:      immediate,
			Investigations: investigations,
			Definitive:     in.Definitive,
			Rationale:      in.Rationale,
			Texts:          texts,
		},
		At: at,
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func fieldError(kind error, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return model.Invalid(kind, strings.ToLower(fe.Field()), "failed "+fe.Tag()+" "+fe.Param())
	}
	return model.Invalid(kind, "", err.Error())
}
