package scoring

import (
	"strings"

	"github.com/pavelanni/osce/internal/model"
)

const actionLogEvidence = "action log"

// deterministicPass credits every rubric item that some ledger action names
// by id or describes by text.
func deterministicPass(items []model.RubricItem, actions []model.ActionRecord) []credit {
	var out []credit
	for _, it := range items {
		for _, a := range actions {
			if actionMatches(it, a) {
				out = append(out, credit{
					ItemID:     it.ID,
					Achieved:   1,
					Confidence: 1,
					Evidence:   actionLogEvidence,
					Source:     model.SourceActionLog,
				})
				break
			}
		}
	}
	return out
}

func actionMatches(it model.RubricItem, a model.ActionRecord) bool {
	for _, id := range actionIDs(a) {
		if id != "" && strings.EqualFold(id, it.ID) {
			return true
		}
	}
	needle := strings.ToLower(strings.TrimSpace(it.Text))
	if needle == "" {
		return false
	}
	for _, text := range actionTexts(a) {
		if strings.Contains(strings.ToLower(text), needle) {
			return true
		}
	}
	return false
}

func actionIDs(a model.ActionRecord) []string {
	ids := []string{a.ItemID}
	if d := a.Diagnosis; d != nil {
		ids = append(ids, d.OptionID)
	}
	if m := a.Management; m != nil {
		ids = append(ids, m.Immediate...)
		ids = append(ids, m.Investigations...)
		ids = append(ids, m.Definitive)
	}
	return ids
}

// actionTexts lists the case-authored texts of a. The student's justification
// and rationale are claims, not actions, and never credit an item here.
func actionTexts(a model.ActionRecord) []string {
	texts := []string{a.Label, a.Result}
	if d := a.Diagnosis; d != nil {
		texts = append(texts, d.OptionText, d.FreeText)
	}
	if m := a.Management; m != nil {
		texts = append(texts, m.Texts...)
	}
	return texts
}
