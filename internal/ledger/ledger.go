// Package ledger holds the append rules of a run's action log. Functions are
// pure: they decide what to append and never touch storage.
package ledger

import (
	"time"

	"github.com/pavelanni/osce/internal/model"
)

// Find returns the first record of the given type for itemID.
func Find(actions []model.ActionRecord, typ model.ActionType, itemID string) (model.ActionRecord, bool) {
	for _, a := range actions {
		if a.Type == typ && a.ItemID == itemID {
			return a, true
		}
	}
	return model.ActionRecord{}, false
}

// Reveal resolves an exam reveal. If the item was already revealed the existing
// record is returned with appended=false.
func Reveal(c model.CaseDocument, actions []model.ActionRecord, itemID string, at time.Time) (rec model.ActionRecord, appended bool, err error) {
	return disclose(c.Script.Exams, model.ActionExamReveal, actions, itemID, at)
}

// Order resolves a lab order with the same idempotency as Reveal.
func Order(c model.CaseDocument, actions []model.ActionRecord, itemID string, at time.Time) (rec model.ActionRecord, appended bool, err error) {
	return disclose(c.Script.Labs, model.ActionLabOrder, actions, itemID, at)
}

func disclose(items map[string]model.ScriptItem, typ model.ActionType, actions []model.ActionRecord, itemID string, at time.Time) (model.ActionRecord, bool, error) {
	if existing, ok := Find(actions, typ, itemID); ok {
		return existing, false, nil
	}
	item, ok := items[itemID]
	if !ok {
		return model.ActionRecord{}, false, model.Invalid(model.ErrUnknownItem, "item_id", itemID)
	}
	return model.ActionRecord{
		Seq:    NextSeq(actions),
		Type:   typ,
		ItemID: itemID,
		Label:  item.Label,
		Result: item.Result,
		At:     at,
	}, true, nil
}

// Diagnosis returns the run's diagnosis decision, if one was captured.
func Diagnosis(actions []model.ActionRecord) (model.ActionRecord, bool) {
	for _, a := range actions {
		if a.Type == model.ActionDiagnosisSubmitted {
			return a, true
		}
	}
	return model.ActionRecord{}, false
}

// Management returns the run's management decision, if one was captured.
func Management(actions []model.ActionRecord) (model.ActionRecord, bool) {
	for _, a := range actions {
		if a.Type == model.ActionManagementSubmitted {
			return a, true
		}
	}
	return model.ActionRecord{}, false
}

// NextSeq is the sequence number of the next appended action.
func NextSeq(actions []model.ActionRecord) int {
	if len(actions) == 0 {
		return 1
	}
	return actions[len(actions)-1].Seq + 1
}

// NextTurnSeq is the sequence number of the next transcript turn.
func NextTurnSeq(turns []model.Turn) int {
	if len(turns) == 0 {
		return 1
	}
	return turns[len(turns)-1].Seq + 1
}
