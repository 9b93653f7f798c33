package scoring

import "github.com/pavelanni/osce/internal/model"

// credit is one pass's claim on a rubric item.
type credit struct {
	ItemID     string
	Achieved   float64
	Confidence float64
	Evidence   string
	Source     model.CreditSource
}

// credits maps rubric item id to the credit that won it. The first writer
// wins: once an item holds a credit no later proposal can replace or add to
// it.
type credits map[string]credit

// offer records c unless the item is already credited. It reports whether c
// was accepted.
func (cs credits) offer(c credit) bool {
	if c.Achieved <= 0 {
		return false
	}
	if _, taken := cs[c.ItemID]; taken {
		return false
	}
	cs[c.ItemID] = c
	return true
}

// reduce folds the passes into one credit map, earlier passes first.
func reduce(passes ...[]credit) credits {
	cs := make(credits)
	for _, pass := range passes {
		for _, c := range pass {
			cs.offer(c)
		}
	}
	return cs
}
