package scoring

import (
	"strings"

	"github.com/pavelanni/osce/internal/model"
)

const (
	// CreditThreshold is the confidence a judgement must exceed to earn
	// any credit.
	CreditThreshold = 0.6
	// FullCreditConfidence is the confidence from which credit is full
	// rather than half.
	FullCreditConfidence = 0.8

	transcriptEvidence = "transcript"
)

// band maps a matcher confidence onto {0, 0.5, 1}.
func band(confidence float64) float64 {
	switch {
	case confidence >= FullCreditConfidence:
		return 1
	case confidence > CreditThreshold:
		return 0.5
	default:
		return 0
	}
}

// semanticCredits turns matcher judgements into credit proposals. Items that
// were not demonstrated or fall at or below the threshold propose nothing.
func semanticCredits(judgements []model.ItemJudgement) []credit {
	var out []credit
	for _, j := range judgements {
		if !j.Demonstrated {
			continue
		}
		achieved := band(j.Confidence)
		if achieved == 0 {
			continue
		}
		evidence := strings.TrimSpace(j.Evidence)
		if evidence == "" {
			evidence = transcriptEvidence
		}
		out = append(out, credit{
			ItemID:     j.ItemID,
			Achieved:   achieved,
			Confidence: j.Confidence,
			Evidence:   evidence,
			Source:     model.SourceTranscript,
		})
	}
	return out
}
