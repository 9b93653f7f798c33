package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/osce/internal/model"
)

// ExportAllRuns builds export-ready results from all runs.
func (s *Store) ExportAllRuns(ctx context.Context) ([]model.RunResult, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	titles := make(map[string]string)
	var results []model.RunResult
	for _, header := range runs {
		run, err := s.GetRun(ctx, header.ID)
		if err != nil {
			return nil, fmt.Errorf("get run %s: %w", header.ID, err)
		}

		title, ok := titles[run.CaseID]
		if !ok {
			c, err := s.GetCase(ctx, run.CaseID)
			if err != nil {
				return nil, fmt.Errorf("get case %s: %w", run.CaseID, err)
			}
			title = c.Title
			titles[run.CaseID] = title
		}

		conv := make([]model.ConversationMsg, 0, len(run.Transcript))
		for _, t := range run.Transcript {
			conv = append(conv, model.ConversationMsg{
				Role:    string(t.Role),
				Content: t.Text,
				At:      t.At,
			})
		}

		results = append(results, model.RunResult{
			RunID:        run.ID,
			AssignmentID: run.AssignmentID,
			StudentID:    run.StudentID,
			CaseID:       run.CaseID,
			CaseTitle:    title,
			Phase:        run.Phase,
			EndReason:    run.EndReason,
			StartedAt:    run.StartedAt,
			EndedAt:      run.EndedAt,
			Conversation: conv,
			Actions:      run.Actions,
			Score:        run.Score,
		})
	}

	return results, nil
}
