package scheduler

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"loomctl/internal/apperrors"
	"loomctl/internal/template"
	"loomctl/pkg/models"
)

// materializeStories parses a completing step's output for a STORIES_JSON
// block and, if present, inserts one Story row per entry (spec.md §3: "a
// Story is created when a loop step's predecessor emits STORIES_JSON:").
// Output with no such block is a no-op, not an error -- most steps never
// produce one.
func (s *Scheduler) materializeStories(ctx context.Context, tx *sql.Tx, runID, output string) error {
	parsed, err := s.tmpl.ParseStoriesJSON(output)
	if err != nil {
		return nil
	}
	if len(parsed) == 0 {
		return nil
	}

	rows := make([]*models.Story, len(parsed))
	for i, p := range parsed {
		rows[i] = &models.Story{
			ID:                 uuid.NewString(),
			RunID:              runID,
			StoryIndex:         i,
			StoryID:            p.ID,
			Title:              p.Title,
			Description:        p.Description,
			AcceptanceCriteria: template.JoinAcceptanceCriteria(p.AcceptanceCriteria),
			Status:             models.StoryStatusPending,
			MaxRetries:         3,
		}
	}
	if err := s.repos.Stories.BulkInsertTx(ctx, tx, rows); err != nil {
		return apperrors.Wrap(err, "materialize stories")
	}
	return nil
}
