package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loomctl/pkg/models"
)

// StoryRepo manages story rows materialized by a loop step's predecessor.
type StoryRepo struct {
	db *sql.DB
}

func NewStoryRepo(db *sql.DB) *StoryRepo {
	return &StoryRepo{db: db}
}

const storyColumns = `id, run_id, story_index, story_id, title, description, acceptance_criteria,
	status, output, retry_count, max_retries, created_at, updated_at`

func scanStory(row interface{ Scan(...interface{}) error }) (*models.Story, error) {
	s := &models.Story{}
	err := row.Scan(&s.ID, &s.RunID, &s.StoryIndex, &s.StoryID, &s.Title, &s.Description,
		&s.AcceptanceCriteria, &s.Status, &s.Output, &s.RetryCount, &s.MaxRetries, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// BulkInsertTx inserts every story a planner step produced, in the order
// given, inside the caller's transaction.
func (r *StoryRepo) BulkInsertTx(ctx context.Context, tx *sql.Tx, stories []*models.Story) error {
	for _, s := range stories {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stories (id, run_id, story_index, story_id, title, description, acceptance_criteria,
				status, output, retry_count, max_retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.RunID, s.StoryIndex, s.StoryID, s.Title, s.Description, s.AcceptanceCriteria,
			string(s.Status), s.Output, s.RetryCount, s.MaxRetries)
		if err != nil {
			return fmt.Errorf("insert story %s: %w", s.StoryID, err)
		}
	}
	return nil
}

// GetByID loads a single story.
func (r *StoryRepo) GetByID(ctx context.Context, id string) (*models.Story, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	s, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return s, nil
}

// GetByIDTx loads a single story inside the caller's transaction.
func (r *StoryRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*models.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	s, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return s, nil
}

// CountByRunTx returns the total number of stories materialized for a run,
// used to distinguish "no stories yet" from "all stories finished".
func (r *StoryRepo) CountByRunTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stories: %w", err)
	}
	return count, nil
}

// CountUnfinishedByRunTx returns how many of a run's stories are not yet in
// a terminal state (pending, running, or verifying).
func (r *StoryRepo) CountUnfinishedByRunTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stories WHERE run_id = ? AND status IN ('pending', 'running', 'verifying')`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unfinished stories: %w", err)
	}
	return count, nil
}

// ListByRun returns every story for a run, ordered by story_index.
func (r *StoryRepo) ListByRun(ctx context.Context, runID string) ([]*models.Story, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? ORDER BY story_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

func scanStories(rows *sql.Rows) ([]*models.Story, error) {
	var out []*models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindPendingByRunTx finds the lowest-story_index pending story for a run,
// inside the caller's claim transaction. Returns sql.ErrNoRows when there
// is none.
func (r *StoryRepo) FindPendingByRunTx(ctx context.Context, tx *sql.Tx, runID string) (*models.Story, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND status = 'pending'
		 ORDER BY story_index ASC LIMIT 1`, runID)
	return scanStory(row)
}

// CompareAndSetStatusTx conditionally transitions a story's status,
// returning affected row count, mirroring the step claim's CAS pattern.
func (r *StoryRepo) CompareAndSetStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to models.StoryStatus) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return 0, fmt.Errorf("compare-and-set story status: %w", err)
	}
	return res.RowsAffected()
}

// UpdateOutputAndStatusTx sets a story's status and output together.
func (r *StoryRepo) UpdateOutputAndStatusTx(ctx context.Context, tx *sql.Tx, id string, status models.StoryStatus, output *string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), output, id)
	if err != nil {
		return fmt.Errorf("update story output/status: %w", err)
	}
	return nil
}

// IncrementRetryTx bumps a story's retry_count, for story-level failStep.
func (r *StoryRepo) IncrementRetryTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE stories SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("increment story retry: %w", err)
	}
	var retryCount int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM stories WHERE id = ?`, id).Scan(&retryCount); err != nil {
		return 0, fmt.Errorf("read story retry count: %w", err)
	}
	return retryCount, nil
}

// CountPendingByRunTx reports how many stories for a run are still pending,
// used to decide whether a loop step can be marked completed eagerly.
func (r *StoryRepo) CountPendingByRunTx(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stories WHERE run_id = ? AND status = 'pending'`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending stories: %w", err)
	}
	return count, nil
}
