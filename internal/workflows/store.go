// Package workflows implements the Workflow Store: CRUD over workflow
// definitions, step-config validation, and the YAML importer (spec.md
// §4.2, §6). It is a thin service layer over internal/db/repositories --
// validation and delete-guard policy live here, persistence there.
package workflows

import (
	"context"
	"database/sql"
	"errors"

	"loomctl/internal/apperrors"
	"loomctl/internal/db/repositories"
	"loomctl/internal/idgen"
	"loomctl/pkg/models"
)

// Store implements the Workflow Store operations.
type Store struct {
	repos *repositories.Repositories
}

func NewStore(repos *repositories.Repositories) *Store {
	return &Store{repos: repos}
}

// Create validates and persists a new workflow definition.
func (s *Store) Create(ctx context.Context, name, description string, steps []models.StepConfig) (*models.Workflow, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	normalized, err := NormalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repos.Workflows.GetByName(ctx, name); err == nil && existing != nil {
		return nil, apperrors.New(apperrors.ValidationError, "workflow name %q already exists", name)
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(err, "check existing workflow name")
	}

	wf := &models.Workflow{
		ID:          idgen.NewWorkflowID(),
		Name:        name,
		Description: description,
		Steps:       normalized,
	}
	if err := s.repos.Workflows.Create(ctx, wf); err != nil {
		return nil, apperrors.Wrap(err, "create workflow")
	}
	return s.GetByID(ctx, wf.ID)
}

// GetByID loads a workflow, translating a missing row to NotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := s.repos.Workflows.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "workflow %q not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "get workflow")
	}
	return wf, nil
}

// GetByName loads a workflow by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	wf, err := s.repos.Workflows.GetByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.NotFound, "workflow %q not found", name)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "get workflow by name")
	}
	return wf, nil
}

// List returns workflows optionally filtered by a name substring.
func (s *Store) List(ctx context.Context, nameFilter string) ([]*models.Workflow, error) {
	out, err := s.repos.Workflows.List(ctx, nameFilter)
	if err != nil {
		return nil, apperrors.Wrap(err, "list workflows")
	}
	return out, nil
}

// Update validates and replaces a workflow's description and step configs.
// It does not reshape already-materialized runs.
func (s *Store) Update(ctx context.Context, id, description string, steps []models.StepConfig) (*models.Workflow, error) {
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeSteps(steps)
	if err != nil {
		return nil, err
	}

	existing.Description = description
	existing.Steps = normalized
	if err := s.repos.Workflows.Update(ctx, existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.NotFound, "workflow %q not found", id)
		}
		return nil, apperrors.Wrap(err, "update workflow")
	}
	return s.GetByID(ctx, id)
}

// Delete removes a workflow, refusing (StateConflict) while any run
// referencing it is still running.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}

	count, err := s.repos.Workflows.CountRunningRuns(ctx, id)
	if err != nil {
		return apperrors.Wrap(err, "count running runs")
	}
	if count > 0 {
		return apperrors.New(apperrors.StateConflict, "workflow %q has %d active run(s)", id, count)
	}

	if err := s.repos.Workflows.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.NotFound, "workflow %q not found", id)
		}
		return apperrors.Wrap(err, "delete workflow")
	}
	return nil
}

// ImportYAML parses a workflow document and creates it.
func (s *Store) ImportYAML(ctx context.Context, doc string) (*models.Workflow, error) {
	name, description, steps, err := ParseYAML(doc)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, name, description, steps)
}
