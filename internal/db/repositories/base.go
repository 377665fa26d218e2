package repositories

import (
	"database/sql"

	"loomctl/internal/db"
)

// Repositories bundles one hand-written database/sql repository per domain
// entity. The original sqlc-generated query layer this was built from can't
// be regenerated without invoking the sqlc CLI, so these are written
// directly against database/sql; the struct shape and per-entity
// constructor idiom are unchanged.
type Repositories struct {
	Workflows *WorkflowRepo
	Runs      *RunRepo
	Steps     *StepRepo
	Stories   *StoryRepo
	Tokens    *TokenRepo
	db        db.Database
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Workflows: NewWorkflowRepo(conn),
		Runs:      NewRunRepo(conn),
		Steps:     NewStepRepo(conn),
		Stories:   NewStoryRepo(conn),
		Tokens:    NewTokenRepo(conn),
		db:        database,
	}
}

// BeginTx starts a database transaction. Callers must Commit or Rollback.
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
