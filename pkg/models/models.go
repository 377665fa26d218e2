// Package models holds the core domain types shared by the store, the
// scheduler, and the API marshalling layer. Field names are camelCase Go
// identifiers; `db` tags match the sqlite column names. JSON tags here also
// shape public API responses: internal/api/v1 binds request bodies to its
// own snake_case DTOs, but many handlers write these types directly as
// response bodies, so those responses carry the camelCase keys below.
package models

import (
	"encoding/json"
	"time"
)

// StepType discriminates the three step variants the scheduler dispatches on.
type StepType string

const (
	StepTypeSingle   StepType = "single"
	StepTypeLoop     StepType = "loop"
	StepTypeApproval StepType = "approval"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepStatusWaiting          StepStatus = "waiting"
	StepStatusPending          StepStatus = "pending"
	StepStatusRunning          StepStatus = "running"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
)

// StoryStatus is the lifecycle state of a Story.
type StoryStatus string

const (
	StoryStatusPending   StoryStatus = "pending"
	StoryStatusRunning   StoryStatus = "running"
	StoryStatusVerifying StoryStatus = "verifying"
	StoryStatusCompleted StoryStatus = "completed"
	StoryStatusFailed    StoryStatus = "failed"
)

// LoopConfig is only meaningful when a StepConfig/Step's Type is loop.
type LoopConfig struct {
	Over       string `json:"over" yaml:"over"`
	Completion string `json:"completion,omitempty" yaml:"completion,omitempty"`
	VerifyEach bool   `json:"verifyEach,omitempty" yaml:"verify_each,omitempty"`
	VerifyStep string `json:"verifyStep,omitempty" yaml:"verify_step,omitempty"`
}

// StepConfig is one entry in a Workflow's ordered step list.
type StepConfig struct {
	StepID        string      `json:"stepId" validate:"required"`
	Name          string      `json:"name,omitempty"`
	AgentID       string      `json:"agentId" validate:"required"`
	InputTemplate string      `json:"inputTemplate" validate:"required"`
	Expects       string      `json:"expects" validate:"required"`
	Type          StepType    `json:"type" validate:"omitempty,oneof=single loop approval"`
	LoopConfig    *LoopConfig `json:"loopConfig,omitempty"`
	Position      int         `json:"position"`
}

// Workflow is a named, ordered template of steps.
type Workflow struct {
	ID          string       `db:"id" json:"id"`
	Name        string       `db:"name" json:"name"`
	Description string       `db:"description" json:"description"`
	Steps       []StepConfig `db:"-" json:"steps"`
	CreatedAt   time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updatedAt"`
}

// Run is one execution of a Workflow.
type Run struct {
	ID                    string            `db:"id" json:"id"`
	WorkflowID            string            `db:"workflow_id" json:"workflowId"`
	TaskID                *string           `db:"task_id" json:"taskId,omitempty"`
	Task                  string            `db:"task" json:"task"`
	Status                RunStatus         `db:"status" json:"status"`
	Context               map[string]string `db:"-" json:"context"`
	NotifyURL             *string           `db:"notify_url" json:"notifyUrl,omitempty"`
	AwaitingApproval      bool              `db:"awaiting_approval" json:"awaitingApproval"`
	AwaitingApprovalSince *time.Time        `db:"awaiting_approval_since" json:"awaitingApprovalSince,omitempty"`
	ArchivedAt            *time.Time        `db:"archived_at" json:"archivedAt,omitempty"`
	CreatedAt             time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time         `db:"updated_at" json:"updatedAt"`
}

// Step is a materialized instance of a StepConfig bound to a Run.
type Step struct {
	ID             string      `db:"id" json:"id"`
	RunID          string      `db:"run_id" json:"runId"`
	StepID         string      `db:"step_id" json:"stepId"`
	AgentID        string      `db:"agent_id" json:"agentId"`
	StepIndex      int         `db:"step_index" json:"stepIndex"`
	InputTemplate  string      `db:"input_template" json:"inputTemplate"`
	Expects        string      `db:"expects" json:"expects"`
	Type           StepType    `db:"type" json:"type"`
	LoopConfig     *LoopConfig `db:"-" json:"loopConfig,omitempty"`
	Status         StepStatus  `db:"status" json:"status"`
	Output         *string     `db:"output" json:"output,omitempty"`
	RetryCount     int         `db:"retry_count" json:"retryCount"`
	MaxRetries     int         `db:"max_retries" json:"maxRetries"`
	CurrentStoryID *string     `db:"current_story_id" json:"currentStoryId,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updatedAt"`
}

// Story is a work unit produced by a planner step for a loop step to consume.
type Story struct {
	ID                 string      `db:"id" json:"id"`
	RunID              string      `db:"run_id" json:"runId"`
	StoryIndex         int         `db:"story_index" json:"storyIndex"`
	StoryID            string      `db:"story_id" json:"storyId"`
	Title              string      `db:"title" json:"title"`
	Description        string      `db:"description" json:"description,omitempty"`
	AcceptanceCriteria string      `db:"acceptance_criteria" json:"acceptanceCriteria,omitempty"`
	Status             StoryStatus `db:"status" json:"status"`
	Output             *string     `db:"output" json:"output,omitempty"`
	RetryCount         int         `db:"retry_count" json:"retryCount"`
	MaxRetries         int         `db:"max_retries" json:"maxRetries"`
	CreatedAt          time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updatedAt"`
}

// Principal is the resolved identity behind a bearer credential. The core
// never stores principals itself (user/session management is an external
// collaborator); this is just the shape handlers and the event broadcaster
// key off of.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MarshalLoopConfig serializes a LoopConfig for storage in a string column.
func MarshalLoopConfig(lc *LoopConfig) (*string, error) {
	if lc == nil {
		return nil, nil
	}
	b, err := json.Marshal(lc)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// UnmarshalLoopConfig parses a stored loop config string, returning nil for
// an empty or missing value rather than raising -- opaque-string JSON
// fields are never allowed to break a row read.
func UnmarshalLoopConfig(s *string) *LoopConfig {
	if s == nil || *s == "" {
		return nil
	}
	var lc LoopConfig
	if err := json.Unmarshal([]byte(*s), &lc); err != nil {
		return nil
	}
	return &lc
}
