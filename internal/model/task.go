// Package model defines the domain entities orchestrated by this module:
// tasks, subtasks, workers, checkpoints, evaluations and corrections.
package model

import "time"

// TaskType is the kind of work a task represents.
type TaskType string

const (
	TaskDevelopFeature TaskType = "develop_feature"
	TaskBugFix         TaskType = "bug_fix"
	TaskRefactor       TaskType = "refactor"
	TaskCodeReview     TaskType = "code_review"
	TaskDocumentation  TaskType = "documentation"
	TaskTesting        TaskType = "testing"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInitializing TaskStatus = "initializing"
	TaskInProgress   TaskStatus = "in_progress"
	TaskCheckpoint   TaskStatus = "checkpoint"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CheckpointFrequency tunes how eagerly the checkpoint trigger fires.
type CheckpointFrequency string

const (
	CheckpointFrequencyLow    CheckpointFrequency = "low"
	CheckpointFrequencyMedium CheckpointFrequency = "medium"
	CheckpointFrequencyHigh   CheckpointFrequency = "high"
)

// PrivacyLevel marks a task as requiring on-prem-only workers.
type PrivacyLevel string

const (
	PrivacyNormal    PrivacyLevel = "normal"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Task is a user-submitted unit of work, expanded into a DAG of Subtasks.
type Task struct {
	ID                  string              `json:"id" db:"id"`
	Description         string              `json:"description" db:"description"`
	Type                TaskType            `json:"type" db:"type"`
	Status              TaskStatus          `json:"status" db:"status"`
	Progress            int                 `json:"progress" db:"progress"`
	CheckpointFrequency CheckpointFrequency `json:"checkpoint_frequency" db:"checkpoint_frequency"`
	PrivacyLevel        PrivacyLevel        `json:"privacy_level" db:"privacy_level"`
	ToolPreferences     []string            `json:"tool_preferences" db:"tool_preferences"`
	Metadata            map[string]any      `json:"metadata" db:"metadata"`
	Version             int                 `json:"version" db:"version"`
	CreatedAt           time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at" db:"updated_at"`
	StartedAt           *time.Time          `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// Progress computes floor(100 * completed/total).
// total == 0 yields 0; callers guard the "all terminal, none failed" rule
// separately since that also requires failure information.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return (100 * completed) / total
}
