package model

import "time"

// SubtaskType is the kind of work a subtask performs.
type SubtaskType string

const (
	SubtaskCodeGeneration SubtaskType = "code_generation"
	SubtaskCodeReview     SubtaskType = "code_review"
	SubtaskCodeFix        SubtaskType = "code_fix"
	SubtaskTest           SubtaskType = "test"
	SubtaskDocumentation  SubtaskType = "documentation"
	SubtaskAnalysis       SubtaskType = "analysis"
	SubtaskDeployment     SubtaskType = "deployment"
)

// SubtaskStatus is the lifecycle state of a Subtask.
type SubtaskStatus string

const (
	SubtaskStatusPending    SubtaskStatus = "pending"
	SubtaskStatusQueued     SubtaskStatus = "queued"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusCompleted  SubtaskStatus = "completed"
	SubtaskStatusFailed     SubtaskStatus = "failed"
	SubtaskStatusCorrecting SubtaskStatus = "correcting"
	SubtaskStatusCancelled  SubtaskStatus = "cancelled"
)

// IsTerminal reports whether a subtask has reached a final state.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsLive reports whether a subtask counts against concurrency caps.
func (s SubtaskStatus) IsLive() bool {
	return s == SubtaskStatusQueued || s == SubtaskStatusInProgress
}

// Subtask is one node in a Task's dependency DAG.
type Subtask struct {
	ID              string         `json:"id" db:"id"`
	TaskID          string         `json:"task_id" db:"task_id"`
	Name            string         `json:"name" db:"name"`
	Description     string         `json:"description" db:"description"`
	Type            SubtaskType    `json:"type" db:"type"`
	Status          SubtaskStatus  `json:"status" db:"status"`
	Progress        int            `json:"progress" db:"progress"`
	Dependencies    []string       `json:"dependencies" db:"dependencies"`
	RecommendedTool string         `json:"recommended_tool,omitempty" db:"recommended_tool"`
	AssignedWorker  *string        `json:"assigned_worker,omitempty" db:"assigned_worker"`
	AssignedTool    *string        `json:"assigned_tool,omitempty" db:"assigned_tool"`
	Complexity      int            `json:"complexity" db:"complexity"`
	Priority        int            `json:"priority" db:"priority"`
	Output          map[string]any `json:"output,omitempty" db:"output"`
	Error           string         `json:"error,omitempty" db:"error"`
	CorrectionCount int            `json:"correction_count" db:"correction_count"`
	Version         int            `json:"version" db:"version"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// DependenciesSatisfied reports whether every id in deps is present in completed.
func DependenciesSatisfied(deps []string, completed map[string]struct{}) bool {
	for _, d := range deps {
		if _, ok := completed[d]; !ok {
			return false
		}
	}
	return true
}
