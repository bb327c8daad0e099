package model

import "time"

// CheckpointTriggerReason explains why a task was suspended for review.
type CheckpointTriggerReason string

const (
	TriggerCodeGenerationComplete CheckpointTriggerReason = "code_generation_complete"
	TriggerReviewIssuesFound      CheckpointTriggerReason = "review_issues_found"
	TriggerLowEvaluationScore     CheckpointTriggerReason = "low_evaluation_score"
	TriggerPeriodic               CheckpointTriggerReason = "periodic"
	TriggerManual                 CheckpointTriggerReason = "manual"
	TriggerTimeout                CheckpointTriggerReason = "timeout"
)

// CheckpointStatus is the lifecycle state of a Checkpoint.
type CheckpointStatus string

const (
	CheckpointPendingReview CheckpointStatus = "pending_review"
	CheckpointApproved      CheckpointStatus = "approved"
	CheckpointRejected      CheckpointStatus = "rejected"
	CheckpointCorrected     CheckpointStatus = "corrected"
)

// UserDecision is the human's verdict on a checkpoint.
type UserDecision string

const (
	DecisionAccept  UserDecision = "accept"
	DecisionCorrect UserDecision = "correct"
	DecisionReject  UserDecision = "reject"
)

// Checkpoint pauses a task for human review.
type Checkpoint struct {
	ID                string                  `json:"id" db:"id"`
	TaskID            string                  `json:"task_id" db:"task_id"`
	TriggerReason     CheckpointTriggerReason `json:"trigger_reason" db:"trigger_reason"`
	Status            CheckpointStatus        `json:"status" db:"status"`
	SubtasksCompleted []string                `json:"subtasks_completed" db:"subtasks_completed"`
	UserDecision      *UserDecision           `json:"user_decision,omitempty" db:"user_decision"`
	UserFeedback      string                  `json:"user_feedback,omitempty" db:"user_feedback"`
	CreatedAt         time.Time               `json:"created_at" db:"created_at"`
	DecidedAt         *time.Time              `json:"decided_at,omitempty" db:"decided_at"`
}

// Evaluation is a numeric multidimensional quality verdict on a subtask.
type Evaluation struct {
	ID           string         `json:"id" db:"id"`
	SubtaskID    string         `json:"subtask_id" db:"subtask_id"`
	CodeQuality  *float64       `json:"code_quality,omitempty" db:"code_quality"`
	Completeness *float64       `json:"completeness,omitempty" db:"completeness"`
	Security     *float64       `json:"security,omitempty" db:"security"`
	Architecture *float64       `json:"architecture,omitempty" db:"architecture"`
	Testability  *float64       `json:"testability,omitempty" db:"testability"`
	OverallScore float64        `json:"overall_score" db:"overall_score"`
	Details      map[string]any `json:"details,omitempty" db:"details"`
	EvaluatedAt  time.Time      `json:"evaluated_at" db:"evaluated_at"`
}

// EvaluationWeights configures the weighted mean over non-null dimensions.
type EvaluationWeights struct {
	CodeQuality  float64
	Completeness float64
	Security     float64
	Architecture float64
	Testability  float64
}

// DefaultEvaluationWeights weights code quality and completeness highest,
// then security, then architecture and testability; configuration may
// override per deployment.
func DefaultEvaluationWeights() EvaluationWeights {
	return EvaluationWeights{
		CodeQuality:  0.25,
		Completeness: 0.25,
		Security:     0.2,
		Architecture: 0.15,
		Testability:  0.15,
	}
}

// OverallScore computes the weighted mean over whichever dimensions are
// non-nil, renormalizing weights over the present dimensions.
func OverallScore(e *Evaluation, w EvaluationWeights) float64 {
	type dim struct {
		val *float64
		wgt float64
	}
	dims := []dim{
		{e.CodeQuality, w.CodeQuality},
		{e.Completeness, w.Completeness},
		{e.Security, w.Security},
		{e.Architecture, w.Architecture},
		{e.Testability, w.Testability},
	}
	var sum, totalWeight float64
	for _, d := range dims {
		if d.val == nil {
			continue
		}
		sum += *d.val * d.wgt
		totalWeight += d.wgt
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// CorrectionType distinguishes the kind of fix a correction applies.
type CorrectionType string

// CorrectionResult is the outcome of applying a correction.
type CorrectionResult string

const (
	CorrectionPending CorrectionResult = "pending"
	CorrectionApplied CorrectionResult = "applied"
	CorrectionFailed  CorrectionResult = "failed"
)

// Correction is a child subtask created to address checkpoint feedback.
type Correction struct {
	ID           string           `json:"id" db:"id"`
	CheckpointID string           `json:"checkpoint_id" db:"checkpoint_id"`
	SubtaskID    string           `json:"subtask_id" db:"subtask_id"`
	Type         CorrectionType   `json:"type" db:"type"`
	Description  string           `json:"description" db:"description"`
	Result       CorrectionResult `json:"result" db:"result"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}
