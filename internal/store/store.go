// Package store is the transactional persistence layer for tasks,
// subtasks, workers, checkpoints, evaluations and corrections. Every
// mutation is one transaction; optimistic concurrency uses an integer
// version column and a `WHERE version = ?` predicate.
package store

import (
	"context"
	"time"

	"github.com/taskmesh/orchestrator/internal/model"
)

// Store is the documented set of transactional operations. Each
// implementation (Postgres, in-memory) must provide every operation as a
// single atomic unit.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasks(ctx context.Context, status model.TaskStatus, limit, offset int) ([]*model.Task, int, error)
	ListActiveTasks(ctx context.Context) ([]*model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, from, to model.TaskStatus, expectedVersion int) error
	SetTaskProgress(ctx context.Context, taskID string, progress int, expectedVersion int) error

	// Subtask operations
	InsertSubtaskDAG(ctx context.Context, taskID string, subtasks []*model.Subtask) error
	GetSubtask(ctx context.Context, subtaskID string) (*model.Subtask, error)
	ListSubtasksByTask(ctx context.Context, taskID string) ([]*model.Subtask, error)
	ListSubtasksByStatus(ctx context.Context, taskID string, status model.SubtaskStatus) ([]*model.Subtask, error)
	CompletedSubtaskIDs(ctx context.Context, taskID string) (map[string]struct{}, error)
	CountSubtasks(ctx context.Context, taskID string) (total, completed, failed int, err error)
	CountLiveSubtasks(ctx context.Context) (int, error)
	CountInProgressSubtasks(ctx context.Context) (int, error)
	CountLiveSubtasksForWorker(ctx context.Context, workerID string) (int, error)
	AllocateSubtask(ctx context.Context, subtaskID, workerID, tool string, expectedVersion int) error
	MarkSubtaskQueued(ctx context.Context, subtaskID string, expectedVersion int) error
	ReleaseSubtask(ctx context.Context, subtaskID string, outcome model.SubtaskStatus, output map[string]any, errMsg string, expectedVersion int) error
	RequeueOrphanedSubtasks(ctx context.Context, workerID string) ([]string, error)
	SetSubtaskCorrecting(ctx context.Context, subtaskIDs []string) error
	CancelNonTerminalSubtasks(ctx context.Context, taskID string) ([]string, error)

	// Worker operations
	UpsertWorker(ctx context.Context, worker *model.Worker) (*model.Worker, error)
	GetWorker(ctx context.Context, workerID string) (*model.Worker, error)
	GetWorkerByMachineID(ctx context.Context, machineID string) (*model.Worker, error)
	ListWorkers(ctx context.Context, status model.WorkerStatus) ([]*model.Worker, error)
	ListCapableOnlineWorkers(ctx context.Context, tool string) ([]*model.Worker, error)
	IngestHeartbeat(ctx context.Context, workerID string, pressure model.ResourcePressure, now time.Time) error
	MarkWorkerOffline(ctx context.Context, workerID string) error
	// ReapWorker marks a worker offline and requeues its live subtasks in
	// one transaction, so a crash between the two steps can never strand
	// a subtask on a dead worker.
	ReapWorker(ctx context.Context, workerID string) ([]string, error)
	SetWorkerStatus(ctx context.Context, workerID string, status model.WorkerStatus) error
	ListStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]*model.Worker, error)

	// Checkpoint operations
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, checkpointID string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*model.Checkpoint, error)
	ListCheckpointsAfter(ctx context.Context, taskID string, checkpointID string) ([]*model.Checkpoint, error)
	DecideCheckpoint(ctx context.Context, checkpointID string, decision model.UserDecision, feedback string, newStatus model.CheckpointStatus) error
	DeleteCheckpoint(ctx context.Context, checkpointID string) error

	// Evaluation operations
	RecordEvaluation(ctx context.Context, eval *model.Evaluation) error
	LatestEvaluation(ctx context.Context, subtaskID string) (*model.Evaluation, error)
	DeleteEvaluationsForSubtasks(ctx context.Context, subtaskIDs []string) error

	// Correction operations
	CreateCorrection(ctx context.Context, correction *model.Correction) error
	ListCorrections(ctx context.Context, checkpointID string) ([]*model.Correction, error)

	// Rollback
	RollbackToCheckpoint(ctx context.Context, checkpointID string, deleteEvaluations bool) (*RollbackResult, error)

	// Workflow template registry
	SaveWorkflowTemplate(ctx context.Context, rec *WorkflowTemplateRecord) error
	GetWorkflowTemplate(ctx context.Context, name string) (*WorkflowTemplateRecord, error)
	IncrementTemplateUsage(ctx context.Context, name string) error

	// Activity log (audit trail)
	RecordActivity(ctx context.Context, entry *ActivityLogEntry) error

	// StatusCounts batches the aggregate counts the metrics collector
	// reads on demand: entities grouped by status.
	StatusCounts(ctx context.Context) (StatusCounts, error)

	// Pool introspection for the pool monitor
	PoolStats(ctx context.Context) (PoolStats, error)

	Close()
}

// RollbackResult enumerates exactly what a rollback changed, so a
// preview can be offered before the destructive operation runs.
type RollbackResult struct {
	ResetSubtaskIDs      []string
	DeletedCheckpointIDs []string
	DeletedEvaluationIDs []string
	NewProgress          int
}

// WorkflowTemplateRecord is a user-defined workflow template: ordered
// steps plus the defaults a task adopts when the template is applied.
type WorkflowTemplateRecord struct {
	ID                  string
	Name                string
	TaskType            string
	CheckpointFrequency string
	PrivacyLevel        string
	PreferredTools      []string
	Steps               []TemplateStep
	UsageCount          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TemplateStep is one node of a stored template; DependsOn references
// sibling steps by name.
type TemplateStep struct {
	StepOrder       int
	Name            string
	Description     string
	Type            string
	RecommendedTool string
	Complexity      int
	Priority        int
	DependsOn       []string
}

// ActivityLogEntry is one row of the append-only audit trail
// (table `activity_logs`); the durable counterpart of the in-process
// timeline ring.
type ActivityLogEntry struct {
	ID         string
	EntityType string // "task", "subtask", "worker", "checkpoint"
	EntityID   string
	Action     string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// StatusCounts is one batched aggregate snapshot over the store.
type StatusCounts struct {
	TasksByStatus    map[string]int
	SubtasksByStatus map[string]int
	WorkersByStatus  map[string]int
}

// PoolStats mirrors pgxpool.Pool.Stat()'s fields the pool monitor needs.
type PoolStats struct {
	AcquiredConns int32
	IdleConns     int32
	MaxConns      int32
}
