// In-memory Store implementation: single-node development and unit tests
// run against it so neither needs Postgres. It implements the same Store
// contract as PostgresStore, including version-conflict errors on stale
// versions, but some details differ: a status mismatch in
// UpdateTaskStatus is an invalid-state error, not a version conflict;
// ListCapableOnlineWorkers also returns idle workers; IngestHeartbeat
// brings an offline worker back online; MarkWorkerOffline clears the
// current task and RequeueOrphanedSubtasks clears the start time;
// DecideCheckpoint does not refuse an already decided checkpoint;
// ListTasks returns oldest first and treats a zero limit as no limit;
// ListWorkers orders by id.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
)

// MemoryStore keeps every entity in process-local maps under one mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*model.Task
	subtasks    map[string]*model.Subtask
	workers     map[string]*model.Worker
	checkpoints map[string]*model.Checkpoint
	evaluations map[string][]*model.Evaluation // by subtask id
	corrections map[string][]*model.Correction // by checkpoint id
	templates   map[string]*WorkflowTemplateRecord
	activity    []*ActivityLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*model.Task),
		subtasks:    make(map[string]*model.Subtask),
		workers:     make(map[string]*model.Worker),
		checkpoints: make(map[string]*model.Checkpoint),
		evaluations: make(map[string][]*model.Evaluation),
		corrections: make(map[string][]*model.Correction),
		templates:   make(map[string]*WorkflowTemplateRecord),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) PoolStats(context.Context) (PoolStats, error) {
	return PoolStats{AcquiredConns: 0, IdleConns: 1, MaxConns: 1}, nil
}

// --- Task operations ---

func (s *MemoryStore) CreateTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return orcherr.AlreadyExists("task %s already exists", t.ID)
	}
	now := time.Now()
	cp := *t
	cp.Status = model.TaskPending
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tasks[t.ID] = &cp
	*t = cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, orcherr.NotFound("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, status model.TaskStatus, limit, offset int) ([]*model.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*model.Task
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *MemoryStore) ListActiveTasks(_ context.Context) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		switch t.Status {
		case model.TaskInitializing, model.TaskInProgress, model.TaskCheckpoint:
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, from, to model.TaskStatus, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return orcherr.NotFound("task %s not found", taskID)
	}
	if t.Version != expectedVersion {
		return orcherr.VersionConflict("task %s: version %d stale", taskID, expectedVersion)
	}
	if t.Status != from {
		return orcherr.InvalidState("task %s: status is %s, not %s", taskID, t.Status, from)
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = time.Now()
	now := time.Now()
	if to == model.TaskInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) SetTaskProgress(_ context.Context, taskID string, progress int, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return orcherr.NotFound("task %s not found", taskID)
	}
	if t.Version != expectedVersion {
		return orcherr.VersionConflict("task %s: version %d stale", taskID, expectedVersion)
	}
	t.Progress = progress
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}

// --- Subtask operations ---

func (s *MemoryStore) InsertSubtaskDAG(_ context.Context, taskID string, subtasks []*model.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range subtasks {
		if _, ok := s.subtasks[st.ID]; ok {
			return orcherr.AlreadyExists("subtask %s already exists", st.ID)
		}
	}
	now := time.Now()
	for i, st := range subtasks {
		cp := *st
		cp.TaskID = taskID
		cp.Version = 1
		// Preserve template order under a coarse clock.
		cp.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		cp.UpdatedAt = cp.CreatedAt
		s.subtasks[st.ID] = &cp
		st.Version = cp.Version
		st.CreatedAt = cp.CreatedAt
	}
	return nil
}

func (s *MemoryStore) GetSubtask(_ context.Context, subtaskID string) (*model.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return nil, orcherr.NotFound("subtask %s not found", subtaskID)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListSubtasksByTask(_ context.Context, taskID string) ([]*model.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSubtasksLocked(taskID, ""), nil
}

func (s *MemoryStore) ListSubtasksByStatus(_ context.Context, taskID string, status model.SubtaskStatus) ([]*model.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSubtasksLocked(taskID, status), nil
}

func (s *MemoryStore) listSubtasksLocked(taskID string, status model.SubtaskStatus) []*model.Subtask {
	var out []*model.Subtask
	for _, st := range s.subtasks {
		if st.TaskID != taskID {
			continue
		}
		if status != "" && st.Status != status {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) CompletedSubtaskIDs(_ context.Context, taskID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for id, st := range s.subtasks {
		if st.TaskID == taskID && st.Status == model.SubtaskStatusCompleted {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) CountSubtasks(_ context.Context, taskID string) (total, completed, failed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.subtasks {
		if st.TaskID != taskID {
			continue
		}
		total++
		switch st.Status {
		case model.SubtaskStatusCompleted:
			completed++
		case model.SubtaskStatusFailed:
			failed++
		}
	}
	return total, completed, failed, nil
}

func (s *MemoryStore) CountLiveSubtasks(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.subtasks {
		if st.Status.IsLive() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountInProgressSubtasks(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.subtasks {
		if st.Status == model.SubtaskStatusInProgress {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountLiveSubtasksForWorker(_ context.Context, workerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.subtasks {
		if st.AssignedWorker != nil && *st.AssignedWorker == workerID && st.Status == model.SubtaskStatusInProgress {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AllocateSubtask(_ context.Context, subtaskID, workerID, tool string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if st.Version != expectedVersion {
		return orcherr.VersionConflict("subtask %s: version changed under lock", subtaskID)
	}
	if st.Status != model.SubtaskStatusQueued && st.Status != model.SubtaskStatusPending {
		return orcherr.InvalidState("subtask %s not allocatable from status %s", subtaskID, st.Status)
	}
	now := time.Now()
	st.Status = model.SubtaskStatusInProgress
	st.AssignedWorker = &workerID
	st.AssignedTool = &tool
	st.StartedAt = &now
	st.UpdatedAt = now
	st.Version++
	if w, ok := s.workers[workerID]; ok {
		w.Status = model.WorkerBusy
		w.CurrentTask = subtaskID
		w.UpdatedAt = now
		w.Version++
	}
	return nil
}

func (s *MemoryStore) MarkSubtaskQueued(_ context.Context, subtaskID string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if st.Version != expectedVersion {
		return orcherr.VersionConflict("subtask %s: version %d stale", subtaskID, expectedVersion)
	}
	st.Status = model.SubtaskStatusQueued
	st.UpdatedAt = time.Now()
	st.Version++
	return nil
}

func (s *MemoryStore) ReleaseSubtask(_ context.Context, subtaskID string, outcome model.SubtaskStatus, output map[string]any, errMsg string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok {
		return orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if st.Version != expectedVersion {
		return orcherr.VersionConflict("subtask %s: version %d stale", subtaskID, expectedVersion)
	}
	now := time.Now()
	workerID := st.AssignedWorker
	st.Status = outcome
	st.Output = output
	st.Error = errMsg
	st.CompletedAt = &now
	st.UpdatedAt = now
	st.Version++
	if workerID != nil {
		if w, ok := s.workers[*workerID]; ok {
			w.Status = model.WorkerOnline
			w.CurrentTask = ""
			w.UpdatedAt = now
			w.Version++
		}
	}
	return nil
}

func (s *MemoryStore) RequeueOrphanedSubtasks(_ context.Context, workerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeueForWorkerLocked(workerID), nil
}

func (s *MemoryStore) requeueForWorkerLocked(workerID string) []string {
	var ids []string
	now := time.Now()
	for id, st := range s.subtasks {
		if st.AssignedWorker == nil || *st.AssignedWorker != workerID {
			continue
		}
		if st.Status != model.SubtaskStatusInProgress && st.Status != model.SubtaskStatusQueued {
			continue
		}
		st.Status = model.SubtaskStatusQueued
		st.AssignedWorker = nil
		st.AssignedTool = nil
		st.StartedAt = nil
		st.UpdatedAt = now
		st.Version++
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) SetSubtaskCorrecting(_ context.Context, subtaskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range subtaskIDs {
		if st, ok := s.subtasks[id]; ok {
			st.Status = model.SubtaskStatusCorrecting
			st.CorrectionCount++
			st.UpdatedAt = now
			st.Version++
		}
	}
	return nil
}

func (s *MemoryStore) CancelNonTerminalSubtasks(_ context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	now := time.Now()
	for id, st := range s.subtasks {
		if st.TaskID != taskID || st.Status.IsTerminal() {
			continue
		}
		st.Status = model.SubtaskStatusCancelled
		st.UpdatedAt = now
		st.Version++
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Worker operations ---

func (s *MemoryStore) UpsertWorker(_ context.Context, w *model.Worker) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, existing := range s.workers {
		if existing.MachineID == w.MachineID {
			existing.MachineName = w.MachineName
			existing.SystemInfo = w.SystemInfo
			existing.Tools = w.Tools
			existing.Status = model.WorkerOnline
			existing.LastHeartbeat = now
			existing.UpdatedAt = now
			existing.Version++
			cp := *existing
			return &cp, nil
		}
	}
	cp := *w
	cp.Status = model.WorkerOnline
	cp.LastHeartbeat = now
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1
	s.workers[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetWorker(_ context.Context, workerID string) (*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, orcherr.NotFound("worker %s not found", workerID)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWorkerByMachineID(_ context.Context, machineID string) (*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.MachineID == machineID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, orcherr.NotFound("worker with machine %s not found", machineID)
}

func (s *MemoryStore) ListWorkers(_ context.Context, status model.WorkerStatus) ([]*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if status != "" && w.Status != status {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListCapableOnlineWorkers(_ context.Context, tool string) ([]*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if w.Status != model.WorkerOnline && w.Status != model.WorkerIdle {
			continue
		}
		if !w.HasTool(tool) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) IngestHeartbeat(_ context.Context, workerID string, pressure model.ResourcePressure, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return orcherr.NotFound("worker %s not found", workerID)
	}
	w.Pressure = pressure
	w.LastHeartbeat = now
	if w.Status == model.WorkerOffline {
		w.Status = model.WorkerOnline
	}
	w.UpdatedAt = now
	w.Version++
	return nil
}

func (s *MemoryStore) MarkWorkerOffline(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return orcherr.NotFound("worker %s not found", workerID)
	}
	w.Status = model.WorkerOffline
	w.CurrentTask = ""
	w.UpdatedAt = time.Now()
	w.Version++
	return nil
}

func (s *MemoryStore) ReapWorker(_ context.Context, workerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, orcherr.NotFound("worker %s not found", workerID)
	}
	w.Status = model.WorkerOffline
	w.CurrentTask = ""
	w.UpdatedAt = time.Now()
	w.Version++
	return s.requeueForWorkerLocked(workerID), nil
}

func (s *MemoryStore) SetWorkerStatus(_ context.Context, workerID string, status model.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return orcherr.NotFound("worker %s not found", workerID)
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	w.Version++
	return nil
}

func (s *MemoryStore) ListStaleWorkers(_ context.Context, now time.Time, timeout time.Duration) ([]*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Worker
	for _, w := range s.workers {
		if w.Status == model.WorkerOffline {
			continue
		}
		if w.IsStale(now, timeout) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Checkpoint operations ---

func (s *MemoryStore) CreateCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; ok {
		return orcherr.AlreadyExists("checkpoint %s already exists", cp.ID)
	}
	c := *cp
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.checkpoints[cp.ID] = &c
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, checkpointID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, orcherr.NotFound("checkpoint %s not found", checkpointID)
	}
	c := *cp
	return &c, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, taskID string) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListCheckpointsAfter(_ context.Context, taskID string, checkpointID string) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anchor, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, orcherr.NotFound("checkpoint %s not found", checkpointID)
	}
	var out []*model.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID && cp.CreatedAt.After(anchor.CreatedAt) {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DecideCheckpoint(_ context.Context, checkpointID string, decision model.UserDecision, feedback string, newStatus model.CheckpointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return orcherr.NotFound("checkpoint %s not found", checkpointID)
	}
	now := time.Now()
	cp.Status = newStatus
	cp.UserDecision = &decision
	cp.UserFeedback = feedback
	cp.DecidedAt = &now
	return nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointID)
	return nil
}

// --- Evaluation operations ---

func (s *MemoryStore) RecordEvaluation(_ context.Context, eval *model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *eval
	if e.EvaluatedAt.IsZero() {
		e.EvaluatedAt = time.Now()
	}
	s.evaluations[eval.SubtaskID] = append(s.evaluations[eval.SubtaskID], &e)
	return nil
}

func (s *MemoryStore) LatestEvaluation(_ context.Context, subtaskID string) (*model.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evals := s.evaluations[subtaskID]
	if len(evals) == 0 {
		return nil, orcherr.NotFound("no evaluation for subtask %s", subtaskID)
	}
	e := *evals[len(evals)-1]
	return &e, nil
}

func (s *MemoryStore) DeleteEvaluationsForSubtasks(_ context.Context, subtaskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range subtaskIDs {
		delete(s.evaluations, id)
	}
	return nil
}

// --- Correction operations ---

func (s *MemoryStore) CreateCorrection(_ context.Context, c *model.Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.corrections[c.CheckpointID] = append(s.corrections[c.CheckpointID], &cp)
	return nil
}

func (s *MemoryStore) ListCorrections(_ context.Context, checkpointID string) ([]*model.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Correction
	for _, c := range s.corrections[checkpointID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// --- Rollback ---

func (s *MemoryStore) RollbackToCheckpoint(_ context.Context, checkpointID string, deleteEvaluations bool) (*RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchor, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, orcherr.NotFound("checkpoint %s not found", checkpointID)
	}

	result := &RollbackResult{}
	now := time.Now()
	for id, st := range s.subtasks {
		if st.TaskID != anchor.TaskID || st.Status != model.SubtaskStatusCompleted {
			continue
		}
		if st.CompletedAt == nil || !st.CompletedAt.After(anchor.CreatedAt) {
			continue
		}
		st.Status = model.SubtaskStatusPending
		st.AssignedWorker = nil
		st.AssignedTool = nil
		st.Output = nil
		st.Error = ""
		st.StartedAt = nil
		st.CompletedAt = nil
		st.UpdatedAt = now
		st.Version++
		result.ResetSubtaskIDs = append(result.ResetSubtaskIDs, id)
	}

	for id, cp := range s.checkpoints {
		if cp.TaskID == anchor.TaskID && cp.CreatedAt.After(anchor.CreatedAt) {
			delete(s.checkpoints, id)
			result.DeletedCheckpointIDs = append(result.DeletedCheckpointIDs, id)
		}
	}

	if deleteEvaluations {
		for _, subtaskID := range result.ResetSubtaskIDs {
			for _, e := range s.evaluations[subtaskID] {
				result.DeletedEvaluationIDs = append(result.DeletedEvaluationIDs, e.ID)
			}
			delete(s.evaluations, subtaskID)
		}
	}

	total, completed := 0, 0
	for _, st := range s.subtasks {
		if st.TaskID != anchor.TaskID {
			continue
		}
		total++
		if st.Status == model.SubtaskStatusCompleted {
			completed++
		}
	}
	result.NewProgress = model.Progress(completed, total)
	if t, ok := s.tasks[anchor.TaskID]; ok {
		t.Progress = result.NewProgress
		t.Status = model.TaskInProgress
		t.UpdatedAt = now
		t.Version++
	}
	return result, nil
}

// --- Workflow templates ---

func (s *MemoryStore) SaveWorkflowTemplate(_ context.Context, rec *WorkflowTemplateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templates == nil {
		s.templates = make(map[string]*WorkflowTemplateRecord)
	}
	cp := *rec
	now := time.Now()
	if existing, ok := s.templates[rec.Name]; ok {
		cp.UsageCount = existing.UsageCount
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.templates[rec.Name] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowTemplate(_ context.Context, name string) (*WorkflowTemplateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.templates[name]
	if !ok {
		return nil, orcherr.NotFound("workflow template %s not found", name)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) IncrementTemplateUsage(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.templates[name]
	if !ok {
		return orcherr.NotFound("workflow template %s not found", name)
	}
	rec.UsageCount++
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) StatusCounts(context.Context) (StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := StatusCounts{
		TasksByStatus:    make(map[string]int),
		SubtasksByStatus: make(map[string]int),
		WorkersByStatus:  make(map[string]int),
	}
	for _, t := range s.tasks {
		out.TasksByStatus[string(t.Status)]++
	}
	for _, st := range s.subtasks {
		out.SubtasksByStatus[string(st.Status)]++
	}
	for _, w := range s.workers {
		out.WorkersByStatus[string(w.Status)]++
	}
	return out, nil
}

// --- Activity log ---

func (s *MemoryStore) RecordActivity(_ context.Context, entry *ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.activity = append(s.activity, &cp)
	return nil
}

// ActivityFor returns recorded entries whose entity id contains the given
// fragment; a test convenience with no Postgres counterpart.
func (s *MemoryStore) ActivityFor(entityID string) []*ActivityLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ActivityLogEntry
	for _, e := range s.activity {
		if strings.Contains(e.EntityID, entityID) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
