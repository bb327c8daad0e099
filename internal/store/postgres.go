package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
)

// PostgresStore implements Store on PostgreSQL via pgxpool. Every
// mutation is one transaction; optimistic concurrency uses the version
// column with a WHERE version = $n predicate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool sized for concurrent scheduler load.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, orcherr.Internal(err, "parse postgres dsn")
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, orcherr.DBUnavailable(err, "ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) PoolStats(ctx context.Context) (PoolStats, error) {
	st := s.pool.Stat()
	return PoolStats{
		AcquiredConns: st.AcquiredConns(),
		IdleConns:     st.IdleConns(),
		MaxConns:      st.MaxConns(),
	}, nil
}

// --- Task operations ---

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return orcherr.Internal(err, "marshal task metadata")
	}
	prefs, _ := json.Marshal(t.ToolPreferences)
	t.Status = model.TaskPending
	query := `
		INSERT INTO tasks (id, description, type, status, privacy_level, checkpoint_frequency, progress, tool_preferences, metadata, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
	`
	_, err = s.pool.Exec(ctx, query, t.ID, t.Description, t.Type, t.Status, t.PrivacyLevel, t.CheckpointFrequency, t.Progress, prefs, meta)
	if err != nil {
		return orcherr.DBUnavailable(err, "insert task %s", t.ID)
	}
	t.Version = 1
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

const taskColumns = `id, description, type, status, privacy_level, checkpoint_frequency, progress, tool_preferences, metadata, created_at, updated_at, started_at, completed_at, version`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var prefs, meta []byte
	err := row.Scan(&t.ID, &t.Description, &t.Type, &t.Status, &t.PrivacyLevel, &t.CheckpointFrequency,
		&t.Progress, &prefs, &meta, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		_ = json.Unmarshal(prefs, &t.ToolPreferences)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get task %s", taskID)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status model.TaskStatus, limit, offset int) ([]*model.Task, int, error) {
	var rows pgx.Rows
	var err error
	var total int
	if status == "" {
		if err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
			return nil, 0, orcherr.DBUnavailable(err, "count tasks")
		}
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		if err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, status).Scan(&total); err != nil {
			return nil, 0, orcherr.DBUnavailable(err, "count tasks")
		}
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	}
	if err != nil {
		return nil, 0, orcherr.DBUnavailable(err, "list tasks")
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, orcherr.Internal(err, "scan task row")
		}
		tasks = append(tasks, t)
	}
	return tasks, total, nil
}

func (s *PostgresStore) ListActiveTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN ($1, $2, $3) ORDER BY created_at`,
		model.TaskInitializing, model.TaskInProgress, model.TaskCheckpoint)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list active tasks")
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan task row")
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to model.TaskStatus, expectedVersion int) error {
	query := `
		UPDATE tasks SET status = $1, updated_at = NOW(), version = version + 1,
			started_at = CASE WHEN $1 = 'in_progress' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') AND completed_at IS NULL THEN NOW() ELSE completed_at END
		WHERE id = $2 AND status = $3 AND version = $4`
	tag, err := s.pool.Exec(ctx, query, to, taskID, from, expectedVersion)
	if err != nil {
		return orcherr.DBUnavailable(err, "update task status %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.VersionConflict("task %s: expected status %s version %d", taskID, from, expectedVersion)
	}
	return nil
}

func (s *PostgresStore) SetTaskProgress(ctx context.Context, taskID string, progress int, expectedVersion int) error {
	query := `UPDATE tasks SET progress = $1, updated_at = NOW(), version = version + 1 WHERE id = $2 AND version = $3`
	tag, err := s.pool.Exec(ctx, query, progress, taskID, expectedVersion)
	if err != nil {
		return orcherr.DBUnavailable(err, "set task progress %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.VersionConflict("task %s: version %d stale", taskID, expectedVersion)
	}
	return nil
}

// --- Subtask operations ---

func (s *PostgresStore) InsertSubtaskDAG(ctx context.Context, taskID string, subtasks []*model.Subtask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherr.DBUnavailable(err, "begin tx for subtask dag")
	}
	defer tx.Rollback(ctx)

	for _, st := range subtasks {
		deps, _ := json.Marshal(st.Dependencies)
		_, err := tx.Exec(ctx, `
			INSERT INTO subtasks (id, task_id, name, description, type, status, progress, dependencies, recommended_tool, complexity, priority, correction_count, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, 0, NOW(), NOW(), 1)
		`, st.ID, taskID, st.Name, st.Description, st.Type, st.Status, deps, st.RecommendedTool, st.Complexity, st.Priority)
		if err != nil {
			return orcherr.DBUnavailable(err, "insert subtask %s", st.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return orcherr.DBUnavailable(err, "commit subtask dag")
	}
	return nil
}

const subtaskColumns = `id, task_id, name, description, type, status, progress, dependencies, recommended_tool, assigned_worker, assigned_tool, complexity, priority, output, error, correction_count, created_at, updated_at, started_at, completed_at, version`

func scanSubtask(row pgx.Row) (*model.Subtask, error) {
	var st model.Subtask
	var deps, output []byte
	err := row.Scan(&st.ID, &st.TaskID, &st.Name, &st.Description, &st.Type, &st.Status, &st.Progress, &deps,
		&st.RecommendedTool, &st.AssignedWorker, &st.AssignedTool, &st.Complexity, &st.Priority, &output, &st.Error,
		&st.CorrectionCount, &st.CreatedAt, &st.UpdatedAt, &st.StartedAt, &st.CompletedAt, &st.Version)
	if err != nil {
		return nil, err
	}
	if len(deps) > 0 {
		_ = json.Unmarshal(deps, &st.Dependencies)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &st.Output)
	}
	return &st, nil
}

func (s *PostgresStore) GetSubtask(ctx context.Context, subtaskID string) (*model.Subtask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, subtaskID)
	st, err := scanSubtask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get subtask %s", subtaskID)
	}
	return st, nil
}

func (s *PostgresStore) ListSubtasksByTask(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list subtasks for task %s", taskID)
	}
	defer rows.Close()
	var out []*model.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan subtask row")
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) ListSubtasksByStatus(ctx context.Context, taskID string, status model.SubtaskStatus) ([]*model.Subtask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = $1 AND status = $2 ORDER BY created_at`, taskID, status)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list subtasks by status")
	}
	defer rows.Close()
	var out []*model.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan subtask row")
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) CompletedSubtaskIDs(ctx context.Context, taskID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM subtasks WHERE task_id = $1 AND status = $2`, taskID, model.SubtaskStatusCompleted)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "completed subtask ids")
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherr.Internal(err, "scan subtask id")
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *PostgresStore) CountSubtasks(ctx context.Context, taskID string) (total, completed, failed int, err error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3)
		FROM subtasks WHERE task_id = $1
	`
	err = s.pool.QueryRow(ctx, query, taskID, model.SubtaskStatusCompleted, model.SubtaskStatusFailed).Scan(&total, &completed, &failed)
	if err != nil {
		err = orcherr.DBUnavailable(err, "count subtasks for task %s", taskID)
	}
	return
}

func (s *PostgresStore) CountLiveSubtasks(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE status IN ($1, $2)`,
		model.SubtaskStatusInProgress, model.SubtaskStatusQueued).Scan(&n)
	if err != nil {
		return 0, orcherr.DBUnavailable(err, "count live subtasks")
	}
	return n, nil
}

func (s *PostgresStore) CountInProgressSubtasks(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE status = $1`,
		model.SubtaskStatusInProgress).Scan(&n)
	if err != nil {
		return 0, orcherr.DBUnavailable(err, "count in-progress subtasks")
	}
	return n, nil
}

func (s *PostgresStore) CountLiveSubtasksForWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE assigned_worker = $1 AND status = $2`,
		workerID, model.SubtaskStatusInProgress).Scan(&n)
	if err != nil {
		return 0, orcherr.DBUnavailable(err, "count live subtasks for worker %s", workerID)
	}
	return n, nil
}

// AllocateSubtask binds a subtask to a worker and tool under a row lock.
// The lock lives in the database rather than in process memory so
// exclusivity holds across replicas.
func (s *PostgresStore) AllocateSubtask(ctx context.Context, subtaskID, workerID, tool string, expectedVersion int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherr.DBUnavailable(err, "begin tx for allocate")
	}
	defer tx.Rollback(ctx)

	var status model.SubtaskStatus
	var version int
	err = tx.QueryRow(ctx, `SELECT status, version FROM subtasks WHERE id = $1 FOR UPDATE`, subtaskID).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if err != nil {
		return orcherr.DBUnavailable(err, "lock subtask %s", subtaskID)
	}
	if version != expectedVersion {
		return orcherr.VersionConflict("subtask %s: version changed under lock", subtaskID)
	}
	if status != model.SubtaskStatusQueued && status != model.SubtaskStatusPending {
		return orcherr.InvalidState("subtask %s not allocatable from status %s", subtaskID, status)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE subtasks SET status = $1, assigned_worker = $2, assigned_tool = $3, started_at = NOW(), updated_at = NOW(), version = version + 1
		WHERE id = $4 AND version = $5
	`, model.SubtaskStatusInProgress, workerID, tool, subtaskID, expectedVersion)
	if err != nil {
		return orcherr.DBUnavailable(err, "allocate subtask %s", subtaskID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.VersionConflict("subtask %s: concurrent update", subtaskID)
	}
	if _, err := tx.Exec(ctx, `UPDATE workers SET status = $1, current_task = $2, updated_at = NOW(), version = version + 1 WHERE id = $3`,
		model.WorkerBusy, subtaskID, workerID); err != nil {
		return orcherr.DBUnavailable(err, "mark worker %s busy", workerID)
	}
	if err := tx.Commit(ctx); err != nil {
		return orcherr.DBUnavailable(err, "commit allocate")
	}
	return nil
}

func (s *PostgresStore) MarkSubtaskQueued(ctx context.Context, subtaskID string, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $1, updated_at = NOW(), version = version + 1
		WHERE id = $2 AND version = $3
	`, model.SubtaskStatusQueued, subtaskID, expectedVersion)
	if err != nil {
		return orcherr.DBUnavailable(err, "queue subtask %s", subtaskID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.VersionConflict("subtask %s: version %d stale", subtaskID, expectedVersion)
	}
	return nil
}

// ReleaseSubtask records a terminal (or requeue) outcome and frees the
// worker's exclusivity slot in the same transaction, regardless of
// outcome.
func (s *PostgresStore) ReleaseSubtask(ctx context.Context, subtaskID string, outcome model.SubtaskStatus, output map[string]any, errMsg string, expectedVersion int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherr.DBUnavailable(err, "begin tx for release")
	}
	defer tx.Rollback(ctx)

	var workerID *string
	err = tx.QueryRow(ctx, `SELECT assigned_worker FROM subtasks WHERE id = $1 FOR UPDATE`, subtaskID).Scan(&workerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return orcherr.NotFound("subtask %s not found", subtaskID)
	}
	if err != nil {
		return orcherr.DBUnavailable(err, "lock subtask %s", subtaskID)
	}

	outputJSON, _ := json.Marshal(output)
	tag, err := tx.Exec(ctx, `
		UPDATE subtasks SET status = $1, output = $2, error = $3, completed_at = NOW(), updated_at = NOW(), version = version + 1
		WHERE id = $4 AND version = $5
	`, outcome, outputJSON, errMsg, subtaskID, expectedVersion)
	if err != nil {
		return orcherr.DBUnavailable(err, "release subtask %s", subtaskID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.VersionConflict("subtask %s: version %d stale", subtaskID, expectedVersion)
	}

	if workerID != nil {
		if _, err := tx.Exec(ctx, `UPDATE workers SET status = $1, current_task = '', updated_at = NOW(), version = version + 1 WHERE id = $2`,
			model.WorkerOnline, *workerID); err != nil {
			return orcherr.DBUnavailable(err, "release worker %s", *workerID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return orcherr.DBUnavailable(err, "commit release")
	}
	return nil
}

// RequeueOrphanedSubtasks re-queues every live subtask assigned to a
// worker that has gone offline.
func (s *PostgresStore) RequeueOrphanedSubtasks(ctx context.Context, workerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE subtasks SET status = $1, assigned_worker = NULL, assigned_tool = NULL, updated_at = NOW(), version = version + 1
		WHERE assigned_worker = $2 AND status IN ($3, $4)
		RETURNING id
	`, model.SubtaskStatusQueued, workerID, model.SubtaskStatusQueued, model.SubtaskStatusInProgress)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "requeue orphaned subtasks for worker %s", workerID)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherr.Internal(err, "scan requeued subtask id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *PostgresStore) SetSubtaskCorrecting(ctx context.Context, subtaskIDs []string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $1, correction_count = correction_count + 1, updated_at = NOW(), version = version + 1
		WHERE id = ANY($2)
	`, model.SubtaskStatusCorrecting, subtaskIDs)
	if err != nil {
		return orcherr.DBUnavailable(err, "mark subtasks correcting")
	}
	return nil
}

func (s *PostgresStore) CancelNonTerminalSubtasks(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE subtasks SET status = $1, updated_at = NOW(), version = version + 1
		WHERE task_id = $2 AND status NOT IN ($3, $4, $5)
		RETURNING id
	`, model.SubtaskStatusCancelled, taskID, model.SubtaskStatusCompleted, model.SubtaskStatusFailed, model.SubtaskStatusCancelled)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "cancel non-terminal subtasks for task %s", taskID)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherr.Internal(err, "scan cancelled subtask id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Worker operations ---

const workerColumns = `id, machine_id, machine_name, status, system_info, tools, cpu_percent, memory_percent, disk_percent, current_task, last_heartbeat, created_at, updated_at, version`

func scanWorker(row pgx.Row) (*model.Worker, error) {
	var w model.Worker
	var sysInfo, tools []byte
	err := row.Scan(&w.ID, &w.MachineID, &w.MachineName, &w.Status, &sysInfo, &tools,
		&w.Pressure.CPUPercent, &w.Pressure.MemoryPercent, &w.Pressure.DiskPercent,
		&w.CurrentTask, &w.LastHeartbeat, &w.CreatedAt, &w.UpdatedAt, &w.Version)
	if err != nil {
		return nil, err
	}
	if len(sysInfo) > 0 {
		_ = json.Unmarshal(sysInfo, &w.SystemInfo)
	}
	if len(tools) > 0 {
		_ = json.Unmarshal(tools, &w.Tools)
	}
	return &w, nil
}

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *model.Worker) (*model.Worker, error) {
	sysInfo, _ := json.Marshal(w.SystemInfo)
	tools, _ := json.Marshal(w.Tools)
	query := `
		INSERT INTO workers (id, machine_id, machine_name, status, system_info, tools, cpu_percent, memory_percent, disk_percent, current_task, last_heartbeat, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, '', NOW(), NOW(), NOW(), 1)
		ON CONFLICT (machine_id) DO UPDATE SET
			machine_name = EXCLUDED.machine_name, system_info = EXCLUDED.system_info, tools = EXCLUDED.tools,
			status = EXCLUDED.status, last_heartbeat = NOW(), updated_at = NOW(), version = workers.version + 1
		RETURNING ` + workerColumns
	row := s.pool.QueryRow(ctx, query, w.ID, w.MachineID, w.MachineName, model.WorkerOnline, sysInfo, tools)
	out, err := scanWorker(row)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "upsert worker %s", w.MachineID)
	}
	return out, nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*model.Worker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, workerID)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("worker %s not found", workerID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get worker %s", workerID)
	}
	return w, nil
}

func (s *PostgresStore) GetWorkerByMachineID(ctx context.Context, machineID string) (*model.Worker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE machine_id = $1`, machineID)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("worker with machine id %s not found", machineID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get worker by machine id %s", machineID)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context, status model.WorkerStatus) ([]*model.Worker, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers WHERE status = $1 ORDER BY created_at`, status)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list workers")
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan worker row")
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *PostgresStore) ListCapableOnlineWorkers(ctx context.Context, tool string) ([]*model.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE status = $1 AND tools @> $2::jsonb
	`, model.WorkerOnline, `["`+tool+`"]`)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list capable workers for tool %s", tool)
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan worker row")
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *PostgresStore) IngestHeartbeat(ctx context.Context, workerID string, pressure model.ResourcePressure, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET cpu_percent = $1, memory_percent = $2, disk_percent = $3,
			last_heartbeat = $4, updated_at = NOW(), version = version + 1
		WHERE id = $5
	`, pressure.CPUPercent, pressure.MemoryPercent, pressure.DiskPercent, now, workerID)
	if err != nil {
		return orcherr.DBUnavailable(err, "ingest heartbeat for worker %s", workerID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.NotFound("worker %s not found", workerID)
	}
	return nil
}

func (s *PostgresStore) MarkWorkerOffline(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET status = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`,
		model.WorkerOffline, workerID)
	if err != nil {
		return orcherr.DBUnavailable(err, "mark worker %s offline", workerID)
	}
	return nil
}

// ReapWorker flips a stale worker offline and resets its live subtasks
// to queued in one transaction: a crash between the two steps can never
// leave a subtask stranded on an offline worker.
func (s *PostgresStore) ReapWorker(ctx context.Context, workerID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "begin tx for reap")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE workers SET status = $1, current_task = '', updated_at = NOW(), version = version + 1 WHERE id = $2`,
		model.WorkerOffline, workerID); err != nil {
		return nil, orcherr.DBUnavailable(err, "mark worker %s offline", workerID)
	}

	rows, err := tx.Query(ctx, `
		UPDATE subtasks SET status = $1, assigned_worker = NULL, assigned_tool = NULL, started_at = NULL, updated_at = NOW(), version = version + 1
		WHERE assigned_worker = $2 AND status IN ($3, $4)
		RETURNING id
	`, model.SubtaskStatusQueued, workerID, model.SubtaskStatusQueued, model.SubtaskStatusInProgress)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "requeue subtasks for worker %s", workerID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, orcherr.Internal(err, "scan requeued subtask id")
		}
		ids = append(ids, id)
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, orcherr.DBUnavailable(err, "commit reap")
	}
	return ids, nil
}

func (s *PostgresStore) SetWorkerStatus(ctx context.Context, workerID string, status model.WorkerStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET status = $1, updated_at = NOW(), version = version + 1 WHERE id = $2`, status, workerID)
	if err != nil {
		return orcherr.DBUnavailable(err, "set worker %s status=%s", workerID, status)
	}
	return nil
}

func (s *PostgresStore) ListStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]*model.Worker, error) {
	cutoff := now.Add(-timeout)
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE status != $1 AND last_heartbeat < $2
	`, model.WorkerOffline, cutoff)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list stale workers")
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan worker row")
		}
		out = append(out, w)
	}
	return out, nil
}

// --- Checkpoint operations ---

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	subtasks, _ := json.Marshal(cp.SubtasksCompleted)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, task_id, trigger_reason, status, subtasks_completed, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, cp.ID, cp.TaskID, cp.TriggerReason, cp.Status, subtasks)
	if err != nil {
		return orcherr.DBUnavailable(err, "create checkpoint %s", cp.ID)
	}
	return nil
}

const checkpointColumns = `id, task_id, trigger_reason, status, subtasks_completed, user_decision, user_feedback, created_at, decided_at`

func scanCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var subtasks []byte
	var decision *string
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.TriggerReason, &cp.Status, &subtasks, &decision, &cp.UserFeedback, &cp.CreatedAt, &cp.DecidedAt)
	if err != nil {
		return nil, err
	}
	if len(subtasks) > 0 {
		_ = json.Unmarshal(subtasks, &cp.SubtasksCompleted)
	}
	if decision != nil {
		d := model.UserDecision(*decision)
		cp.UserDecision = &d
	}
	return &cp, nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, checkpointID string) (*model.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get checkpoint %s", checkpointID)
	}
	return cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, taskID string) ([]*model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list checkpoints for task %s", taskID)
	}
	defer rows.Close()
	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan checkpoint row")
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *PostgresStore) ListCheckpointsAfter(ctx context.Context, taskID string, checkpointID string) ([]*model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = $1 AND created_at > (SELECT created_at FROM checkpoints WHERE id = $2)
		ORDER BY created_at
	`, taskID, checkpointID)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list checkpoints after %s", checkpointID)
	}
	defer rows.Close()
	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, orcherr.Internal(err, "scan checkpoint row")
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *PostgresStore) DecideCheckpoint(ctx context.Context, checkpointID string, decision model.UserDecision, feedback string, newStatus model.CheckpointStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints SET user_decision = $1, user_feedback = $2, status = $3, decided_at = NOW()
		WHERE id = $4 AND status = $5
	`, decision, feedback, newStatus, checkpointID, model.CheckpointPendingReview)
	if err != nil {
		return orcherr.DBUnavailable(err, "decide checkpoint %s", checkpointID)
	}
	if tag.RowsAffected() == 0 {
		return orcherr.InvalidState("checkpoint %s already decided", checkpointID)
	}
	return nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, checkpointID)
	if err != nil {
		return orcherr.DBUnavailable(err, "delete checkpoint %s", checkpointID)
	}
	return nil
}

// --- Evaluation operations ---

func (s *PostgresStore) RecordEvaluation(ctx context.Context, e *model.Evaluation) error {
	details, _ := json.Marshal(e.Details)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluations (id, subtask_id, code_quality, completeness, security, architecture, testability, overall_score, details, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, e.ID, e.SubtaskID, e.CodeQuality, e.Completeness, e.Security, e.Architecture, e.Testability, e.OverallScore, details)
	if err != nil {
		return orcherr.DBUnavailable(err, "record evaluation for subtask %s", e.SubtaskID)
	}
	return nil
}

func (s *PostgresStore) LatestEvaluation(ctx context.Context, subtaskID string) (*model.Evaluation, error) {
	query := `
		SELECT id, subtask_id, code_quality, completeness, security, architecture, testability, overall_score, details, evaluated_at
		FROM evaluations WHERE subtask_id = $1 ORDER BY evaluated_at DESC LIMIT 1
	`
	var e model.Evaluation
	var details []byte
	err := s.pool.QueryRow(ctx, query, subtaskID).Scan(
		&e.ID, &e.SubtaskID, &e.CodeQuality, &e.Completeness, &e.Security, &e.Architecture, &e.Testability, &e.OverallScore, &details, &e.EvaluatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("no evaluation for subtask %s", subtaskID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "latest evaluation for subtask %s", subtaskID)
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &e.Details)
	}
	return &e, nil
}

func (s *PostgresStore) DeleteEvaluationsForSubtasks(ctx context.Context, subtaskIDs []string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM evaluations WHERE subtask_id = ANY($1)`, subtaskIDs)
	if err != nil {
		return orcherr.DBUnavailable(err, "delete evaluations")
	}
	return nil
}

// --- Correction operations ---

func (s *PostgresStore) CreateCorrection(ctx context.Context, c *model.Correction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO corrections (id, checkpoint_id, subtask_id, type, description, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, c.ID, c.CheckpointID, c.SubtaskID, c.Type, c.Description, c.Result)
	if err != nil {
		return orcherr.DBUnavailable(err, "create correction %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCorrections(ctx context.Context, checkpointID string) ([]*model.Correction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, checkpoint_id, subtask_id, type, description, result, created_at
		FROM corrections WHERE checkpoint_id = $1 ORDER BY created_at
	`, checkpointID)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list corrections for checkpoint %s", checkpointID)
	}
	defer rows.Close()
	var out []*model.Correction
	for rows.Next() {
		var c model.Correction
		if err := rows.Scan(&c.ID, &c.CheckpointID, &c.SubtaskID, &c.Type, &c.Description, &c.Result, &c.CreatedAt); err != nil {
			return nil, orcherr.Internal(err, "scan correction row")
		}
		out = append(out, &c)
	}
	return out, nil
}

// RollbackToCheckpoint resets every subtask completed after the given
// checkpoint back to pending, deletes later checkpoints and (optionally)
// their evaluations, within one transaction. The completed_at predicate
// makes a repeated rollback a no-op.
func (s *PostgresStore) RollbackToCheckpoint(ctx context.Context, checkpointID string, deleteEvaluations bool) (*RollbackResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "begin tx for rollback")
	}
	defer tx.Rollback(ctx)

	var taskID string
	var createdAt time.Time
	err = tx.QueryRow(ctx, `SELECT task_id, created_at FROM checkpoints WHERE id = $1`, checkpointID).Scan(&taskID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "lock checkpoint %s", checkpointID)
	}

	subtaskRows, err := tx.Query(ctx, `
		UPDATE subtasks SET status = $1, assigned_worker = NULL, assigned_tool = NULL, output = NULL, error = '', started_at = NULL, completed_at = NULL, updated_at = NOW(), version = version + 1
		WHERE task_id = $2 AND status = $3 AND completed_at > $4
		RETURNING id
	`, model.SubtaskStatusPending, taskID, model.SubtaskStatusCompleted, createdAt)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "reset subtasks for rollback")
	}
	var resetIDs []string
	for subtaskRows.Next() {
		var id string
		if err := subtaskRows.Scan(&id); err != nil {
			subtaskRows.Close()
			return nil, orcherr.Internal(err, "scan reset subtask id")
		}
		resetIDs = append(resetIDs, id)
	}
	subtaskRows.Close()

	checkpointRows, err := tx.Query(ctx, `
		DELETE FROM checkpoints WHERE task_id = $1 AND created_at > $2 RETURNING id
	`, taskID, createdAt)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "delete later checkpoints")
	}
	var deletedCheckpoints []string
	for checkpointRows.Next() {
		var id string
		if err := checkpointRows.Scan(&id); err != nil {
			checkpointRows.Close()
			return nil, orcherr.Internal(err, "scan deleted checkpoint id")
		}
		deletedCheckpoints = append(deletedCheckpoints, id)
	}
	checkpointRows.Close()

	var deletedEvals []string
	if deleteEvaluations && len(resetIDs) > 0 {
		evalRows, err := tx.Query(ctx, `DELETE FROM evaluations WHERE subtask_id = ANY($1) RETURNING id`, resetIDs)
		if err != nil {
			return nil, orcherr.DBUnavailable(err, "delete evaluations on rollback")
		}
		for evalRows.Next() {
			var id string
			if err := evalRows.Scan(&id); err != nil {
				evalRows.Close()
				return nil, orcherr.Internal(err, "scan deleted evaluation id")
			}
			deletedEvals = append(deletedEvals, id)
		}
		evalRows.Close()
	}

	total, completed, _, err := s.countSubtasksTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	progress := model.Progress(completed, total)
	if _, err := tx.Exec(ctx, `UPDATE tasks SET progress = $1, status = $2, updated_at = NOW(), version = version + 1 WHERE id = $3`,
		progress, model.TaskInProgress, taskID); err != nil {
		return nil, orcherr.DBUnavailable(err, "update task progress after rollback")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, orcherr.DBUnavailable(err, "commit rollback")
	}
	return &RollbackResult{
		ResetSubtaskIDs:      resetIDs,
		DeletedCheckpointIDs: deletedCheckpoints,
		DeletedEvaluationIDs: deletedEvals,
		NewProgress:          progress,
	}, nil
}

func (s *PostgresStore) countSubtasksTx(ctx context.Context, tx pgx.Tx, taskID string) (total, completed, failed int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2), COUNT(*) FILTER (WHERE status = $3)
		FROM subtasks WHERE task_id = $1
	`, taskID, model.SubtaskStatusCompleted, model.SubtaskStatusFailed).Scan(&total, &completed, &failed)
	if err != nil {
		err = orcherr.DBUnavailable(err, "count subtasks in tx")
	}
	return
}

// --- Workflow templates ---

func (s *PostgresStore) SaveWorkflowTemplate(ctx context.Context, rec *WorkflowTemplateRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return orcherr.DBUnavailable(err, "begin tx for template save")
	}
	defer tx.Rollback(ctx)

	tools, _ := json.Marshal(rec.PreferredTools)
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_templates (id, name, task_type, checkpoint_frequency, privacy_level, preferred_tools, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			checkpoint_frequency = EXCLUDED.checkpoint_frequency,
			privacy_level = EXCLUDED.privacy_level,
			preferred_tools = EXCLUDED.preferred_tools,
			updated_at = NOW()
	`, rec.ID, rec.Name, rec.TaskType, rec.CheckpointFrequency, rec.PrivacyLevel, tools)
	if err != nil {
		return orcherr.DBUnavailable(err, "save workflow template %s", rec.Name)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM template_steps WHERE template_id = $1`, rec.ID); err != nil {
		return orcherr.DBUnavailable(err, "clear template steps for %s", rec.Name)
	}
	for i, step := range rec.Steps {
		deps, _ := json.Marshal(step.DependsOn)
		_, err := tx.Exec(ctx, `
			INSERT INTO template_steps (template_id, step_order, name, description, type, recommended_tool, complexity, priority, depends_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, i, step.Name, step.Description, step.Type, step.RecommendedTool, step.Complexity, step.Priority, deps)
		if err != nil {
			return orcherr.DBUnavailable(err, "insert template step %s/%s", rec.Name, step.Name)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return orcherr.DBUnavailable(err, "commit template save")
	}
	return nil
}

func (s *PostgresStore) GetWorkflowTemplate(ctx context.Context, name string) (*WorkflowTemplateRecord, error) {
	var rec WorkflowTemplateRecord
	var tools []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, task_type, checkpoint_frequency, privacy_level, preferred_tools, usage_count, created_at, updated_at
		FROM workflow_templates WHERE name = $1
	`, name).Scan(&rec.ID, &rec.Name, &rec.TaskType, &rec.CheckpointFrequency, &rec.PrivacyLevel, &tools, &rec.UsageCount, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orcherr.NotFound("workflow template %s not found", name)
	}
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "get workflow template %s", name)
	}
	if len(tools) > 0 {
		_ = json.Unmarshal(tools, &rec.PreferredTools)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT step_order, name, description, type, recommended_tool, complexity, priority, depends_on
		FROM template_steps WHERE template_id = $1 ORDER BY step_order
	`, rec.ID)
	if err != nil {
		return nil, orcherr.DBUnavailable(err, "list template steps for %s", name)
	}
	defer rows.Close()
	for rows.Next() {
		var step TemplateStep
		var deps []byte
		if err := rows.Scan(&step.StepOrder, &step.Name, &step.Description, &step.Type, &step.RecommendedTool, &step.Complexity, &step.Priority, &deps); err != nil {
			return nil, orcherr.Internal(err, "scan template step")
		}
		if len(deps) > 0 {
			_ = json.Unmarshal(deps, &step.DependsOn)
		}
		rec.Steps = append(rec.Steps, step)
	}
	return &rec, nil
}

func (s *PostgresStore) IncrementTemplateUsage(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workflow_templates SET usage_count = usage_count + 1, updated_at = NOW() WHERE name = $1`, name)
	if err != nil {
		return orcherr.DBUnavailable(err, "increment usage for template %s", name)
	}
	return nil
}

func (s *PostgresStore) RecordActivity(ctx context.Context, entry *ActivityLogEntry) error {
	meta, _ := json.Marshal(entry.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_logs (id, entity_type, entity_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, meta)
	if err != nil {
		return orcherr.DBUnavailable(err, "record activity for %s %s", entry.EntityType, entry.EntityID)
	}
	return nil
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (StatusCounts, error) {
	out := StatusCounts{
		TasksByStatus:    make(map[string]int),
		SubtasksByStatus: make(map[string]int),
		WorkersByStatus:  make(map[string]int),
	}
	for _, q := range []struct {
		table string
		dest  map[string]int
	}{
		{"tasks", out.TasksByStatus},
		{"subtasks", out.SubtasksByStatus},
		{"workers", out.WorkersByStatus},
	} {
		rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+q.table+` GROUP BY status`)
		if err != nil {
			return out, orcherr.DBUnavailable(err, "count %s by status", q.table)
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return out, orcherr.Internal(err, "scan %s status count", q.table)
			}
			q.dest[status] = n
		}
		rows.Close()
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
