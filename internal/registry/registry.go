// Package registry handles worker registration and heartbeat ingest. A
// worker carries a declared tool set and multi-dimensional resource
// pressure; its stable identity is the machine, not the process.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Registry owns worker identity and liveness bookkeeping.
type Registry struct {
	store store.Store
}

func New(s store.Store) *Registry { return &Registry{store: s} }

// Register upserts a worker by its stable machine identity, assigning a
// fresh ID only the first time a machine is seen; re-registration
// refreshes name, tools and system info and returns the existing worker.
func (r *Registry) Register(ctx context.Context, machineID, machineName string, sysInfo model.SystemInfo, tools []string) (*model.Worker, error) {
	if machineID == "" {
		return nil, orcherr.Validation("machine_id is required")
	}
	w := &model.Worker{
		ID:          uuid.NewString(),
		MachineID:   machineID,
		MachineName: machineName,
		SystemInfo:  sysInfo,
		Tools:       tools,
	}
	return r.store.UpsertWorker(ctx, w)
}

// Heartbeat ingests a worker's resource-pressure snapshot so the
// allocator can score candidates by load.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, pressure model.ResourcePressure) error {
	return r.store.IngestHeartbeat(ctx, workerID, pressure, time.Now())
}

func (r *Registry) Get(ctx context.Context, workerID string) (*model.Worker, error) {
	return r.store.GetWorker(ctx, workerID)
}

func (r *Registry) GetByMachineID(ctx context.Context, machineID string) (*model.Worker, error) {
	return r.store.GetWorkerByMachineID(ctx, machineID)
}

func (r *Registry) List(ctx context.Context, status model.WorkerStatus) ([]*model.Worker, error) {
	return r.store.ListWorkers(ctx, status)
}

// Deregister marks a worker offline and requeues any subtask it was
// holding, matching the graceful-shutdown path an agent calls as it
// exits rather than waiting out the stale-heartbeat timeout.
func (r *Registry) Deregister(ctx context.Context, workerID string) ([]string, error) {
	if err := r.store.MarkWorkerOffline(ctx, workerID); err != nil {
		return nil, err
	}
	return r.store.RequeueOrphanedSubtasks(ctx, workerID)
}
