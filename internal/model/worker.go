package model

import "time"

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
	WorkerBusy    WorkerStatus = "busy"
	WorkerIdle    WorkerStatus = "idle"
)

// SystemInfo captures a worker machine's reported capacity.
type SystemInfo struct {
	OS       string `json:"os"`
	CPUCores int    `json:"cpu_cores"`
	MemoryMB int    `json:"memory_mb"`
	DiskGB   int    `json:"disk_gb"`
	OnPrem   bool   `json:"on_prem"`
}

// ResourcePressure is a worker's current utilization snapshot.
type ResourcePressure struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Max returns the highest of the three pressure dimensions.
func (r ResourcePressure) Max() float64 {
	m := r.CPUPercent
	if r.MemoryPercent > m {
		m = r.MemoryPercent
	}
	if r.DiskPercent > m {
		m = r.DiskPercent
	}
	return m
}

// Worker is a remote agent with a known machine identity and tool set.
type Worker struct {
	ID            string           `json:"id" db:"id"`
	MachineID     string           `json:"machine_id" db:"machine_id"`
	MachineName   string           `json:"machine_name" db:"machine_name"`
	Status        WorkerStatus     `json:"status" db:"status"`
	SystemInfo    SystemInfo       `json:"system_info" db:"system_info"`
	Tools         []string         `json:"tools" db:"tools"`
	Pressure      ResourcePressure `json:"pressure" db:"pressure"`
	CurrentTask   string           `json:"current_task,omitempty" db:"current_task"`
	LastHeartbeat time.Time        `json:"last_heartbeat" db:"last_heartbeat"`
	Version       int              `json:"version" db:"version"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// HasTool reports whether the worker declares the named tool.
func (w *Worker) HasTool(tool string) bool {
	for _, t := range w.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// IsStale reports whether the worker's last heartbeat predates the cutoff.
func (w *Worker) IsStale(now time.Time, timeout time.Duration) bool {
	if w.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(w.LastHeartbeat) >= timeout
}
