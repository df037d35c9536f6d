package batch

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
}

// GetSystemMetrics returns current worker pool and memory usage.
// Each worker holds a browser session, so memory pressure is the
// practical bound on worker count.
func (e *Executor) GetSystemMetrics() SystemMetrics {
	var memUsedGB, memTotalGB, memPercent float64
	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		memTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		memUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	queued, running, err := e.store.GlobalJobCounts()
	if err != nil {
		queued, running = 0, 0
	}

	e.mu.Lock()
	activeWorkers := e.activeWorkers
	e.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  e.cfg.Workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsQueued:    queued,
		JobsRunning:   running,
	}
}
