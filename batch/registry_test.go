package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySetAndGet(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	registry.Set(JobSnapshot{
		JobID:   "job_1",
		BatchID: "bat_1",
		Status:  JobStatusRunning,
		Units:   []UnitProgress{{Name: "dispenser-1", Status: StepRunning}},
	})

	snap, ok := registry.Get("job_1")
	require.True(t, ok)
	assert.Equal(t, JobStatusRunning, snap.Status)
	assert.False(t, snap.UpdatedAt.IsZero())

	_, ok = registry.Get("job_missing")
	assert.False(t, ok)
}

func TestRegistryReadsAreCopies(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	written := []UnitProgress{{Name: "dispenser-1", Status: StepRunning, Steps: []StepProgress{
		{Name: "regular", Status: StepRunning},
	}}}
	registry.Set(JobSnapshot{JobID: "job_1", BatchID: "bat_1", Units: written})

	// Mutating what the writer handed in must not leak into the registry
	written[0].Status = StepFailed
	written[0].Steps[0].Status = StepFailed

	snap, ok := registry.Get("job_1")
	require.True(t, ok)
	assert.Equal(t, StepRunning, snap.Units[0].Status)
	assert.Equal(t, StepRunning, snap.Units[0].Steps[0].Status)

	// Mutating a read snapshot must not affect later readers
	snap.Units[0].Steps[0].Note = "tampered"
	again, _ := registry.Get("job_1")
	assert.Empty(t, again.Units[0].Steps[0].Note)
}

func TestRegistryLastWriterWins(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	registry.Set(JobSnapshot{JobID: "job_1", BatchID: "bat_1", Status: JobStatusRunning})
	registry.Set(JobSnapshot{JobID: "job_1", BatchID: "bat_1", Status: JobStatusCompleted})

	snap, ok := registry.Get("job_1")
	require.True(t, ok)
	assert.Equal(t, JobStatusCompleted, snap.Status)
}

func TestRegistryListBatch(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	registry.Set(JobSnapshot{JobID: "job_1", BatchID: "bat_1"})
	registry.Set(JobSnapshot{JobID: "job_2", BatchID: "bat_1"})
	registry.Set(JobSnapshot{JobID: "job_3", BatchID: "bat_2"})

	assert.Len(t, registry.ListBatch("bat_1"), 2)
	assert.Len(t, registry.ListBatch("bat_2"), 1)
	assert.Empty(t, registry.ListBatch("bat_missing"))
}

func TestRegistryEviction(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	registry.Set(JobSnapshot{JobID: "job_1", BatchID: "bat_1"})
	registry.Set(JobSnapshot{JobID: "job_2", BatchID: "bat_2"})

	// Zero grace evicts immediately
	registry.EvictBatchAfter("bat_1", 0)

	_, ok := registry.Get("job_1")
	assert.False(t, ok)
	_, ok = registry.Get("job_2")
	assert.True(t, ok, "other batches unaffected")

	registry.EvictBatchAfter("bat_2", 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := registry.Get("job_2")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
