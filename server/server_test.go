package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/batch"
	fieldsynctesting "github.com/fieldsync/fieldsync/internal/testing"
	"github.com/fieldsync/fieldsync/schedule"
)

func newTestServer(t *testing.T) (*Server, *schedule.Store, *batch.Queue) {
	t.Helper()

	database := fieldsynctesting.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	schedStore := schedule.NewStore(database)
	execStore := schedule.NewExecutionStore(database)

	batchStore := batch.NewStore(database)
	registry := batch.NewRegistry()
	t.Cleanup(registry.Close)
	queue := batch.NewQueue(batchStore, registry, 3, log)

	srv := New("127.0.0.1:0", schedStore, execStore, queue, nil, nil, log)
	return srv, schedStore, queue
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateAndGetSchedule(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/schedules", createScheduleRequest{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created schedule.Schedule
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	rec = doRequest(t, srv, http.MethodGet, "/api/schedules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched schedule.Schedule
	decodeBody(t, rec, &fetched)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "tech-1", fetched.OwnerID)
	assert.Equal(t, 3600, fetched.IntervalSeconds)
}

func TestCreateScheduleRejectsBadInterval(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/schedules", createScheduleRequest{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 60,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestListSchedulesByOwner(t *testing.T) {
	srv, store, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		sched := &schedule.Schedule{
			OwnerID:         "tech-1",
			TaskKind:        schedule.TaskKindWorkOrderSync,
			IntervalSeconds: 3600,
			Enabled:         true,
		}
		require.NoError(t, store.Create(sched))
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/schedules?owner_id=tech-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Schedules []*schedule.Schedule `json:"schedules"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Schedules, 3)

	rec = doRequest(t, srv, http.MethodGet, "/api/schedules", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSchedule(t *testing.T) {
	srv, store, _ := newTestServer(t)

	sched := &schedule.Schedule{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	require.NoError(t, store.Create(sched))

	interval := 7200
	start, end := 8, 18
	rec := doRequest(t, srv, http.MethodPatch, "/api/schedules/"+sched.ID, updateScheduleRequest{
		IntervalSeconds: &interval,
		WindowStartHour: &start,
		WindowEndHour:   &end,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 7200, updated.IntervalSeconds)
	require.NotNil(t, updated.WindowStartHour)
	assert.Equal(t, 8, *updated.WindowStartHour)

	rec = doRequest(t, srv, http.MethodPatch, "/api/schedules/"+sched.ID, updateScheduleRequest{
		ClearWindow: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err = store.Get(sched.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.WindowStartHour)
	assert.Nil(t, updated.WindowEndHour)
}

func TestTriggerScheduleSetsManualPending(t *testing.T) {
	srv, store, _ := newTestServer(t)

	sched := &schedule.Schedule{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	require.NoError(t, store.Create(sched))

	rec := doRequest(t, srv, http.MethodPost, "/api/schedules/"+sched.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualPending)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.NextRunAt, 5*time.Second)
}

func TestEnableDisableSchedule(t *testing.T) {
	srv, store, _ := newTestServer(t)

	sched := &schedule.Schedule{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	require.NoError(t, store.Create(sched))

	rec := doRequest(t, srv, http.MethodPost, "/api/schedules/"+sched.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	rec = doRequest(t, srv, http.MethodPost, "/api/schedules/"+sched.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = store.Get(sched.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestScheduleNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/schedules/sched_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/schedules/sched_missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSchedule(t *testing.T) {
	srv, store, _ := newTestServer(t)

	sched := &schedule.Schedule{
		OwnerID:         "tech-1",
		TaskKind:        schedule.TaskKindWorkOrderSync,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	require.NoError(t, store.Create(sched))

	rec := doRequest(t, srv, http.MethodDelete, "/api/schedules/"+sched.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.Get(sched.ID)
	assert.Error(t, err)
}

func TestSubmitBatchAndProgress(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/batches", submitBatchRequest{
		IdempotencyKey: "sync:run-1",
		Jobs: []batch.JobSpec{
			{WorkItemRef: "wo-1"},
			{WorkItemRef: "wo-2"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp submitBatchResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.Batch)
	require.Len(t, resp.Jobs, 2)

	rec = doRequest(t, srv, http.MethodGet, fmt.Sprintf("/api/batches/%s/progress", resp.Batch.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var progress batch.BatchProgress
	decodeBody(t, rec, &progress)
	assert.Equal(t, resp.Batch.ID, progress.BatchID)
	assert.Len(t, progress.Jobs, 2)
}

func TestSubmitBatchIdempotencyConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	submit := submitBatchRequest{
		IdempotencyKey: "sync:run-1",
		Jobs:           []batch.JobSpec{{WorkItemRef: "wo-1"}},
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/batches", submit)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/batches", submit)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchPauseResumeCancel(t *testing.T) {
	srv, _, queue := newTestServer(t)

	b, _, err := queue.Submit("sync:run-1", []batch.JobSpec{{WorkItemRef: "wo-1"}})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/api/batches/"+b.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := queue.GetBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchStatusPaused, got.Status)

	rec = doRequest(t, srv, http.MethodPost, "/api/batches/"+b.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/batches/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = queue.GetBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchStatusCancelled, got.Status)

	// control actions conflict once the batch is terminal
	rec = doRequest(t, srv, http.MethodPost, "/api/batches/"+b.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelQueuedJob(t *testing.T) {
	srv, _, queue := newTestServer(t)

	_, jobs, err := queue.Submit("sync:run-1", []batch.JobSpec{{WorkItemRef: "wo-1"}})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/"+jobs[0].ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := queue.GetJob(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusCancelled, got.Status)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Version.Version)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/api/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/batches", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
