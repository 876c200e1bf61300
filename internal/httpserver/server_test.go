package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/hubcoord/internal/coordinator"
	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/queue"
	"github.com/parcelgrid/hubcoord/internal/retry"
	"github.com/parcelgrid/hubcoord/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	coord := coordinator.New(st, nil, nil, coordinator.Config{ContentionBaseDelay: time.Millisecond})
	q := queue.New(st, retry.NewPolicy(0, 0, 0), time.Minute, nil)
	return New(coord, q, st).Router(), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResourceLifecycle(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/resources", map[string]interface{}{
		"id": "dock-a", "name": "Dock A", "capacity": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var unit models.ResourceUnit
	decodeBody(t, rec, &unit)
	require.Equal(t, "dock-a", unit.ID)
	require.Equal(t, int64(10), unit.Capacity)
	require.Equal(t, int64(1), unit.Version)

	rec = doJSON(t, handler, http.MethodGet, "/v1/resources/dock-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/resources/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/resources", map[string]interface{}{
		"name": "", "capacity": 10,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocateEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)
	doJSON(t, handler, http.MethodPost, "/v1/resources", map[string]interface{}{
		"id": "dock-a", "name": "Dock A", "capacity": 10,
	})

	body := map[string]interface{}{
		"resourceId": "dock-a", "amount": 7, "requesterId": "order-1", "idempotencyKey": "K1",
	}
	rec := doJSON(t, handler, http.MethodPost, "/v1/allocations", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var alloc models.Allocation
	decodeBody(t, rec, &alloc)
	require.Equal(t, models.AllocationActive, alloc.Status)

	// Same key replays to the same allocation.
	rec = doJSON(t, handler, http.MethodPost, "/v1/allocations", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var replay models.Allocation
	decodeBody(t, rec, &replay)
	require.Equal(t, alloc.ID, replay.ID)

	// A different requester hits the capacity ceiling.
	rec = doJSON(t, handler, http.MethodPost, "/v1/allocations", map[string]interface{}{
		"resourceId": "dock-a", "amount": 7, "requesterId": "order-2", "idempotencyKey": "K2",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var rejection map[string]string
	decodeBody(t, rec, &rejection)
	require.Equal(t, coordinator.ReasonCapacity, rejection["reason"])

	rec = doJSON(t, handler, http.MethodPost, "/v1/allocations", map[string]interface{}{
		"resourceId": "ghost", "amount": 1, "requesterId": "order-3", "idempotencyKey": "K3",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseEndpoint(t *testing.T) {
	handler, st := newTestServer(t)
	doJSON(t, handler, http.MethodPost, "/v1/resources", map[string]interface{}{
		"id": "dock-a", "name": "Dock A", "capacity": 10,
	})
	rec := doJSON(t, handler, http.MethodPost, "/v1/allocations", map[string]interface{}{
		"resourceId": "dock-a", "amount": 4, "requesterId": "order-1", "idempotencyKey": "K1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var alloc models.Allocation
	decodeBody(t, rec, &alloc)

	rec = doJSON(t, handler, http.MethodPost, "/v1/allocations/"+alloc.ID.String()+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var released models.Allocation
	decodeBody(t, rec, &released)
	require.Equal(t, models.AllocationReleased, released.Status)

	unit, err := st.GetResource(context.Background(), "dock-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), unit.Allocated)

	rec = doJSON(t, handler, http.MethodPost, "/v1/allocations/not-a-uuid/release", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	handler, st := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"kind":    "hub.allocate",
		"payload": map[string]interface{}{"resourceId": "dock-a", "amount": 2},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &accepted)
	require.Equal(t, models.JobPending, accepted.Status)

	rec = doJSON(t, handler, http.MethodGet, "/v1/jobs/"+accepted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Pending jobs cancel into the dead-letter store.
	rec = doJSON(t, handler, http.MethodDelete, "/v1/jobs/"+accepted.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record models.DeadLetterRecord
	decodeBody(t, rec, &record)
	require.Equal(t, "cancelled", record.Reason)

	rec = doJSON(t, handler, http.MethodGet, "/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		DeadLetters []models.DeadLetterRecord `json:"deadLetters"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.DeadLetters, 1)

	rec = doJSON(t, handler, http.MethodGet, "/v1/deadletters/"+record.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// An in-flight job refuses cancellation.
	job, err := st.EnqueueJob(context.Background(), store.JobInput{Kind: "hub.release"})
	require.NoError(t, err)
	_, err = st.ClaimJob(context.Background(), time.Minute)
	require.NoError(t, err)
	rec = doJSON(t, handler, http.MethodDelete, "/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/jobs", map[string]interface{}{"kind": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
