package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/schoolsync/internal/app"
	"github.com/kimhsiao/schoolsync/internal/config"
	apperrors "github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/models"
	"github.com/kimhsiao/schoolsync/internal/sync/remote"
)

type testServer struct {
	app    *app.App
	remote *remote.Memory
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Sync.Interval = time.Hour
	cfg.Sync.Retry.BaseDelay = time.Millisecond

	mem := remote.NewMemory()
	a, err := app.New(cfg, app.WithRemote(mem), app.WithoutLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	mux := http.NewServeMux()
	NewSyncHandler(a.Engine, a.Scheduler, a.Queue).Register(mux)
	NewRecordHandler(a.Students).Register(mux, "/api/students")
	NewRecordHandler(a.FeeTypes).Register(mux, "/api/fee-types")
	NewRecordHandler(a.InstallmentPlans).Register(mux, "/api/installment-plans")

	return &testServer{app: a, remote: mem, mux: mux}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestRecordHandler_CreateOffline(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/students", `{"name":"Asha","school_id":"sch-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Equal(t, true, body["pending_sync"])
	record := body["record"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(record["id"].(string), "tmp-"))
	assert.NotEmpty(t, body["entry_id"])
}

func TestRecordHandler_CreateOnline(t *testing.T) {
	s := newTestServer(t)
	s.app.Scheduler.SetOnlineStatus(true)
	require.NoError(t, s.app.Engine.Wait(context.Background()))

	rec, body := s.do(t, http.MethodPost, "/api/students", `{"name":"Asha","school_id":"sch-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, false, body["pending_sync"])

	require.Eventually(t, func() bool {
		return s.remote.CallCount("insert") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecordHandler_CreateValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"name":`, "INVALID_INPUT"},
		{"not an object", `null`, "INVALID_INPUT"},
		{"missing school", `{"name":"Asha"}`, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, http.MethodPost, "/api/students", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestRecordHandler_GetUpdateDelete(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	r := models.NewRecord(models.CollectionFeeTypes, "srv-7", map[string]interface{}{
		"name": "Tuition", "school_id": "sch-1", "amount": 1200.0,
	})
	require.NoError(t, s.app.Store.Put(ctx, r))

	rec, body := s.do(t, http.MethodGet, "/api/fee-types/srv-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "srv-7", body["id"])

	rec, body = s.do(t, http.MethodPatch, "/api/fee-types/srv-7", `{"amount":1500}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	fields := body["record"].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Equal(t, 1500.0, fields["amount"])

	rec, _ = s.do(t, http.MethodDelete, "/api/fee-types/srv-7", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/fee-types/srv-7", "")
	assert.Equal(t, http.StatusOK, rec.Code, "record stays until the remote delete succeeds")
}

func TestRecordHandler_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/students/srv-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RECORD_NOT_FOUND", body["code"])
}

func TestRecordHandler_List(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodPost, "/api/students", `{"name":"A","school_id":"sch-1"}`)
	s.do(t, http.MethodPost, "/api/students", `{"name":"B","school_id":"sch-2"}`)

	rec, _ := s.do(t, http.MethodGet, "/api/students", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec, _ = s.do(t, http.MethodGet, "/api/students?index=by_school&value=sch-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bySchool []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bySchool))
	assert.Len(t, bySchool, 1)

	rec, _ = s.do(t, http.MethodGet, "/api/installment-plans", "")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestSyncHandler_StatusAndSync(t *testing.T) {
	s := newTestServer(t)
	s.remote.QueueKeys("srv-1")

	s.do(t, http.MethodPost, "/api/students", `{"name":"Asha","school_id":"sch-1"}`)

	rec, body := s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["status"])
	assert.Equal(t, false, body["online"])
	assert.EqualValues(t, 1, body["pending_changes"])

	rec, body = s.do(t, http.MethodPost, "/api/sync?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["completed"])

	rec, body = s.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["pending_changes"])
	assert.NotNil(t, body["last_sync"])

	rec, _ = s.do(t, http.MethodGet, "/api/students/srv-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncHandler_TriggerAsync(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, body, "started")
}

func TestSyncHandler_FailuresAndRequeue(t *testing.T) {
	s := newTestServer(t)
	s.remote.SetHook(remote.FailTimes("insert", 1, apperrors.New(apperrors.ErrRemoteRejected, "bad request")))

	s.do(t, http.MethodPost, "/api/students", `{"name":"Asha","school_id":"sch-1"}`)
	_, body := s.do(t, http.MethodPost, "/api/sync?wait=true", "")
	assert.EqualValues(t, 1, body["failed"])

	rec, _ := s.do(t, http.MethodGet, "/api/sync/errors", "")
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "create", history[0]["operation"])

	rec, _ = s.do(t, http.MethodGet, "/api/sync/queue?limit=5", "")
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0]["status"])

	rec, body = s.do(t, http.MethodPost, "/api/sync/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["requeued"])

	rec, _ = s.do(t, http.MethodGet, "/api/sync/queue?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandler_SetConnectivity(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["online"])
	assert.True(t, s.app.Scheduler.IsOnline())

	rec, _ = s.do(t, http.MethodPost, "/api/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouting_methodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec, _ := s.do(t, http.MethodPut, "/api/students", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
