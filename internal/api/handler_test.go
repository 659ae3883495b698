package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkutano/internal/buffer"
	"mkutano/internal/connectivity"
	"mkutano/internal/offline"
	"mkutano/internal/remote"
	"mkutano/internal/status"
	"mkutano/internal/syncengine"
)

var (
	quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testSecret  = []byte("test-secret-key")
)

type testContext struct {
	router   http.Handler
	buf      *buffer.Buffer
	storage  *buffer.MemoryStorage
	monitor  *connectivity.Monitor
	store    *remote.MemoryStore
	triggers int
}

func setupTestContext(t *testing.T, online bool) *testContext {
	t.Helper()
	tc := &testContext{storage: buffer.NewMemoryStorage(0)}
	buf, err := buffer.Open(context.Background(), tc.storage, buffer.WithLogger(quietLogger))
	require.NoError(t, err)
	tc.buf = buf
	tc.store = remote.NewMemoryStore()
	tc.monitor = connectivity.NewMonitor(online, quietLogger)
	engine := syncengine.New(buf, tc.store, tc.monitor, syncengine.WithLogger(quietLogger))

	tc.router = NewHandler(Deps{
		Offline:   offline.NewService(buf, tc.store, tc.monitor, offline.Config{}, quietLogger),
		Syncer:    engine,
		Reporter:  status.NewReporter(buf, tc.monitor, engine),
		Buffer:    buf,
		Online:    tc.monitor,
		Trigger:   func() { tc.triggers++ },
		JWTSecret: testSecret,
		Logger:    quietLogger,
	}).SetupRoutes()
	return tc
}

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

// performRequest sends an authenticated request as user u1 of group g1.
func (tc *testContext) performRequest(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1"))
	req.Header.Set(GroupHeader, "g1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAuthRequired(t *testing.T) {
	tc := setupTestContext(t, true)

	cases := map[string]string{
		"missing":    "",
		"bad format": "Token abc",
		"bad token":  "Bearer not.a.jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/stats", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			tc.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			var body ErrorResponse
			decodeBody(t, rec, &body)
			assert.Equal(t, "UNAUTHORIZED", body.Code)
		})
	}

	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOfflineSubmitAndSync(t *testing.T) {
	tc := setupTestContext(t, false)

	rec := tc.performRequest(t, http.MethodPost, "/api/v1/contributions", map[string]interface{}{
		"member_id": "m1",
		"type":      "fine",
		"amount":    "50",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res offline.SubmitResult
	decodeBody(t, rec, &res)
	assert.True(t, res.SavedOffline)
	assert.NotEmpty(t, res.OperationID)

	rec = tc.performRequest(t, http.MethodGet, "/api/v1/sync/stats", nil)
	var snap status.Snapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, 1, snap.Pending)
	assert.False(t, snap.Online)

	rec = tc.performRequest(t, http.MethodGet, "/api/v1/connectivity", nil)
	assert.JSONEq(t, `{"online":false}`, rec.Body.String())

	tc.monitor.Set(true)
	rec = tc.performRequest(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result syncengine.Result
	decodeBody(t, rec, &result)
	assert.Equal(t, 1, result.Synced)

	rec = tc.performRequest(t, http.MethodGet, "/api/v1/sync/stats", nil)
	decodeBody(t, rec, &snap)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 1, snap.Synced)
	assert.NotNil(t, snap.LastSync)
}

func TestOnlineSubmitGoesDirect(t *testing.T) {
	tc := setupTestContext(t, true)

	rec := tc.performRequest(t, http.MethodPost, "/api/v1/loans", map[string]interface{}{
		"id":            "loan-1",
		"member_id":     "m1",
		"amount":        "5000",
		"interest_rate": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	_, ok := tc.store.Loan("loan-1")
	assert.True(t, ok)

	rec = tc.performRequest(t, http.MethodPost, "/api/v1/repayments", map[string]interface{}{
		"loan_id":   "loan-1",
		"member_id": "m1",
		"principal": "6000",
		"interest":  "0",
		"total":     "6000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "OVERPAYMENT", body.Code)
}

func TestSubmitErrors(t *testing.T) {
	tc := setupTestContext(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/contributions", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "u1"))
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.performRequest(t, http.MethodPost, "/api/v1/contributions", map[string]interface{}{"member_id": "m1", "type": "fine"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	tc.storage.SetFailure(buffer.ErrQuotaExceeded)
	rec = tc.performRequest(t, http.MethodPost, "/api/v1/contributions", map[string]interface{}{"member_id": "m1", "type": "fine", "amount": "10"})
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "NOT_SAVED", body.Code)
}

func TestFailedOperationsAndRetry(t *testing.T) {
	tc := setupTestContext(t, false)

	rec := tc.performRequest(t, http.MethodPost, "/api/v1/repayments", map[string]interface{}{
		"loan_id":   "gone",
		"member_id": "m1",
		"principal": "10",
		"total":     "10",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res offline.SubmitResult
	decodeBody(t, rec, &res)

	tc.monitor.Set(true)
	tc.performRequest(t, http.MethodPost, "/api/v1/sync", nil)

	rec = tc.performRequest(t, http.MethodGet, "/api/v1/sync/failed", nil)
	var failed []buffer.PendingOperation
	decodeBody(t, rec, &failed)
	require.Len(t, failed, 1)
	assert.Equal(t, res.OperationID, failed[0].ID)
	assert.True(t, failed[0].Permanent)

	rec = tc.performRequest(t, http.MethodPost, "/api/v1/sync/operations/"+res.OperationID+"/retry", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, tc.triggers)
	assert.Len(t, tc.buf.ListPending("u1"), 1)

	rec = tc.performRequest(t, http.MethodPost, "/api/v1/sync/operations/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryIsScopedToOwner(t *testing.T) {
	tc := setupTestContext(t, false)
	op, err := tc.buf.Enqueue(context.Background(), buffer.KindContribution, map[string]string{"member_id": "m9"}, "someone-else", "g1")
	require.NoError(t, err)

	rec := tc.performRequest(t, http.MethodPost, "/api/v1/sync/operations/"+op.ID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, tc.triggers)
}
