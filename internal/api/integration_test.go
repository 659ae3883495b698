package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkutano/internal/buffer"
	"mkutano/internal/connectivity"
	"mkutano/internal/offline"
	"mkutano/internal/remote"
	"mkutano/internal/status"
	"mkutano/internal/syncengine"
)

// stack runs the capture API and the remote ledger service as real HTTP
// servers connected through remote.Client.
type stack struct {
	capture *httptest.Server
	ledger  *httptest.Server
	store   *remote.MemoryStore
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{store: remote.NewMemoryStore()}
	s.ledger = httptest.NewServer(remote.NewHandler(s.store, quietLogger).Routes())
	t.Cleanup(s.ledger.Close)

	client := remote.NewClient(s.ledger.URL,
		remote.BreakerSettings{MaxFailures: 3, OpenTimeout: time.Minute},
		remote.WithBearerToken("service-token"),
		remote.WithClientLogger(quietLogger),
	)

	buf, err := buffer.Open(context.Background(), buffer.NewMemoryStorage(0), buffer.WithLogger(quietLogger))
	require.NoError(t, err)

	s.monitor = connectivity.NewMonitor(false, quietLogger)
	probe := connectivity.HTTPProbe(s.ledger.Client(), s.ledger.URL+"/healthz")
	s.prober = connectivity.NewProber(s.monitor, probe, time.Minute, time.Second, quietLogger)

	engine := syncengine.New(buf, client, s.monitor, syncengine.WithLogger(quietLogger))
	router := NewHandler(Deps{
		Offline:   offline.NewService(buf, client, s.monitor, offline.Config{RemoteTimeout: 5 * time.Second}, quietLogger),
		Syncer:    engine,
		Reporter:  status.NewReporter(buf, s.monitor, engine),
		Buffer:    buf,
		Online:    s.monitor,
		JWTSecret: testSecret,
		Logger:    quietLogger,
	}).SetupRoutes()
	s.capture = httptest.NewServer(router)
	t.Cleanup(s.capture.Close)
	return s
}

func (s *stack) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, s.capture.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "treasurer"))
	req.Header.Set(GroupHeader, "g1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.capture.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func repaymentBody(total string) map[string]interface{} {
	return map[string]interface{}{
		"loan_id":   "loan-1",
		"member_id": "m1",
		"principal": total,
		"interest":  "0",
		"total":     total,
	}
}

func TestLoanCycleAcrossOutage(t *testing.T) {
	s := setupStack(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/loans", map[string]interface{}{
		"id":            "loan-1",
		"member_id":     "m1",
		"amount":        "1000",
		"interest_rate": "10",
	})
	require.Equal(t, http.StatusAccepted, code, string(body))

	for i := 0; i < 3; i++ {
		code, body = s.do(t, http.MethodPost, "/api/v1/repayments", repaymentBody("300"))
		require.Equal(t, http.StatusAccepted, code, string(body))
	}

	// 900 of 1100 is already buffered
	code, _ = s.do(t, http.MethodPost, "/api/v1/repayments", repaymentBody("300"))
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/sync/stats", nil)
	require.Equal(t, http.StatusOK, code)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 4, snap.Pending)
	assert.False(t, snap.Online)

	require.True(t, s.prober.Check(context.Background()))
	require.True(t, s.monitor.IsOnline())

	code, body = s.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, code)
	var res syncengine.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 4, res.Synced)
	assert.Zero(t, res.Failed)

	loan, ok := s.store.Loan("loan-1")
	require.True(t, ok)
	assert.True(t, loan.TotalRepaid.Equal(decimal.NewFromInt(900)))
	assert.True(t, loan.Balance.Equal(decimal.NewFromInt(200)))
	_, loans, repayments := s.store.Len()
	assert.Equal(t, 1, loans)
	assert.Equal(t, 3, repayments)
}

func TestConcurrentRepaymentsCannotOverpay(t *testing.T) {
	s := setupStack(t)
	s.monitor.Set(true)

	code, body := s.do(t, http.MethodPost, "/api/v1/loans", map[string]interface{}{
		"id":            "loan-1",
		"member_id":     "m1",
		"amount":        "200",
		"interest_rate": "0",
	})
	require.Equal(t, http.StatusCreated, code, string(body))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := s.do(t, http.MethodPost, "/api/v1/repayments", repaymentBody("100"))
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusCreated:
				accepted++
			case http.StatusUnprocessableEntity:
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.Equal(t, 3, rejected)
	loan, ok := s.store.Loan("loan-1")
	require.True(t, ok)
	assert.True(t, loan.Balance.IsZero())
}
