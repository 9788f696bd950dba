package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gridfolio/backtest-backend/internal/config"
	"github.com/gridfolio/backtest-backend/internal/signals"
	"github.com/gridfolio/backtest-backend/pkg/types"
)

func testFeed() *signals.Feed {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var records []types.DailyRecord
	for i := 0; i < 15; i++ {
		records = append(records, types.DailyRecord{
			Date:                start.AddDate(0, 0, i),
			SumConfirming:       50,
			ReflationConfirming: 5,
		})
	}
	return signals.NewFeed(records)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:           "localhost",
		Port:           8080,
		Seed:           7,
		AllowedOrigins: []string{"*"},
	}
	s := NewServer(zap.NewNop(), cfg, testFeed())
	s.pool.Start()
	t.Cleanup(s.pool.Stop)
	return s
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestListProfiles(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/api/v1/profiles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Profiles []types.AllocationProfile `json:"profiles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Profiles) != 3 {
		t.Errorf("profiles = %d, want 3", len(body.Profiles))
	}
}

func TestCustomProfileLifecycle(t *testing.T) {
	s := newTestServer(t)

	created := doJSON(t, s.Handler(), "POST", "/api/v1/profiles", types.AllocationProfile{
		ID:   "barbell",
		Name: "Barbell",
		Allocations: map[types.Regime]map[string]float64{
			types.RegimeReflation: {"SPY": 0.5, "TLT": 0.5},
		},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", created.Code, created.Body.String())
	}

	got := doJSON(t, s.Handler(), "GET", "/api/v1/profiles/barbell", nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", got.Code)
	}

	list := doJSON(t, s.Handler(), "GET", "/api/v1/profiles", nil)
	var body struct {
		Profiles []types.AllocationProfile `json:"profiles"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Profiles) != 4 {
		t.Errorf("profiles = %d, want 3 builtins plus the custom", len(body.Profiles))
	}

	deleted := doJSON(t, s.Handler(), "DELETE", "/api/v1/profiles/barbell", nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", deleted.Code)
	}
	missing := doJSON(t, s.Handler(), "GET", "/api/v1/profiles/barbell", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", missing.Code)
	}
}

func TestCreateProfileRejectsBuiltinID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "POST", "/api/v1/profiles", types.AllocationProfile{
		ID:   "moderate",
		Name: "Shadow",
		Allocations: map[types.Regime]map[string]float64{
			types.RegimeReflation: {"SPY": 1.0},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCreateProfileRequiresAllocations(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "POST", "/api/v1/profiles", types.AllocationProfile{
		ID:   "empty",
		Name: "Empty",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteBuiltinProfileRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "DELETE", "/api/v1/profiles/moderate", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteMissingProfile(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "DELETE", "/api/v1/profiles/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRunBacktestWithCustomProfile(t *testing.T) {
	s := newTestServer(t)

	created := doJSON(t, s.Handler(), "POST", "/api/v1/profiles", types.AllocationProfile{
		ID:   "spy-only",
		Name: "SPY Only",
		Allocations: map[types.Regime]map[string]float64{
			types.RegimeReflation: {"SPY": 1.0},
		},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", created.Code)
	}

	rec := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/run", runRequest{
		ProfileID:       "spy-only",
		StartDate:       "2024-01-02",
		EndDate:         "2024-01-16",
		StartingCapital: 100000,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestListBacktests(t *testing.T) {
	s := newTestServer(t)

	empty := doJSON(t, s.Handler(), "GET", "/api/v1/backtests", nil)
	if empty.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", empty.Code)
	}

	started := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/run", runRequest{
		ProfileID:       "moderate",
		StartDate:       "2024-01-02",
		EndDate:         "2024-01-16",
		StartingCapital: 100000,
	})
	if started.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202", started.Code)
	}
	var run struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(started.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s.Handler(), "GET", "/api/v1/backtests", nil)
	var body struct {
		Backtests []struct {
			ID        string `json:"id"`
			ProfileID string `json:"profileId"`
			Status    string `json:"status"`
		} `json:"backtests"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Backtests) != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if body.Backtests[0].ID != run.ID {
		t.Errorf("listed id = %s, want %s", body.Backtests[0].ID, run.ID)
	}
	if body.Backtests[0].ProfileID != "moderate" {
		t.Errorf("listed profileId = %s, want moderate", body.Backtests[0].ProfileID)
	}
}

func TestRunBacktestLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/run", runRequest{
		ProfileID:       "moderate",
		StartDate:       "2024-01-02",
		EndDate:         "2024-01-16",
		StartingCapital: 100000,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var started struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}
	if started.ID == "" || started.Status != "running" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	deadline := time.After(10 * time.Second)
	for {
		rec := doJSON(t, s.Handler(), "GET", "/api/v1/backtest/"+started.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var status struct {
			Status string                `json:"status"`
			Result *types.BacktestResult `json:"result"`
			Error  string                `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}
		if status.Status == "failed" {
			t.Fatalf("backtest failed: %s", status.Error)
		}
		if status.Status == "completed" {
			if status.Result == nil {
				t.Fatal("completed run has no result")
			}
			if status.Result.TotalTrades == 0 {
				t.Error("completed run executed no trades")
			}
			break
		}

		select {
		case <-deadline:
			t.Fatal("backtest did not complete in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	trades := doJSON(t, s.Handler(), "GET", "/api/v1/backtest/"+started.ID+"/trades", nil)
	if trades.Code != http.StatusOK {
		t.Fatalf("trades status = %d, want 200", trades.Code)
	}
}

func TestRunBacktestRejectsUnknownProfile(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/run", runRequest{
		ProfileID: "nope",
		StartDate: "2024-01-02",
		EndDate:   "2024-01-16",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRunBacktestRejectsBadWindow(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/run", runRequest{
		ProfileID: "moderate",
		StartDate: "2024-01-16",
		EndDate:   "2024-01-02",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetBacktestNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/api/v1/backtest/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestExecuteRunPreservesCancelledStatus(t *testing.T) {
	s := newTestServer(t)

	cfg, profile, err := s.parseRunConfig(&runRequest{
		ProfileID: "moderate",
		StartDate: "2024-01-02",
		EndDate:   "2024-01-16",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		ID:      cfg.ID,
		Config:  cfg,
		Status:  "running",
		Started: time.Now(),
		cancel:  cancel,
	}
	s.mu.Lock()
	s.runs[cfg.ID] = state
	s.mu.Unlock()

	// Cancel before the engine starts, as the cancel endpoint would.
	cancel()
	state.Status = "cancelled"
	s.executeRun(ctx, state, profile)

	s.mu.RLock()
	status, errMsg := state.Status, state.Error
	s.mu.RUnlock()
	if status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", status)
	}
	if errMsg != "" {
		t.Errorf("error = %q, want empty", errMsg)
	}

	metrics := doJSON(t, s.Handler(), "GET", "/metrics", nil)
	if !bytes.Contains(metrics.Body.Bytes(), []byte("backtest_runs_failed_total 0")) {
		t.Error("cancelled run counted as failed")
	}
}

func TestCompareProfiles(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), "POST", "/api/v1/backtest/compare", compareRequest{
		ProfileIDs:      []string{"aggressive", "conservative"},
		StartDate:       "2024-01-02",
		EndDate:         "2024-01-16",
		StartingCapital: 100000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Results []comparisonEntry `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(body.Results))
	}
	for _, entry := range body.Results {
		if entry.RunID == "" {
			t.Error("missing run id in comparison entry")
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("backtest_runs_started_total")) {
		t.Error("metrics output missing run counter")
	}
}
