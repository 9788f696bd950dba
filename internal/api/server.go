// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridfolio/backtest-backend/internal/backtester"
	"github.com/gridfolio/backtest-backend/internal/config"
	"github.com/gridfolio/backtest-backend/internal/prices"
	"github.com/gridfolio/backtest-backend/internal/signals"
	"github.com/gridfolio/backtest-backend/internal/workers"
	"github.com/gridfolio/backtest-backend/pkg/types"
)

const dateLayout = "2006-01-02"

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *config.Config
	feed       *signals.Feed
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	runs       map[string]*runState
	profiles   map[string]*types.AllocationProfile
	pool       *workers.Pool
	metrics    *Metrics
}

// runState tracks one backtest run through its lifecycle.
type runState struct {
	ID       string
	Config   *types.BacktestConfig
	Status   string
	Started  time.Time
	Result   *types.BacktestResult
	Progress *types.BacktestProgress
	Error    string
	cancel   context.CancelFunc
}

// NewServer creates the API server around a loaded signal feed.
func NewServer(logger *zap.Logger, cfg *config.Config, feed *signals.Feed) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		config:   cfg,
		feed:     feed,
		router:   mux.NewRouter(),
		clients:  make(map[string]*Client),
		runs:     make(map[string]*runState),
		profiles: make(map[string]*types.AllocationProfile),
		pool:     workers.NewPool(logger, workers.DefaultPoolConfig("compare")),
		metrics:  NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/profiles", s.handleListProfiles).Methods("GET")
	s.router.HandleFunc("/api/v1/profiles", s.handleCreateProfile).Methods("POST")
	s.router.HandleFunc("/api/v1/profiles/{id}", s.handleGetProfile).Methods("GET")
	s.router.HandleFunc("/api/v1/profiles/{id}", s.handleDeleteProfile).Methods("DELETE")

	s.router.HandleFunc("/api/v1/backtests", s.handleListBacktests).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/compare", s.handleCompare).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the configured router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.pool.Start()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down, closing client connections and the pool.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	s.pool.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// profileByID resolves a builtin profile or a custom one registered
// through the API.
func (s *Server) profileByID(id string) (*types.AllocationProfile, error) {
	if profile, err := backtester.ProfileByID(id); err == nil {
		return profile, nil
	}

	s.mu.RLock()
	profile, ok := s.profiles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown allocation profile %q", id)
	}
	return profile, nil
}

func isBuiltinProfile(id string) bool {
	_, err := backtester.ProfileByID(id)
	return err == nil
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := backtester.BuiltinProfiles()

	s.mu.RLock()
	custom := make([]*types.AllocationProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		custom = append(custom, p)
	}
	s.mu.RUnlock()

	sort.Slice(custom, func(i, j int) bool { return custom[i].ID < custom[j].ID })
	profiles = append(profiles, custom...)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
	})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var profile types.AllocationProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if profile.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(profile.Allocations) == 0 {
		writeError(w, http.StatusBadRequest, "allocations is required")
		return
	}
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	if isBuiltinProfile(profile.ID) {
		writeError(w, http.StatusConflict, fmt.Sprintf("profile %q is builtin", profile.ID))
		return
	}

	s.mu.Lock()
	if _, exists := s.profiles[profile.ID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("profile %q already exists", profile.ID))
		return
	}
	s.profiles[profile.ID] = &profile
	s.mu.Unlock()

	s.logger.Info("custom profile created", zap.String("id", profile.ID), zap.String("name", profile.Name))
	writeJSON(w, http.StatusCreated, &profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	profile, err := s.profileByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if isBuiltinProfile(id) {
		writeError(w, http.StatusBadRequest, "builtin profiles cannot be deleted")
		return
	}

	s.mu.Lock()
	_, ok := s.profiles[id]
	delete(s.profiles, id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// runRequest is the JSON body for starting a run. Dates are calendar
// days, YYYY-MM-DD.
type runRequest struct {
	Name            string  `json:"name"`
	ProfileID       string  `json:"profileId"`
	StartDate       string  `json:"startDate"`
	EndDate         string  `json:"endDate"`
	StartingCapital float64 `json:"startingCapital"`
	BenchmarkSymbol string  `json:"benchmarkSymbol"`
	Seed            int64   `json:"seed"`
}

func (s *Server) parseRunConfig(req *runRequest) (*types.BacktestConfig, *types.AllocationProfile, error) {
	profile, err := s.profileByID(req.ProfileID)
	if err != nil {
		return nil, nil, err
	}

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid startDate: %w", err)
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid endDate: %w", err)
	}
	if !end.After(start) {
		return nil, nil, fmt.Errorf("endDate must be after startDate")
	}

	seed := req.Seed
	if seed == 0 {
		seed = s.config.Seed
	}

	cfg := &types.BacktestConfig{
		ID:              uuid.New().String(),
		Name:            req.Name,
		ProfileID:       req.ProfileID,
		StartDate:       start,
		EndDate:         end,
		StartingCapital: decimal.NewFromFloat(req.StartingCapital),
		BenchmarkSymbol: req.BenchmarkSymbol,
		Seed:            seed,
	}
	return cfg, profile, nil
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, profile, err := s.parseRunConfig(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
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

	go func() {
		defer cancel()
		s.executeRun(ctx, state, profile)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      cfg.ID,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

// executeRun drives one engine to completion, streaming progress to
// WebSocket clients and recording the outcome.
func (s *Server) executeRun(ctx context.Context, state *runState, profile *types.AllocationProfile) {
	s.metrics.RunsStarted.Inc()
	s.metrics.ActiveRuns.Inc()
	defer s.metrics.ActiveRuns.Dec()

	provider := prices.NewSyntheticProvider(s.logger, s.feed.Records())
	engine := backtester.NewEngine(s.logger, s.feed, profile, provider)

	go func() {
		for progress := range engine.Progress() {
			progress := progress
			s.mu.Lock()
			state.Progress = &progress
			s.mu.Unlock()

			s.broadcast(&Message{
				ID:        uuid.New().String(),
				Type:      "event",
				Method:    "backtest:progress",
				Payload:   progress,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}()

	result, err := engine.Run(ctx, state.Config)

	s.mu.Lock()
	if errors.Is(err, context.Canceled) {
		state.Status = "cancelled"
		s.logger.Info("backtest cancelled", zap.String("id", state.ID))
	} else if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
		s.metrics.RunsFailed.Inc()
		s.logger.Error("backtest failed", zap.String("id", state.ID), zap.Error(err))
	} else {
		state.Status = "completed"
		state.Result = result
		s.metrics.RunsCompleted.Inc()
		s.metrics.RunDuration.Observe(result.Duration.Seconds())
	}
	status := state.Status
	s.mu.Unlock()

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "backtest:complete",
		Payload:   map[string]interface{}{"id": state.ID, "status": status},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleListBacktests returns a summary of every run the server has
// seen, newest first.
func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	summaries := make([]map[string]interface{}, 0, len(s.runs))
	for _, state := range s.runs {
		summaries = append(summaries, map[string]interface{}{
			"id":        state.ID,
			"name":      state.Config.Name,
			"profileId": state.Config.ProfileID,
			"status":    state.Status,
			"started":   state.Started.Unix(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		si, sj := summaries[i]["started"].(int64), summaries[j]["started"].(int64)
		if si != sj {
			return si > sj
		}
		return summaries[i]["id"].(string) < summaries[j]["id"].(string)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backtests": summaries,
		"count":     len(summaries),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	s.mu.RLock()
	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Progress != nil && state.Status == "running" {
		response["progress"] = state.Progress
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	result := (*types.BacktestResult)(nil)
	if ok {
		result = state.Result
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if result == nil {
		writeError(w, http.StatusBadRequest, "backtest not complete")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.runs[id]
	if ok && state.Status == "running" && state.cancel != nil {
		state.cancel()
		state.Status = "cancelled"
	}
	var status string
	if ok {
		status = state.Status
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": status,
	})
}

// compareRequest runs the same window across several profiles.
type compareRequest struct {
	ProfileIDs      []string `json:"profileIds"`
	StartDate       string   `json:"startDate"`
	EndDate         string   `json:"endDate"`
	StartingCapital float64  `json:"startingCapital"`
	BenchmarkSymbol string   `json:"benchmarkSymbol"`
	Seed            int64    `json:"seed"`
}

// comparisonEntry summarizes one profile's run.
type comparisonEntry struct {
	ProfileID        string  `json:"profileId"`
	RunID            string  `json:"runId"`
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	TotalTrades      int     `json:"totalTrades"`
}

// handleCompare runs the same window for each requested profile in
// parallel and responds with a per-profile summary. Full results are
// retained under their run IDs.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ProfileIDs) == 0 {
		writeError(w, http.StatusBadRequest, "profileIds is required")
		return
	}

	entries := make([]comparisonEntry, len(req.ProfileIDs))
	tasks := make([]workers.Task, 0, len(req.ProfileIDs))

	for i, profileID := range req.ProfileIDs {
		cfg, profile, err := s.parseRunConfig(&runRequest{
			Name:            "compare:" + profileID,
			ProfileID:       profileID,
			StartDate:       req.StartDate,
			EndDate:         req.EndDate,
			StartingCapital: req.StartingCapital,
			BenchmarkSymbol: req.BenchmarkSymbol,
			Seed:            req.Seed,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		i, profileID := i, profileID
		tasks = append(tasks, workers.TaskFunc(func() error {
			provider := prices.NewSyntheticProvider(s.logger, s.feed.Records())
			engine := backtester.NewEngine(s.logger, s.feed, profile, provider)
			result, err := engine.Run(r.Context(), cfg)
			if err != nil {
				return fmt.Errorf("profile %s: %w", profileID, err)
			}

			s.mu.Lock()
			s.runs[cfg.ID] = &runState{
				ID:      cfg.ID,
				Config:  cfg,
				Status:  "completed",
				Started: result.StartedAt,
				Result:  result,
			}
			s.mu.Unlock()

			entries[i] = comparisonEntry{
				ProfileID:        profileID,
				RunID:            cfg.ID,
				TotalReturn:      result.TotalReturn,
				AnnualizedReturn: result.AnnualizedReturn,
				SharpeRatio:      result.SharpeRatio,
				MaxDrawdown:      result.MaxDrawdown,
				TotalTrades:      result.TotalTrades,
			}
			return nil
		}))
	}

	if err := s.pool.RunAll(r.Context(), tasks); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
