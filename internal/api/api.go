package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apollo-nexus/nexus/internal/corpus"
	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/estimator"
	"github.com/apollo-nexus/nexus/internal/pipeline"
	"github.com/apollo-nexus/nexus/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store        *storage.Store
	Orchestrator *pipeline.Orchestrator
	Ensemble     *estimator.Ensemble
	Loader       *corpus.Loader
	Token        string
	// BaseContext bounds asynchronous runs, which outlive their request.
	// Defaults to context.Background.
	BaseContext context.Context
}

// NewAppHandler returns the HTTP API. /health and /metrics are public;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/diagnose", handleDiagnose(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/runs/{id}/events", handleRunEvents(deps))
		r.Post("/snapshots", handlePostSnapshot(deps))
		r.Post("/patterns", handlePostPattern(deps))
		r.Post("/solutions", handlePostSolution(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/estimators", handleEstimators(deps))
		r.Put("/equipment/{id}", handlePutEquipment(deps))
		r.Get("/equipment/{id}", handleGetEquipment(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleDiagnose(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := decodeSnapshot(w, r)
		if !ok {
			return
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			runID, _, err := deps.Orchestrator.Start(deps.BaseContext, snap)
			if err != nil {
				runError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"run_id": runID,
				"status": string(pipeline.StatusRunning),
				"events": "/runs/" + runID + "/events",
			})
			return
		}

		run, err := deps.Orchestrator.Run(r.Context(), snap)
		if err != nil {
			runError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// runSummary is the list view of a stored run.
type runSummary struct {
	ID          string    `json:"id"`
	EquipmentID string    `json:"equipment_id"`
	Status      string    `json:"status"`
	State       string    `json:"state"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

func summarize(rec storage.RunRecord) runSummary {
	return runSummary{
		ID:          rec.ID,
		EquipmentID: rec.EquipmentID,
		Status:      rec.Status,
		State:       rec.State,
		ErrorKind:   rec.ErrorKind,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		DurationMs:  rec.DurationMs,
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 500)
		}

		recs, err := deps.Store.ListRuns(r.Context(), r.URL.Query().Get("equipment_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		out := make([]runSummary, len(recs))
		for i, rec := range recs {
			out[i] = summarize(rec)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if run, ok := deps.Orchestrator.Status(id); ok {
			writeJSON(w, http.StatusOK, run)
			return
		}

		rec, err := deps.Store.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(rec.Payload)
	}
}

func handlePostSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := decodeSnapshot(w, r)
		if !ok {
			return
		}
		if snap.Timestamp.IsZero() {
			snap.Timestamp = time.Now().UTC()
		}
		if err := deps.Store.SaveSnapshot(r.Context(), snap); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving snapshot: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"equipment_id": snap.EquipmentID,
			"readings":     len(snap.Readings),
		})
	}
}

func handlePostPattern(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var seed corpus.PatternSeed
		if !decodeBody(w, r, &seed) {
			return
		}
		if seed.Severity == 0 {
			seed.Severity = 3
		}
		if _, err := deps.Loader.AddPatterns(r.Context(), []corpus.PatternSeed{seed}); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": seed.Name, "domain": string(seed.Domain)})
	}
}

type solutionRequest struct {
	corpus.SolutionSeed
	Domain domain.Category `json:"domain"`
}

func handlePostSolution(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req solutionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		dom := req.Domain
		if dom == "" {
			dom = corpus.DomainOf(req.FaultType)
		}
		id, err := deps.Loader.AddSolution(r.Context(), req.SolutionSeed, dom)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "fault_type": req.FaultType})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleEstimators(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Ensemble.List())
	}
}

func handlePutEquipment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var eq domain.Equipment
		if !decodeBody(w, r, &eq) {
			return
		}
		eq.ID = chi.URLParam(r, "id")
		eq.UpdatedAt = time.Now().UTC()
		if err := deps.Store.UpsertEquipment(r.Context(), eq); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving equipment: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, eq)
	}
}

func handleGetEquipment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		eq, err := deps.Store.GetEquipment(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "equipment %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading equipment: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, eq)
	}
}

func decodeSnapshot(w http.ResponseWriter, r *http.Request) (domain.Snapshot, bool) {
	var snap domain.Snapshot
	if !decodeBody(w, r, &snap) {
		return snap, false
	}
	if strings.TrimSpace(snap.EquipmentID) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "equipment_id is required")
		return snap, false
	}
	return snap, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// runError maps orchestrator entry errors to status codes.
func runError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRunInFlight):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, domain.ErrInvalidSnapshot):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
