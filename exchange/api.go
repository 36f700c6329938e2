package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/category"
	"github.com/itskum47/BidForge/exchange/core"
	"github.com/itskum47/BidForge/exchange/observability"
)

// API is the producer-facing HTTP surface: task submission, inspection,
// cancellation, and operator tooling.
type API struct {
	ex     *core.Exchange
	gw     *Gateway
	logger *zap.Logger
}

func NewAPI(ex *core.Exchange, gw *Gateway, logger *zap.Logger) *API {
	return &API{ex: ex, gw: gw, logger: logger}
}

// Routes builds the full HTTP mux, agent WebSocket endpoint included.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/agent", a.gw.HandleAgent)

	mux.HandleFunc("POST /api/tasks", a.handleSubmit)
	mux.HandleFunc("GET /api/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", a.handleCancel)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /debug/snapshot", a.handleStats)
	mux.HandleFunc("GET /api/agents", a.handleAgents)
	mux.HandleFunc("POST /api/agents/{id}/unflag", a.handleUnflag)
	mux.HandleFunc("POST /api/categories", a.handleDefineCategory)
	mux.HandleFunc("PUT /api/market-maker", a.handleSetMarketMaker)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req core.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	task, err := a.ex.Submit(r.Context(), req)
	if err != nil {
		a.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.ex.GetTask(r.PathValue("id"))
	if errors.Is(err, core.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	switch err := a.ex.Cancel(r.PathValue("id")); {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, core.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "task already terminal")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ex.Stats())
}

func (a *API) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ex.Registry().List())
}

func (a *API) handleUnflag(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := a.ex.Reputation().ClearFlag(r.Context(), agentID); err != nil {
		a.logger.Error("clear flag failed", zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "clear flag failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unflagged"})
}

func (a *API) handleDefineCategory(w http.ResponseWriter, r *http.Request) {
	var c category.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	a.ex.Categories().Define(c)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleSetMarketMaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.ex.Categories().SetMarketMaker(body.AgentID)
	writeJSON(w, http.StatusOK, map[string]string{"market_maker": body.AgentID})
}

func (a *API) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		observability.RateLimitRejections.Inc()
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, core.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
