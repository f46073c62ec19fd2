package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/aegis-router/internal/httputil"
	"github.com/af-corp/aegis-router/internal/router"
	"github.com/af-corp/aegis-router/internal/types"
)

// Handler serves the routing entry points.
type Handler struct {
	manager      *router.Manager
	orchestrator *router.Orchestrator
	maxBody      func() int64
	logger       *slog.Logger
}

func NewHandler(manager *router.Manager, orchestrator *router.Orchestrator, maxBody func() int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:      manager,
		orchestrator: orchestrator,
		maxBody:      maxBody,
		logger:       logger,
	}
}

// ProcessCluster handles POST /v1/clusters/{name}/process
func (h *Handler) ProcessCluster(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	name := chi.URLParam(r, "name")

	var req types.Request
	if err := decodeJSON(w, r, h.maxBody(), &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	if req.Empty() {
		httputil.WriteBadRequestError(w, reqID, "prompt or messages is required")
		return
	}
	req.RequestID = reqID

	res, err := h.manager.ProcessRequest(r.Context(), name, &req)
	if err != nil {
		h.logger.Warn("cluster request failed",
			"request_id", reqID,
			"cluster", name,
			"error", err,
		)
		writeRoutingError(w, reqID, err)
		return
	}

	h.logger.Info("cluster request completed",
		"request_id", reqID,
		"cluster", name,
		"provider", res.Node,
		"latency_ms", res.ResponseTimeMs,
		"prompt_tokens", res.Data.Usage.PromptTokens,
		"completion_tokens", res.Data.Usage.CompletionTokens,
	)
	httputil.WriteJSON(w, reqID, http.StatusOK, res)
}

type fallbackRequest struct {
	types.Request
	Options router.Options `json:"options"`
}

// Fallback handles POST /v1/fallback. Total failure is reported in the
// envelope with status 502 so callers can still read the per-provider errors.
func (h *Handler) Fallback(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	var body fallbackRequest
	if err := decodeJSON(w, r, h.maxBody(), &body); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	if body.Request.Empty() {
		httputil.WriteBadRequestError(w, reqID, "prompt or messages is required")
		return
	}
	body.Request.RequestID = reqID

	res, err := h.orchestrator.CallWithFallback(r.Context(), &body.Request, body.Options)
	var allFailed *router.AllProvidersFailedError
	switch {
	case err == nil:
		h.logger.Info("fallback request completed",
			"request_id", reqID,
			"provider", res.UsedProvider,
			"latency_ms", res.ResponseTimeMs,
			"failed_attempts", len(res.Errors),
		)
		httputil.WriteJSON(w, reqID, http.StatusOK, res)
	case errors.As(err, &allFailed):
		httputil.WriteJSON(w, reqID, http.StatusBadGateway, res)
	case errors.Is(err, router.ErrNoProviders):
		httputil.WriteJSON(w, reqID, http.StatusServiceUnavailable, res)
	default:
		writeRoutingError(w, reqID, err)
	}
}
