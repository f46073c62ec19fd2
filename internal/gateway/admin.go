package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/aegis-router/internal/auth"
	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/costguard"
	"github.com/af-corp/aegis-router/internal/httputil"
	"github.com/af-corp/aegis-router/internal/router"
)

// AdminHandler exposes the configuration store and cost guard to operators.
type AdminHandler struct {
	store   *configstore.Store
	guard   *costguard.Guard
	manager *router.Manager
	maxBody func() int64
	logger  *slog.Logger
	now     func() time.Time
}

func NewAdminHandler(store *configstore.Store, guard *costguard.Guard, manager *router.Manager, maxBody func() int64, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		store:   store,
		guard:   guard,
		manager: manager,
		maxBody: maxBody,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *AdminHandler) audit(r *http.Request, action string, attrs ...any) {
	keyID := ""
	if info, ok := auth.AuthFromContext(r.Context()); ok {
		keyID = info.KeyID
	}
	attrs = append([]any{"action", action, "key_id", keyID, "request_id", requestID(r)}, attrs...)
	h.logger.Info("admin change", attrs...)
}

// Status handles GET /admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]any{
		"config_version": snap.Version,
		"loaded_at":      snap.LoadedAt,
		"clusters":       h.manager.Status(),
	})
}

// ListClusters handles GET /admin/clusters
func (h *AdminHandler) ListClusters(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]any{
		"clusters": h.store.ListClusters(),
	})
}

// GetCluster handles GET /admin/clusters/{name}
func (h *AdminHandler) GetCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCluster(chi.URLParam(r, "name"))
	if err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	httputil.WriteJSON(w, requestID(r), http.StatusOK, c)
}

// PutCluster handles PUT /admin/clusters/{name}. A cluster that does not
// exist yet is created.
func (h *AdminHandler) PutCluster(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	name := chi.URLParam(r, "name")

	var c config.ClusterConfig
	if err := decodeJSON(w, r, h.maxBody(), &c); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	var (
		out    config.ClusterConfig
		err    error
		status = http.StatusOK
	)
	if _, getErr := h.store.GetCluster(name); getErr != nil {
		if c.Name == "" {
			c.Name = name
		}
		out, err = h.store.AddCluster(r.Context(), c)
		status = http.StatusCreated
	} else {
		out, err = h.store.UpdateCluster(r.Context(), name, c)
	}
	if err != nil {
		writeRoutingError(w, reqID, err)
		return
	}
	h.audit(r, "put_cluster", "cluster", out.Name)
	httputil.WriteJSON(w, reqID, status, out)
}

// DeleteCluster handles DELETE /admin/clusters/{name}
func (h *AdminHandler) DeleteCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.store.DeleteCluster(r.Context(), name); err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	h.audit(r, "delete_cluster", "cluster", name)
	w.WriteHeader(http.StatusNoContent)
}

// ListClusterProviders handles GET /admin/clusters/{name}/providers
func (h *AdminHandler) ListClusterProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListClusterProviders(chi.URLParam(r, "name"))
	if err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]any{
		"providers": maskAll(providers),
	})
}

// AddClusterProvider handles POST /admin/clusters/{name}/providers. A body
// carrying only an id attaches an already registered provider.
func (h *AdminHandler) AddClusterProvider(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	name := chi.URLParam(r, "name")

	var p config.ProviderConfig
	if err := decodeJSON(w, r, h.maxBody(), &p); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	if p.ID != "" && p.Name == "" && p.Family == "" {
		if err := h.store.AttachProvider(r.Context(), name, p.ID); err != nil {
			writeRoutingError(w, reqID, err)
			return
		}
		out, err := h.store.GetClusterProvider(name, p.ID)
		if err != nil {
			writeRoutingError(w, reqID, err)
			return
		}
		h.audit(r, "attach_provider", "cluster", name, "provider", p.ID)
		httputil.WriteJSON(w, reqID, http.StatusOK, mask(out))
		return
	}

	out, err := h.store.AddClusterProvider(r.Context(), name, p)
	if err != nil {
		writeRoutingError(w, reqID, err)
		return
	}
	h.audit(r, "add_provider", "cluster", name, "provider", out.ID)
	httputil.WriteJSON(w, reqID, http.StatusCreated, mask(out))
}

// GetClusterProvider handles GET /admin/clusters/{name}/providers/{id}
func (h *AdminHandler) GetClusterProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetClusterProvider(chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	httputil.WriteJSON(w, requestID(r), http.StatusOK, mask(p))
}

// UpdateClusterProvider handles PUT /admin/clusters/{name}/providers/{id}
func (h *AdminHandler) UpdateClusterProvider(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	name, id := chi.URLParam(r, "name"), chi.URLParam(r, "id")

	var p config.ProviderConfig
	if err := decodeJSON(w, r, h.maxBody(), &p); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	out, err := h.store.UpdateClusterProvider(r.Context(), name, id, p)
	if err != nil {
		writeRoutingError(w, reqID, err)
		return
	}
	h.audit(r, "update_provider", "cluster", name, "provider", id)
	httputil.WriteJSON(w, reqID, http.StatusOK, mask(out))
}

// DeleteClusterProvider handles DELETE /admin/clusters/{name}/providers/{id}.
// The provider stays registered; only the cluster membership is removed.
func (h *AdminHandler) DeleteClusterProvider(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "name"), chi.URLParam(r, "id")
	if err := h.store.DeleteClusterProvider(r.Context(), name, id); err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	h.audit(r, "detach_provider", "cluster", name, "provider", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListProviders handles GET /admin/providers
func (h *AdminHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]any{
		"providers": maskAll(h.store.ListProviders()),
	})
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

// SetProviderEnabled handles PUT /admin/providers/{id}/enabled
func (h *AdminHandler) SetProviderEnabled(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	id := chi.URLParam(r, "id")

	var body enabledBody
	if err := decodeJSON(w, r, h.maxBody(), &body); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	if body.Enabled == nil {
		httputil.WriteBadRequestError(w, reqID, "enabled is required")
		return
	}
	if err := h.store.SetProviderEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeRoutingError(w, reqID, err)
		return
	}
	h.audit(r, "set_provider_enabled", "provider", id, "enabled", *body.Enabled)
	httputil.WriteJSON(w, reqID, http.StatusOK, map[string]any{"id": id, "enabled": *body.Enabled})
}

// Usage handles GET /admin/usage?provider=&window=1h. Without a provider
// every registered provider is summarized.
func (h *AdminHandler) Usage(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httputil.WriteBadRequestError(w, reqID, "window must be a positive duration such as 15m or 24h")
			return
		}
		window = d
	}
	until := h.now()
	since := until.Add(-window)

	ids := []string{}
	if id := r.URL.Query().Get("provider"); id != "" {
		ids = append(ids, id)
	} else {
		for _, p := range h.store.ListProviders() {
			ids = append(ids, p.ID)
		}
	}

	ledger := h.guard.Ledger()
	summaries := make([]costguard.Summary, 0, len(ids))
	for _, id := range ids {
		s := ledger.Summarize(r.Context(), id, since, until)
		s.DailySpendUSD = ledger.DailySpend(r.Context(), id, until)
		summaries = append(summaries, s)
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, map[string]any{
		"since":     since,
		"until":     until,
		"providers": summaries,
	})
}

// Export handles GET /admin/export
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, requestID(r), http.StatusOK, h.store.Export())
}

// Reset handles POST /admin/reset
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Reset(r.Context())
	if err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	h.audit(r, "reset", "config_version", snap.Version)
	httputil.WriteJSON(w, requestID(r), http.StatusOK, h.store.Export())
}

// DisablePaid handles POST /admin/disable-paid
func (h *AdminHandler) DisablePaid(w http.ResponseWriter, r *http.Request) {
	disabled, err := h.guard.DisableAllPaid(r.Context())
	if err != nil {
		writeRoutingError(w, requestID(r), err)
		return
	}
	h.audit(r, "disable_paid", "disabled", disabled)
	httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]any{
		"disabled": disabled,
	})
}

func mask(p config.ProviderConfig) config.ProviderConfig {
	p.Credentials = configstore.MaskCredentials(p.Credentials)
	return p
}

func maskAll(ps []config.ProviderConfig) []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(ps))
	for i, p := range ps {
		out[i] = mask(p)
	}
	return out
}
