package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/af-corp/aegis-router/internal/auth"
	"github.com/af-corp/aegis-router/internal/httputil"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	Handler  *Handler
	Admin    *AdminHandler
	KeyStore auth.KeyStore
	Gatherer prometheus.Gatherer
	Version  string
}

// NewRouter builds the HTTP surface: routing endpoints, the authenticated
// admin API, health and metrics.
func NewRouter(rc RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)

	r.Get("/health", healthHandler(rc.Version))
	if rc.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rc.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/v1/clusters/{name}/process", rc.Handler.ProcessCluster)
	r.Post("/v1/fallback", rc.Handler.Fallback)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware(rc.KeyStore))

		r.Get("/status", rc.Admin.Status)
		r.Get("/export", rc.Admin.Export)
		r.Post("/reset", rc.Admin.Reset)
		r.Post("/disable-paid", rc.Admin.DisablePaid)
		r.Get("/usage", rc.Admin.Usage)

		r.Get("/providers", rc.Admin.ListProviders)
		r.Put("/providers/{id}/enabled", rc.Admin.SetProviderEnabled)

		r.Get("/clusters", rc.Admin.ListClusters)
		r.Route("/clusters/{name}", func(r chi.Router) {
			r.Get("/", rc.Admin.GetCluster)
			r.Put("/", rc.Admin.PutCluster)
			r.Delete("/", rc.Admin.DeleteCluster)

			r.Get("/providers", rc.Admin.ListClusterProviders)
			r.Post("/providers", rc.Admin.AddClusterProvider)
			r.Get("/providers/{id}", rc.Admin.GetClusterProvider)
			r.Put("/providers/{id}", rc.Admin.UpdateClusterProvider)
			r.Delete("/providers/{id}", rc.Admin.DeleteClusterProvider)
		})
	})

	return r
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, requestID(r), http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": version,
		})
	}
}

// RequestIDMiddleware keeps an incoming X-Request-ID or assigns a new one,
// echoing it on the response and storing it in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
