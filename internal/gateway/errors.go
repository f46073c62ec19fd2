package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/httputil"
	"github.com/af-corp/aegis-router/internal/router"
)

// writeRoutingError maps router and store errors onto HTTP responses.
func writeRoutingError(w http.ResponseWriter, reqID string, err error) {
	var (
		terr *router.TransportError
		cerr *router.ConfigurationError
		verr *configstore.ValidationError
	)
	switch {
	case errors.As(err, &verr):
		httputil.WriteValidationError(w, reqID, verr.Error(), verr.Violations)
	case errors.Is(err, router.ErrClusterNotFound), errors.Is(err, configstore.ErrNotFound):
		httputil.WriteNotFoundError(w, reqID, err.Error())
	case errors.Is(err, configstore.ErrConflict):
		httputil.WriteConflictError(w, reqID, err.Error())
	case errors.Is(err, router.ErrConcurrencyExceeded):
		httputil.WriteConcurrencyError(w, reqID, err.Error())
	case errors.Is(err, router.ErrNoAvailableNode), errors.Is(err, router.ErrNoProviders):
		httputil.WriteServiceUnavailableError(w, reqID, err.Error())
	case errors.As(err, &cerr):
		httputil.WriteServiceUnavailableError(w, reqID, err.Error())
	case errors.As(err, &terr) && terr.Timeout:
		httputil.WriteTimeoutError(w, reqID, err.Error())
	case errors.As(err, &terr):
		httputil.WriteUpstreamError(w, reqID, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteTimeoutError(w, reqID, err.Error())
	case errors.Is(err, context.Canceled):
		// 499: client closed request
		httputil.WriteError(w, reqID, 499, "invalid_request_error", "request_cancelled", err.Error())
	default:
		httputil.WriteInternalError(w, reqID, err.Error())
	}
}
