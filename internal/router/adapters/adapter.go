package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/types"
)

const maxResponseBytes = 8 << 20

var (
	// ErrMissingCredentials means the provider has no usable API key.
	ErrMissingCredentials = errors.New("provider credentials not configured")
	// ErrEmptyResponse means the provider answered 2xx without any content.
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// Adapter calls one provider family. Implementations are safe for concurrent use.
type Adapter interface {
	Family() config.Family
	Invoke(ctx context.Context, p config.ProviderConfig, req *types.Request) (*types.Response, error)
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Family     config.Family
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Family, e.StatusCode, e.Body)
}

// readBody reads a provider response once and always closes it.
func readBody(family config.Family, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", family, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Family: family, StatusCode: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func maxTokens(p config.ProviderConfig, req *types.Request, def int) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return def
}

func setHeaders(r *http.Request, headers map[string]string) {
	for k, v := range headers {
		if v != "" {
			r.Header.Set(k, config.ExpandEnvVars(v))
		}
	}
}
