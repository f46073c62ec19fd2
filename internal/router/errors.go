package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownFamily means no adapter is registered for a provider's family.
	ErrUnknownFamily = errors.New("unknown provider family")
	// ErrClusterNotFound means the named cluster is not configured.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrNoAvailableNode means the cluster has no enabled, credentialed provider.
	ErrNoAvailableNode = errors.New("no available node")
	// ErrConcurrencyExceeded means no admission slot freed up within the request timeout.
	ErrConcurrencyExceeded = errors.New("cluster concurrency limit exceeded")
	// ErrNoProviders means the fallback path had nothing to try.
	ErrNoProviders = errors.New("no usable providers")
)

// ConfigurationError is a provider that cannot be called as configured. It is
// never retried.
type ConfigurationError struct {
	Provider string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %v", e.Provider, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError is a failed call: network failure, timeout, non-2xx status
// or a malformed body.
type TransportError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AttemptError is one failed provider in a fallback chain.
type AttemptError struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// AllProvidersFailedError is returned when every provider in a fallback chain failed.
type AllProvidersFailedError struct {
	Errors []AttemptError
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, a := range e.Errors {
		parts = append(parts, a.Provider+": "+a.Error)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}
