package costguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/af-corp/aegis-router/internal/types"
)

type AlertKind string

const (
	// AlertPaidUsage fires when a paid provider served a call.
	AlertPaidUsage AlertKind = "paid_usage"
	// AlertPaidDisabled summarizes a DisableAllPaid sweep.
	AlertPaidDisabled AlertKind = "paid_disabled"
)

type Alert struct {
	Kind             AlertKind   `json:"kind"`
	Provider         string      `json:"provider,omitempty"`
	Providers        []string    `json:"providers,omitempty"`
	Usage            types.Usage `json:"usage"`
	EstimatedCostUSD float64     `json:"estimated_cost_usd,omitempty"`
	Message          string      `json:"message"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Alerter delivers an alert somewhere a human will see it.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Send(ctx context.Context, al Alert) error {
	a.logger.WarnContext(ctx, "cost alert",
		"kind", al.Kind,
		"provider", al.Provider,
		"providers", al.Providers,
		"prompt_tokens", al.Usage.PromptTokens,
		"completion_tokens", al.Usage.CompletionTokens,
		"estimated_cost_usd", al.EstimatedCostUSD,
		"message", al.Message,
	)
	return nil
}

// WebhookAlerter POSTs alerts as JSON to a URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *WebhookAlerter) Send(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter fans an alert out to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Send(ctx context.Context, al Alert) error {
	var errs []error
	for _, a := range m {
		if err := a.Send(ctx, al); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
