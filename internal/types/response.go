package types

import "time"

// Response is the normalized result of one provider call.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AttemptRecord is one call attempt against one provider. Records are
// append-only.
type AttemptRecord struct {
	RequestID        string        `json:"request_id"`
	ProviderID       string        `json:"provider_id"`
	ProviderName     string        `json:"provider_name"`
	Family           string        `json:"family"`
	Cluster          string        `json:"cluster,omitempty"`
	Success          bool          `json:"success"`
	Latency          time.Duration `json:"latency_ns"`
	Usage            Usage         `json:"usage"`
	CostTier         string        `json:"cost_tier"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	Error            string        `json:"error,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}
