package config

import "time"

// Family selects the adapter (wire protocol) used to call a provider.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
)

// Families lists every family the router can dispatch to.
func Families() []Family {
	return []Family{FamilyOpenAI, FamilyAnthropic, FamilyGemini}
}

func (f Family) Known() bool {
	for _, k := range Families() {
		if f == k {
			return true
		}
	}
	return false
}

type CostTier string

const (
	CostFree CostTier = "free"
	CostPaid CostTier = "paid"
)

type Strategy string

const (
	StrategyPerformanceBased   Strategy = "performance_based"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
)

// ProviderConfig is one configured external AI backend.
type ProviderConfig struct {
	ID          string            `yaml:"id" json:"id" validate:"required,max=64"`
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Family      Family            `yaml:"family" json:"family" validate:"required"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	Credentials string            `yaml:"credentials" json:"credentials"`
	Model       string            `yaml:"model" json:"model"`
	Weight      float64           `yaml:"weight" json:"weight" validate:"gt=0"`
	MaxTokens   int               `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	TimeoutMs   int               `yaml:"timeout_ms" json:"timeout_ms" validate:"gte=0"`
	Priority    int               `yaml:"priority" json:"priority"`
	CostTier    CostTier          `yaml:"cost_tier" json:"cost_tier" validate:"oneof=free paid"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Pricing     *PriceEntry       `yaml:"pricing,omitempty" json:"pricing,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// PriceEntry is USD per 1K tokens.
type PriceEntry struct {
	Input  float64 `yaml:"input" json:"input" validate:"gte=0"`
	Output float64 `yaml:"output" json:"output" validate:"gte=0"`
}

// ResolvedCredentials expands ${VAR} placeholders in the stored credentials.
func (p ProviderConfig) ResolvedCredentials() string {
	return ExpandEnvVars(p.Credentials)
}

// Usable reports whether the provider may be selected: enabled and credentialed.
func (p ProviderConfig) Usable() bool {
	return p.Enabled && p.ResolvedCredentials() != ""
}

func (p ProviderConfig) Paid() bool { return p.CostTier == CostPaid }

// Timeout returns the per-call timeout, or def when none is configured.
func (p ProviderConfig) Timeout(def time.Duration) time.Duration {
	if p.TimeoutMs > 0 {
		return time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return def
}

// EstimateCost returns the USD cost of a call given its token usage.
func (p ProviderConfig) EstimateCost(promptTokens, completionTokens int) float64 {
	if p.Pricing == nil {
		return 0
	}
	return float64(promptTokens)/1000*p.Pricing.Input + float64(completionTokens)/1000*p.Pricing.Output
}

// ClusterConfig is a named, concurrency-bounded group of providers for one workload.
type ClusterConfig struct {
	Name                  string   `yaml:"name" json:"name" validate:"required,max=64"`
	Strategy              Strategy `yaml:"strategy" json:"strategy" validate:"oneof=performance_based weighted_round_robin least_connections"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests" json:"max_concurrent_requests" validate:"gt=0"`
	RequestTimeoutMs      int      `yaml:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=0"`
	ProviderIDs           []string `yaml:"provider_ids" json:"provider_ids"`
}

func (c ClusterConfig) RequestTimeout(def time.Duration) time.Duration {
	if c.RequestTimeoutMs > 0 {
		return time.Duration(c.RequestTimeoutMs) * time.Millisecond
	}
	return def
}

// Document is the full persisted routing configuration. Provider order is
// registration order.
type Document struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
	Clusters  []ClusterConfig  `yaml:"clusters" json:"clusters"`
}

// Clone returns a deep copy safe to mutate.
func (d *Document) Clone() *Document {
	if d == nil {
		return &Document{}
	}
	out := &Document{
		Providers: make([]ProviderConfig, len(d.Providers)),
		Clusters:  make([]ClusterConfig, len(d.Clusters)),
	}
	for i, p := range d.Providers {
		if p.Pricing != nil {
			price := *p.Pricing
			p.Pricing = &price
		}
		if p.Headers != nil {
			h := make(map[string]string, len(p.Headers))
			for k, v := range p.Headers {
				h[k] = v
			}
			p.Headers = h
		}
		out.Providers[i] = p
	}
	for i, c := range d.Clusters {
		c.ProviderIDs = append([]string(nil), c.ProviderIDs...)
		out.Clusters[i] = c
	}
	return out
}
