package config

// DefaultDocument is the routing configuration restored by a reset. Credentials
// reference environment variables so nothing secret is persisted.
func DefaultDocument() *Document {
	providers := []ProviderConfig{
		{
			ID:          "gemini-flash",
			Name:        "Gemini Flash",
			Family:      FamilyGemini,
			Credentials: "${GEMINI_API_KEY}",
			Model:       "gemini-2.5-flash",
			Weight:      2,
			MaxTokens:   8192,
			TimeoutMs:   30000,
			Priority:    1,
			CostTier:    CostFree,
			Enabled:     true,
		},
		{
			ID:          "deepseek-chat",
			Name:        "DeepSeek Chat",
			Family:      FamilyOpenAI,
			Endpoint:    "https://api.deepseek.com/v1",
			Credentials: "${DEEPSEEK_API_KEY}",
			Model:       "deepseek-chat",
			Weight:      1,
			MaxTokens:   8192,
			TimeoutMs:   45000,
			Priority:    2,
			CostTier:    CostFree,
			Enabled:     true,
		},
		{
			ID:          "openai-gpt4o-mini",
			Name:        "OpenAI GPT-4o mini",
			Family:      FamilyOpenAI,
			Endpoint:    "https://api.openai.com/v1",
			Credentials: "${OPENAI_API_KEY}",
			Model:       "gpt-4o-mini",
			Weight:      1,
			MaxTokens:   4096,
			TimeoutMs:   30000,
			Priority:    3,
			CostTier:    CostPaid,
			Enabled:     true,
			Pricing:     &PriceEntry{Input: 0.00015, Output: 0.0006},
		},
		{
			ID:          "anthropic-haiku",
			Name:        "Claude Haiku",
			Family:      FamilyAnthropic,
			Endpoint:    "https://api.anthropic.com/v1",
			Credentials: "${ANTHROPIC_API_KEY}",
			Model:       "claude-3-5-haiku-latest",
			Weight:      1,
			MaxTokens:   4096,
			TimeoutMs:   30000,
			Priority:    4,
			CostTier:    CostPaid,
			Enabled:     true,
			Pricing:     &PriceEntry{Input: 0.0008, Output: 0.004},
			Headers:     map[string]string{"anthropic-version": "2023-06-01"},
		},
	}

	all := make([]string, 0, len(providers))
	for _, p := range providers {
		all = append(all, p.ID)
	}

	return &Document{
		Providers: providers,
		Clusters: []ClusterConfig{
			{
				Name:                  "resume-parsing",
				Strategy:              StrategyPerformanceBased,
				MaxConcurrentRequests: 8,
				RequestTimeoutMs:      60000,
				ProviderIDs:           append([]string(nil), all...),
			},
			{
				Name:                  "resume-rewriting",
				Strategy:              StrategyWeightedRoundRobin,
				MaxConcurrentRequests: 4,
				RequestTimeoutMs:      90000,
				ProviderIDs:           []string{"gemini-flash", "deepseek-chat", "openai-gpt4o-mini"},
			},
			{
				Name:                  "interview-scoring",
				Strategy:              StrategyLeastConnections,
				MaxConcurrentRequests: 6,
				RequestTimeoutMs:      45000,
				ProviderIDs:           []string{"gemini-flash", "deepseek-chat", "anthropic-haiku"},
			},
		},
	}
}
