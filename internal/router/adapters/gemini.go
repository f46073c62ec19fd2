package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/types"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiAdapter calls the Gemini API through the genai SDK. Clients are cached
// per endpoint and key so credential edits take effect on the next call.
type GeminiAdapter struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiAdapter(client *http.Client) *GeminiAdapter {
	return &GeminiAdapter{
		httpClient: client,
		clients:    make(map[string]*genai.Client),
	}
}

func (a *GeminiAdapter) Family() config.Family { return config.FamilyGemini }

func (a *GeminiAdapter) client(ctx context.Context, endpoint, apiKey string) (*genai.Client, error) {
	key := endpoint + "\x00" + apiKey

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[key]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if endpoint != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: endpoint}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	a.clients[key] = c
	return c, nil
}

func (a *GeminiAdapter) Invoke(ctx context.Context, p config.ProviderConfig, req *types.Request) (*types.Response, error) {
	apiKey := strings.TrimSpace(p.ResolvedCredentials())
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}

	cli, err := a.client(ctx, p.Endpoint, apiKey)
	if err != nil {
		return nil, err
	}

	system, msgs := req.Conversation()
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		c := &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: m.Content}},
		}
		if m.Role == "assistant" {
			c.Role = genai.RoleModel
		}
		contents = append(contents, c)
	}

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		genCfg.Temperature = &t
	}
	if n := maxTokens(p, req, 0); n > 0 {
		genCfg.MaxOutputTokens = int32(n)
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}

	model := p.Model
	if model == "" {
		model = defaultGeminiModel
	}

	resp, err := cli.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	var builder strings.Builder
	var finish string
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		if finish == "" {
			finish = strings.ToLower(string(candidate.FinishReason))
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
		// first candidate with content wins
		if builder.Len() > 0 {
			break
		}
	}
	if builder.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	out := &types.Response{
		Content:      builder.String(),
		Model:        model,
		FinishReason: finish,
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = types.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}
