package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/types"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIAdapter handles OpenAI and OpenAI-compatible chat completion APIs.
type OpenAIAdapter struct {
	client *http.Client
}

func NewOpenAIAdapter(client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{client: client}
}

func (a *OpenAIAdapter) Family() config.Family { return config.FamilyOpenAI }

func (a *OpenAIAdapter) Invoke(ctx context.Context, p config.ProviderConfig, req *types.Request) (*types.Response, error) {
	apiKey := p.ResolvedCredentials()
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}

	system, msgs := req.Conversation()
	body := openAIRequestBody{
		Model:       p.Model,
		Temperature: req.Temperature,
	}
	if system != "" {
		body.Messages = append(body.Messages, types.Message{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, msgs...)
	if n := maxTokens(p, req, 0); n > 0 {
		body.MaxTokens = &n
	}
	if req.JSONMode {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	url := strings.TrimRight(endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	setHeaders(httpReq, p.Headers)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	raw, err := readBody(config.FamilyOpenAI, resp)
	if err != nil {
		return nil, err
	}

	var oaiResp openAIResponseBody
	if err := json.Unmarshal(raw, &oaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}
	if len(oaiResp.Choices) == 0 || oaiResp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return &types.Response{
		Content:      oaiResp.Choices[0].Message.Content,
		Model:        oaiResp.Model,
		FinishReason: oaiResp.Choices[0].FinishReason,
		Usage: types.Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

type openAIRequestBody struct {
	Model          string                `json:"model"`
	Messages       []types.Message       `json:"messages"`
	Temperature    *float64              `json:"temperature,omitempty"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
