package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// Config holds OpenAI connection settings.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// Backend executes generation calls against the OpenAI chat completions
// API.
type Backend struct {
	client *openai.Client
	logger *logrus.Logger
}

// New creates an OpenAI backend.
func New(cfg Config, logger *logrus.Logger) *Backend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Backend{
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

func (b *Backend) Name() string {
	return "openai"
}

// Execute performs one chat completion call.
func (b *Backend) Execute(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	began := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, buildRequest(ref, req))
	latency := time.Since(began)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"model": ref.Model,
			"error": err.Error(),
		}).Warn("OpenAI API call failed")
		return nil, classify(ref, err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewRouteError(types.ErrKindProvider, ref, "completion returned no choices", nil)
	}

	return &types.GenerateResponse{
		ID:       resp.ID,
		Output:   resp.Choices[0].Message.Content,
		Provider: ref.Provider,
		Model:    ref.Model,
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason: string(resp.Choices[0].FinishReason),
		Latency:      latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Ping checks reachability and credentials via the models endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.ListModels(ctx); err != nil {
		return classify(types.ModelRef{Provider: "openai"}, err)
	}
	return nil
}

// buildRequest converts a routed request into the chat completions
// shape: optional system message, then the user input.
func buildRequest(ref types.ModelRef, req *types.GenerateRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	out := openai.ChatCompletionRequest{
		Model:    ref.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out
}

// classify maps SDK errors onto route error kinds using the upstream
// status code when one is present.
func classify(ref types.ModelRef, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := backend.ClassifyStatus(apiErr.HTTPStatusCode)
		return types.NewRouteError(kind, ref, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := backend.ClassifyStatus(reqErr.HTTPStatusCode)
		return types.NewRouteError(kind, ref, reqErr.Error(), err)
	}
	return backend.ClassifyTransport(ref, err)
}

var _ backend.Backend = (*Backend)(nil)
