package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/types"
)

// The messages API requires max_tokens; used when the caller sets none.
const defaultMaxTokens = 1024

// Config holds Anthropic connection settings.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// PingModel is the model used for reachability checks. Cheapest
	// available by default.
	PingModel string `yaml:"ping_model"`
}

// Backend executes generation calls against the Anthropic messages API.
type Backend struct {
	client    *anthropic.Client
	pingModel string
	logger    *logrus.Logger
}

// New creates an Anthropic backend.
func New(cfg Config, logger *logrus.Logger) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	pingModel := cfg.PingModel
	if pingModel == "" {
		pingModel = "claude-3-5-haiku-20241022"
	}

	client := anthropic.NewClient(opts...)
	return &Backend{
		client:    &client,
		pingModel: pingModel,
		logger:    logger,
	}
}

func (b *Backend) Name() string {
	return "anthropic"
}

// Execute performs one messages call.
func (b *Backend) Execute(ctx context.Context, ref types.ModelRef, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	began := time.Now()
	msg, err := b.client.Messages.New(ctx, buildParams(ref, req))
	latency := time.Since(began)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"model": ref.Model,
			"error": err.Error(),
		}).Warn("Anthropic API call failed")
		return nil, classify(ref, err)
	}

	var output strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			output.WriteString(block.Text)
		}
	}

	return &types.GenerateResponse{
		ID:       msg.ID,
		Output:   output.String(),
		Provider: ref.Provider,
		Model:    ref.Model,
		Usage: types.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason: string(msg.StopReason),
		Latency:      latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Ping sends a one-token message to the cheapest model.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(b.pingModel),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		return classify(types.ModelRef{Provider: "anthropic"}, err)
	}
	return nil
}

// buildParams converts a routed request into the messages API shape.
// System prompts ride in the dedicated system field; max_tokens always
// carries a value because the API requires one.
func buildParams(ref types.ModelRef, req *types.GenerateRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ref.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System, Type: "text"},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	return params
}

// classify maps SDK errors onto route error kinds using the upstream
// status code when one is present.
func classify(ref types.ModelRef, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := backend.ClassifyStatus(apiErr.StatusCode)
		return types.NewRouteError(kind, ref, apiErr.Error(), err)
	}
	return backend.ClassifyTransport(ref, err)
}

var _ backend.Backend = (*Backend)(nil)
