package generate

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// chatClient is the subset of *openai.Client used here.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIOpts configures an OpenAIGenerator.
type OpenAIOpts struct {
	BaseURL          string
	APIKey           string
	Models           map[StageKind]string
	TextTemperature  float32
	CodeTemperature  float32
	MaxTokens        int
	MaxResponseBytes int
	Prompts          *Prompts
	Logger           *slog.Logger
	Client           chatClient // overrides BaseURL/APIKey, for tests
}

// OpenAIGenerator talks to any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client           chatClient
	models           map[StageKind]string
	textTemp         float32
	codeTemp         float32
	maxTokens        int
	maxResponseBytes int
	prompts          *Prompts
	logger           *slog.Logger
}

// NewOpenAIGenerator validates opts and builds a generator.
func NewOpenAIGenerator(opts OpenAIOpts) (*OpenAIGenerator, error) {
	if opts.Prompts == nil {
		return nil, fmt.Errorf("generate: prompts are required")
	}
	for _, kind := range AllStages {
		if opts.Models[kind] == "" {
			return nil, fmt.Errorf("generate: no model configured for %s", kind)
		}
	}
	client := opts.Client
	if client == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("generate: api key is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		client = openai.NewClientWithConfig(cfg)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		client:           client,
		models:           opts.Models,
		textTemp:         opts.TextTemperature,
		codeTemp:         opts.CodeTemperature,
		maxTokens:        opts.MaxTokens,
		maxResponseBytes: opts.MaxResponseBytes,
		prompts:          opts.Prompts,
		logger:           logger,
	}, nil
}

// ModelsFor maps every stage to a model, using the code model for all
// code-producing stages and the plan model for the visual plan.
func ModelsFor(analysis, script, plan, code string) map[StageKind]string {
	return map[StageKind]string{
		StageAnalysis:    analysis,
		StageScript:      script,
		StageVisualPlan:  plan,
		StageCode:        code,
		StageCodeFix:     code,
		StageCodeImprove: code,
	}
}

// Generate runs one chat completion for req.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, req.Kind)
	}
	system, user, err := g.prompts.Render(req)
	if err != nil {
		return "", err
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user}
	if req.Kind == StageAnalysis && len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		userMsg = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: user},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		}
	}

	temp := g.textTemp
	if req.Kind.ProducesCode() || req.Kind == StageVisualPlan {
		temp = g.codeTemp
	}
	creq := openai.ChatCompletionRequest{
		Model:       g.models[req.Kind],
		Temperature: temp,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			userMsg,
		},
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("generate: %s completion: %w", req.Kind, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %s returned no choices", ErrEmptyResponse, req.Kind)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyResponse, req.Kind)
	}

	if g.maxResponseBytes > 0 && len(text) > g.maxResponseBytes {
		g.logger.Warn("truncating oversized response",
			"stage", req.Kind, "bytes", len(text), "limit", g.maxResponseBytes)
		text = truncateUTF8(text, g.maxResponseBytes)
	}

	g.logger.Debug("generation complete",
		"stage", req.Kind,
		"model", creq.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"elapsed", time.Since(start))
	return text, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
