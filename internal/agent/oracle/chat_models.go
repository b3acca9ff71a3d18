package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"google.golang.org/genai"

	"github.com/nextseek-chat/server/internal/agent/model"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// NewChatModel creates the chat model configured in cfg.
func NewChatModel(ctx context.Context, cfg model.OracleConfig) (einomodel.BaseChatModel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGemini:
		return newGeminiChatModel(ctx, cfg)
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAIChatModel(cfg.OpenAIAPIKey, cfg.Model, cfg.MaxTokens, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

func newGeminiChatModel(ctx context.Context, cfg model.OracleConfig) (einomodel.BaseChatModel, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiBaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.GeminiBaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens
	gcfg := &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
	if cfg.ThinkingBudget > 0 {
		gcfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(cfg.ThinkingBudget)),
		}
	}

	cm, err := gemini.NewChatModel(ctx, gcfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating oracle model")
		return nil, fmt.Errorf("error creating oracle model: %w", err)
	}
	return cm, nil
}

// OpenAIChatModel adapts the OpenAI Responses API to eino's chat model
// interface. System messages become the request instructions and the
// remaining messages are sent as one text input.
type OpenAIChatModel struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAIChatModel(apiKey, modelName string, maxTokens int, temperature float32) *OpenAIChatModel {
	return &OpenAIChatModel{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		model:       modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (m *OpenAIChatModel) GetType() string { return "OpenAI" }

func (m *OpenAIChatModel) IsCallbacksEnabled() bool { return true }

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (out *schema.Message, err error) {
	conf := &einomodel.Config{Model: m.model, MaxTokens: m.maxTokens, Temperature: m.temperature}
	ctx = callbacks.OnStart(ctx, &einomodel.CallbackInput{Messages: input, Config: conf})
	defer func() {
		if err != nil {
			callbacks.OnError(ctx, err)
		}
	}()

	instructions, text := splitInput(input)
	params := responses.ResponseNewParams{
		Model: m.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(text)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if m.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(m.maxTokens))
	}
	if m.temperature > 0 {
		params.Temperature = openai.Float(float64(m.temperature))
	}

	resp, err := m.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}

	usage := &schema.TokenUsage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	out = &schema.Message{
		Role:         schema.Assistant,
		Content:      resp.OutputText(),
		ResponseMeta: &schema.ResponseMeta{Usage: usage},
	}
	callbacks.OnEnd(ctx, &einomodel.CallbackOutput{
		Message: out,
		Config:  conf,
		TokenUsage: &einomodel.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	})
	return out, nil
}

// Stream returns the full reply as a single chunk.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func splitInput(input []*schema.Message) (instructions, text string) {
	var sys, rest []string
	for _, msg := range input {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role == schema.System {
			sys = append(sys, msg.Content)
			continue
		}
		rest = append(rest, msg.Content)
	}
	return strings.Join(sys, "\n\n"), strings.Join(rest, "\n\n")
}
