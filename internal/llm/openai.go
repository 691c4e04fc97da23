package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIResponder answers through the OpenAI chat-completion API instead of
// the hosted query service. Selected with llm.provider: openai.
type OpenAIResponder struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	fallback    string
	logger      *zap.Logger
}

func NewOpenAIResponder(apiKey, model string, maxTokens int, temperature float64, fallback string, logger *zap.Logger) *OpenAIResponder {
	return &OpenAIResponder{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		fallback:    fallback,
		logger:      logger,
	}
}

func (r *OpenAIResponder) Ask(ctx context.Context, req Request) string {
	prompt := req.Question
	if req.MediaContext != "" && !strings.Contains(prompt, "MEDIA CONTENT:") {
		prompt = fmt.Sprintf("%s\n\n[Media content: %s]", prompt, req.MediaContext)
	}

	resp, err := r.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: r.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   r.maxTokens,
			Temperature: float32(r.temperature),
			User:        req.ContextID,
		},
	)
	if err != nil {
		r.logger.Error("OpenAI completion failed",
			zap.Error(err),
			zap.String("context_id", req.ContextID))
		return r.fallback
	}

	if len(resp.Choices) == 0 {
		r.logger.Error("OpenAI returned no choices",
			zap.String("context_id", req.ContextID))
		return r.fallback
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content)
}
