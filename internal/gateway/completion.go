package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"misorachat/internal/logger"
	"misorachat/internal/models"
)

// Completion asks a chat model directly.
type Completion struct {
	chat         model.BaseChatModel
	systemPrompt string
	maxTokens    int
	log          *zap.Logger
}

func NewCompletion(chat model.BaseChatModel, systemPrompt string, maxTokens int, log *zap.Logger) *Completion {
	return &Completion{
		chat:         chat,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		log:          logger.Component(log, "gateway.completion"),
	}
}

func (c *Completion) Generate(ctx context.Context, history []models.Message) (string, error) {
	if c.chat == nil {
		return "", upstreamError("completion", errors.New("chat model not configured"))
	}
	prompt := EffectivePrompt(history)
	input := make([]*schema.Message, 0, 2)
	if c.systemPrompt != "" {
		input = append(input, schema.SystemMessage(c.systemPrompt))
	}
	input = append(input, schema.UserMessage(prompt))

	var opts []model.Option
	if c.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(c.maxTokens))
	}
	c.log.Debug("asking chat model", zap.Int("prompt_len", len(prompt)))
	out, err := c.chat.Generate(ctx, input, opts...)
	if err != nil {
		return "", upstreamError("completion", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", upstreamError("completion", errors.New("empty answer"))
	}
	return out.Content, nil
}
