package gateway

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"misorachat/internal/config"
)

// New builds the configured gateway wrapped in the configured bounds.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (Gateway, error) {
	modelID := cfg.GatewayModel()
	var inner Gateway
	switch mode := cfg.GatewayMode(); mode {
	case config.GatewayKnowledgeBase:
		if cfg.AWS.KnowledgeBaseID == "" {
			return nil, fmt.Errorf("%w: knowledge base id is required", config.ErrInvalid)
		}
		if modelID == "" {
			return nil, fmt.Errorf("%w: knowledge base mode requires a model arn", config.ErrInvalid)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		inner = NewKnowledgeBase(bedrockagentruntime.NewFromConfig(awsCfg), cfg.AWS.KnowledgeBaseID, modelID, log)
	case config.GatewayCompletion:
		chat, err := newChatModel(ctx, cfg, modelID)
		if err != nil {
			return nil, err
		}
		inner = NewCompletion(chat, cfg.Gateway.SystemPrompt, cfg.Gateway.MaxTokens, log)
	default:
		return nil, fmt.Errorf("%w: unsupported gateway mode %q", config.ErrInvalid, mode)
	}
	return NewBounded(inner, cfg.Gateway.Timeout, cfg.Gateway.MaxRetries), nil
}

func newChatModel(ctx context.Context, cfg *config.Config, modelID string) (model.BaseChatModel, error) {
	if modelID == "" {
		return nil, fmt.Errorf("%w: no model configured for provider %s", config.ErrInvalid, cfg.Gateway.Provider)
	}
	provCfg := cfg.Providers[cfg.Gateway.Provider]
	maxTokens := cfg.Gateway.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var (
		chat model.BaseChatModel
		err  error
	)
	switch cfg.Gateway.Provider {
	case "bedrock":
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			ByBedrock: true,
			Region:    cfg.AWS.Region,
			Model:     modelID,
			MaxTokens: maxTokens,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelID,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	case "openai":
		chat, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelID,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chat, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelID,
		})
	default:
		return nil, fmt.Errorf("%w: invalid provider: %s", config.ErrInvalid, cfg.Gateway.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.Gateway.Provider, err)
	}
	return chat, nil
}
