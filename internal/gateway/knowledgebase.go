package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"go.uber.org/zap"

	"misorachat/internal/logger"
	"misorachat/internal/models"
)

// NoAnswerText is returned when the knowledge base produced no text.
const NoAnswerText = "The knowledge base returned no answer."

// RetrieveAndGenerateAPI is the Bedrock agent runtime call used here.
type RetrieveAndGenerateAPI interface {
	RetrieveAndGenerate(ctx context.Context, params *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
}

// KnowledgeBase answers with retrieval-augmented generation. Earlier turns
// are not replayed.
type KnowledgeBase struct {
	api             RetrieveAndGenerateAPI
	knowledgeBaseID string
	modelARN        string
	log             *zap.Logger
}

func NewKnowledgeBase(api RetrieveAndGenerateAPI, knowledgeBaseID, modelARN string, log *zap.Logger) *KnowledgeBase {
	return &KnowledgeBase{
		api:             api,
		knowledgeBaseID: knowledgeBaseID,
		modelARN:        modelARN,
		log:             logger.Component(log, "gateway.knowledge_base"),
	}
}

func (k *KnowledgeBase) Generate(ctx context.Context, history []models.Message) (string, error) {
	if k.api == nil {
		return "", upstreamError("knowledge base", errors.New("client not configured"))
	}
	prompt := EffectivePrompt(history)
	k.log.Debug("querying knowledge base", zap.String("knowledge_base", k.knowledgeBaseID))

	out, err := k.api.RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{Text: aws.String(prompt)},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type: types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(k.knowledgeBaseID),
				ModelArn:        aws.String(k.modelARN),
			},
		},
	})
	if err != nil {
		return "", upstreamError("knowledge base", err)
	}
	if out == nil || out.Output == nil || strings.TrimSpace(aws.ToString(out.Output.Text)) == "" {
		k.log.Warn("knowledge base returned no text", zap.String("knowledge_base", k.knowledgeBaseID))
		return NoAnswerText, nil
	}
	return aws.ToString(out.Output.Text), nil
}
