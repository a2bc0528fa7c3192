// Package dynamo stores conversations and messages in DynamoDB tables shaped
// like the Amplify data models: a Conversation table keyed by id and a Message
// table keyed by id with a secondary index on conversationId.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"misorachat/internal/config"
	"misorachat/internal/models"
	"misorachat/internal/store"
)

// API is the subset of the DynamoDB client used by the backend.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Tables struct {
	Conversations string
	Messages      string
	// ConversationIndex is the GSI on Message.conversationId.
	ConversationIndex string
}

type Backend struct {
	api    API
	tables Tables
}

type conversationItem struct {
	ID        string `dynamodbav:"id"`
	CreatedAt int64  `dynamodbav:"createdAt"`
	UpdatedAt int64  `dynamodbav:"updatedAt"`
}

type messageItem struct {
	ID             string `dynamodbav:"id"`
	ConversationID string `dynamodbav:"conversationId"`
	Role           string `dynamodbav:"role"`
	Content        string `dynamodbav:"content"`
	Timestamp      int64  `dynamodbav:"timestamp"`
}

// New builds a backend from the AWS default credential chain.
func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := cfg.Store.DynamoDB.Endpoint
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewWithAPI(client, Tables{
		Conversations:     cfg.Store.DynamoDB.ConversationsTable,
		Messages:          cfg.Store.DynamoDB.MessagesTable,
		ConversationIndex: cfg.Store.DynamoDB.ConversationIndex,
	}), nil
}

// NewWithAPI wires an existing client, mostly for tests.
func NewWithAPI(api API, tables Tables) *Backend {
	return &Backend{api: api, tables: tables}
}

func (b *Backend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("conversation id is required")
	}
	item, err := attributevalue.MarshalMap(conversationItem{ID: conv.ID, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt})
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if _, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tables.Conversations),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (b *Backend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tables.Conversations),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	var item conversationItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &models.Conversation{ID: item.ID, CreatedAt: item.CreatedAt, UpdatedAt: item.UpdatedAt}, nil
}

func (b *Backend) TouchConversation(ctx context.Context, id string, updatedAt int64) error {
	_, err := b.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(b.tables.Conversations),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET updatedAt = :u"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberN{Value: strconv.FormatInt(updatedAt, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrNotFound
		}
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (b *Backend) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if _, err := b.GetConversation(ctx, msg.ConversationID); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(messageItem{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tables.Messages),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// ListMessages queries the conversation index. Index reads are eventually
// consistent, so a message written just before may be missing.
func (b *Backend) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	items, err := b.queryMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(items))
	for _, it := range items {
		role, err := models.ParseRole(it.Role)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", it.ID, err)
		}
		messages = append(messages, models.Message{
			ID:             it.ID,
			ConversationID: it.ConversationID,
			Role:           role,
			Content:        it.Content,
			Timestamp:      it.Timestamp,
		})
	}
	return messages, nil
}

func (b *Backend) DeleteMessages(ctx context.Context, conversationID string) error {
	items, err := b.queryMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if _, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(b.tables.Messages),
			Key:       idKey(it.ID),
		}); err != nil {
			return fmt.Errorf("delete message %s: %w", it.ID, err)
		}
	}
	return nil
}

func (b *Backend) DeleteConversation(ctx context.Context, id string) error {
	if err := b.DeleteMessages(ctx, id); err != nil {
		return err
	}
	if _, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.tables.Conversations),
		Key:       idKey(id),
	}); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) queryMessages(ctx context.Context, conversationID string) ([]messageItem, error) {
	var (
		items []messageItem
		start map[string]types.AttributeValue
	)
	for {
		out, err := b.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.tables.Messages),
			IndexName:              aws.String(b.tables.ConversationIndex),
			KeyConditionExpression: aws.String("conversationId = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: conversationID},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		var page []messageItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		items = append(items, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}
