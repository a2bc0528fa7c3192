package dynamo

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misorachat/internal/models"
	"misorachat/internal/store"
)

// fakeDynamo understands only the expressions the backend issues.
type fakeDynamo struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	pageSize int
	queries  int
}

func newFakeDynamo(pageSize int) *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]types.AttributeValue), pageSize: pageSize}
}

func keyOf(item map[string]types.AttributeValue) string {
	return item["id"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table(aws.ToString(in.TableName))[keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(aws.ToString(in.TableName))[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.table(aws.ToString(in.TableName))[keyOf(in.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	item["updatedAt"] = in.ExpressionAttributeValues[":u"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.table(aws.ToString(in.TableName)), keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	cid := in.ExpressionAttributeValues[":cid"].(*types.AttributeValueMemberS).Value
	var ids []string
	for id, item := range f.table(aws.ToString(in.TableName)) {
		if item["conversationId"].(*types.AttributeValueMemberS).Value == cid {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(in.ExclusiveStartKey) > 0 {
		after := keyOf(in.ExclusiveStartKey)
		idx := sort.SearchStrings(ids, after)
		if idx < len(ids) && ids[idx] == after {
			idx++
		}
		ids = ids[idx:]
	}
	out := &dynamodb.QueryOutput{}
	for i, id := range ids {
		if f.pageSize > 0 && i == f.pageSize {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: ids[i-1]}}
			break
		}
		out.Items = append(out.Items, f.table(aws.ToString(in.TableName))[id])
	}
	return out, nil
}

func newTestBackend(pageSize int) (*Backend, *fakeDynamo) {
	fake := newFakeDynamo(pageSize)
	return NewWithAPI(fake, Tables{Conversations: "Conversation", Messages: "Message", ConversationIndex: "byConversationId"}), fake
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(0)

	require.NoError(t, b.CreateConversation(ctx, &models.Conversation{ID: "c1", CreatedAt: 5, UpdatedAt: 5}))
	conv, err := b.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), conv.UpdatedAt)

	require.NoError(t, b.TouchConversation(ctx, "c1", 9))
	conv, err = b.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), conv.UpdatedAt)

	require.ErrorIs(t, b.TouchConversation(ctx, "ghost", 1), store.ErrNotFound)
	_, err = b.GetConversation(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessagesArePagedAndCleared(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestBackend(2)

	require.NoError(t, b.CreateConversation(ctx, &models.Conversation{ID: "c1"}))
	require.NoError(t, b.CreateConversation(ctx, &models.Conversation{ID: "c2"}))
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.AppendMessage(ctx, &models.Message{ID: id, ConversationID: "c1", Role: models.RoleUser, Content: id, Timestamp: int64(i)}))
	}
	require.NoError(t, b.AppendMessage(ctx, &models.Message{ID: "z", ConversationID: "c2", Role: models.RoleAssistant, Content: "other", Timestamp: 1}))
	require.ErrorIs(t, b.AppendMessage(ctx, &models.Message{ID: "x", ConversationID: "ghost", Role: models.RoleUser}), store.ErrNotFound)

	msgs, err := b.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
	assert.Equal(t, 3, fake.queries)

	require.NoError(t, b.DeleteMessages(ctx, "c1"))
	msgs, err = b.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	other, err := b.ListMessages(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, models.RoleAssistant, other[0].Role)

	require.NoError(t, b.DeleteConversation(ctx, "c2"))
	_, err = b.GetConversation(ctx, "c2")
	require.ErrorIs(t, err, store.ErrNotFound)
}
