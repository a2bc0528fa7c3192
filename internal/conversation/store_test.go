package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misorachat/internal/models"
	"misorachat/internal/session"
	"misorachat/internal/store"
	"misorachat/internal/store/memory"
)

// reversedBackend returns messages newest first.
type reversedBackend struct {
	store.Backend
}

func (r reversedBackend) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	msgs, err := r.Backend.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// countingBackend records how many conversations were created.
type countingBackend struct {
	store.Backend
	mu      sync.Mutex
	created int
}

func (c *countingBackend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return c.Backend.CreateConversation(ctx, conv)
}

// blindBackend lists nothing, like an index that has not caught up yet.
type blindBackend struct {
	store.Backend
}

func (blindBackend) ListMessages(context.Context, string) ([]models.Message, error) {
	return []models.Message{}, nil
}

func fixedClock(ms int64) func() int64 {
	return func() int64 { return ms }
}

func newTestStore(backend store.Backend, now func() int64) *Store {
	return New(backend, session.NewMemoryStore("Default User"), Options{SelectNew: true, Now: now})
}

func TestGetCurrentCreatesOnce(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: memory.New()}
	s := newTestStore(backend, nil)

	first, err := s.GetCurrent(ctx, "")
	require.NoError(t, err)
	second, err := s.GetCurrent(ctx, session.DefaultID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, backend.created)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)
	assert.NotNil(t, first.Messages)
}

func TestGetCurrentConcurrentCallersShareConversation(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: memory.New()}
	s := newTestStore(backend, nil)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := s.GetCurrent(ctx, "s1")
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, backend.created)
}

func TestAppendInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.New(), fixedClock(1000))

	conv, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)

	first, err := s.Append(ctx, conv.ID, models.RoleUser, "hi")
	require.NoError(t, err)
	second, err := s.Append(ctx, conv.ID, models.RoleAssistant, "hello")
	require.NoError(t, err)

	// Same wall clock still yields strictly increasing timestamps.
	assert.Greater(t, first.Timestamp, conv.CreatedAt)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Timestamp, got.UpdatedAt)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, second.ID, got.Messages[1].ID)
}

func TestAppendUnknownConversation(t *testing.T) {
	s := newTestStore(memory.New(), nil)
	_, err := s.Append(context.Background(), "ghost", models.RoleUser, "x")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append(context.Background(), "ghost", models.Role("system"), "x")
	require.Error(t, err)
}

func TestListMessagesSortsBackendOutput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(reversedBackend{Backend: memory.New()}, nil)

	conv, err := s.Create(ctx, "s1")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := s.Append(ctx, conv.ID, models.RoleUser, text)
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	_, err = s.ListMessages(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.New(), fixedClock(5))
	conv, err := s.Create(ctx, "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Append(ctx, conv.ID, models.RoleUser, "x")
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	seen := make(map[int64]bool)
	for i, m := range msgs {
		assert.False(t, seen[m.Timestamp], "duplicate timestamp %d", m.Timestamp)
		seen[m.Timestamp] = true
		if i > 0 {
			assert.Greater(t, m.Timestamp, msgs[i-1].Timestamp)
		}
	}
	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[49].Timestamp, got.UpdatedAt)
	assert.Zero(t, s.convLocks.size())
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.New(), nil)
	conv, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	_, err = s.Append(ctx, conv.ID, models.RoleUser, "hi")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, conv.ID))
	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	updated := got.UpdatedAt

	require.NoError(t, s.Clear(ctx, conv.ID))
	got, err = s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.Equal(t, updated, got.UpdatedAt)
	assert.Equal(t, conv.ID, got.ID)

	require.ErrorIs(t, s.Clear(ctx, "ghost"), ErrNotFound)
}

func TestClearDeletesDespiteLaggingList(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	s := newTestStore(blindBackend{Backend: inner}, nil)
	conv, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	_, err = s.Append(ctx, conv.ID, models.RoleUser, "hi")
	require.NoError(t, err)
	before, err := inner.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, conv.ID))

	stored, err := inner.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
	after, err := inner.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestDeleteCurrentStartsFresh(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(memory.New(), nil)
	conv, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "s1", conv.ID))
	_, err = s.Get(ctx, conv.ID)
	require.ErrorIs(t, err, ErrNotFound)

	next, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, next.ID)

	require.ErrorIs(t, s.Delete(ctx, "s1", conv.ID), ErrNotFound)
}

func TestDanglingPointerHeals(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore("Default User")
	s := New(memory.New(), sessions, Options{SelectNew: true})
	require.NoError(t, sessions.SetCurrent(ctx, "s1", "vanished"))

	conv, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, "vanished", conv.ID)

	se, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, se.CurrentConversationID)
}

func TestCreateRespectsSelection(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore("Default User")
	s := New(memory.New(), sessions, Options{SelectNew: false})

	current, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	created, err := s.Create(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, current.ID, created.ID)

	again, err := s.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, current.ID, again.ID)

	selecting := New(memory.New(), session.NewMemoryStore("x"), Options{SelectNew: true})
	created, err = selecting.Create(ctx, "s1")
	require.NoError(t, err)
	again, err = selecting.GetCurrent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
}
