// Package chat runs chat turns: it validates the text, stores the user
// message, asks the gateway and stores the answer.
package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"misorachat/internal/conversation"
	"misorachat/internal/gateway"
	"misorachat/internal/logger"
	"misorachat/internal/models"
	"misorachat/internal/session"
)

// TurnQueue runs fn after all earlier work queued for key.
type TurnQueue interface {
	Do(ctx context.Context, key string, fn func(context.Context) error) error
}

type TurnRequest struct {
	SessionID string
	// ConversationID targets a specific conversation. Empty means the
	// session's current one.
	ConversationID string
	Text           string
}

type TurnResult struct {
	ConversationID   string
	UserMessage      models.Message
	AssistantMessage models.Message
}

type Service struct {
	conversations *conversation.Store
	sessions      session.Store
	gateway       gateway.Gateway
	queue         TurnQueue
	log           *zap.Logger
}

func NewService(conversations *conversation.Store, sessions session.Store, gw gateway.Gateway, queue TurnQueue, log *zap.Logger) *Service {
	return &Service{
		conversations: conversations,
		sessions:      sessions,
		gateway:       gw,
		queue:         queue,
		log:           logger.Component(log, "chat"),
	}
}

// RunTurn executes one turn. Turns on the same conversation run one after
// another. When generation fails the user message stays stored and the
// error has KindUpstream.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	t := newTurn(s.log)

	t.enter(StateValidating)
	if strings.TrimSpace(req.Text) == "" {
		return nil, t.fail(&Error{Kind: KindInvalidInput, Op: "validate", Err: ErrEmptyMessage})
	}

	t.enter(StatePersistingUser)
	conv, err := s.resolve(ctx, req)
	if err != nil {
		return nil, t.fail(err)
	}
	t.conversationID = conv.ID

	type outcome struct {
		result *TurnResult
		err    *Error
	}
	done := make(chan outcome, 1)
	qerr := s.queue.Do(ctx, conv.ID, func(ctx context.Context) error {
		t.start()
		result, err := s.runLocked(ctx, t, conv.ID, req.Text)
		done <- outcome{result: result, err: err}
		if err != nil {
			return err
		}
		return nil
	})
	var ce *Error
	if qerr != nil && !errors.As(qerr, &ce) {
		if !errors.Is(qerr, context.Canceled) && !errors.Is(qerr, context.DeadlineExceeded) {
			return nil, t.fail(&Error{Kind: KindPersistence, Op: "queue turn", Err: qerr})
		}
		select {
		case out := <-done:
			// Finished just as the caller gave up.
			if out.err != nil {
				return nil, out.err
			}
			t.enter(StateDone)
			return out.result, nil
		default:
			return nil, t.abort(qerr)
		}
	}
	out := <-done
	if out.err != nil {
		return nil, out.err
	}
	t.enter(StateDone)
	return out.result, nil
}

func (s *Service) runLocked(ctx context.Context, t *turn, conversationID, text string) (*TurnResult, *Error) {
	userMsg, err := s.conversations.Append(ctx, conversationID, models.RoleUser, text)
	if err != nil {
		return nil, t.fail(classify("append user message", KindPersistence, err))
	}

	t.enter(StateGenerating)
	history, err := s.conversations.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, t.fail(classify("load history", KindPersistence, err))
	}
	history = withMessage(history, *userMsg)

	answer, err := s.gateway.Generate(ctx, history)
	if err != nil {
		if !errors.Is(err, gateway.ErrUpstream) {
			err = errors.Join(gateway.ErrUpstream, err)
		}
		return nil, t.fail(&Error{Kind: KindUpstream, Op: "generate", Err: err})
	}

	t.enter(StatePersistingAssistant)
	assistantMsg, err := s.conversations.Append(ctx, conversationID, models.RoleAssistant, answer)
	if err != nil {
		return nil, t.fail(classify("append assistant message", KindPersistence, err))
	}
	return &TurnResult{
		ConversationID:   conversationID,
		UserMessage:      *userMsg,
		AssistantMessage: *assistantMsg,
	}, nil
}

func (s *Service) resolve(ctx context.Context, req TurnRequest) (*models.Conversation, *Error) {
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		conv, err := s.conversations.Get(ctx, id)
		if err != nil {
			return nil, classify("load conversation", KindPersistence, err)
		}
		return conv, nil
	}
	conv, err := s.conversations.GetCurrent(ctx, req.SessionID)
	if err != nil {
		return nil, classify("load current conversation", KindPersistence, err)
	}
	return conv, nil
}

// withMessage makes sure msg is part of history. A lagging backend may not
// list a message that was just written.
func withMessage(history []models.Message, msg models.Message) []models.Message {
	for _, m := range history {
		if m.ID == msg.ID {
			return history
		}
	}
	history = append(history, msg)
	models.SortMessages(history)
	return history
}

// Conversation returns the session's current conversation.
func (s *Service) Conversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	conv, err := s.conversations.GetCurrent(ctx, sessionID)
	if err != nil {
		return nil, classify("load current conversation", KindPersistence, err)
	}
	return conv, nil
}

func (s *Service) NewConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	conv, err := s.conversations.Create(ctx, sessionID)
	if err != nil {
		return nil, classify("create conversation", KindPersistence, err)
	}
	return conv, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, classify("load conversation", KindPersistence, err)
	}
	return conv, nil
}

// ClearCurrent empties the session's current conversation after any turn
// already running on it.
func (s *Service) ClearCurrent(ctx context.Context, sessionID string) (*models.Conversation, error) {
	conv, err := s.conversations.GetCurrent(ctx, sessionID)
	if err != nil {
		return nil, classify("load current conversation", KindPersistence, err)
	}
	err = s.queue.Do(ctx, conv.ID, func(ctx context.Context) error {
		return s.conversations.Clear(ctx, conv.ID)
	})
	if err != nil {
		return nil, classify("clear conversation", KindPersistence, err)
	}
	conv.Messages = []models.Message{}
	return conv, nil
}

// Delete removes a conversation after any turn already running on it.
func (s *Service) Delete(ctx context.Context, sessionID, id string) error {
	err := s.queue.Do(ctx, id, func(ctx context.Context) error {
		return s.conversations.Delete(ctx, sessionID, id)
	})
	if err != nil {
		return classify("delete conversation", KindPersistence, err)
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, sessionID string) (*models.Session, error) {
	se, err := s.sessions.Get(ctx, session.NormalizeID(sessionID))
	if err != nil {
		return nil, classify("load session", KindPersistence, err)
	}
	return se, nil
}

func (s *Service) SetUserName(ctx context.Context, sessionID, name string) (*models.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &Error{Kind: KindInvalidInput, Op: "set user name", Err: errors.New("userName is required")}
	}
	id := session.NormalizeID(sessionID)
	if err := s.sessions.SetUserName(ctx, id, name); err != nil {
		return nil, classify("set user name", KindPersistence, err)
	}
	return s.Profile(ctx, id)
}
