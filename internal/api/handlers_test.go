package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"misorachat/internal/chat"
	"misorachat/internal/conversation"
	"misorachat/internal/gateway"
	"misorachat/internal/models"
	"misorachat/internal/session"
	"misorachat/internal/store/memory"
	"misorachat/internal/worker"
)

type testServer struct {
	router *gin.Engine
	gw     *switchGateway
}

// switchGateway answers with answer, or fails when err is set.
type switchGateway struct {
	answer string
	err    error
}

func (g *switchGateway) Generate(_ context.Context, history []models.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if g.answer != "" {
		return g.answer, nil
	}
	return "echo: " + gateway.EffectivePrompt(history), nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessions := session.NewMemoryStore("Default User")
	convs := conversation.New(memory.New(), sessions, conversation.Options{SelectNew: true})
	queue := worker.NewManager(worker.Config{})
	t.Cleanup(queue.Stop)
	gw := &switchGateway{}
	svc := chat.NewService(convs, sessions, gw, queue, nil)
	return &testServer{router: NewRouter(NewHandler(svc, nil), nil), gw: gw}
}

func doJSONRequest(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status: want %d got %d body=%s", want, rec.Code, rec.Body.String())
	}
}

type conversationResponse struct {
	Conversation struct {
		ID        string           `json:"id"`
		Messages  []models.Message `json:"messages"`
		CreatedAt int64            `json:"createdAt"`
		UpdatedAt int64            `json:"updatedAt"`
	} `json:"conversation"`
	Response string `json:"response"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func TestChatFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var current conversationResponse
	decodeJSON(t, rec, &current)
	if current.Conversation.ID == "" || current.Conversation.Messages == nil || len(current.Conversation.Messages) != 0 {
		t.Fatalf("unexpected initial conversation: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "What is the capital of Japan?"}, nil)
	assertStatus(t, rec, http.StatusOK)
	var turn conversationResponse
	decodeJSON(t, rec, &turn)
	if turn.Conversation.ID != current.Conversation.ID {
		t.Fatalf("turn ran on %s, want %s", turn.Conversation.ID, current.Conversation.ID)
	}
	if len(turn.Conversation.Messages) != 2 {
		t.Fatalf("want 2 messages got %d", len(turn.Conversation.Messages))
	}
	user, assistant := turn.Conversation.Messages[0], turn.Conversation.Messages[1]
	if user.Role != models.RoleUser || assistant.Role != models.RoleAssistant {
		t.Fatalf("unexpected roles %s/%s", user.Role, assistant.Role)
	}
	if turn.Response != "echo: What is the capital of Japan?" || turn.Response != assistant.Content {
		t.Fatalf("unexpected response %q", turn.Response)
	}

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, nil)
	decodeJSON(t, rec, &current)
	if len(current.Conversation.Messages) != 2 || current.Conversation.UpdatedAt != assistant.Timestamp {
		t.Fatalf("conversation not updated: %s", rec.Body.String())
	}

	rec = doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/conversation", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var msg map[string]string
	decodeJSON(t, rec, &msg)
	if msg["message"] == "" {
		t.Fatalf("missing clear message")
	}

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, nil)
	decodeJSON(t, rec, &current)
	if len(current.Conversation.Messages) != 0 || current.Conversation.ID != turn.Conversation.ID {
		t.Fatalf("conversation not cleared: %s", rec.Body.String())
	}
}

func TestSendMessageValidation(t *testing.T) {
	srv := newTestServer(t)

	for _, body := range []interface{}{map[string]string{}, map[string]string{"message": "   "}} {
		rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", body, nil)
		assertStatus(t, rec, http.StatusBadRequest)
		var resp errorResponse
		decodeJSON(t, rec, &resp)
		if resp.Error == "" {
			t.Fatalf("missing error text")
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.gw.err = errors.New("bedrock exploded")

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hello"}, nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	var resp errorResponse
	decodeJSON(t, rec, &resp)
	if resp.Error != "failed to get a response from the model" {
		t.Fatalf("unexpected error text %q", resp.Error)
	}

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, nil)
	var current conversationResponse
	decodeJSON(t, rec, &current)
	if len(current.Conversation.Messages) != 1 || current.Conversation.Messages[0].Content != "hello" {
		t.Fatalf("user message should stay stored: %s", rec.Body.String())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	srv := newTestServer(t)
	a := map[string]string{SessionHeader: "alice"}
	b := map[string]string{SessionHeader: "bob"}

	var convA, convB conversationResponse
	decodeJSON(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, a), &convA)
	decodeJSON(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, b), &convB)
	if convA.Conversation.ID == convB.Conversation.ID {
		t.Fatalf("sessions share a conversation")
	}

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/conversation/new", nil, a)
	assertStatus(t, rec, http.StatusOK)
	var created conversationResponse
	decodeJSON(t, rec, &created)
	if created.Conversation.ID == convA.Conversation.ID {
		t.Fatalf("new conversation reused id")
	}

	decodeJSON(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, a), &convA)
	if convA.Conversation.ID != created.Conversation.ID {
		t.Fatalf("new conversation should become current")
	}
}

func TestConversationByID(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
	var turn conversationResponse
	decodeJSON(t, rec, &turn)
	id := turn.Conversation.ID

	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "again", "conversationId": id}, nil)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversations/"+id, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var got conversationResponse
	decodeJSON(t, rec, &got)
	if len(got.Conversation.Messages) != 4 {
		t.Fatalf("want 4 messages got %d", len(got.Conversation.Messages))
	}

	rec = doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/conversations/"+id, nil, nil)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversations/"+id, nil, nil)
	assertStatus(t, rec, http.StatusNotFound)
	rec = doJSONRequest(t, srv.router, http.MethodDelete, "/api/chat/conversations/"+id, nil, nil)
	assertStatus(t, rec, http.StatusNotFound)
	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "x", "conversationId": id}, nil)
	assertStatus(t, rec, http.StatusNotFound)

	decodeJSON(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/conversation", nil, nil), &got)
	if got.Conversation.ID == id {
		t.Fatalf("deleted conversation still current")
	}
}

func TestUserEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/user", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var user map[string]string
	decodeJSON(t, rec, &user)
	if user["userName"] != "Default User" {
		t.Fatalf("unexpected default user %q", user["userName"])
	}

	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/user", map[string]string{"userName": ""}, nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/user", map[string]string{"userName": "Misora"}, nil)
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec, &user)
	if user["userName"] != "Misora" {
		t.Fatalf("user not updated: %q", user["userName"])
	}

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/chat/hello", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "Hello Misora" {
		t.Fatalf("unexpected greeting %q", rec.Body.String())
	}
}

// stubService fails every call with err.
type stubService struct {
	ChatService
	err error
}

func (s stubService) RunTurn(context.Context, chat.TurnRequest) (*chat.TurnResult, error) {
	return nil, s.err
}

func (s stubService) Conversation(context.Context, string) (*models.Conversation, error) {
	return nil, s.err
}

func TestErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"busy", &chat.Error{Kind: chat.KindPersistence, Op: "queue turn", Err: worker.ErrQueueFull}, http.StatusTooManyRequests},
		{"persistence", &chat.Error{Kind: chat.KindPersistence, Op: "append", Err: errors.New("disk")}, http.StatusInternalServerError},
		{"upstream", &chat.Error{Kind: chat.KindUpstream, Op: "generate", Err: gateway.ErrUpstream}, http.StatusInternalServerError},
		{"not found", &chat.Error{Kind: chat.KindNotFound, Op: "load", Err: conversation.ErrNotFound}, http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(NewHandler(stubService{err: tc.err}, nil), nil)
			rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
			assertStatus(t, rec, tc.want)
			var resp errorResponse
			decodeJSON(t, rec, &resp)
			if resp.Error == "" {
				t.Fatalf("missing error body")
			}
			if tc.want == http.StatusInternalServerError && resp.Error == "disk" {
				t.Fatalf("internal cause leaked")
			}
		})
	}
}

func TestHealthzAndHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security header")
	}
}
