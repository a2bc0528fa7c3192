package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"misorachat/internal/chat"
	"misorachat/internal/logger"
	"misorachat/internal/models"
	"misorachat/internal/session"
	"misorachat/internal/worker"
)

// SessionHeader carries the client's session id.
const SessionHeader = "X-Session-ID"

// ChatService is the orchestrator surface the handlers use.
type ChatService interface {
	RunTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	Conversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	NewConversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	ClearCurrent(ctx context.Context, sessionID string) (*models.Conversation, error)
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	Delete(ctx context.Context, sessionID, id string) error
	Profile(ctx context.Context, sessionID string) (*models.Session, error)
	SetUserName(ctx context.Context, sessionID, name string) (*models.Session, error)
}

// Handler wires HTTP routes to the chat service.
type Handler struct {
	chat ChatService
	log  *zap.Logger
}

func NewHandler(svc ChatService, log *zap.Logger) *Handler {
	return &Handler{chat: svc, log: logger.Component(log, "api")}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/user", h.getUser)
	api.POST("/user", h.updateUser)

	chatRoutes := api.Group("/chat")
	chatRoutes.GET("/hello", h.hello)
	chatRoutes.GET("/conversation", h.currentConversation)
	chatRoutes.POST("/conversation/new", h.newConversation)
	chatRoutes.DELETE("/conversation", h.clearConversation)
	chatRoutes.GET("/conversations/:id", h.getConversation)
	chatRoutes.DELETE("/conversations/:id", h.deleteConversation)
	chatRoutes.POST("", h.sendMessage)
}

func sessionID(c *gin.Context) string {
	return session.NormalizeID(c.GetHeader(SessionHeader))
}

type conversationView struct {
	ID        string           `json:"id"`
	Messages  []models.Message `json:"messages"`
	CreatedAt int64            `json:"createdAt"`
	UpdatedAt int64            `json:"updatedAt"`
}

func viewOf(conv *models.Conversation) conversationView {
	messages := conv.Messages
	if messages == nil {
		messages = []models.Message{}
	}
	return conversationView{ID: conv.ID, Messages: messages, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt}
}

func (h *Handler) hello(c *gin.Context) {
	profile, err := h.chat.Profile(c.Request.Context(), sessionID(c))
	if err != nil {
		h.writeError(c, err, "failed to load user")
		return
	}
	c.String(http.StatusOK, "Hello %s", profile.UserName)
}

func (h *Handler) currentConversation(c *gin.Context) {
	conv, err := h.chat.Conversation(c.Request.Context(), sessionID(c))
	if err != nil {
		h.writeError(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": viewOf(conv)})
}

func (h *Handler) newConversation(c *gin.Context) {
	conv, err := h.chat.NewConversation(c.Request.Context(), sessionID(c))
	if err != nil {
		h.writeError(c, err, "failed to create conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": viewOf(conv)})
}

func (h *Handler) clearConversation(c *gin.Context) {
	if _, err := h.chat.ClearCurrent(c.Request.Context(), sessionID(c)); err != nil {
		h.writeError(c, err, "failed to clear conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation cleared"})
}

func (h *Handler) getConversation(c *gin.Context) {
	conv, err := h.chat.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": viewOf(conv)})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	if err := h.chat.Delete(c.Request.Context(), sessionID(c), c.Param("id")); err != nil {
		h.writeError(c, err, "failed to delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

type sendMessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.chat.RunTurn(c.Request.Context(), chat.TurnRequest{
		SessionID:      sessionID(c),
		ConversationID: req.ConversationID,
		Text:           req.Message,
	})
	if err != nil {
		h.writeError(c, err, "failed to get a response from the model")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": gin.H{
			"id":       res.ConversationID,
			"messages": []models.Message{res.UserMessage, res.AssistantMessage},
		},
		"response": res.AssistantMessage.Content,
	})
}

type userRequest struct {
	UserName string `json:"userName"`
}

func (h *Handler) getUser(c *gin.Context) {
	profile, err := h.chat.Profile(c.Request.Context(), sessionID(c))
	if err != nil {
		h.writeError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userName": profile.UserName})
}

func (h *Handler) updateUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	profile, err := h.chat.SetUserName(c.Request.Context(), sessionID(c), req.UserName)
	if err != nil {
		h.writeError(c, err, "failed to update user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userName": profile.UserName})
}

// writeError maps err to a status code. Server-side failures get the public
// message; the cause is only logged.
func (h *Handler) writeError(c *gin.Context, err error, public string) {
	if errors.Is(err, worker.ErrQueueFull) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		return
	}
	switch chat.KindOf(err) {
	case chat.KindInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": clientMessage(err)})
		return
	case chat.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	case chat.KindUpstream:
		h.log.Warn("upstream failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": public})
		return
	}
	h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": public})
}

func clientMessage(err error) string {
	var ce *chat.Error
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return strings.TrimSpace(err.Error())
}
