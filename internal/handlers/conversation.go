package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/message"
)

const defaultMessagePage = 50

// ConversationStore is the dashboard's read/write view of conversations.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (conversation.Conversation, error)
	ListLive(ctx context.Context, accountID string) ([]conversation.Conversation, error)
	SetStatus(ctx context.Context, conversationID string, status conversation.Status) error
}

// MessageStore persists and lists messages for the dashboard.
type MessageStore interface {
	Persist(ctx context.Context, input message.PersistInput) (message.Message, bool, error)
	Recent(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
}

// DeliveryScheduler enqueues outbound messages for platform delivery.
type DeliveryScheduler interface {
	ScheduleDelivery(ctx context.Context, conv conversation.Conversation, msg message.Message) error
}

// Notifier fans events to realtime subscribers.
type Notifier interface {
	PublishConversation(conversationID, event string, payload any)
	PublishTenant(tenantID, event string, payload any)
}

// ConversationHandler serves the dashboard conversation API. Routes here sit
// behind JWT middleware.
type ConversationHandler struct {
	conversations ConversationStore
	messages      MessageStore
	pipeline      DeliveryScheduler
	events        Notifier
	logger        *slog.Logger
}

func NewConversationHandler(log *slog.Logger, conversations ConversationStore, messages MessageStore, pipeline DeliveryScheduler, events Notifier) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		pipeline:      pipeline,
		events:        events,
		logger:        log.With(slog.String("handler", "conversation")),
	}
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	group := e.Group("/api/conversations")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PUT("/:id/status", h.SetStatus)
	group.GET("/:id/messages", h.ListMessages)
	group.POST("/:id/messages", h.SendMessage)
}

// List returns the live conversations of one channel account.
func (h *ConversationHandler) List(c echo.Context) error {
	accountID := c.QueryParam("account_id")
	if accountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id is required")
	}
	convs, err := h.conversations.ListLive(c.Request().Context(), accountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, convs)
}

func (h *ConversationHandler) Get(c echo.Context) error {
	conv, err := h.conversations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus moves a conversation between open and closed and announces the
// change on the tenant room.
func (h *ConversationHandler) SetStatus(c echo.Context) error {
	var req setStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	status, err := conversation.ParseStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	conv, err := h.conversations.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.conversations.SetStatus(ctx, conv.ID, status); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	conv.Status = status
	h.events.PublishTenant(conv.TenantID, "conversation.updated", conv)
	return c.JSON(http.StatusOK, conv)
}

// ListMessages returns the most recent messages of a conversation, capped by
// the limit query parameter.
func (h *ConversationHandler) ListMessages(c echo.Context) error {
	limit := defaultMessagePage
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	msgs, err := h.messages.Recent(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage persists an agent reply and schedules its platform delivery.
func (h *ConversationHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	ctx := c.Request().Context()
	conv, err := h.conversations.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if conv.Status == conversation.StatusClosed {
		return echo.NewHTTPError(http.StatusConflict, "conversation is closed")
	}

	msg, _, err := h.messages.Persist(ctx, message.PersistInput{
		ConversationID: conv.ID,
		Role:           message.RoleAgent,
		Text:           req.Text,
		SourceTs:       time.Now().UnixMilli(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.events.PublishConversation(conv.ID, "message.created", msg)
	h.events.PublishTenant(conv.TenantID, "message.created", msg)

	if err := h.pipeline.ScheduleDelivery(ctx, conv, msg); err != nil {
		h.logger.Error("delivery scheduling failed",
			slog.String("conversation_id", conv.ID),
			slog.String("error", err.Error()),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "delivery scheduling failed")
	}
	return c.JSON(http.StatusAccepted, msg)
}
