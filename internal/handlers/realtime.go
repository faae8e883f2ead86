package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relay/internal/realtime"
)

const widgetSessionTTL = 24 * time.Hour

// RealtimeHandler upgrades websocket connections and manages room
// subscriptions. Dashboard sockets carry a tenant token; widget sockets carry
// a per-session token minted by CreateWidgetSession.
type RealtimeHandler struct {
	hub      *realtime.Hub
	secret   string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewRealtimeHandler(log *slog.Logger, hub *realtime.Hub, secret string) *RealtimeHandler {
	return &RealtimeHandler{
		hub:    hub,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Widgets are embedded on customer sites; origin is not a trust
			// boundary here, the session token is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "realtime")),
	}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/realtime/ws", h.Connect)
	e.POST("/widget/sessions", h.CreateWidgetSession)
}

// subscribeCommand is the client-to-server message on a dashboard socket.
type subscribeCommand struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
}

// Connect upgrades the connection and joins the rooms the session token
// grants. Tenant sockets may additionally join and leave conversation rooms;
// widget sockets are pinned to their session room.
func (h *RealtimeHandler) Connect(c echo.Context) error {
	claims, err := realtime.ParseSessionToken(h.secret, c.QueryParam("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := h.hub.Attach(conn)

	switch {
	case claims.SessionID != "":
		h.hub.Join(client, realtime.WidgetRoom(claims.SessionID))
	case claims.TenantID != "":
		h.hub.Join(client, realtime.TenantRoom(claims.TenantID))
	default:
		h.hub.Detach(client)
		return nil
	}

	go h.readPump(conn, client, claims)
	return nil
}

func (h *RealtimeHandler) readPump(conn *websocket.Conn, client *realtime.Client, claims realtime.SessionClaims) {
	defer h.hub.Detach(client)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Only tenant sockets manage subscriptions.
		if claims.TenantID == "" {
			continue
		}
		var cmd subscribeCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.ConversationID == "" {
			continue
		}
		switch cmd.Action {
		case "join":
			h.hub.Join(client, realtime.ConversationRoom(cmd.ConversationID))
		case "leave":
			h.hub.Leave(client, realtime.ConversationRoom(cmd.ConversationID))
		}
	}
}

type widgetSessionResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// CreateWidgetSession mints the session ID and websocket token a widget
// embed connects with.
func (h *RealtimeHandler) CreateWidgetSession(c echo.Context) error {
	sessionID := uuid.NewString()
	token, err := realtime.NewSessionToken(h.secret, "", sessionID, widgetSessionTTL)
	if err != nil {
		h.logger.Error("widget token mint failed", slog.String("error", err.Error()))
		return echo.NewHTTPError(http.StatusInternalServerError, "session creation failed")
	}
	return c.JSON(http.StatusCreated, widgetSessionResponse{SessionID: sessionID, Token: token})
}
