// Package server assembles the echo application: middleware, JWT gating, and
// handler registration.
package server

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relaydesk/relay/internal/auth"
	"github.com/relaydesk/relay/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(log *slog.Logger, addr string, jwtSecret string, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, conversationHandler *handlers.ConversationHandler, realtimeHandler *handlers.RealtimeHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if webhookHandler != nil {
		webhookHandler.Register(e)
	}
	if conversationHandler != nil {
		conversationHandler.Register(e)
	}
	if realtimeHandler != nil {
		realtimeHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT exempts paths that authenticate some other way: webhooks use
// platform signatures, websockets use session tokens, and widget session
// minting is anonymous by the nature of the embed flow.
func shouldSkipJWT(path string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	if strings.HasPrefix(path, "/webhooks/") {
		return true
	}
	if path == "/realtime/ws" || path == "/widget/sessions" {
		return true
	}
	return false
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}
