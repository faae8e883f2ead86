package handlers

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relay/internal/channel"
)

// maxWebhookBody caps inbound payload size at 1 MiB.
const maxWebhookBody = 1 << 20

// AccountLookup loads the channel account a webhook is addressed to, either
// by its stored ID or by the platform-side recipient ID the payload carries.
type AccountLookup interface {
	Get(ctx context.Context, accountID string) (channel.Account, error)
	GetByPlatformRecipient(ctx context.Context, platform channel.Platform, recipientID string) (channel.Account, error)
}

// EventScheduler hands verified inbound events to the pipeline.
type EventScheduler interface {
	Schedule(ctx context.Context, account channel.Account, ev channel.InboundEvent) error
}

// WebhookHandler terminates platform webhooks. One route serves all
// registered platforms; the adapter picked by the path decides signature
// scheme and payload shape.
type WebhookHandler struct {
	registry *channel.Registry
	accounts AccountLookup
	pipeline EventScheduler
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, accounts AccountLookup, pipeline EventScheduler) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		accounts: accounts,
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:platform/:account_id", h.Verify)
	e.POST("/webhooks/:platform/:account_id", h.Receive)
}

// Verify answers the subscription handshake that page and direct-message
// platforms perform before delivering events. The challenge is echoed back
// only when the verify token matches the account's webhook secret.
func (h *WebhookHandler) Verify(c echo.Context) error {
	account, _, err := h.resolveTarget(c)
	if err != nil {
		return err
	}
	token := c.QueryParam("hub.verify_token")
	if c.QueryParam("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(account.WebhookSecret)) != 1 {
		return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Receive takes an inbound platform delivery, verifies its signature and
// schedules every parsed event.
func (h *WebhookHandler) Receive(c echo.Context) error {
	account, adapter, err := h.resolveTarget(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	if err := adapter.VerifySignature(c.Request().Header, body, account.WebhookSecret); err != nil {
		h.logger.Warn("webhook signature rejected",
			slog.String("platform", account.Platform.String()),
			slog.String("account_id", account.ID),
		)
		return echo.NewHTTPError(http.StatusForbidden, "signature verification failed")
	}

	// Platforms redeliver on non-2xx. Past the signature gate every failure
	// is acknowledged with 200 and handled through the queue's retry path.
	events, err := adapter.ParseEvents(body)
	if err != nil {
		h.logger.Warn("webhook payload unparseable",
			slog.String("platform", account.Platform.String()),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ctx := c.Request().Context()
	for _, ev := range events {
		if ev.RecipientID == "" {
			ev.RecipientID = recipientFallback(account)
		}
		if err := h.pipeline.Schedule(ctx, account, ev); err != nil {
			h.logger.Error("event scheduling failed",
				slog.String("account_id", account.ID),
				slog.String("sender_id", ev.SenderID),
				slog.String("error", err.Error()),
			)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) resolveTarget(c echo.Context) (channel.Account, channel.Adapter, error) {
	platform, err := channel.ParsePlatform(c.Param("platform"))
	if err != nil {
		return channel.Account{}, nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	adapter, err := h.registry.Get(platform)
	if err != nil {
		return channel.Account{}, nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	// Graph-style platforms address accounts by the page or app ID rather
	// than our stored UUID, so a failed ID lookup falls back to the
	// platform-side recipient ID.
	target := c.Param("account_id")
	account, err := h.accounts.Get(c.Request().Context(), target)
	if err != nil {
		account, err = h.accounts.GetByPlatformRecipient(c.Request().Context(), platform, target)
		if err != nil {
			return channel.Account{}, nil, echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
	}
	if account.Platform != platform {
		return channel.Account{}, nil, echo.NewHTTPError(http.StatusNotFound, "account not found")
	}
	return account, adapter, nil
}

// recipientFallback fills the recipient slot for platforms whose webhook
// payload does not carry one (bot-token updates address the bot implicitly).
func recipientFallback(account channel.Account) string {
	if id := account.Attributes["platform_account_id"]; id != "" {
		return id
	}
	return account.ID
}
