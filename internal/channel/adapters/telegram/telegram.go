// Package telegram implements the bot-token platform adapter.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relay/internal/channel"
)

// Type is the platform identifier for bot-token channels.
const Type = channel.PlatformBot

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Adapter translates Bot API webhook updates and sends through the Bot API.
type Adapter struct {
	logger *slog.Logger
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI // keyed by bot token
}

// newBotAPI is swapped in tests to avoid the getMe call NewBotAPI performs.
var newBotAPI = func(token string) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPI(token)
}

// New creates a bot-token adapter.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

// Type returns the bot-token platform identifier.
func (a *Adapter) Type() channel.Platform {
	return Type
}

// VerifySignature checks the webhook secret-token header in constant time.
func (a *Adapter) VerifySignature(header http.Header, body []byte, secret string) error {
	provided := header.Get(secretTokenHeader)
	if secret == "" || provided == "" {
		return channel.ErrSignature
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		return channel.ErrSignature
	}
	return nil
}

// ParseEvents converts a Bot API update into canonical events. The recipient
// id is left empty; the webhook layer scopes it to the channel account.
func (a *Adapter) ParseEvents(body []byte) ([]channel.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode bot update: %w", err)
	}

	if cb := update.CallbackQuery; cb != nil && cb.From != nil {
		ev := channel.InboundEvent{
			SenderID:   strconv.FormatInt(cb.From.ID, 10),
			Kind:       channel.KindPostback,
			Text:       cb.Data,
			RawEventID: cb.ID,
		}
		if cb.Message != nil {
			ev.TimestampMs = int64(cb.Message.Date) * 1000
		}
		return []channel.InboundEvent{ev}, nil
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil {
		return nil, nil
	}
	ev := channel.InboundEvent{
		SenderID:    strconv.FormatInt(msg.Chat.ID, 10),
		TimestampMs: int64(msg.Date) * 1000,
		Kind:        channel.KindMessage,
		Text:        msg.Text,
		RawEventID:  strconv.Itoa(msg.MessageID),
	}
	if msg.From.IsBot {
		ev.Kind = channel.KindEcho
	}
	if ev.Text == "" && msg.Caption != "" {
		ev.Text = msg.Caption
	}
	for _, photo := range msg.Photo {
		ev.Attachments = append(ev.Attachments, channel.Attachment{Type: "image", URL: photo.FileID})
	}
	if msg.Document != nil {
		ev.Attachments = append(ev.Attachments, channel.Attachment{Type: "file", URL: msg.Document.FileID})
	}
	return []channel.InboundEvent{ev}, nil
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := newBotAPI(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Send delivers text to a chat id and returns the platform message id.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID, text string) (string, error) {
	bot, err := a.getOrCreateBot(account.AccessToken)
	if err != nil {
		return "", channel.NewPermanentError(channel.CodeTokenRevoked, err)
	}
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return "", channel.NewPermanentError(channel.CodeInvalidRecipient, fmt.Errorf("parse chat id %q: %w", recipientID, err))
	}

	// The Bot API client carries its own timeout; ctx is honored up to the
	// point the request is handed off.
	if err := ctx.Err(); err != nil {
		return "", channel.NewRetryableError(channel.CodeTimeout, err)
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", classifyBotError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func classifyBotError(err error) *channel.SendError {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return channel.NewRetryableError(channel.CodeRateLimited, err)
		case 401:
			return channel.NewPermanentError(channel.CodeTokenRevoked, err)
		case 403:
			return channel.NewPermanentError(channel.CodePermissionDenied, err)
		case 400:
			return channel.NewPermanentError(channel.CodeInvalidRecipient, err)
		}
		if apiErr.Code >= 500 {
			return channel.NewRetryableError(channel.CodeUpstream, err)
		}
	}
	return channel.NewRetryableError(channel.CodeTimeout, err)
}
