package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relay/internal/realtime"
)

func TestCreateWidgetSession(t *testing.T) {
	t.Parallel()

	h := NewRealtimeHandler(slog.Default(), realtime.NewHub(nil), "session-secret")
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/widget/sessions", nil)
	rec := httptest.NewRecorder()
	if err := h.CreateWidgetSession(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateWidgetSession: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var resp struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" || resp.Token == "" {
		t.Fatalf("response = %+v", resp)
	}

	claims, err := realtime.ParseSessionToken("session-secret", resp.Token)
	if err != nil {
		t.Fatalf("ParseSessionToken: %v", err)
	}
	if claims.SessionID != resp.SessionID {
		t.Fatalf("token session = %q, response session = %q", claims.SessionID, resp.SessionID)
	}
	if claims.TenantID != "" {
		t.Fatalf("widget token must not carry a tenant claim, got %q", claims.TenantID)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	t.Parallel()

	h := NewRealtimeHandler(slog.Default(), realtime.NewHub(nil), "session-secret")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/realtime/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	err := h.Connect(e.NewContext(req, rec))
	if err == nil {
		t.Fatal("expected error for invalid token")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("error = %v, want 401", err)
	}
}
