package realtime

import (
	"testing"
	"time"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	t.Parallel()

	token, err := NewSessionToken("secret", "tenant-1", "", time.Minute)
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	claims, err := ParseSessionToken("secret", token)
	if err != nil {
		t.Fatalf("ParseSessionToken: %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.SessionID != "" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSessionTokenWidgetClaims(t *testing.T) {
	t.Parallel()

	token, err := NewSessionToken("secret", "", "sess-9", time.Minute)
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	claims, err := ParseSessionToken("secret", token)
	if err != nil {
		t.Fatalf("ParseSessionToken: %v", err)
	}
	if claims.SessionID != "sess-9" || claims.TenantID != "" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSessionTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	token, err := NewSessionToken("secret", "tenant-1", "", time.Minute)
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	if _, err := ParseSessionToken("other", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestSessionTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	token, err := NewSessionToken("secret", "tenant-1", "", -time.Minute)
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	if _, err := ParseSessionToken("secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestRoomNames(t *testing.T) {
	t.Parallel()

	if got := ConversationRoom("c1"); got != "conversation:c1" {
		t.Fatalf("ConversationRoom = %q", got)
	}
	if got := TenantRoom("t1"); got != "tenant:t1" {
		t.Fatalf("TenantRoom = %q", got)
	}
	if got := WidgetRoom("s1"); got != "widget:s1" {
		t.Fatalf("WidgetRoom = %q", got)
	}
}
