package accounts

import (
	"bytes"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("test-seal-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := sealer.Seal("EAAB-page-access-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("EAAB-page-access-token")) {
		t.Fatal("sealed credential leaks plaintext")
	}
	got, err := sealer.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if got != "EAAB-page-access-token" {
		t.Fatalf("unsealed = %q", got)
	}
}

func TestSealerNonceVaries(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("test-seal-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	a, _ := sealer.Seal("same secret")
	b, _ := sealer.Seal("same secret")
	if bytes.Equal(a, b) {
		t.Fatal("sealing the same plaintext twice must not repeat ciphertext")
	}
}

func TestSealerRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("test-seal-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := sealer.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := sealer.Unseal(sealed); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	t.Parallel()

	sealer, _ := NewSealer("key-one")
	other, _ := NewSealer("key-two")
	sealed, err := sealer.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := other.Unseal(sealed); err == nil {
		t.Fatal("expected failure unsealing with a different key")
	}
}

func TestSealerRejectsTruncatedInput(t *testing.T) {
	t.Parallel()

	sealer, _ := NewSealer("key")
	if _, err := sealer.Unseal([]byte("short")); err == nil {
		t.Fatal("expected error for input shorter than the nonce")
	}
}

func TestNewSealerRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer(""); err == nil {
		t.Fatal("expected error for empty seal key")
	}
}
