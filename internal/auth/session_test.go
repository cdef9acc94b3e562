package auth

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	issuer, err := NewSessionIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSessionIssuer: %v", err)
	}
	nonce := issuer.Issue(42)
	slotID, err := issuer.Verify(nonce)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if slotID != 42 {
		t.Fatalf("slotID = %d, want 42", slotID)
	}
}

func TestVerifyRejectsTamperedNonce(t *testing.T) {
	issuer, _ := NewSessionIssuer("test-secret", time.Hour)
	nonce := issuer.Issue(1)
	tampered := nonce[:len(nonce)-1] + "x"
	if _, err := issuer.Verify(tampered); err != ErrInvalidNonce {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}

func TestVerifyRejectsExpiredNonce(t *testing.T) {
	start := time.Now()
	clock := start
	issuer, _ := NewSessionIssuer("test-secret", time.Minute)
	issuer.WithClock(func() time.Time { return clock })
	nonce := issuer.Issue(7)
	clock = start.Add(2 * time.Minute)
	if _, err := issuer.Verify(nonce); err != ErrExpiredNonce {
		t.Fatalf("expected ErrExpiredNonce, got %v", err)
	}
}

func TestVerifyRejectsMalformedNonce(t *testing.T) {
	issuer, _ := NewSessionIssuer("test-secret", time.Hour)
	if _, err := issuer.Verify("not-a-nonce"); err != ErrInvalidNonce {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}
