// Package auth implements the session nonce handed back in a
// JoinGame response (spec.md §4.5): an HMAC-SHA256 token binding the
// assigned ParticipantConnection slot id and issue time, so a stale
// response cannot be replayed against a slot that has since been
// recycled to a different connection.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidNonce indicates the nonce failed signature or structural checks.
	ErrInvalidNonce = errors.New("invalid session nonce")
	// ErrExpiredNonce signals that the nonce's lifetime has elapsed.
	ErrExpiredNonce = errors.New("session nonce expired")
)

// SessionIssuer issues and verifies session nonces binding a
// ParticipantConnection slot id to the time it was assigned.
type SessionIssuer struct {
	secret []byte
	now    func() time.Time
	ttl    time.Duration
}

// NewSessionIssuer constructs an issuer for the supplied shared secret
// and nonce lifetime.
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), now: time.Now, ttl: ttl}, nil
}

// Issue mints a nonce for slotID at the issuer's current time.
func (s *SessionIssuer) Issue(slotID uint16) string {
	payload := make([]byte, 10)
	binary.LittleEndian.PutUint16(payload[0:2], slotID)
	binary.LittleEndian.PutUint64(payload[2:10], uint64(s.now().Unix()))
	sig := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks the nonce's signature and expiry, returning the slot
// id it was issued for.
func (s *SessionIssuer) Verify(nonce string) (uint16, error) {
	parts := strings.SplitN(nonce, ".", 2)
	if len(parts) != 2 {
		return 0, ErrInvalidNonce
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(payload) != 10 {
		return 0, ErrInvalidNonce
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, ErrInvalidNonce
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return 0, ErrInvalidNonce
	}
	slotID := binary.LittleEndian.Uint16(payload[0:2])
	issuedAt := time.Unix(int64(binary.LittleEndian.Uint64(payload[2:10])), 0)
	if s.now().After(issuedAt.Add(s.ttl)) {
		return 0, ErrExpiredNonce
	}
	return slotID, nil
}

func (s *SessionIssuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// WithClock overrides the issuer's clock, enabling deterministic unit tests.
func (s *SessionIssuer) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.now = clock
}
