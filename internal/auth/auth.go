// Package auth implements the shared-secret challenge-response handshake run
// at the start of a control connection.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sc0rp10/bore/internal/proto"
)

var (
	ErrInvalidSecret = errors.New("invalid secret")
	ErrNoChallenge   = errors.New("expected authentication challenge, but no secret was required")
	ErrExpectedAuth  = errors.New("expected authentication message")
)

// Authenticator holds the HMAC key derived from a shared secret.
type Authenticator struct {
	key [sha256.Size]byte
}

func New(secret string) *Authenticator {
	return &Authenticator{key: sha256.Sum256([]byte(secret))}
}

// Answer computes the hex tag for a challenge.
func (a *Authenticator) Answer(challenge uuid.UUID) string {
	mac := hmac.New(sha256.New, a.key[:])
	mac.Write(challenge[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether tag answers challenge.
func (a *Authenticator) Validate(challenge uuid.UUID, tag string) bool {
	got, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.key[:])
	mac.Write(challenge[:])
	return hmac.Equal(got, mac.Sum(nil))
}

// ServerHandshake challenges the peer and verifies its answer.
func (a *Authenticator) ServerHandshake(s *proto.Conn) error {
	challenge := uuid.New()
	if err := s.Send(proto.Challenge(challenge)); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}
	var msg proto.ClientMessage
	if err := s.RecvTimeout(&msg); err != nil {
		return fmt.Errorf("read challenge response: %w", err)
	}
	if msg.Type != proto.ClientAuthenticate {
		return ErrExpectedAuth
	}
	if !a.Validate(challenge, msg.Tag) {
		return ErrInvalidSecret
	}
	return nil
}

// ClientHandshake answers the server's challenge.
func (a *Authenticator) ClientHandshake(s *proto.Conn) error {
	var msg proto.ServerMessage
	if err := s.RecvTimeout(&msg); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if msg.Type != proto.ServerChallenge {
		return ErrNoChallenge
	}
	return s.Send(proto.Authenticate(a.Answer(msg.ID)))
}
