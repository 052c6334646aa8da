// Package token issues and verifies the short-lived signed tokens a
// facilitator shares with trainees to prove a check-in opportunity. Tokens
// are HS256 JWTs so verification needs no database round trip.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. The attendance service surfaces these to clients
// verbatim; none of them is retryable with the same token.
var (
	ErrTampered        = errors.New("token integrity check failed")
	ErrExpired         = errors.New("token expired")
	ErrAlreadyUsed     = errors.New("token already used")
	ErrSessionMismatch = errors.New("token was issued for a different session")
)

// Claims is the attendance token payload.
type Claims struct {
	SessionID     string `json:"sid"`
	FacilitatorID string `json:"fid"`
	Nonce         string `json:"nonce"`
	jwt.RegisteredClaims
}

// Decoded is the verified token contents returned to callers.
type Decoded struct {
	SessionID     string
	FacilitatorID string
	Nonce         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Bundle is everything a facilitator's client needs to display a token.
type Bundle struct {
	Token      string    `json:"token"`
	QRPayload  string    `json:"qr_payload"`
	QRPNG      []byte    `json:"qr_png,omitempty"`
	AccessLink string    `json:"access_link"`
	ExpiresAt  time.Time `json:"expires_at"`
}
