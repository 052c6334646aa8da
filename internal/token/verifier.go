package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig tunes token verification.
type VerifierConfig struct {
	Secret []byte
	Issuer string
	// SingleUse rejects a second redemption of the same nonce by the same
	// user. Requires Redemptions.
	SingleUse bool
	// SingleActive rejects tokens superseded by a newer issuance for the
	// same session; a superseded token reads as expired. Requires Nonces.
	SingleActive bool
}

// Verifier validates attendance tokens.
type Verifier struct {
	cfg         VerifierConfig
	redemptions RedemptionStore
	nonces      SessionNonceStore
	now         func() time.Time
}

// NewVerifier creates a verifier. Either store may be nil when its policy
// is off.
func NewVerifier(cfg VerifierConfig, redemptions RedemptionStore, nonces SessionNonceStore) *Verifier {
	return &Verifier{cfg: cfg, redemptions: redemptions, nonces: nonces, now: time.Now}
}

// Verify checks integrity, expiry, replay policy, and the optional expected
// session, in that order. userID scopes single-use redemption so one shared
// token still admits many distinct trainees; it may be empty to key by nonce
// alone. Side-effect-free except nonce redemption.
func (v *Verifier) Verify(ctx context.Context, tokenString, expectedSessionID, userID string) (Decoded, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTampered
		}
		return v.cfg.Secret, nil
	})
	if err != nil {
		// Expiry wins over signature problems: an expired token is reported
		// as expired whether or not it was also mangled in transit.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Decoded{}, ErrExpired
		}
		return Decoded{}, ErrTampered
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Decoded{}, ErrTampered
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return Decoded{}, ErrTampered
	}
	if claims.ExpiresAt == nil {
		return Decoded{}, ErrTampered
	}

	expiresAt := claims.ExpiresAt.Time
	if v.now().After(expiresAt) {
		return Decoded{}, ErrExpired
	}

	if v.cfg.SingleActive && v.nonces != nil {
		latest, err := v.nonces.Latest(ctx, claims.SessionID)
		if err != nil {
			return Decoded{}, err
		}
		if latest != "" && latest != claims.Nonce {
			return Decoded{}, ErrExpired
		}
	}

	if v.cfg.SingleUse && v.redemptions != nil {
		key := claims.Nonce
		if userID != "" {
			key += ":" + userID
		}
		first, err := v.redemptions.Redeem(ctx, key, time.Until(expiresAt))
		if err != nil {
			return Decoded{}, err
		}
		if !first {
			return Decoded{}, ErrAlreadyUsed
		}
	}

	if expectedSessionID != "" && expectedSessionID != claims.SessionID {
		return Decoded{}, ErrSessionMismatch
	}

	dec := Decoded{
		SessionID:     claims.SessionID,
		FacilitatorID: claims.FacilitatorID,
		Nonce:         claims.Nonce,
		ExpiresAt:     expiresAt,
	}
	if claims.IssuedAt != nil {
		dec.IssuedAt = claims.IssuedAt.Time
	}
	return dec, nil
}
