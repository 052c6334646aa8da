package token

import (
	"context"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/session"
)

// IssuerConfig tunes token issuance.
type IssuerConfig struct {
	Secret     []byte
	Issuer     string
	DefaultTTL time.Duration
	// BaseURL is the check-in page the access link points at; the token is
	// carried in the "t" query parameter.
	BaseURL string
	// SingleActive records the latest nonce per session so superseded tokens
	// can be rejected. Requires Nonces.
	SingleActive bool
}

// Issuer mints attendance tokens for sessions.
type Issuer struct {
	cfg      IssuerConfig
	sessions session.Provider
	nonces   SessionNonceStore
	now      func() time.Time
}

// NewIssuer creates an issuer. nonces may be nil when the single-active
// policy is off.
func NewIssuer(cfg IssuerConfig, sessions session.Provider, nonces SessionNonceStore) *Issuer {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return &Issuer{cfg: cfg, sessions: sessions, nonces: nonces, now: time.Now}
}

// Issue mints a token for the session and renders it as a QR code and link.
// ttl <= 0 uses the configured default. The caller is trusted to have
// authorized facilitatorID for this session. Returns session.ErrNotFound
// when the session id does not resolve.
func (i *Issuer) Issue(ctx context.Context, sessionID, facilitatorID string, ttl time.Duration) (Bundle, error) {
	if _, err := i.sessions.Lookup(ctx, sessionID); err != nil {
		return Bundle{}, err
	}
	if ttl <= 0 {
		ttl = i.cfg.DefaultTTL
	}

	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	nonce := uuid.NewString()

	claims := Claims{
		SessionID:     sessionID,
		FacilitatorID: facilitatorID,
		Nonce:         nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return Bundle{}, err
	}

	if i.cfg.SingleActive && i.nonces != nil {
		if err := i.nonces.SetLatest(ctx, sessionID, nonce, ttl); err != nil {
			return Bundle{}, err
		}
	}

	link := i.cfg.BaseURL + "?t=" + url.QueryEscape(signed)
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		Token:      signed,
		QRPayload:  link,
		QRPNG:      png,
		AccessLink: link,
		ExpiresAt:  expiresAt,
	}, nil
}
