// Package token issues and verifies the signed session credentials used by
// the privileged API. Tokens are self-contained: tampering and expiry are
// caught here, while account standing is re-checked by the caller at verify
// time.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "zettanote-admin"

// Kind discriminates the two session flavors. A restricted token is valid
// only for the first-login password rotation.
type Kind string

const (
	KindFull       Kind = "admin-full"
	KindRestricted Kind = "admin-restricted"
)

// Default lifetimes per kind. Overridable only by the issuing side.
const (
	FullTTL       = 4 * time.Hour
	RestrictedTTL = 15 * time.Minute
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// algorithm, expiry, unknown kind. Callers get no finer detail by design.
var ErrInvalidToken = errors.New("invalid token")

// Claims carried by privileged session tokens.
type Claims struct {
	Role string `json:"role"`
	Kind Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// AccountID returns the subject claim.
func (c *Claims) AccountID() string { return c.Subject }

// Issuer signs and verifies privileged session tokens with HS256.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer from a signing secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	iss := &Issuer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Issue signs a token for the account. ttl <= 0 selects the default lifetime
// for the kind; only the issuing side ever chooses a TTL.
func (i *Issuer) Issue(accountID, role string, kind Kind, ttl time.Duration) (string, time.Time, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, errors.New("token: account id is required")
	}
	if kind != KindFull && kind != KindRestricted {
		return "", time.Time{}, errors.New("token: unknown kind")
	}
	if ttl <= 0 {
		ttl = FullTTL
		if kind == KindRestricted {
			ttl = RestrictedTTL
		}
	}

	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry and the kind discriminator. Tokens minted
// for ordinary users carry no recognized kind and are rejected here before
// any account lookup happens.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.Kind != KindFull && claims.Kind != KindRestricted {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
