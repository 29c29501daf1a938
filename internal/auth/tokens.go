package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"civika.it/internal/ids"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// TokenConfig carries signing material. Access and refresh tokens must use different secrets.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// AccessClaims authorize a request. They are never accepted where refresh claims are expected.
type AccessClaims struct {
	Email       string            `json:"email"`
	Roles       []string          `json:"roles"`
	Permissions []PermissionEntry `json:"permissions"`
	TokenUse    string            `json:"token_use"`
	jwt.RegisteredClaims
}

// PermissionSet returns the embedded permissions as a set.
func (c *AccessClaims) PermissionSet() PermissionSet {
	return NewPermissionSet(c.Permissions...)
}

// RefreshClaims identify a subject only and carry no authorization data.
type RefreshClaims struct {
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenCodec mints and verifies access and refresh JWTs (HS256).
type TokenCodec struct {
	cfg TokenConfig
	now func() time.Time
}

// TokenOption configures a TokenCodec.
type TokenOption func(*TokenCodec)

// WithTokenClock overrides the clock used for issuing and validating tokens.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCodec validates cfg and returns a codec.
func NewTokenCodec(cfg TokenConfig, opts ...TokenOption) (*TokenCodec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	c := &TokenCodec{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL is the access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.cfg.AccessTTL }

// RefreshTTL is the refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }

// IssueAccessToken signs an access token and returns it with its expiry.
func (c *TokenCodec) IssueAccessToken(subjectID, email string, roles []string, perms []PermissionEntry) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(c.cfg.AccessTTL)
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []PermissionEntry{}
	}
	claims := AccessClaims{
		Email:       email,
		Roles:       roles,
		Permissions: perms,
		TokenUse:    tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefreshToken signs a refresh token and returns it with its expiry.
func (c *TokenCodec) IssueRefreshToken(subjectID string) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(c.cfg.RefreshTTL)
	claims := RefreshClaims{
		TokenUse: tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.RefreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, issuer, audience and expiry in one pass.
// Every failure is reported as ErrInvalidToken.
func (c *TokenCodec) VerifyAccessToken(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, keyFunc(c.cfg.AccessSecret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != tokenUseAccess || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefreshToken returns the subject of a valid refresh token, or ErrInvalidToken.
func (c *TokenCodec) VerifyRefreshToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}
	claims := &RefreshClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, keyFunc(c.cfg.RefreshSecret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.TokenUse != tokenUseRefresh || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func keyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		return secret, nil
	}
}

// HashToken returns the hex SHA-256 digest stored in place of a raw refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
