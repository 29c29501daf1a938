package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testCodec(t *testing.T, now func() time.Time) *TokenCodec {
	t.Helper()
	c, err := NewTokenCodec(TokenConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		Issuer:        "civika.it",
		Audience:      "civika.it",
	}, WithTokenClock(now))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return c
}

func TestNewTokenCodecRejectsSharedSecret(t *testing.T) {
	_, err := NewTokenCodec(TokenConfig{AccessSecret: []byte("x"), RefreshSecret: []byte("x"), Issuer: "civika.it"})
	if err == nil {
		t.Fatal("expected error for identical secrets")
	}
	if _, err := NewTokenCodec(TokenConfig{AccessSecret: []byte("x"), Issuer: "civika.it"}); err == nil {
		t.Fatal("expected error for missing refresh secret")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := testCodec(t, func() time.Time { return now })
	perms := []PermissionEntry{{Resource: "contents", Action: "read", Scope: ScopeAll}}

	tok, exp, err := c.IssueAccessToken("user-1", "a@b.it", []string{"editor"}, perms)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if got := exp.Sub(now); got != 15*time.Minute {
		t.Fatalf("access lifetime = %v, want 15m", got)
	}
	claims, err := c.VerifyAccessToken(tok)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@b.it" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "editor" {
		t.Fatalf("roles not preserved: %v", claims.Roles)
	}
	if !claims.PermissionSet().Has("contents", "read", ScopeOwn) {
		t.Fatalf("permissions not preserved: %v", claims.Permissions)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := testCodec(t, func() time.Time { return now })

	tok, exp, err := c.IssueRefreshToken("user-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if got := exp.Sub(now); got != 7*24*time.Hour {
		t.Fatalf("refresh lifetime = %v, want 168h", got)
	}
	sub, err := c.VerifyRefreshToken(tok)
	if err != nil || sub != "user-1" {
		t.Fatalf("VerifyRefreshToken: %q %v", sub, err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	for _, key := range []string{"email", "roles", "permissions", "aud"} {
		if _, ok := claims[key]; ok {
			t.Fatalf("refresh token must not carry %q", key)
		}
	}
}

func TestTokensAreUniqueWithinOneSecond(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := testCodec(t, func() time.Time { return now })
	a, _, _ := c.IssueRefreshToken("user-1")
	b, _, _ := c.IssueRefreshToken("user-1")
	if a == b || HashToken(a) == HashToken(b) {
		t.Fatal("two refresh tokens issued in the same second must differ")
	}
}

func TestTokenIndependence(t *testing.T) {
	c := testCodec(t, time.Now)
	access, _, _ := c.IssueAccessToken("user-1", "a@b.it", nil, nil)
	refresh, _, _ := c.IssueRefreshToken("user-1")

	if _, err := c.VerifyAccessToken(refresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := c.VerifyRefreshToken(access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
}

func TestVerifyRejectsExpiredAndForgedAlike(t *testing.T) {
	issued := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	now := issued
	c := testCodec(t, func() time.Time { return now })
	tok, _, _ := c.IssueAccessToken("user-1", "a@b.it", nil, nil)

	forged := tok[:strings.LastIndexByte(tok, '.')+1] + "AAAA"
	_, forgedErr := c.VerifyAccessToken(forged)

	now = issued.Add(16 * time.Minute)
	_, expiredErr := c.VerifyAccessToken(tok)

	if !errors.Is(forgedErr, ErrInvalidToken) || !errors.Is(expiredErr, ErrInvalidToken) {
		t.Fatalf("unexpected errors: forged=%v expired=%v", forgedErr, expiredErr)
	}
	if forgedErr.Error() != expiredErr.Error() {
		t.Fatalf("expired and forged tokens must be indistinguishable: %q vs %q", forgedErr, expiredErr)
	}
}

func TestVerifyRejectsForeignIssuerAndAudience(t *testing.T) {
	c := testCodec(t, time.Now)
	other, err := NewTokenCodec(TokenConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		Issuer:        "evil.example",
		Audience:      "civika.it",
	})
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	tok, _, _ := other.IssueAccessToken("user-1", "a@b.it", nil, nil)
	if _, err := c.VerifyAccessToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer accepted: %v", err)
	}

	aud, _ := NewTokenCodec(TokenConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		Issuer:        "civika.it",
		Audience:      "someone-else",
	})
	tok, _, _ = aud.IssueAccessToken("user-1", "a@b.it", nil, nil)
	if _, err := c.VerifyAccessToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign audience accepted: %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	c := testCodec(t, time.Now)
	now := time.Now()
	claims := AccessClaims{
		TokenUse: tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "civika.it",
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"civika.it"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := c.VerifyAccessToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unsigned token accepted: %v", err)
	}
}

func TestHashTokenIsHexSHA256(t *testing.T) {
	got := HashToken("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("HashToken = %s", got)
	}
}
