package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"civika.it/internal/ids"
	"civika.it/internal/obs"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

// Service is the session lifecycle controller. It holds no session state; everything
// lives in the store and in the signed tokens.
type Service struct {
	store    Store
	tokens   *TokenCodec
	resolver *Resolver
	audit    AuditRecorder
	log      *zap.Logger
	now      func() time.Time

	maxFailedAttempts int
	lockoutDuration   time.Duration
	revokeOnReuse     bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAuditRecorder sets the best-effort audit sink. Without one, audit entries are dropped.
func WithAuditRecorder(r AuditRecorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
		return nil
	}
}

// WithLockoutPolicy sets the failed-attempt threshold and the lockout window.
func WithLockoutPolicy(maxAttempts int, window time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxAttempts <= 0 || window <= 0 {
			return errors.New("auth: lockout policy must be positive")
		}
		s.maxFailedAttempts = maxAttempts
		s.lockoutDuration = window
		return nil
	}
}

// WithReuseDetection revokes every session of a user when one of their revoked refresh tokens is replayed.
func WithReuseDetection(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeOnReuse = enabled
		return nil
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token codec is required")
	}
	svc := &Service{
		store:             store,
		tokens:            tokens,
		resolver:          NewResolver(store),
		log:               obs.Logger(),
		now:               time.Now,
		maxFailedAttempts: DefaultMaxFailedAttempts,
		lockoutDuration:   DefaultLockoutDuration,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the codec for transport-level verification.
func (s *Service) Tokens() *TokenCodec { return s.tokens }

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Profile is the public view of a user with resolved authorization.
type Profile struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	FirstName   string        `json:"firstName"`
	LastName    string        `json:"lastName"`
	AvatarURL   *string       `json:"avatarUrl"`
	Roles       []string      `json:"roles"`
	Permissions PermissionSet `json:"permissions"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func newProfile(u *User, res Resolution) Profile {
	p := Profile{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Roles:       res.Roles,
		Permissions: res.Permissions,
		CreatedAt:   u.CreatedAt,
	}
	if u.AvatarURL != "" {
		avatar := u.AvatarURL
		p.AvatarURL = &avatar
	}
	return p
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Tokens TokenPair
	User   Profile
}

// Login authenticates email and password and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (res LoginResult, err error) {
	defer func() { countOutcome("login", err) }()

	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateCredentials(email, password); err != nil {
		return LoginResult{}, err
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Burn one bcrypt comparison so unknown emails cost the same as wrong passwords.
		_ = VerifyPassword(dummyHash, password)
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}

	now := s.now().UTC()
	if user.LockedAt(now) {
		return LoginResult{}, ErrAccountLocked
	}
	if !user.IsActive {
		return LoginResult{}, ErrAccountDisabled
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, s.failLogin(ctx, user, now, client)
	}

	if err := s.store.Users(ctx).RecordSuccessfulLogin(ctx, user.ID, now, client.IP); err != nil {
		return LoginResult{}, fmt.Errorf("record login: %w", err)
	}

	resolved, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	pair, err := s.openSession(ctx, user, resolved, now, client)
	if err != nil {
		return LoginResult{}, err
	}

	s.recordAudit(ctx, AuditEntry{
		UserID:     user.ID,
		Action:     ActionLogin,
		Resource:   ResourceUsers,
		ResourceID: user.ID,
		IPAddress:  client.IP,
		UserAgent:  client.UserAgent,
	})
	return LoginResult{Tokens: pair, User: newProfile(user, resolved)}, nil
}

func validateCredentials(email, password string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	return nil
}

// failLogin bumps the failed-attempt counter and always returns ErrInvalidCredentials unless the
// store itself failed.
func (s *Service) failLogin(ctx context.Context, user *User, now time.Time, client ClientInfo) error {
	attempts, lockedUntil, err := s.store.Users(ctx).RecordFailedLogin(ctx, user.ID, s.maxFailedAttempts, now.Add(s.lockoutDuration))
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	s.recordAudit(ctx, AuditEntry{
		UserID:     user.ID,
		Action:     ActionLoginFailed,
		Resource:   ResourceUsers,
		ResourceID: user.ID,
		IPAddress:  client.IP,
		UserAgent:  client.UserAgent,
		Metadata:   map[string]any{"failed_attempts": attempts},
	})
	if lockedUntil != nil && attempts >= s.maxFailedAttempts {
		s.recordAudit(ctx, AuditEntry{
			UserID:     user.ID,
			Action:     ActionLocked,
			Resource:   ResourceUsers,
			ResourceID: user.ID,
			IPAddress:  client.IP,
			UserAgent:  client.UserAgent,
			NewValues:  map[string]any{"locked_until": lockedUntil.UTC().Format(time.RFC3339)},
		})
	}
	return ErrInvalidCredentials
}

// Refresh exchanges a refresh token for a new pair. The presented token is revoked before the new one
// is issued, and a concurrent exchange of the same token loses with ErrRevokedToken.
func (s *Service) Refresh(ctx context.Context, raw string, client ClientInfo) (pair TokenPair, err error) {
	defer func() { countOutcome("refresh", err) }()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenPair{}, ErrMissingToken
	}
	subject, err := s.tokens.VerifyRefreshToken(raw)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	refreshStore := s.store.RefreshTokens(ctx)
	hash := HashToken(raw)
	record, err := refreshStore.FindActiveByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		s.detectReuse(ctx, hash, client)
		return TokenPair{}, ErrRevokedToken
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load refresh token: %w", err)
	}
	if record.UserID != subject {
		return TokenPair{}, ErrInvalidToken
	}

	now := s.now().UTC()
	if !record.ExpiresAt.After(now) {
		return TokenPair{}, ErrExpiredToken
	}

	won, err := refreshStore.Revoke(ctx, record.ID, now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
	}
	if !won {
		return TokenPair{}, ErrRevokedToken
	}

	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrUserUnavailable
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive || user.DeletedAt != nil {
		return TokenPair{}, ErrUserUnavailable
	}

	resolved, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return s.openSession(ctx, user, resolved, now, client)
}

// detectReuse handles a refresh token that verified but has no active record.
func (s *Service) detectReuse(ctx context.Context, hash string, client ClientInfo) {
	if !s.revokeOnReuse {
		return
	}
	refreshStore := s.store.RefreshTokens(ctx)
	record, err := refreshStore.FindByHash(ctx, hash)
	if err != nil || record.RevokedAt == nil {
		return
	}
	revoked, err := refreshStore.RevokeAllForUser(ctx, record.UserID, s.now().UTC())
	if err != nil {
		s.log.Error("revoke sessions after refresh reuse", zap.String("user_id", record.UserID), zap.Error(err))
		return
	}
	s.log.Warn("refresh token reuse detected", zap.String("user_id", record.UserID), zap.Int64("revoked", revoked))
	s.recordAudit(ctx, AuditEntry{
		UserID:     record.UserID,
		Action:     ActionRefreshReuse,
		Resource:   ResourceRefreshTokens,
		ResourceID: record.ID,
		IPAddress:  client.IP,
		UserAgent:  client.UserAgent,
		Metadata:   map[string]any{"revoked_sessions": revoked},
	})
}

// Logout revokes the presented refresh token and audits the bearer's subject. It never fails;
// internal errors are logged.
func (s *Service) Logout(ctx context.Context, rawRefresh, bearer string, client ClientInfo) {
	countOutcome("logout", nil)
	now := s.now().UTC()
	if rawRefresh = strings.TrimSpace(rawRefresh); rawRefresh != "" {
		if err := s.store.RefreshTokens(ctx).RevokeByHash(ctx, HashToken(rawRefresh), now); err != nil {
			s.log.Error("logout revoke failed", zap.Error(err))
		}
	}
	if bearer = strings.TrimSpace(bearer); bearer == "" {
		return
	}
	claims, err := s.tokens.VerifyAccessToken(bearer)
	if err != nil {
		return
	}
	s.recordAudit(ctx, AuditEntry{
		UserID:     claims.Subject,
		Action:     ActionLogout,
		Resource:   ResourceUsers,
		ResourceID: claims.Subject,
		IPAddress:  client.IP,
		UserAgent:  client.UserAgent,
	})
}

// Authenticate verifies a bearer access token and returns its principal.
func (s *Service) Authenticate(bearer string) (Principal, error) {
	if strings.TrimSpace(bearer) == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := s.tokens.VerifyAccessToken(bearer)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return PrincipalFromClaims(claims), nil
}

// Me reloads the bearer's user and re-resolves roles and permissions.
func (s *Service) Me(ctx context.Context, bearer string) (Profile, error) {
	principal, err := s.Authenticate(bearer)
	if err != nil {
		return Profile{}, err
	}
	user, err := s.store.Users(ctx).Find(ctx, principal.UserID)
	if err != nil {
		return Profile{}, err
	}
	resolved, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return Profile{}, err
	}
	return newProfile(user, resolved), nil
}

// openSession mints both tokens and persists the refresh record. A persistence failure aborts the session.
func (s *Service) openSession(ctx context.Context, user *User, resolved Resolution, now time.Time, client ClientInfo) (TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(user.ID, user.Email, resolved.Roles, resolved.Permissions)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	rec := &RefreshToken{
		ID:         ids.NewRowID(),
		UserID:     user.ID,
		TokenHash:  HashToken(refresh),
		DeviceInfo: map[string]string{"userAgent": client.UserAgent},
		IPAddress:  client.IP,
		ExpiresAt:  refreshExp,
		CreatedAt:  now,
	}
	if err := s.persistRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// persistRefreshToken is load-bearing: its error aborts login and refresh.
func (s *Service) persistRefreshToken(ctx context.Context, rec *RefreshToken) error {
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}
	return nil
}

// recordAudit is fire-and-forget: it has no error to return.
func (s *Service) recordAudit(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.audit.Record(ctx, entry)
}

func countOutcome(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
	}
	obs.AuthOutcomes.WithLabelValues(operation, outcome).Inc()
}
