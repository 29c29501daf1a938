package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"civika.it/internal/auth"
	"civika.it/internal/ids"
	"civika.it/internal/obs"
)

const defaultWriteTimeout = 3 * time.Second

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger appends audit entries at most once. Storage failures are logged and counted, never returned.
type Logger struct {
	store   auth.AuditStore
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

var _ auth.AuditRecorder = (*Logger)(nil)

// Option configures a Logger.
type Option func(*Logger)

// WithTimeout bounds each write.
func WithTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithZap overrides the operational logger.
func WithZap(z *zap.Logger) Option {
	return func(l *Logger) {
		if z != nil {
			l.log = z
		}
	}
}

// NewLogger builds an audit logger over store.
func NewLogger(store auth.AuditStore, opts ...Option) *Logger {
	l := &Logger{
		store:   store,
		log:     obs.Logger(),
		now:     time.Now,
		timeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends entry. The write survives cancellation of ctx but is bounded by the logger timeout.
func (l *Logger) Record(ctx context.Context, entry auth.AuditEntry) {
	if l == nil || l.store == nil {
		return
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		l.log.Warn("audit entry without action dropped")
		return
	}
	if entry.ID == "" {
		entry.ID = ids.NewRowID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	rid := RequestIDFromContext(ctx)
	if rid != "" {
		meta := make(map[string]any, len(entry.Metadata)+1)
		for k, v := range entry.Metadata {
			meta[k] = v
		}
		meta["request_id"] = rid
		entry.Metadata = meta
	}

	if ctx == nil {
		ctx = context.Background()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.Append(writeCtx, &entry); err != nil {
		obs.AuditWriteFailures.Inc()
		l.log.Error("audit write failed",
			zap.String("action", entry.Action),
			zap.String("resource", entry.Resource),
			zap.String("user_id", entry.UserID),
			zap.String("request_id", rid),
			zap.Error(err),
		)
		return
	}
	l.log.Info("audit",
		zap.String("event", entry.Action),
		zap.String("resource", entry.Resource),
		zap.String("user_id", entry.UserID),
		zap.String("request_id", rid),
	)
}

// Recent lists the newest entries first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]auth.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.Recent(ctx, limit)
}
