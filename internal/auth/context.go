package auth

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	bearerKey
	clientKey
)

// WithPrincipal returns ctx carrying the verified caller.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

// WithBearer stores the raw access token that authenticated the request.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey, token)
}

// BearerFrom returns the token stored by WithBearer.
func BearerFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, _ := ctx.Value(bearerKey).(string)
	return v, v != ""
}

// WithClient stores request metadata used for sessions and audit entries.
func WithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// ClientFrom returns the metadata stored by WithClient, or the zero value.
func ClientFrom(ctx context.Context) ClientInfo {
	if ctx == nil {
		return ClientInfo{}
	}
	c, _ := ctx.Value(clientKey).(ClientInfo)
	return c
}
