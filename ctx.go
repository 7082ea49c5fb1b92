package signup

import "context"

var sessionKeyCtxKey = &contextKey{"session_key"}

type contextKey struct {
	name string
}

// WithSessionKey stores the key under which an authenticated session will
// be committed for the current request.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyCtxKey, key)
}

// SessionKeyFromContext returns the session key set by WithSessionKey, or
// fallback when none was set.
func SessionKeyFromContext(ctx context.Context, fallback string) string {
	if key, ok := ctx.Value(sessionKeyCtxKey).(string); ok && key != "" {
		return key
	}
	return fallback
}
