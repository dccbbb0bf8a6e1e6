package auth

import "context"

// Principal is an authenticated caller. A nil *Principal means anonymous.
type Principal struct {
	Username string
	Admin    bool
}

// Name returns the username, or "" for anonymous callers.
func (p *Principal) Name() string {
	if p == nil {
		return ""
	}
	return p.Username
}

// IsAdmin reports whether the principal has admin rights.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Admin
}

type contextKey struct{}

// WithPrincipal attaches a principal to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the request's principal, or nil for anonymous.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}
