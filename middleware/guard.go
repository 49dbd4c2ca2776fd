package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	portalauth "github.com/MrEthical07/portalauth"
)

type userContextKey struct{}

// UserFromContext returns the user authorized by a guard for this request.
func UserFromContext(ctx context.Context) (*portalauth.ApplicationUser, bool) {
	u, ok := ctx.Value(userContextKey{}).(*portalauth.ApplicationUser)
	return u, ok && u != nil
}

// WithUser returns ctx carrying u.
func WithUser(ctx context.Context, u *portalauth.ApplicationUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

type options struct {
	pendingWait time.Duration
	retryAfter  time.Duration
	placeholder http.Handler
}

// Option customises a guard.
type Option func(*options)

// WithPendingWait lets a request wait up to d for an in-flight resolution before
// answering Pending.
func WithPendingWait(d time.Duration) Option {
	return func(o *options) { o.pendingWait = d }
}

// WithRetryAfter sets the Retry-After hint on Pending responses. Default 1s.
func WithRetryAfter(d time.Duration) Option {
	return func(o *options) { o.retryAfter = d }
}

// WithPlaceholder serves h instead of a 503 while resolution is pending.
func WithPlaceholder(h http.Handler) Option {
	return func(o *options) { o.placeholder = h }
}

// Protect returns middleware enforcing req through g.
func Protect(g *portalauth.Guard, req portalauth.Requirement, opts ...Option) func(http.Handler) http.Handler {
	o := options{retryAfter: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			uri := r.URL.RequestURI()
			d := g.Check(uri, req)
			if d.Outcome == portalauth.Pending && o.pendingWait > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), o.pendingWait)
				g.Wait(ctx)
				cancel()
				d = g.Check(uri, req)
			}

			switch d.Outcome {
			case portalauth.Authorized:
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), d.User)))
			case portalauth.Unauthenticated:
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
			case portalauth.Forbidden:
				if r.URL.Path == d.RedirectTo {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
			default:
				if o.placeholder != nil {
					w.Header().Set("Cache-Control", "no-store")
					o.placeholder.ServeHTTP(w, r)
					return
				}
				secs := int(o.retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "session resolution pending", http.StatusServiceUnavailable)
			}
		})
	}
}

// Authenticated admits any signed-in user the allow-list and privileged routes
// permit.
func Authenticated(g *portalauth.Guard, opts ...Option) func(http.Handler) http.Handler {
	return Protect(g, portalauth.Requirement{}, opts...)
}

// RequireRoles admits only the named roles (and the super-role). It panics on an
// unknown role name.
func RequireRoles(g *portalauth.Guard, names ...string) func(http.Handler) http.Handler {
	return Protect(g, g.MustRequire(names...))
}
