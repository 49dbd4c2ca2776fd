package portalauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/MrEthical07/portalauth/role"
	"github.com/MrEthical07/portalauth/session"
)

// Outcome is the result of one authorization check.
type Outcome uint8

const (
	// Pending means a resolution is in flight; nothing is decided yet.
	Pending Outcome = iota
	Unauthenticated
	Authorized
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Unauthenticated:
		return "unauthenticated"
	case Authorized:
		return "authorized"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is a Guard verdict for one navigation. RedirectTo is set for
// Unauthenticated and Forbidden.
type Decision struct {
	Outcome    Outcome
	RedirectTo string
	User       *ApplicationUser
}

// Requirement is a route's declared role set. The zero Requirement declares none.
type Requirement struct {
	roles role.Set
}

func (r Requirement) Empty() bool { return r.roles.Empty() }

// Roles returns the declared role set.
func (r Requirement) Roles() role.Set { return r.roles }

type privilegedRoute struct {
	prefix string
	roles  role.Set
}

type refresher interface {
	TriggerRefresh() bool
}

// Guard decides whether the current user may view a route.
type Guard struct {
	cfg        GuardConfig
	roles      *role.Registry
	privileged []privilegedRoute

	store     *session.Store
	refresher refresher
	metrics   *Metrics
	audit     *auditDispatcher
}

// NewGuard returns a Guard that can only [Guard.Decide]. Guards bound to a live
// store come from [Orchestrator.Guard].
func NewGuard(cfg GuardConfig, roles *role.Registry) (*Guard, error) {
	if roles == nil {
		return nil, fmt.Errorf("guard: nil role registry")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := &Guard{cfg: cfg, roles: roles}
	for _, pr := range cfg.PrivilegedRoutes {
		set, err := roles.Set(pr.Roles...)
		if err != nil {
			return nil, fmt.Errorf("guard: privileged prefix %q: %w", pr.Prefix, err)
		}
		g.privileged = append(g.privileged, privilegedRoute{prefix: pr.Prefix, roles: set})
	}
	return g, nil
}

// Require builds a Requirement from role names. Unknown names are rejected with
// [ErrUnknownRole].
func (g *Guard) Require(names ...string) (Requirement, error) {
	set, err := g.roles.Set(names...)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{roles: set}, nil
}

// MustRequire is Require for route tables built at startup. It panics on unknown
// names.
func (g *Guard) MustRequire(names ...string) Requirement {
	req, err := g.Require(names...)
	if err != nil {
		panic(err)
	}
	return req
}

/*
====================================
DECISION
====================================
*/

// Decide evaluates state for requestURI. It has no side effects. Query and
// fragment are ignored for matching and kept in the sign-in redirect.
//
// Order, first match wins: super-role, declared roles, privileged path family,
// allow-list, allow.
func (g *Guard) Decide(state session.State, requestURI string, req Requirement) Decision {
	if state.Loading {
		return Decision{Outcome: Pending}
	}
	u := state.User
	if u == nil {
		return Decision{Outcome: Unauthenticated, RedirectTo: g.SignInURL(requestURI)}
	}
	if g.allowed(u, pathOf(requestURI), req) {
		return Decision{Outcome: Authorized, User: u}
	}
	return Decision{Outcome: Forbidden, RedirectTo: g.cfg.LandingPath, User: u}
}

func (g *Guard) allowed(u *ApplicationUser, path string, req Requirement) bool {
	if g.roles.IsSuper(u.Role) {
		return true
	}
	if !req.Empty() {
		return req.roles.Has(u.Role)
	}
	for _, pr := range g.privileged {
		if strings.HasPrefix(path, pr.prefix) {
			return pr.roles.Has(u.Role)
		}
	}
	if u.HasAllowList() {
		for _, prefix := range u.AllowedPagePrefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}
	return true
}

// Check decides against the current store state. An Unauthenticated outcome also
// starts one background refresh; the redirect is not delayed by it.
func (g *Guard) Check(requestURI string, req Requirement) Decision {
	var state session.State
	if g.store != nil {
		state = g.store.State()
	}
	d := g.Decide(state, requestURI, req)
	g.record(d, requestURI)
	return d
}

// Wait blocks until no resolution is in flight or ctx is done, and returns the
// latest state.
func (g *Guard) Wait(ctx context.Context) session.State {
	if g.store == nil {
		return session.State{}
	}
	if state := g.store.State(); !state.Loading {
		return state
	}

	settled := make(chan struct{}, 1)
	unsubscribe := g.store.Subscribe(func(s session.State) {
		if !s.Loading {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if state := g.store.State(); !state.Loading {
		return state
	}
	select {
	case <-settled:
	case <-ctx.Done():
	}
	return g.store.State()
}

func (g *Guard) record(d Decision, requestURI string) {
	switch d.Outcome {
	case Pending:
		g.metrics.Inc(MetricGuardPending)
	case Unauthenticated:
		g.metrics.Inc(MetricGuardUnauthenticated)
		if g.refresher != nil {
			g.refresher.TriggerRefresh()
		}
	case Authorized:
		g.metrics.Inc(MetricGuardAuthorized)
	case Forbidden:
		g.metrics.Inc(MetricGuardForbidden)
		if g.audit != nil {
			g.audit.Emit(context.Background(), AuditEvent{
				EventType: AuditAccessForbidden,
				UserID:    d.User.ID,
				Email:     d.User.Email,
				Role:      d.User.RoleName,
				SessionID: d.User.SessionID,
				Path:      pathOf(requestURI),
			})
		}
	}
}

/*
====================================
REDIRECTS
====================================
*/

func (g *Guard) SignInPath() string    { return g.cfg.SignInPath }
func (g *Guard) LandingPath() string   { return g.cfg.LandingPath }
func (g *Guard) RedirectParam() string { return g.cfg.RedirectParam }

// SignInURL returns the sign-in path carrying requestURI for the post sign-in
// redirect.
func (g *Guard) SignInURL(requestURI string) string {
	target := SafeRedirect(requestURI, "")
	if target == "" || pathOf(target) == g.cfg.SignInPath {
		return g.cfg.SignInPath
	}
	return g.cfg.SignInPath + "?" + url.QueryEscape(g.cfg.RedirectParam) + "=" + url.QueryEscape(target)
}

// Destination picks where u lands after sign-in: target when u may view it,
// otherwise the landing route, otherwise the first allow-list prefix u may view.
// target is returned unchanged when nothing else is viewable.
func (g *Guard) Destination(u *ApplicationUser, target string) string {
	if u == nil || g.allowed(u, pathOf(target), Requirement{}) {
		return target
	}
	if g.allowed(u, g.cfg.LandingPath, Requirement{}) {
		return g.cfg.LandingPath
	}
	for _, prefix := range u.AllowedPagePrefixes {
		if g.allowed(u, prefix, Requirement{}) {
			return SafeRedirect(prefix, target)
		}
	}
	return target
}

// SafeRedirect returns target when it is a same-site absolute path, else fallback.
func SafeRedirect(target, fallback string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return fallback
	}
	return target
}

func pathOf(requestURI string) string {
	if i := strings.IndexAny(requestURI, "?#"); i >= 0 {
		return requestURI[:i]
	}
	return requestURI
}
