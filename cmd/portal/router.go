package main

import (
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/rate"
	"github.com/MrEthical07/portalauth/middleware"
)

var loginTmpl = template.Must(template.New("login").Parse(`<!doctype html>
<title>Sign in</title>
<h1>Operations portal</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="redirect" value="{{.Redirect}}">
<label>Email <input type="email" name="email" value="{{.Email}}" required></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign in</button>
</form>
`))

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<title>{{.Path}}</title>
<p>Signed in as {{.User.Email}} ({{.User.RoleName}})</p>
<p>{{.Path}}</p>
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
`))

type loginView struct {
	Action   string
	Redirect string
	Email    string
	Error    string
}

// routerOptions configures newRouter.
type routerOptions struct {
	Orchestrator *portalauth.Orchestrator
	// Limiter throttles failed sign-ins; nil disables throttling.
	Limiter      *rate.Limiter
	Logger       *slog.Logger
	PendingWait  time.Duration
	Metrics      http.Handler
	// Telemetry serves the OpenTelemetry view of the same counters.
	Telemetry    http.Handler
}

func newRouter(opts routerOptions) chi.Router {
	o := opts.Orchestrator
	g := o.Guard()
	h := &handlers{orch: o, guard: g, limiter: opts.Limiter, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Telemetry != nil {
		r.Method(http.MethodGet, "/debug/otel-metrics", opts.Telemetry)
	}

	r.Get(g.SignInPath(), h.loginForm)
	r.Post(g.SignInPath(), h.login)
	r.Post("/logout", h.logout)

	guarded := []middleware.Option{middleware.WithPendingWait(opts.PendingWait)}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticated(g, guarded...))
		r.Get(g.LandingPath(), h.page)
		for _, section := range []string{"/fleet", "/safety", "/sales-accounts", "/reports", "/management"} {
			r.Get(section, h.page)
			r.Get(section+"/*", h.page)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Protect(g, g.MustRequire("admin"), guarded...))
		r.Get("/admin", h.page)
		r.Get("/admin/*", h.page)
	})

	return r
}

type handlers struct {
	orch    *portalauth.Orchestrator
	guard   *portalauth.Guard
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (h *handlers) renderLogin(w http.ResponseWriter, status int, view loginView) {
	view.Action = h.guard.SignInPath()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginTmpl.Execute(w, view); err != nil {
		h.logger.Error("render login", slog.Any("err", err))
	}
}

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	landing := h.guard.LandingPath()
	target := portalauth.SafeRedirect(r.URL.Query().Get(h.guard.RedirectParam()), landing)
	if h.orch.State().Authenticated() {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	h.renderLogin(w, http.StatusOK, loginView{Redirect: target})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	view := loginView{
		Redirect: portalauth.SafeRedirect(r.PostForm.Get("redirect"), h.guard.LandingPath()),
		Email:    r.PostForm.Get("email"),
	}

	if !h.allowSignIn(r, view.Email) {
		view.Error = "Too many failed attempts. Try again later."
		h.renderLogin(w, http.StatusTooManyRequests, view)
		return
	}

	user, err := h.orch.SignIn(r.Context(), portalauth.Credentials{
		Email:    view.Email,
		Password: r.PostForm.Get("password"),
	})
	h.recordSignIn(r, view.Email, err)
	switch {
	case err == nil:
		http.Redirect(w, r, h.guard.Destination(user, view.Redirect), http.StatusSeeOther)
	case errors.Is(err, portalauth.ErrInvalidCredentials):
		view.Error = "Invalid email or password."
		h.renderLogin(w, http.StatusUnauthorized, view)
	case errors.Is(err, portalauth.ErrProfileNotFound):
		view.Error = "This account has no portal profile."
		h.renderLogin(w, http.StatusForbidden, view)
	default:
		view.Error = "Sign-in is unavailable. Try again shortly."
		h.renderLogin(w, http.StatusServiceUnavailable, view)
	}
}

// allowSignIn fails open when Redis is unreachable; the provider keeps its own
// limits.
func (h *handlers) allowSignIn(r *http.Request, email string) bool {
	if h.limiter == nil {
		return true
	}
	err := h.limiter.Allow(r.Context(), email, clientIP(r))
	if errors.Is(err, rate.ErrRateLimited) {
		return false
	}
	if err != nil {
		h.logger.Warn("sign-in limiter unavailable", slog.Any("err", err))
	}
	return true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *handlers) recordSignIn(r *http.Request, email string, err error) {
	if h.limiter == nil {
		return
	}
	var lerr error
	switch {
	case err == nil:
		lerr = h.limiter.Success(r.Context(), email)
	case errors.Is(err, portalauth.ErrInvalidCredentials):
		lerr = h.limiter.Failure(r.Context(), email, clientIP(r))
	}
	if lerr != nil {
		h.logger.Warn("sign-in limiter update failed", slog.Any("err", lerr))
	}
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign-out incomplete", slog.Any("err", err))
	}
	http.Redirect(w, r, h.guard.SignInPath(), http.StatusSeeOther)
}

func (h *handlers) page(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFromContext(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTmpl.Execute(w, struct {
		User *portalauth.ApplicationUser
		Path string
	}{User: u, Path: r.URL.Path}); err != nil {
		h.logger.Error("render page", slog.Any("err", err))
	}
}
