package system

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/csrf"

	"github.com/growthflow/contactd/greylist"
)

// NewRouter builds the route table. The general rate cap and the greylist
// wrap the returned handler in main; only the stricter submission cap lives
// here, in front of the contact endpoint.
func (s *System) NewRouter() http.Handler {
	CSRF := csrf.Protect([]byte(s.conf.Sec.CSRFKey),
		csrf.Secure(!s.devmode),
		csrf.FieldName("_csrf"),
		csrf.CookieName(s.conf.Sec.CookieName+"_csrf"))

	contactLimiter := greylist.NewRateLimiter(
		s.conf.Limits.ContactRequests, time.Hour,
		"Too many contact form submissions, please try again later.")

	r := chi.NewRouter()
	r.Use(s.Recoverer)
	r.NotFound(NotFoundHandler)

	// api
	r.Get("/api/health", s.HealthHandler)
	r.With(contactLimiter.Protect).Post("/api/contact", s.ContactHandler)
	r.With(s.RequireAdmin).Get("/api/contacts", s.ContactsHandler)
	r.With(s.RequireAdmin).Get("/api/analytics", s.AnalyticsHandler)

	// pages
	r.Get("/", s.HomeHandler)
	r.With(s.RequireAdmin).Get("/admin", s.AdminPageHandler)
	r.Method(http.MethodGet, "/admin/login", CSRF(http.HandlerFunc(s.LoginHandler)))
	r.Method(http.MethodPost, "/admin/login", CSRF(http.HandlerFunc(s.LoginHandler)))
	r.Get("/admin/logout", s.LogoutHandler)

	// static files
	for _, path := range []string{"/css/*", "/js/*", "/favicon.ico", "/robots.txt"} {
		r.Get(path, s.StaticHandler)
	}

	return r
}
