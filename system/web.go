package system

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewjam/csp"
	"github.com/gorilla/csrf"
	log "github.com/sirupsen/logrus"
)

// SetCSPHeader mirrors the site's content-security policy: self plus the
// font and booking-widget origins the pages pull in.
func (s *System) SetCSPHeader(w http.ResponseWriter) {
	u, err := url.Parse(s.conf.Meta.SiteURL)
	if err != nil {
		log.Println("Cant set Content-Security-Policy:", err)
		return
	}
	val := csp.Header{
		DefaultSrc: []string{"'self'", u.Hostname()},
		StyleSrc:   []string{"'self'", "'unsafe-inline'", "https://fonts.googleapis.com"},
		ScriptSrc:  []string{"'self'", "'unsafe-inline'", "https://assets.calendly.com"},
		FontSrc:    []string{"'self'", "https://fonts.gstatic.com"},
		ImgSrc:     []string{"'self'", "data:", "https:"},
		ConnectSrc: []string{"'self'", "https://assets.calendly.com"},
		FrameSrc:   []string{"'self'", "https://calendly.com"},
	}.String()
	w.Header().Set("Content-Security-Policy", val)
}

// HomeHandler serves the marketing page.
func (s *System) HomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions || r.Method == http.MethodHead {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
		return
	}
	s.SetCSPHeader(w)
	http.ServeFile(w, r, filepath.Join(s.conf.Meta.PathPublic, "index.html"))
}

// AdminPageHandler serves the dashboard page. The RequireAdmin middleware
// runs first when the gate is enabled.
func (s *System) AdminPageHandler(w http.ResponseWriter, r *http.Request) {
	s.SetCSPHeader(w)
	http.ServeFile(w, r, filepath.Join(s.conf.Meta.PathPublic, "admin.html"))
}

// StaticHandler serves public assets with a day of cache headroom.
func (s *System) StaticHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "bad method on staticHandler", http.StatusMethodNotAllowed)
		return
	}
	if strings.Contains(r.URL.Path, "..") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Expires", time.Now().Add(time.Hour*24).UTC().Truncate(time.Second).Format(http.TimeFormat))
	http.ServeFile(w, r, filepath.Join(s.conf.Meta.PathPublic, r.URL.Path))
}

func (s *System) writeCookie(w http.ResponseWriter, value map[string]string) error {
	encoded, err := s.cookies.Encode(s.conf.Sec.CookieName, value)
	if err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     s.conf.Sec.CookieName,
			Value:    encoded,
			Path:     "/",
			HttpOnly: true,
		})
	}
	return err
}

func (s *System) readCookie(r *http.Request) (map[string]string, error) {
	cookie, err := r.Cookie(s.conf.Sec.CookieName)
	if err != nil {
		if err != http.ErrNoCookie {
			log.Println("error reading cookie from request:", err)
		}
		return nil, err
	}
	value := make(map[string]string)
	if err := s.cookies.Decode(s.conf.Sec.CookieName, cookie.Value, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// RequireAdmin gates a handler behind the admin session, once a password
// record exists. API paths get a JSON 401, pages redirect to the login form.
func (s *System) RequireAdmin(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.adminEnabled {
			h.ServeHTTP(w, r)
			return
		}
		cookieinfo, err := s.readCookie(r)
		if err != nil || !s.authkeyCheck(cookieinfo) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				serveJSONError(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, "/admin/login", http.StatusFound)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// LoginHandler displays the admin login form or processes a login.
func (s *System) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !s.adminEnabled {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	cookieinfo, err := s.readCookie(r)
	if err == nil && s.authkeyCheck(cookieinfo) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("X-CSRF-Token", csrf.Token(r))
		s.serveTemplate(w, r, "login.html")
	case http.MethodPost:
		user := r.FormValue("username")
		pass := r.FormValue("password")
		if user == "" {
			user = s.conf.Sec.AdminUser
		}
		authkey, err := s.doLogin(user, pass)
		if err != nil {
			log.Println("error logging in:", err)
			s.addBadAttempt(r)
			http.Redirect(w, r, "/admin/login?error=Authentication+Failed", http.StatusFound)
			return
		}
		if err := s.writeCookie(w, map[string]string{"user": user, "authkey": authkey}); err != nil {
			log.Println("error writing cookie:", err)
		}
		http.Redirect(w, r, "/admin", http.StatusFound)
	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

// LogoutHandler revokes the session key and clears the cookie.
func (s *System) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	cookieinfo, err := s.readCookie(r)
	if err == nil {
		if user, ok := cookieinfo["user"]; ok {
			if err := s.authkeyRevoke(user); err != nil {
				log.Println("error revoking authkey:", err)
			}
		}
	}
	if err := s.writeCookie(w, map[string]string{"loggedout": "true"}); err != nil {
		log.Println("error writing cookie:", err)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *System) serveTemplate(w http.ResponseWriter, r *http.Request, tname string) {
	s.SetCSPHeader(w)
	t, ok := s.templates[tname]
	if !ok {
		http.ServeFile(w, r, filepath.Join(s.conf.Meta.PathPublic, tname))
		return
	}
	err := t.ExecuteTemplate(w, tname, map[string]interface{}{
		csrf.TemplateTag: csrf.TemplateField(r),
		"csrfToken":      csrf.Token(r),
		"pageTitle":      s.conf.Meta.SiteName + " | Admin",
		"sitename":       s.conf.Meta.SiteName,
		"error":          r.URL.Query().Get("error"),
	})
	if err != nil {
		log.Println("error executing template:", err)
	}
}
