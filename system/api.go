package system

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/growthflow/contactd/greylist"
	"github.com/growthflow/contactd/store"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func serveJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println(err)
	}
}

func serveJSONError(w http.ResponseWriter, msg string, code int) {
	serveJSON(w, code, response{Success: false, Message: msg})
}

// NotFoundHandler answers unmatched routes with a JSON body.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	serveJSONError(w, "Endpoint not found", http.StatusNotFound)
}

// Recoverer is the catch-all: an uncaught handler panic becomes a generic
// 500 instead of killing the process.
func (s *System) Recoverer(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Println("Unhandled error:", rec)
				serveJSONError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	})
}

// HealthHandler always succeeds: status, current time, process uptime in
// seconds.
func (s *System) HealthHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.Stats.t1).Truncate(time.Second).Seconds()
	serveJSON(w, http.StatusOK, struct {
		Status    string  `json:"status"`
		Timestamp string  `json:"timestamp"`
		Uptime    float64 `json:"uptime"`
	}{"OK", time.Now().UTC().Format(time.RFC3339), math.Max(uptime, 0)})
}

// ContactHandler is the submission endpoint: validate, persist, then fire
// both notification emails without blocking the response on their outcome.
// The database insert is the operation of record.
func (s *System) ContactHandler(w http.ResponseWriter, r *http.Request) {
	form, err := parseContactForm(r)
	if err != nil {
		log.Printf("error parsing form: %v", err)
		serveJSONError(w, "Please fill in all required fields.", http.StatusBadRequest)
		return
	}
	c, err := ValidateContact(form)
	if err != nil {
		serveJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.IPAddress = greylist.ClientIP(r)
	c.UserAgent = r.UserAgent()

	id, err := s.store.Insert(r.Context(), c)
	if err != nil {
		log.Println("Database error:", err)
		serveJSONError(w, "Database error. Please try again.", http.StatusInternalServerError)
		return
	}
	log.Printf("New contact saved with ID: %d", id)

	s.notify(c)

	serveJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Thank you! Your message has been received. We'll contact you within 24 hours.",
	})
}

// notify dispatches both emails in the background. Failures are logged and
// swallowed: the submission is already durably stored.
func (s *System) notify(c *store.Contact) {
	if s.mail == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		if err := s.mail.NotifyOperator(c); err != nil {
			log.Println("Email error:", err)
		} else {
			log.Println("Notification email sent successfully")
		}
		if err := s.mail.NotifyRequester(c); err != nil {
			log.Println("Email error:", err)
		} else {
			log.Println("Auto-reply email sent successfully")
		}
	}()
}

// parseContactForm accepts JSON or form-encoded bodies.
func parseContactForm(r *http.Request) (ContactForm, error) {
	var f ContactForm
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&f)
		return f, err
	}
	if err := r.ParseForm(); err != nil {
		return f, err
	}
	f.Name = r.FormValue("name")
	f.Email = r.FormValue("email")
	f.Business = r.FormValue("business")
	f.Revenue = r.FormValue("revenue")
	f.Automation = r.FormValue("automation")
	return f, nil
}

// ContactsHandler lists every stored submission, newest first.
func (s *System) ContactsHandler(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.ListAll(r.Context())
	if err != nil {
		log.Println("Database error:", err)
		serveJSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	serveJSON(w, http.StatusOK, struct {
		Success  bool            `json:"success"`
		Contacts []store.Contact `json:"contacts"`
	}{true, contacts})
}

type analytics struct {
	TotalContacts  int                   `json:"totalContacts"`
	ByBusinessType []store.BusinessCount `json:"byBusinessType"`
	ByDate         []store.DateCount     `json:"byDate"`
}

// AnalyticsHandler issues the three aggregate queries concurrently and
// joins them into one response. Any single failure fails the whole request;
// there is no partial-result fallback.
func (s *System) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	var a analytics
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		a.TotalContacts, err = s.store.CountAll(ctx)
		return err
	})
	g.Go(func() (err error) {
		a.ByBusinessType, err = s.store.CountByBusiness(ctx)
		return err
	})
	g.Go(func() (err error) {
		a.ByDate, err = s.store.CountByDate(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Println("Analytics error:", err)
		serveJSONError(w, "Analytics error", http.StatusInternalServerError)
		return
	}
	serveJSON(w, http.StatusOK, struct {
		Success   bool      `json:"success"`
		Analytics analytics `json:"analytics"`
	}{true, a})
}

// ez http log
func logr(r *http.Request) string {
	ipaddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ipaddr = r.RemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ipaddr += " " + xff
	}
	return fmt.Sprintf("%s %s %.50q %q %s", r.Host, r.Method, r.UserAgent(), ipaddr, r.URL.Path)
}
