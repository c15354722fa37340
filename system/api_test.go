package system

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/growthflow/contactd/config"
	"github.com/growthflow/contactd/store"
)

type fakeMailer struct {
	mu        sync.Mutex
	fail      bool
	operator  []*store.Contact
	requester []*store.Contact
}

func (f *fakeMailer) NotifyOperator(c *store.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operator = append(f.operator, c)
	if f.fail {
		return errors.New("relay unreachable")
	}
	return nil
}

func (f *fakeMailer) NotifyRequester(c *store.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requester = append(f.requester, c)
	if f.fail {
		return errors.New("relay unreachable")
	}
	return nil
}

func (f *fakeMailer) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.operator), len(f.requester)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tpl := filepath.Join(dir, "templates")
	if err := os.MkdirAll(tpl, 0755); err != nil {
		t.Fatal(err)
	}
	login := `{{define "login.html"}}<form>{{.csrfField}}</form>{{end}}`
	if err := os.WriteFile(filepath.Join(tpl, "login.html"), []byte(login), 0644); err != nil {
		t.Fatal(err)
	}
	conf := config.Default()
	conf.Meta.DevelopmentMode = true
	conf.Meta.PathTemplates = tpl
	conf.Meta.PathPublic = dir
	conf.Sec.ContactsDB = filepath.Join(dir, "contacts.db")
	conf.Sec.SessionsDB = filepath.Join(dir, "sessions.db")
	conf.Sec.HashKey = strings.Repeat("k", 32)
	conf.Sec.CSRFKey = strings.Repeat("c", 32)
	conf.Limits.ContactRequests = 1000
	return conf
}

func newTestSystem(t *testing.T, conf *config.Config, m Mailer) (*System, *store.Store) {
	t.Helper()
	st, err := store.Open(conf.Sec.ContactsDB)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(conf, st, m)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InitDB(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.notifyWG.Wait()
		st.Close()
		s.authDB.Close()
	})
	return s, st
}

func postContact(t *testing.T, h http.Handler, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contact", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "203.0.113.9:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestContactEndToEnd(t *testing.T) {
	m := &fakeMailer{}
	s, st := newTestSystem(t, testConfig(t), m)
	h := s.NewRouter()

	w := postContact(t, h, map[string]string{
		"name":       "Ada",
		"email":      "ada@example.com",
		"business":   "Retail",
		"automation": "Need invoice automation",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if !resp.Success || !strings.HasPrefix(resp.Message, "Thank you!") {
		t.Errorf("unexpected response: %+v", resp)
	}

	rows, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 stored row, got %d", len(rows))
	}
	if rows[0].Revenue != "" {
		t.Errorf("revenue should be empty string, got %q", rows[0].Revenue)
	}
	if rows[0].IPAddress != "203.0.113.9" {
		t.Errorf("ip not captured: %q", rows[0].IPAddress)
	}
	if rows[0].UserAgent != "test-agent" {
		t.Errorf("user agent not captured: %q", rows[0].UserAgent)
	}

	s.notifyWG.Wait()
	op, rq := m.calls()
	if op != 1 || rq != 1 {
		t.Errorf("want both notifications attempted, got operator=%d requester=%d", op, rq)
	}
}

func TestContactMissingFieldStoresNothing(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	w := postContact(t, h, map[string]string{
		"name":       "",
		"email":      "x@example.com",
		"business":   "Retail",
		"automation": "...",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Success || resp.Message != "Please fill in all required fields." {
		t.Errorf("unexpected response: %+v", resp)
	}
	n, err := st.CountAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("no row should be stored, got %d", n)
	}
}

func TestContactInvalidEmail(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	w := postContact(t, h, map[string]string{
		"name":       "Ada",
		"email":      "not-an-email",
		"business":   "Retail",
		"automation": "...",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Message != "Please enter a valid email address." {
		t.Errorf("unexpected message %q", resp.Message)
	}
	n, _ := st.CountAll(context.Background())
	if n != 0 {
		t.Errorf("no row should be stored, got %d", n)
	}
}

func TestContactFormEncodedBody(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	form := url.Values{}
	form.Set("name", "Ada")
	form.Set("email", "ada@example.com")
	form.Set("business", "Retail")
	form.Set("automation", "Need invoice automation")
	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.9:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	n, err := st.CountAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("want 1 stored row, got %d", n)
	}
}

// A dead relay must not turn a stored submission into a client-facing error.
func TestContactMailFailureStillSucceeds(t *testing.T) {
	m := &fakeMailer{fail: true}
	s, st := newTestSystem(t, testConfig(t), m)
	h := s.NewRouter()

	w := postContact(t, h, map[string]string{
		"name":       "Ada",
		"email":      "ada@example.com",
		"business":   "Retail",
		"automation": "Need invoice automation",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("want 200 despite mail failure, got %d", w.Code)
	}
	if resp := decodeResponse(t, w); !resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
	n, _ := st.CountAll(context.Background())
	if n != 1 {
		t.Errorf("submission should be stored, got %d rows", n)
	}
	s.notifyWG.Wait()
	op, rq := m.calls()
	if op != 1 || rq != 1 {
		t.Errorf("both sends should be attempted, got operator=%d requester=%d", op, rq)
	}
}

func TestContactStorageFailure(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()
	st.Close()

	w := postContact(t, h, map[string]string{
		"name":       "Ada",
		"email":      "ada@example.com",
		"business":   "Retail",
		"automation": "Need invoice automation",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", w.Code)
	}
	if resp := decodeResponse(t, w); resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var body struct {
		Status    string  `json:"status"`
		Timestamp string  `json:"timestamp"`
		Uptime    float64 `json:"uptime"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "OK" || body.Timestamp == "" || body.Uptime < 0 {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestAnalyticsEmptyStore(t *testing.T) {
	s, _ := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/analytics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Success   bool      `json:"success"`
		Analytics analytics `json:"analytics"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Analytics.TotalContacts != 0 {
		t.Errorf("unexpected analytics: %+v", body)
	}
	if body.Analytics.ByBusinessType == nil || len(body.Analytics.ByBusinessType) != 0 {
		t.Errorf("want empty byBusinessType array, got %#v", body.Analytics.ByBusinessType)
	}
	if body.Analytics.ByDate == nil || len(body.Analytics.ByDate) != 0 {
		t.Errorf("want empty byDate array, got %#v", body.Analytics.ByDate)
	}
}

func TestAnalyticsStorageFailure(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/analytics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", w.Code)
	}
}

func TestContactsListNewestFirst(t *testing.T) {
	s, st := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	ctx := context.Background()
	for i, ts := range []string{"2026-08-27 10:00:00", "2026-08-29 09:00:00"} {
		c := &store.Contact{
			Name:       "user" + string(rune('a'+i)),
			Email:      "u@example.com",
			Business:   "Retail",
			Automation: "x",
			CreatedAt:  ts,
		}
		if _, err := st.Insert(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var body struct {
		Success  bool            `json:"success"`
		Contacts []store.Contact `json:"contacts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Contacts) != 2 {
		t.Fatalf("want 2 contacts, got %d", len(body.Contacts))
	}
	if body.Contacts[0].Name != "userb" {
		t.Errorf("newest submission should be first, got %q", body.Contacts[0].Name)
	}
}

func TestUnmatchedRouteReturnsJSON404(t *testing.T) {
	s, _ := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Success || resp.Message != "Endpoint not found" {
		t.Errorf("unexpected 404 body: %+v", resp)
	}
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	s, _ := newTestSystem(t, testConfig(t), &fakeMailer{})
	h := s.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Success || resp.Message != "Internal server error" {
		t.Errorf("unexpected body: %+v", resp)
	}
}
