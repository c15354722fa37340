package system

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"

	"github.com/growthflow/contactd/config"
	"github.com/growthflow/contactd/greylist"
	"github.com/growthflow/contactd/store"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrNotFound       = errors.New("not found")
)

// Mailer is the notification dispatcher. Both sends are best-effort:
// failures are logged by the caller and never change the HTTP response.
type Mailer interface {
	NotifyOperator(*store.Contact) error
	NotifyRequester(*store.Contact) error
}

type Stats struct {
	Hits uint64
	t1   time.Time
}

type System struct {
	Stats Stats

	store     *store.Store
	mail      Mailer
	cookies   *securecookie.SecureCookie
	templates map[string]*template.Template
	authDB    *bolt.DB
	devmode   bool
	conf      *config.Config

	// admin gate is enabled once a password record exists
	adminEnabled bool

	greylist   *greylist.List
	badguylock sync.Mutex
	badguys    map[string]*uint32

	notifyWG sync.WaitGroup
}

// New wires the long-lived components: templates, cookie codec, and the
// injected submission store and mailer. The session database is opened
// separately with InitDB.
func New(conf *config.Config, st *store.Store, m Mailer) (*System, error) {
	hashKey := []byte(conf.Sec.HashKey)
	blockKey := []byte(conf.Sec.BlockKey)
	if len(hashKey) == 0 {
		// sessions won't survive a restart without configured keys
		log.Println("Security.hash-key not set, generating a random one")
		hashKey = make([]byte, 32)
		rand.Read(hashKey)
	}
	if conf.Meta.DevelopmentMode {
		blockKey = nil // not encrypted cookies
	} else if len(blockKey) == 0 {
		blockKey = make([]byte, 32)
		rand.Read(blockKey)
	}
	if conf.Sec.CSRFKey == "" {
		key := make([]byte, 16)
		rand.Read(key)
		conf.Sec.CSRFKey = fmt.Sprintf("%02x", key)
	}

	sys := &System{
		cookies: securecookie.New(hashKey, blockKey),
		store:   st,
		mail:    m,
		devmode: conf.Meta.DevelopmentMode,
		conf:    conf,
		badguys: make(map[string]*uint32),
		Stats:   Stats{t1: time.Now()},
	}
	if err := sys.ReloadTemplates(); err != nil {
		return nil, err
	}
	return sys, nil
}

// ReloadTemplates re-parses the admin page templates (SIGUSR2).
func (s *System) ReloadTemplates() error {
	t1 := time.Now()
	templates := map[string]*template.Template{}
	partials, err := filepath.Glob(filepath.Join(s.conf.Meta.PathTemplates, "_partials", "*.html"))
	if err != nil {
		return fmt.Errorf("couldn't enumerate partial templates")
	}
	for _, name := range []string{"login.html"} {
		templates[name], err = template.New(name).ParseFiles(
			append([]string{filepath.Join(s.conf.Meta.PathTemplates, name)}, partials...)...)
		if err != nil {
			return fmt.Errorf("couldn't parse template %q: %v", name, err)
		}
	}
	if s.devmode {
		log.Printf("Parsed %d templates in %s", len(templates), time.Since(t1))
	}
	s.templates = templates
	return nil
}

// InitDB opens the session/credential database and seeds the admin account
// from $ADMIN_PASSWORD if one was provided. With no password record, the
// admin endpoints stay open (the original deployment's known gap).
func (s *System) InitDB() error {
	filename := s.conf.Sec.SessionsDB
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		log.Println("creating new session database:", filename)
	}
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte("password")); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte("authkeys"))
		return err
	})
	if err != nil {
		db.Close()
		return err
	}
	s.authDB = db

	if pw := s.conf.Sec.AdminPassword; pw != "" {
		if err := s.setAdminPassword(s.conf.Sec.AdminUser, pw); err != nil {
			return err
		}
		log.Println("admin password set for", s.conf.Sec.AdminUser)
	}
	rec, err := s.boltFetch("password", s.conf.Sec.AdminUser)
	s.adminEnabled = err == nil && len(rec) == 64
	if !s.adminEnabled {
		log.Println("WARNING: no admin password set, /api/contacts and /api/analytics are unprotected")
	}
	return nil
}

// SetGreylist hooks the shared greylist so repeated bad logins get banned.
func (s *System) SetGreylist(g *greylist.List) {
	s.greylist = g
}

func (s *System) hasher(in string, salt []byte) []byte {
	return argon2.IDKey(append(salt, []byte(in)...), salt, 2, 1024, 2, 32)
}

// setAdminPassword stores a fresh salt+hash record (32+32 bytes).
func (s *System) setAdminPassword(user, clearPass string) error {
	salt := make([]byte, 32)
	rand.Read(salt)
	hashed := s.hasher(clearPass, salt)
	saltAndHash := make([]byte, 0, 64)
	saltAndHash = append(saltAndHash, salt...)
	saltAndHash = append(saltAndHash, hashed...)
	return s.boltUpdate("password", user, saltAndHash)
}

// checkAdminPass compares a clear password against the stored salt+hash.
func (s *System) checkAdminPass(user, clearPass string) bool {
	rec, err := s.boltFetch("password", user)
	if err != nil {
		log.Println("error fetching admin password record:", err)
		return false
	}
	if len(rec) != 64 {
		log.Println("bad admin password record length:", len(rec))
		return false
	}
	salt := make([]byte, 32)
	copy(salt, rec[:32])
	return compareDigest(s.hasher(clearPass, salt), rec[32:])
}

// doLogin verifies credentials and issues a fresh session key, revoking any
// previous one.
func (s *System) doLogin(user, pass string) (string, error) {
	if !s.checkAdminPass(user, pass) {
		return "", ErrBadCredentials
	}
	authkey := uuid.NewString()
	if err := s.boltUpdate("authkeys", user, []byte(authkey)); err != nil {
		return "", err
	}
	return authkey, nil
}

// authkeyRevoke replaces the stored session key, revoking cookies in the wild.
func (s *System) authkeyRevoke(user string) error {
	return s.boltUpdate("authkeys", user, []byte(uuid.NewString()))
}

// authkeyCheck returns true if the cookie session key matches the single
// valid key in the database.
func (s *System) authkeyCheck(cookieinfo map[string]string) bool {
	authedKey, ok1 := cookieinfo["authkey"]
	authedUser, ok2 := cookieinfo["user"]
	if !ok1 || !ok2 {
		return false
	}
	stored, err := s.boltFetch("authkeys", authedUser)
	if err != nil || len(stored) == 0 {
		log.Println("attempted break-in", err)
		return false
	}
	return compareDigest([]byte(authedKey), stored)
}

func (s *System) boltUpdate(bucket, id string, val []byte) error {
	return s.authDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(id), val)
	})
}

// boltFetch returns ErrNotFound for empty records
func (s *System) boltFetch(bucket, id string) ([]byte, error) {
	var val []byte
	if err := s.authDB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(id))
		val = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, ErrNotFound
	}
	return val, nil
}

// compareDigest compares equality of two equal-length byte slices
func compareDigest(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HitCounter http middleware that logs and counts
func (s *System) HitCounter(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Println(logr(r))
		atomic.AddUint64(&s.Stats.Hits, 1)
		h.ServeHTTP(w, r)
	})
}

// Run serves until an interrupt arrives, then drains in-flight requests and
// closes the stores. SIGUSR2 reloads templates without a restart.
func (s *System) Run(h http.Handler) error {
	srv := &http.Server{Addr: s.conf.Meta.ListenAddr, Handler: h}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR2)
	for {
		select {
		case err := <-errc:
			s.Close()
			return err
		case sig := <-sigc:
			if sig == syscall.SIGUSR2 {
				log.Println("reloading templates")
				if err := s.ReloadTemplates(); err != nil {
					log.Println("Error reloading templates:", err)
				}
				continue
			}
			log.Println("got signal:", sig, "- shutting down gracefully")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := srv.Shutdown(ctx)
			cancel()
			s.Close()
			return err
		}
	}
}

// Close releases both databases. The submission store must close before
// exit to flush buffered writes.
func (s *System) Close() {
	s.notifyWG.Wait()
	if err := s.store.Close(); err != nil {
		log.Println("Error closing database:", err)
	} else {
		log.Println("Database connection closed.")
	}
	if s.authDB != nil {
		if err := s.authDB.Close(); err != nil {
			log.Println("Error closing session database:", err)
		}
	}
}

// addBadAttempt counts failed logins per ip, temp-banning repeat offenders.
func (s *System) addBadAttempt(r *http.Request) {
	const maxAttempts = 3
	if s.greylist == nil {
		log.Println("WARN: no greylist instance to add bad attempts")
		return
	}
	ip := greylist.ClientIP(r)
	s.badguylock.Lock()
	counter := s.badguys[ip]
	if counter == nil {
		counter = new(uint32)
		s.badguys[ip] = counter
	}
	s.badguylock.Unlock()
	*counter++
	if *counter >= maxAttempts {
		log.Println("adding to blacklist:", ip)
		s.greylist.Blacklist(r)
	}
}
