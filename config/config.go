package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultListenAddr = ":3000"
	DefaultContactsDB = "contacts.db"
	DefaultSessionsDB = "sessions.db"
)

type MetaConfig struct {
	Version         string `json:"-"`
	ListenAddr      string `json:"listen"`
	SiteName        string `json:"sitename"`
	SiteURL         string `json:"siteurl"`
	DevelopmentMode bool   `json:"devmode"`
	PathTemplates   string `json:"templatedir"`
	PathPublic      string `json:"publicdir"`
}

// MailConfig holds relay credentials for outbound notification mail.
// User doubles as the From address, matching the upstream relay account.
type MailConfig struct {
	SMTPHost    string `json:"smtp-host"`
	SMTPPort    int    `json:"smtp-port"`
	User        string `json:"user"`
	Pass        string `json:"pass"`
	Operator    string `json:"operator"`
	CalendlyURL string `json:"calendly"`
}

type SecurityConfig struct {
	HashKey       string `json:"hash-key"`
	BlockKey      string `json:"block-key"`
	CSRFKey       string `json:"csrf-key"`
	CookieName    string `json:"cookie-name"`
	Whitelist     string `json:"whitelist"`
	Blacklist     string `json:"blacklist"`
	ContactsDB    string `json:"database"`
	SessionsDB    string `json:"sessions-database"`
	AdminUser     string `json:"admin-user"`
	AdminPassword string `json:"-"` // only via $ADMIN_PASSWORD
}

// LimitsConfig bounds abusive clients. Requests is the general cap per
// 15 minute window, ContactRequests the submission cap per hour.
type LimitsConfig struct {
	Requests        int `json:"requests"`
	ContactRequests int `json:"contact-requests"`
}

type Config struct {
	Meta           MetaConfig     `json:"Meta,omitempty"`
	Mail           MailConfig     `json:"Mail,omitempty"`
	Sec            SecurityConfig `json:"Security,omitempty"`
	Limits         LimitsConfig   `json:"Limits,omitempty"`
	ConfigFilePath string         `json:"-"` // empty if defaults only
}

// Default returns a config that can boot with no config file at all,
// mirroring the env-only deployment of the original site.
func Default() *Config {
	return &Config{
		Meta: MetaConfig{
			ListenAddr:    DefaultListenAddr,
			SiteName:      "Growth Flow Automations",
			SiteURL:       "http://localhost:3000",
			PathTemplates: "www/templates",
			PathPublic:    "www/public",
		},
		Mail: MailConfig{
			SMTPHost:    "smtp.gmail.com",
			SMTPPort:    587,
			User:        "sameer.growthflow@gmail.com",
			Operator:    "sameer.growthflow@gmail.com",
			CalendlyURL: "https://calendly.com/sameer-growthflow",
		},
		Sec: SecurityConfig{
			CookieName: "contactd",
			ContactsDB: DefaultContactsDB,
			SessionsDB: DefaultSessionsDB,
			AdminUser:  "admin",
		},
		Limits: LimitsConfig{
			Requests:        100,
			ContactRequests: 5,
		},
	}
}

// Load reads the optional JSON config file and applies env overrides.
// A missing file is not an error; the defaults above are used.
func Load(path string) (*Config, error) {
	conf := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error opening config file: %v", err)
			}
			log.Println("no config file at", path, "- using defaults")
		} else {
			dec := json.NewDecoder(f)
			if err := dec.Decode(conf); err != nil {
				f.Close()
				return nil, fmt.Errorf("error decoding json config: %v", err)
			}
			f.Close()
			conf.ConfigFilePath = path
			log.Println("read config from", path)
		}
	}
	applyEnv(conf)
	return conf, check(conf)
}

// env overrides win over file and defaults ($PORT etc, heroku style)
func applyEnv(conf *Config) {
	if port := os.Getenv("PORT"); port != "" {
		log.Println("overriding config with $PORT", port)
		conf.Meta.ListenAddr = ":" + port
	}
	if siteurl := os.Getenv("SITEURL"); siteurl != "" {
		conf.Meta.SiteURL = siteurl
	}
	if user := os.Getenv("EMAIL_USER"); user != "" {
		conf.Mail.User = user
		if os.Getenv("EMAIL_OPERATOR") == "" {
			conf.Mail.Operator = user
		}
	}
	if pass := os.Getenv("EMAIL_PASS"); pass != "" {
		conf.Mail.Pass = pass
	}
	if op := os.Getenv("EMAIL_OPERATOR"); op != "" {
		conf.Mail.Operator = op
	}
	if db := os.Getenv("DATABASE"); db != "" {
		conf.Sec.ContactsDB = db
	}
	if db := os.Getenv("SESSIONS_DB"); db != "" {
		conf.Sec.SessionsDB = db
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		conf.Sec.AdminPassword = pw
	}
	if n := os.Getenv("RATE_LIMIT"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			conf.Limits.Requests = v
		}
	}
}

func check(conf *Config) error {
	if conf.Meta.ListenAddr == "" {
		conf.Meta.ListenAddr = DefaultListenAddr
	}
	if conf.Sec.ContactsDB == "" {
		return fmt.Errorf("config needs Security.database")
	}
	if conf.Sec.SessionsDB == "" {
		return fmt.Errorf("config needs Security.sessions-database")
	}
	if conf.Sec.CookieName == "" {
		return fmt.Errorf("config needs Security.cookie-name")
	}
	if conf.Limits.Requests <= 0 || conf.Limits.ContactRequests <= 0 {
		return fmt.Errorf("config Limits must be positive")
	}
	return nil
}
