package system

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/growthflow/contactd/store"
)

const (
	maxNameLen       = 100
	maxAutomationLen = 1000
)

// ValidationError carries a user-safe message, returned with a 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ContactForm is the raw submission payload, JSON or form-encoded.
type ContactForm struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Business   string `json:"business"`
	Revenue    string `json:"revenue"`
	Automation string `json:"automation"`
}

// ValidateContact checks and sanitizes a raw submission. Rules apply in
// order, first failure wins: required fields, email syntax, length limits,
// then trim + escape + email normalization. Revenue is optional and becomes
// an empty string when absent.
func ValidateContact(f ContactForm) (*store.Contact, error) {
	name := strings.TrimSpace(f.Name)
	email := strings.TrimSpace(f.Email)
	business := strings.TrimSpace(f.Business)
	revenue := strings.TrimSpace(f.Revenue)
	automation := strings.TrimSpace(f.Automation)

	if name == "" || email == "" || business == "" || automation == "" {
		return nil, &ValidationError{"Please fill in all required fields."}
	}
	if !govalidator.IsEmail(email) {
		return nil, &ValidationError{"Please enter a valid email address."}
	}
	if utf8.RuneCountInString(name) > maxNameLen || utf8.RuneCountInString(automation) > maxAutomationLen {
		return nil, &ValidationError{"Input too long. Please keep your message concise."}
	}

	return &store.Contact{
		Name:       Sanitize(name),
		Email:      strings.ToLower(email),
		Business:   Sanitize(business),
		Revenue:    Sanitize(revenue),
		Automation: Sanitize(automation),
	}, nil
}

// Sanitize neutralizes markup in free text (<, >, &, quotes). Unescaping
// first makes the operation idempotent: already-escaped input is not
// encoded a second time.
func Sanitize(s string) string {
	return html.EscapeString(html.UnescapeString(s))
}
