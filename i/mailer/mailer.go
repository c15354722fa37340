// package mailer sends the two contact-form emails through an SMTP relay:
// an operator notification and an auto-reply to the submitter.
//
// Sends are best-effort. Callers fire them after the database write commits
// and only ever log the returned NotificationError.
package mailer

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/growthflow/contactd/store"
)

type Config struct {
	Host        string
	Port        int
	User        string // relay account, doubles as From
	Pass        string
	Operator    string // notification recipient
	CalendlyURL string
	SiteName    string
}

// NotificationError wraps a relay failure. It is logged, never surfaced to
// the submitting client.
type NotificationError struct {
	Kind string // "notification" or "auto-reply"
	Err  error
}

func (e *NotificationError) Error() string { return e.Kind + " email: " + e.Err.Error() }
func (e *NotificationError) Unwrap() error { return e.Err }

type Mailer struct {
	client *mail.Client
	conf   Config
}

func New(conf Config) (*Mailer, error) {
	client, err := mail.NewClient(conf.Host,
		mail.WithPort(conf.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(conf.User),
		mail.WithPassword(conf.Pass),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return nil, fmt.Errorf("mailer: %v", err)
	}
	return &Mailer{client: client, conf: conf}, nil
}

// NotifyOperator mails a summary of the submission to the operator address,
// including the submission timestamp and captured IP.
func (m *Mailer) NotifyOperator(c *store.Contact) error {
	msg := mail.NewMsg()
	if err := msg.From(m.conf.User); err != nil {
		return &NotificationError{"notification", err}
	}
	if err := msg.To(m.conf.Operator); err != nil {
		return &NotificationError{"notification", err}
	}
	msg.Subject("New Contact Form Submission - " + c.Name)
	msg.SetBodyString(mail.TypeTextPlain, renderOperatorText(c))
	msg.AddAlternativeString(mail.TypeTextHTML, renderOperatorHTML(c))
	if err := m.client.DialAndSend(msg); err != nil {
		return &NotificationError{"notification", err}
	}
	return nil
}

// NotifyRequester mails the acknowledgement to the submitter, with the
// call-to-action booking link.
func (m *Mailer) NotifyRequester(c *store.Contact) error {
	msg := mail.NewMsg()
	if err := msg.From(m.conf.User); err != nil {
		return &NotificationError{"auto-reply", err}
	}
	if err := msg.To(c.Email); err != nil {
		return &NotificationError{"auto-reply", err}
	}
	msg.Subject("Thank you for contacting " + m.siteName())
	msg.SetBodyString(mail.TypeTextPlain, m.renderAutoReplyText(c))
	msg.AddAlternativeString(mail.TypeTextHTML, m.renderAutoReplyHTML(c))
	if err := m.client.DialAndSend(msg); err != nil {
		return &NotificationError{"auto-reply", err}
	}
	return nil
}

func (m *Mailer) siteName() string {
	if m.conf.SiteName != "" {
		return m.conf.SiteName
	}
	return "Growth Flow Automations"
}

// Contact fields are HTML-escaped at intake, so the HTML bodies are built
// with text/template; running them through html/template would encode the
// entities a second time.
var operatorHTML = template.Must(template.New("operator").Parse(`<h2>New Contact Form Submission</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
<p><strong>Business Type:</strong> {{.Business}}</p>
<p><strong>Revenue Range:</strong> {{.Revenue}}</p>
<p><strong>Automation Needs:</strong></p>
<p>{{.Automation}}</p>
<hr>
<p><small>Submitted at: {{.SubmittedAt}}</small></p>
<p><small>IP Address: {{.IP}}</small></p>
`))

var operatorText = template.Must(template.New("operator-text").Parse(`New Contact Form Submission

Name: {{.Name}}
Email: {{.Email}}
Business Type: {{.Business}}
Revenue Range: {{.Revenue}}
Automation Needs: {{.Automation}}

Submitted at: {{.SubmittedAt}}
IP Address: {{.IP}}
`))

var autoReplyHTML = template.Must(template.New("autoreply").Parse(`<h2>Thank you for your interest!</h2>
<p>Hi {{.Name}},</p>
<p>Thank you for reaching out to {{.SiteName}}. We've received your inquiry about automating your business processes.</p>
<p>Our team will review your requirements and get back to you within 24 hours to schedule your free strategy call.</p>
<p>In the meantime, feel free to book a call directly using our Calendly link: <a href="{{.Calendly}}">{{.Calendly}}</a></p>
<p>Best regards,<br>The {{.SiteName}} Team</p>
<hr>
<p><small>This is an automated response. Please do not reply to this email.</small></p>
`))

var autoReplyText = template.Must(template.New("autoreply-text").Parse(`Thank you for your interest!

Hi {{.Name}},

Thank you for reaching out to {{.SiteName}}. We've received your inquiry about automating your business processes.

Our team will review your requirements and get back to you within 24 hours to schedule your free strategy call.

In the meantime, feel free to book a call directly using our Calendly link: {{.Calendly}}

Best regards,
The {{.SiteName}} Team

This is an automated response. Please do not reply to this email.
`))

type operatorData struct {
	Name, Email, Business, Revenue, Automation string
	SubmittedAt, IP                            string
}

type autoReplyData struct {
	Name, SiteName, Calendly string
}

func operatorFields(c *store.Contact) operatorData {
	revenue := c.Revenue
	if revenue == "" {
		revenue = "Not specified"
	}
	submitted := c.CreatedAt
	if submitted == "" {
		submitted = time.Now().UTC().Format(store.TimeFormat)
	}
	return operatorData{
		Name:        c.Name,
		Email:       c.Email,
		Business:    c.Business,
		Revenue:     revenue,
		Automation:  c.Automation,
		SubmittedAt: submitted,
		IP:          c.IPAddress,
	}
}

func renderOperatorHTML(c *store.Contact) string {
	var buf bytes.Buffer
	operatorHTML.Execute(&buf, operatorFields(c))
	return buf.String()
}

func renderOperatorText(c *store.Contact) string {
	var buf bytes.Buffer
	operatorText.Execute(&buf, operatorFields(c))
	return buf.String()
}

func (m *Mailer) renderAutoReplyHTML(c *store.Contact) string {
	var buf bytes.Buffer
	autoReplyHTML.Execute(&buf, autoReplyData{c.Name, m.siteName(), m.conf.CalendlyURL})
	return buf.String()
}

func (m *Mailer) renderAutoReplyText(c *store.Contact) string {
	var buf bytes.Buffer
	autoReplyText.Execute(&buf, autoReplyData{c.Name, m.siteName(), m.conf.CalendlyURL})
	return buf.String()
}
