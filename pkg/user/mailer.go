package user

import (
	"fmt"

	"github.com/wneessen/go-mail"
)

// Mailer delivers the set/reset-password emails over SMTP. A nil *Mailer is
// valid: Service falls back to logging the raw token, which keeps local
// development working without an SMTP relay configured.
type Mailer struct {
	client *mail.Client
	from   string
}

// MailerConfig configures the SMTP relay used to deliver password emails.
type MailerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// NewMailer creates a Mailer from SMTP settings. Returns a nil Mailer (and a
// nil error) when Host is empty, so callers can treat "not configured" the
// same as "no mailer" without a separate feature flag.
func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.User),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return &Mailer{client: client, from: cfg.From}, nil
}

// SendPasswordToken delivers a one-time set/reset-password link to a user's
// email address.
func (m *Mailer) SendPasswordToken(to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("setting from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return m.client.DialAndSend(msg)
}
