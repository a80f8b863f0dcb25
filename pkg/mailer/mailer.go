package mailer

import (
	"fmt"
	"net/smtp"

	"github.com/awesome-babushka/auth-service/pkg/config"
)

// Mailer sends plain-text mail through the configured SMTP relay.
type Mailer struct {
	cfg config.EmailConfig
}

// New builds a Mailer from the email configuration.
func New(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// SendVerification delivers the account activation link.
func (m *Mailer) SendVerification(to, key string) error {
	link := fmt.Sprintf("%s/api/v1/auth/verify?key=%s", m.cfg.VerifyBaseURL, key)
	body := fmt.Sprintf("Subject: Verify your account\r\nFrom: %s\r\nTo: %s\r\n\r\n"+
		"Welcome! Confirm your email by visiting:\r\n\r\n%s\r\n\r\n"+
		"The link expires in %s.\r\n", m.cfg.From, to, link, m.cfg.ActivationTTL)

	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	if err := smtp.SendMail(addr, nil, m.cfg.From, []string{to}, []byte(body)); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}
