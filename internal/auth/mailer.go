package auth

import (
	gomail "gopkg.in/gomail.v2"
)

// Mailer sends account mail. Implemented by SMTPMailer in production
// and faked in tests.
type Mailer interface {
	SendPasswordReset(to, code string) error
}

// SMTPMailer sends mail over SMTP.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer creates a mailer for the given SMTP endpoint.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (m *SMTPMailer) SendPasswordReset(to, code string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "Reset your Olam Chat password")
	msg.SetBody("text/plain",
		"A password reset was requested for your account.\n\n"+
			"Your reset code: "+code+"\n\n"+
			"If you did not request this, you can ignore this mail.")
	return m.dialer.DialAndSend(msg)
}
