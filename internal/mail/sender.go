// Package mail implements the notification subsystem: templated outbound
// emails with per-recipient anti-spam throttling and a durable
// undelivered-queue with typed retry.
package mail

import (
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

// Sender submits one message to the outbound transport.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPSender delivers messages through an SMTP relay using go-mail.
type SMTPSender struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Send submits one plain-text message.
func (s *SMTPSender) Send(to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(s.From); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{gomail.WithPort(s.Port)}
	if s.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.Username),
			gomail.WithPassword(s.Password),
		)
	}

	client, err := gomail.NewClient(s.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if err := client.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}
