// Package email tells the admin mailbox about purchases awaiting review.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"houseplans.app/cloud/internal/config"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Sender struct {
	host     string
	port     string
	username string
	password string
	from     string
	admin    string
	send     sendFunc
}

func NewSender(cfg *config.Config) *Sender {
	return &Sender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.EmailFrom,
		admin:    cfg.AdminEmail,
		send:     smtp.SendMail,
	}
}

func (s *Sender) Send(to, subject, body string) error {
	if s.host == "" || s.port == "" || s.from == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}
	if strings.ContainsAny(to+subject, "\r\n") {
		return fmt.Errorf("header values must not contain line breaks")
	}

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", s.from, to, subject, time.Now().UTC().Format(time.RFC1123Z), body))

	return s.send(net.JoinHostPort(s.host, s.port), auth, s.from, []string{to}, msg)
}

// NotifyNewClaim mails the admin a summary of a claim awaiting review. The
// download token never leaves the server this way.
func (s *Sender) NotifyNewClaim(ctx context.Context, claim models.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("New purchase pending review: product %d", claim.ProductID)

	var b strings.Builder
	fmt.Fprintf(&b, "A purchase claim is waiting for approval.\r\n\r\n")
	fmt.Fprintf(&b, "Claim:      %s\r\n", claim.ID)
	fmt.Fprintf(&b, "Product:    %d\r\n", claim.ProductID)
	fmt.Fprintf(&b, "Phone:      %s\r\n", claim.Phone)
	fmt.Fprintf(&b, "Amount:     %s\r\n", claim.Amount.StringFixed(2))
	if claim.ExternalID != "" {
		fmt.Fprintf(&b, "Reference:  %s\r\n", claim.ExternalID)
	}
	fmt.Fprintf(&b, "Received:   %s\r\n", claim.CreatedAt.UTC().Format(time.RFC3339))

	if err := s.Send(s.admin, subject, b.String()); err != nil {
		return fmt.Errorf("send claim notification: %w", err)
	}
	return nil
}
