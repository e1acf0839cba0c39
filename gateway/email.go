package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	gomail "gopkg.in/gomail.v2"

	"leadflow/engine"
)

// EmailAdapter dispatches email steps over SMTP.
type EmailAdapter struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailAdapter(host string, port int, username, password, from string) *EmailAdapter {
	return &EmailAdapter{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (a *EmailAdapter) Dispatch(_ context.Context, req engine.SendRequest, body string) (string, error) {
	if req.To == "" {
		return "", &engine.SendError{Permanent: true, Reason: "lead has no email address"}
	}

	subject := body
	if idx := strings.Index(body, "\n"); idx > 0 {
		// First line is the subject by convention; the rest is the body.
		subject = strings.TrimSpace(body[:idx])
		body = strings.TrimSpace(body[idx+1:])
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", req.To)
	m.SetHeader("Subject", subject)
	messageID := fmt.Sprintf("<%s@leadflow>", uuid.NewString())
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", body)

	if err := a.dialer.DialAndSend(m); err != nil {
		reason := err.Error()
		if strings.Contains(reason, "550") || strings.Contains(reason, "no such user") {
			return "", &engine.SendError{Permanent: true, Reason: reason}
		}
		return "", &engine.SendError{Reason: reason}
	}
	return messageID, nil
}
