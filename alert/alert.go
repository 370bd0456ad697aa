package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/utils"
)

// Notifier delivers an operator alert
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// New returns an SMTP notifier when mail is configured and a log-only
// notifier otherwise.
func New(cfg config.AlertConfig) Notifier {
	if !cfg.Enabled() {
		return LogNotifier{}
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

// LogNotifier writes alerts to the log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, subject, body string) error {
	utils.Logger.Error(subject, "component", "alert", "detail", body)
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends alerts by mail
type SMTPNotifier struct {
	cfg  config.AlertConfig
	send sendFunc
}

func (n *SMTPNotifier) Notify(ctx context.Context, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}

	from := n.cfg.From
	if from == "" {
		from = n.cfg.Username
	}

	done := make(chan error, 1)
	go func() {
		done <- n.send(addr, auth, from, n.cfg.To, buildMessage(from, n.cfg.To, subject, body))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send alert mail: %w", err)
		}
		utils.Logger.Info("Alert mail sent", "component", "alert", "to", strings.Join(n.cfg.To, ","))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}
