// Package notify implements batch.Notifier: a fire-and-forget email sent
// when a batch reaches completed (spec §9 supplemented feature). Batches
// that end in failed send no email.
// No library in the retrieved corpus addresses outbound email, so this is
// built directly on net/smtp (see DESIGN.md).
package notify

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
)

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SMTPNotifier implements batch.Notifier by emailing the batch's owner.
type SMTPNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// New creates an SMTPNotifier. A zero-value cfg.Host disables sending:
// NotifyComplete becomes a no-op, which lets deployments without a relay
// configured still wire the tracker to a Notifier unconditionally.
func New(cfg SMTPConfig, logger *slog.Logger) *SMTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{cfg: cfg, logger: logger}
}

// NotifyComplete sends the completion email synchronously; the tracker
// already calls it in its own goroutine, and tests call it directly.
// Errors are logged,
// never returned: a broken mail relay must never affect batch state.
func (n *SMTPNotifier) NotifyComplete(b *batch.Batch) {
	if n.cfg.Host == "" || b.Email == "" {
		return
	}

	subject := fmt.Sprintf("Batch %s %s", b.ID, b.Status)
	body := n.body(b)
	msg := buildMessage(n.cfg.From, b.Email, subject, body)

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Pass, n.cfg.Host)
	}

	if err := smtp.SendMail(n.cfg.addr(), auth, n.cfg.From, []string{b.Email}, msg); err != nil {
		n.logger.Warn("notify: send failed", "batch_id", b.ID, "to", b.Email, "error", err)
		return
	}
	n.logger.Info("notify: sent completion email", "batch_id", b.ID, "to", b.Email)
}

func (n *SMTPNotifier) body(b *batch.Batch) string {
	total := 0
	if b.Total != nil {
		total = *b.Total
	}
	return fmt.Sprintf(
		"Batch %s is %s.\n\nTotal: %d\nValid: %d\nInvalid: %d\nErrored: %d\n",
		b.ID, b.Status, total, b.Counts.Valid, b.Counts.Invalid, b.Counts.Errored,
	)
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
