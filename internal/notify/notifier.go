package notify

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/bioage/reset-backend/internal/config"
)

// Attachment is a file carried by an outgoing email.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one outgoing email.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Notifier delivers report emails over SMTP. When no host is configured it
// runs in dev mode: deliveries are logged instead of sent and always succeed,
// so local pipelines complete without a mail server.
//
// Send failures are retried internally with a fixed interval; exhaustion is
// reported to the caller, who records it without failing the report.
type Notifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger

	// send is swappable in tests.
	send func(msg *Message) error
}

// NewNotifier builds a notifier from the email config section.
func NewNotifier(cfg *config.EmailConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = n.sendSMTP
	return n
}

// DevMode reports whether deliveries are logged rather than sent.
func (n *Notifier) DevMode() bool {
	return n.cfg.Host == ""
}

// SendReport mails the finished protocol to the user, attaching the PDF and
// including the download link.
func (n *Notifier) SendReport(ctx context.Context, to, reportID, downloadURL string, pdf []byte) error {
	body := fmt.Sprintf(
		"Hi,\r\n\r\nYour 90-day BioAge Reset Protocol is ready.\r\n\r\n"+
			"The report is attached as a PDF. You can also download it here:\r\n%s\r\n\r\n"+
			"This report is for educational purposes only and is not medical advice.\r\n",
		downloadURL,
	)

	msg := &Message{
		To:      to,
		Subject: "Your BioAge Reset Protocol is ready",
		Body:    body,
		Attachments: []Attachment{
			{
				Filename:    fmt.Sprintf("bioage-protocol-%s.pdf", reportID),
				ContentType: "application/pdf",
				Content:     pdf,
			},
		},
	}

	return n.deliver(ctx, reportID, msg)
}

// SendFailureNotice tells the user their report could not be generated. Sent
// once when a report reaches the failed state.
func (n *Notifier) SendFailureNotice(ctx context.Context, to, reportID string) error {
	msg := &Message{
		To:      to,
		Subject: "We could not generate your report",
		Body: "Hi,\r\n\r\nWe hit a problem while generating your BioAge Reset Protocol " +
			"and had to stop. You can request a new report at any time; no charge was made " +
			"for this attempt.\r\n",
	}

	return n.deliver(ctx, reportID, msg)
}

func (n *Notifier) deliver(ctx context.Context, reportID string, msg *Message) error {
	if n.DevMode() {
		n.logger.Info("email delivery skipped (dev mode)",
			"to", msg.To,
			"subject", msg.Subject,
			"report_id", reportID,
			"attachments", len(msg.Attachments))
		return nil
	}

	attempts := n.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = n.send(msg)
		if lastErr == nil {
			n.logger.Info("email sent",
				"to", msg.To,
				"report_id", reportID,
				"attempt", attempt)
			return nil
		}

		n.logger.Warn("email send failed",
			"to", msg.To,
			"report_id", reportID,
			"attempt", attempt,
			"error", lastErr)

		if attempt < attempts && n.cfg.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.RetryInterval):
			}
		}
	}

	return fmt.Errorf("email delivery failed after %d attempts: %w", attempts, lastErr)
}

func (n *Notifier) sendSMTP(msg *Message) error {
	raw := n.buildMessage(msg)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	if n.cfg.UseTLS {
		return n.sendWithSTARTTLS(addr, auth, msg.To, raw)
	}
	return smtp.SendMail(addr, auth, n.cfg.From, []string{msg.To}, []byte(raw))
}

func (n *Notifier) sendWithSTARTTLS(addr string, auth smtp.Auth, to, raw string) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	defer client.Close()

	host := strings.Split(addr, ":")[0]
	if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
		return fmt.Errorf("failed to start tls: %w", err)
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set mail recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// buildMessage renders the MIME document. Attachments force multipart/mixed;
// bodies and attachments are base64 encoded to stay within RFC 5322 line
// limits.
func (n *Notifier) buildMessage(msg *Message) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s <%s>\r\n", n.cfg.FromName, n.cfg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))

	if len(msg.Attachments) == 0 {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
		b.WriteString("\r\n")
		b.WriteString(msg.Body)
		return b.String()
	}

	boundary := generateBoundary()
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary))
	b.WriteString("\r\n")

	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")
	b.WriteString(encodeBase64WithLineBreaks(msg.Body))
	b.WriteString("\r\n")

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", contentType, att.Filename))
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", att.Filename))
		b.WriteString("\r\n")
		b.WriteString(encodeBase64WithLineBreaks(string(att.Content)))
		b.WriteString("\r\n")
	}

	b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return b.String()
}

func generateBoundary() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "bioage_boundary_fallback"
	}
	return fmt.Sprintf("bioage_%x", b)
}

// encodeBase64WithLineBreaks encodes content with 76-char line breaks per
// RFC 2045.
func encodeBase64WithLineBreaks(content string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))

	var result strings.Builder
	const lineLen = 76
	for i := 0; i < len(encoded); i += lineLen {
		end := i + lineLen
		if end > len(encoded) {
			end = len(encoded)
		}
		result.WriteString(encoded[i:end])
		if end < len(encoded) {
			result.WriteString("\r\n")
		}
	}
	return result.String()
}
