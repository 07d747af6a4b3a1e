// Package notify delivers alerts over external channels. The alert manager
// decides when to notify; implementations here only decide how.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/minssan9/investand/internal/monitor"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	ToAddress   string
}

// EmailNotifier sends alert emails through SendGrid.
type EmailNotifier struct {
	cfg  EmailConfig
	send func(email *mail.SGMailV3) (int, error)
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	client := sendgrid.NewSendClient(cfg.APIKey)

	return &EmailNotifier{
		cfg: cfg,
		send: func(email *mail.SGMailV3) (int, error) {
			response, err := client.Send(email)
			if err != nil {
				return 0, err
			}
			return response.StatusCode, nil
		},
	}
}

func (n *EmailNotifier) Notify(_ context.Context, alert monitor.Alert) error {
	from := mail.NewEmail(n.cfg.FromName, n.cfg.FromAddress)
	to := mail.NewEmail("", n.cfg.ToAddress)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)
	body := formatBody(alert)
	email := mail.NewSingleEmail(from, subject, to, body, body)

	status, err := n.send(email)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("sendgrid error: status %d", status)
	}

	return nil
}

func formatBody(alert monitor.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s\nSeverity: %s\nTime: %s\n", alert.Type, alert.Severity, alert.Timestamp.Format("2006-01-02 15:04:05"))

	if len(alert.Details) > 0 {
		b.WriteString("\nDetails:\n")
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, alert.Details[k])
		}
	}

	return b.String()
}

// LogNotifier writes alerts to the process log. Used when no email channel is
// configured and as the delivery path in tests and local runs.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, alert monitor.Alert) error {
	log.Printf("ALERT [%s] %s: %v", alert.Severity, alert.Type, alert.Details)
	return nil
}
