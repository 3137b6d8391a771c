package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hqtran/collabhub/internal/jobs"
)

type emailResult struct {
	Recipient string    `json:"recipient"`
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func (h *Handlers) sendEmail(ctx context.Context, env *jobs.Envelope, progress ProgressFunc) (json.RawMessage, error) {
	var p jobs.EmailNotificationPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, jobs.NewExecutionError("malformed email payload", err)
	}
	if !strings.Contains(p.Recipient, "@") {
		return nil, jobs.NewExecutionError(fmt.Sprintf("invalid recipient address: %s", p.Recipient), nil)
	}
	if p.Template == "" {
		return nil, jobs.NewExecutionError("template must not be empty", nil)
	}

	progress(20)

	body := renderTemplate(p.Template, p.Variables)
	progress(50)

	// Simulated SMTP delivery.
	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("delivery canceled", err)
	}
	progress(100)

	h.logger.Debug("email delivered",
		slog.String("recipient", p.Recipient),
		slog.String("subject", p.Subject),
		slog.Int("body_bytes", len(body)),
	)

	return marshalResult(emailResult{
		Recipient: p.Recipient,
		MessageID: "msg-" + uuid.NewString(),
		SentAt:    h.now().UTC(),
	})
}

// renderTemplate substitutes {{name}} placeholders with their variable
// values. Unknown placeholders are left untouched.
func renderTemplate(template string, vars map[string]string) string {
	body := template
	for name, value := range vars {
		body = strings.ReplaceAll(body, "{{"+name+"}}", value)
	}
	return body
}
