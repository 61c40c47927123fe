package notify

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// LogNotifier только пишет в лог. Используется, когда SMTP не настроен.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.New().WithField("component", "log-notifier")
	}
	return &LogNotifier{logger: logger}
}

// Deliver реализует domain.Notifier.
func (n *LogNotifier) Deliver(ctx context.Context, artifact domain.Artifact, recipient string, meta domain.NotificationMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(recipient) == "" {
		return domain.ErrRecipientRequired
	}
	n.logger.WithFields(log.Fields{
		"invoice_number": meta.InvoiceNumber,
		"recipient":      recipient,
		"attachment":     artifact.FileName,
		"size":           len(artifact.Content),
	}).Info("invoice email delivery skipped: smtp is not configured")
	return nil
}

var _ domain.Notifier = (*LogNotifier)(nil)
