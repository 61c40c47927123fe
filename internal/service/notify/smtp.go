package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// SMTPConfig — параметры почты и реквизиты для текста письма.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromName string
	// FromAddress по умолчанию совпадает с Username.
	FromAddress string

	CompanyName    string
	CompanyAddress string
	CompanyPhone   string
	CompanyEmail   string
	CompanyBank    string

	// DebugMode перенаправляет все письма на TestRecipient.
	DebugMode     bool
	TestRecipient string
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPNotifier отправляет счёт письмом с PDF во вложении.
type SMTPNotifier struct {
	cfg    SMTPConfig
	sender sender
	logger *log.Entry
}

// NewSMTPNotifier создаёт notifier поверх gomail.Dialer.
func NewSMTPNotifier(cfg SMTPConfig, logger *log.Entry) (*SMTPNotifier, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.FromAddress == "" {
		cfg.FromAddress = cfg.Username
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if logger == nil {
		logger = log.New().WithField("component", "smtp-notifier")
	}
	return &SMTPNotifier{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}, nil
}

// Deliver реализует domain.Notifier.
func (n *SMTPNotifier) Deliver(ctx context.Context, artifact domain.Artifact, recipient string, meta domain.NotificationMeta) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.ErrRecipientRequired
	}

	to := recipient
	if n.cfg.DebugMode && n.cfg.TestRecipient != "" {
		to = n.cfg.TestRecipient
		n.logger.WithFields(log.Fields{
			"invoice_number": meta.InvoiceNumber,
			"recipient":      recipient,
			"redirected_to":  to,
		}).Info("debug mode: redirecting invoice email")
	}

	msg, err := n.message(artifact, to, meta)
	if err != nil {
		return err
	}

	// gomail не принимает context, поэтому ждём отправку не дольше, чем живёт ctx.
	done := make(chan error, 1)
	go func() { done <- n.sender.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send invoice email: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("send invoice email: %w", ctx.Err())
	}

	n.logger.WithFields(log.Fields{
		"invoice_number": meta.InvoiceNumber,
		"recipient":      to,
	}).Info("invoice email sent")
	return nil
}

func (n *SMTPNotifier) message(artifact domain.Artifact, to string, meta domain.NotificationMeta) (*gomail.Message, error) {
	data := n.templateData(meta)

	var text, html bytes.Buffer
	if err := textBody.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render email text: %w", err)
	}
	if err := htmlBody.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render email html: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.FromAddress, n.cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", Subject(n.cfg.CompanyName, meta.InvoiceNumber))
	m.SetBody("text/plain", text.String())
	m.AddAlternative("text/html", html.String())

	if len(artifact.Content) > 0 {
		content := artifact.Content
		contentType := artifact.ContentType
		if contentType == "" {
			contentType = "application/pdf"
		}
		m.Attach(AttachmentName(n.cfg.CompanyName, meta.InvoiceNumber),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {contentType}}),
		)
	}
	return m, nil
}

type emailData struct {
	Greeting       string
	InvoiceNumber  int64
	TotalAmount    string
	DueDate        string
	CompanyName    string
	CompanyAddress string
	CompanyPhone   string
	CompanyEmail   string
	CompanyBank    string
}

func (n *SMTPNotifier) templateData(meta domain.NotificationMeta) emailData {
	greeting := "Tere!"
	if name := strings.TrimSpace(meta.BuyerName); name != "" {
		greeting = "Tere " + name + "!"
	}
	due := ""
	if !meta.DueDate.IsZero() {
		due = meta.DueDate.Format(domain.DateLayout)
	}
	return emailData{
		Greeting:       greeting,
		InvoiceNumber:  int64(meta.InvoiceNumber),
		TotalAmount:    meta.TotalAmount.StringFixed(2),
		DueDate:        due,
		CompanyName:    n.cfg.CompanyName,
		CompanyAddress: n.cfg.CompanyAddress,
		CompanyPhone:   n.cfg.CompanyPhone,
		CompanyEmail:   n.cfg.CompanyEmail,
		CompanyBank:    n.cfg.CompanyBank,
	}
}

// Subject возвращает тему письма: "<company> Arve #<n>".
func Subject(company string, number domain.InvoiceNumber) string {
	return fmt.Sprintf("%s Arve #%d", company, number)
}

// AttachmentName возвращает имя вложения: пробелы в названии компании заменяются на "-".
func AttachmentName(company string, number domain.InvoiceNumber) string {
	name := strings.Join(strings.Fields(company), "-")
	if name == "" {
		name = "Invoice"
	}
	return fmt.Sprintf("%s-Arve-%d.pdf", name, number)
}

var _ domain.Notifier = (*SMTPNotifier)(nil)
