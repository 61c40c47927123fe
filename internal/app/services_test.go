package app

import (
	"context"
	"strings"
	"testing"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/service/artifact"
	"github.com/vladislavdragonenkov/invoicing/internal/service/notify"
	"github.com/vladislavdragonenkov/invoicing/internal/service/render"
)

func testOutboxMessage(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateInvoice,
		AggregateID:   id,
		EventType:     domain.EventInvoiceIssued,
		Payload:       []byte(`{}`),
	}
}

func TestNewRenderer_WithoutArchive(t *testing.T) {
	renderer, archive, closeFn, err := newRenderer(context.Background(), DefaultConfig(), testLogger("renderer"))
	if err != nil {
		t.Fatalf("newRenderer failed: %v", err)
	}
	if _, ok := renderer.(*render.PDFRenderer); !ok {
		t.Fatalf("expected plain pdf renderer, got %T", renderer)
	}
	if archive != nil {
		t.Fatalf("expected no archive, got %T", archive)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewRenderer_LocalArchive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArchiveDriver = ArchiveDriverLocal
	cfg.ArchiveDir = t.TempDir()

	renderer, archive, _, err := newRenderer(context.Background(), cfg, testLogger("renderer-local"))
	if err != nil {
		t.Fatalf("newRenderer failed: %v", err)
	}
	if _, ok := renderer.(*render.PDFRenderer); !ok {
		t.Fatalf("documents must not be archived on render, got %T", renderer)
	}
	if _, ok := archive.(*artifact.LocalStore); !ok {
		t.Fatalf("expected local archive, got %T", archive)
	}
}

func TestNewRenderer_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		driver  string
		dir     string
		wantErr string
	}{
		{name: "unknown driver", driver: "s3", wantErr: "unsupported archive driver"},
		{name: "local without dir", driver: ArchiveDriverLocal, wantErr: "init local archive"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ArchiveDriver = tc.driver
			cfg.ArchiveDir = tc.dir

			_, _, _, err := newRenderer(context.Background(), cfg, testLogger("renderer-error"))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewNotifier_LogsWithoutSMTP(t *testing.T) {
	notifier, err := newNotifier(DefaultConfig(), testLogger("notifier"))
	if err != nil {
		t.Fatalf("newNotifier failed: %v", err)
	}
	if _, ok := notifier.(*notify.LogNotifier); !ok {
		t.Fatalf("expected log notifier, got %T", notifier)
	}
}

func TestNewNotifier_SMTPChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.FromAddress = "billing@example.com"

	notifier, err := newNotifier(cfg, testLogger("notifier-smtp"))
	if err != nil {
		t.Fatalf("newNotifier failed: %v", err)
	}
	if _, ok := notifier.(*notify.BreakerNotifier); !ok {
		t.Fatalf("expected breaker notifier, got %T", notifier)
	}
}

func TestNewNotifier_SMTPWithoutSender(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SMTP.Host = "smtp.example.com"

	if _, err := newNotifier(cfg, testLogger("notifier-no-sender")); err == nil {
		t.Fatal("expected error when smtp sender is missing")
	}
}

func TestInitEventPublishers(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "disabled", cfg: Config{}},
		{name: "unknown driver", cfg: Config{EventsDriver: "nats"}, wantErr: "unsupported events driver"},
		{name: "kafka without brokers", cfg: Config{EventsDriver: EventsDriverKafka}, wantErr: "kafka brokers are required"},
		{name: "pubsub without project", cfg: Config{EventsDriver: EventsDriverPubSub}, wantErr: "pubsub project id is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pubs, err := initEventPublishers(context.Background(), tc.cfg, testLogger("events"))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q error, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pubs.publisher != nil || pubs.dlq != nil {
				t.Fatalf("publishers must be nil when events are disabled: %+v", pubs)
			}
			if err := pubs.close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}
