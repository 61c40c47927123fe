package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/service/artifact"
	"github.com/vladislavdragonenkov/invoicing/internal/service/notify"
	"github.com/vladislavdragonenkov/invoicing/internal/service/render"
)

// newRenderer собирает PDF renderer и, если настроено, архив документов.
// Без архива возвращается nil.
func newRenderer(ctx context.Context, cfg Config, logger *log.Entry) (domain.Renderer, domain.Archive, func() error, error) {
	pdf := render.NewPDFRenderer(cfg.Company, render.NewLogoLoader(cfg.LogoSource), logger.WithField("component", "pdf-renderer"))
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.ArchiveDriver)) {
	case "":
		return pdf, nil, noop, nil
	case ArchiveDriverLocal:
		store, err := artifact.NewLocalStore(cfg.ArchiveDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init local archive: %w", err)
		}
		logger.WithField("archive_dir", cfg.ArchiveDir).Info("invoice archive enabled")
		return pdf, store, noop, nil
	case ArchiveDriverGCS:
		client, err := artifact.NewGCSClient(ctx, cfg.GCPCredentialsJSON)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := artifact.NewGCSStore(ctx, client, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		logger.WithField("bucket", cfg.GCSBucket).Info("invoice archive enabled")
		return pdf, store, client.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported archive driver: %q", cfg.ArchiveDriver)
	}
}

// newNotifier возвращает SMTP-доставку с retry и circuit breaker.
// Без SMTP-хоста письма только пишутся в лог.
func newNotifier(cfg Config, logger *log.Entry) (domain.Notifier, error) {
	if strings.TrimSpace(cfg.SMTP.Host) == "" {
		logger.Warn("smtp is not configured, invoices will be logged instead of emailed")
		return notify.NewLogNotifier(logger.WithField("component", "log-notifier")), nil
	}

	smtpCfg := cfg.SMTP
	if smtpCfg.CompanyName == "" {
		smtpCfg.CompanyName = cfg.Company.Name
	}
	if smtpCfg.CompanyAddress == "" {
		smtpCfg.CompanyAddress = cfg.Company.Address
	}
	if smtpCfg.CompanyPhone == "" {
		smtpCfg.CompanyPhone = cfg.Company.Phone
	}
	if smtpCfg.CompanyEmail == "" {
		smtpCfg.CompanyEmail = cfg.Company.Email
	}
	if smtpCfg.CompanyBank == "" {
		smtpCfg.CompanyBank = cfg.Company.Bank
	}

	smtp, err := notify.NewSMTPNotifier(smtpCfg, logger.WithField("component", "smtp-notifier"))
	if err != nil {
		return nil, err
	}

	retry := notify.DefaultRetryConfig()
	if cfg.NotifyMaxAttempts > 0 {
		retry.MaxAttempts = cfg.NotifyMaxAttempts
	}
	breaker := notify.NewCircuitBreaker(cfg.NotifyBreakerFailures, cfg.NotifyBreakerReset, logger.WithField("component", "smtp-breaker"))

	// Breaker снаружи: открытая цепь не тратит попытки retry.
	return notify.NewBreakerNotifier(
		notify.NewRetryingNotifier(smtp, retry, logger.WithField("component", "smtp-retry")),
		breaker,
	), nil
}
