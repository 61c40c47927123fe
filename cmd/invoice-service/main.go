package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/app"
)

const (
	envHTTPAddr           = "INVOICING_HTTP_ADDR"
	envMetricsAddr        = "INVOICING_METRICS_ADDR"
	envAdminSecret        = "INVOICING_ADMIN_SECRET"
	envCORSAllowedOrigins = "INVOICING_CORS_ALLOWED_ORIGINS"
	envLogLevel           = "INVOICING_LOG_LEVEL"
	envLogFormat          = "INVOICING_LOG_FORMAT"

	envStorageDriver           = "INVOICING_STORAGE_DRIVER"
	envDataDir                 = "INVOICING_DATA_DIR"
	envPostgresDSN             = "INVOICING_POSTGRES_DSN"
	envPostgresAutoMigrate     = "INVOICING_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxOpenConns    = "INVOICING_POSTGRES_MAX_OPEN_CONNS"
	envPostgresConnMaxLifetime = "INVOICING_POSTGRES_CONN_MAX_LIFETIME"
	envMySQLDSN                = "INVOICING_MYSQL_DSN"
	envStartingNumber          = "INVOICING_STARTING_NUMBER"

	envSequenceDriver = "INVOICING_SEQUENCE_DRIVER"
	envRedisAddr      = "INVOICING_REDIS_ADDR"
	envRedisPassword  = "INVOICING_REDIS_PASSWORD"
	envRedisDB        = "INVOICING_REDIS_DB"

	envArchiveDriver      = "INVOICING_ARCHIVE_DRIVER"
	envArchiveDir         = "INVOICING_ARCHIVE_DIR"
	envGCSBucket          = "INVOICING_GCS_BUCKET"
	envGCSPrefix          = "INVOICING_GCS_PREFIX"
	envGCPCredentialsJSON = "INVOICING_GCP_CREDENTIALS_JSON"

	envEventsDriver    = "INVOICING_EVENTS_DRIVER"
	envKafkaBrokers    = "INVOICING_KAFKA_BROKERS"
	envKafkaTopic      = "INVOICING_KAFKA_TOPIC"
	envKafkaDLQTopic   = "INVOICING_KAFKA_DLQ_TOPIC"
	envPubSubProjectID = "INVOICING_PUBSUB_PROJECT_ID"
	envPubSubTopic     = "INVOICING_PUBSUB_TOPIC"

	envOutboxPollInterval = "INVOICING_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "INVOICING_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "INVOICING_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "INVOICING_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending   = "INVOICING_OUTBOX_MAX_PENDING"
	envHealthCheckTimeout = "INVOICING_HEALTH_CHECK_TIMEOUT"

	envIdempotencyTTL              = "INVOICING_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "INVOICING_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "INVOICING_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envRenderTimeout      = "INVOICING_RENDER_TIMEOUT"
	envLogoSource         = "INVOICING_LOGO"
	envCompanyName        = "INVOICING_COMPANY_NAME"
	envCompanyRegCode     = "INVOICING_COMPANY_REG_CODE"
	envCompanyAddress     = "INVOICING_COMPANY_ADDRESS"
	envCompanyCity        = "INVOICING_COMPANY_CITY"
	envCompanyPhone       = "INVOICING_COMPANY_PHONE"
	envCompanyEmail       = "INVOICING_COMPANY_EMAIL"
	envCompanyBank        = "INVOICING_COMPANY_BANK"
	envCompanyLatePenalty = "INVOICING_COMPANY_LATE_PENALTY"
	envCompanyVATNote     = "INVOICING_COMPANY_VAT_NOTE"

	envSMTPHost          = "INVOICING_SMTP_HOST"
	envSMTPPort          = "INVOICING_SMTP_PORT"
	envSMTPUsername      = "INVOICING_SMTP_USERNAME"
	envSMTPPassword      = "INVOICING_SMTP_PASSWORD"
	envSMTPFromName      = "INVOICING_SMTP_FROM_NAME"
	envSMTPFromAddress   = "INVOICING_SMTP_FROM_ADDRESS"
	envSMTPDebugMode     = "INVOICING_SMTP_DEBUG"
	envSMTPTestRecipient = "INVOICING_SMTP_TEST_RECIPIENT"

	envNotifyMaxAttempts     = "INVOICING_NOTIFY_MAX_ATTEMPTS"
	envNotifyBreakerFailures = "INVOICING_NOTIFY_BREAKER_FAILURES"
	envNotifyBreakerReset    = "INVOICING_NOTIFY_BREAKER_RESET"
)

type envLookup func(key string) (string, bool)

func positiveInt(v int) bool { return v > 0 }

func nonNegativeInt(v int) bool { return v >= 0 }

func positiveDuration(v time.Duration) bool { return v > 0 }

func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	format, _ := lookup(envLogFormat)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
			return
		}
		log.SetLevel(level)
	}
}

// readConfigFromEnv собирает конфигурацию из окружения.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	lower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int, validate func(int) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, validate, msg)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, validate func(time.Duration) bool, msg string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, validate, msg)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = parsed
	}

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	str(envAdminSecret, &cfg.AdminSecret)
	str(envCORSAllowedOrigins, &cfg.CORSAllowedOrigins)

	lower(envStorageDriver, &cfg.StorageDriver)
	str(envDataDir, &cfg.DataDir)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	integer(envPostgresMaxOpenConns, &cfg.PostgresMaxOpenConns, positiveInt, "must be > 0")
	duration(envPostgresConnMaxLifetime, &cfg.PostgresConnMaxLifetime, positiveDuration, "must be > 0")
	str(envMySQLDSN, &cfg.MySQLDSN)
	integer(envStartingNumber, &cfg.StartingNumber, positiveInt, "must be > 0")

	lower(envSequenceDriver, &cfg.SequenceDriver)
	str(envRedisAddr, &cfg.RedisAddr)
	str(envRedisPassword, &cfg.RedisPassword)
	integer(envRedisDB, &cfg.RedisDB, nonNegativeInt, "must be >= 0")

	lower(envArchiveDriver, &cfg.ArchiveDriver)
	str(envArchiveDir, &cfg.ArchiveDir)
	str(envGCSBucket, &cfg.GCSBucket)
	str(envGCSPrefix, &cfg.GCSPrefix)
	str(envGCPCredentialsJSON, &cfg.GCPCredentialsJSON)

	lower(envEventsDriver, &cfg.EventsDriver)
	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaTopic, &cfg.KafkaTopic)
	str(envKafkaDLQTopic, &cfg.KafkaDLQTopic)
	str(envPubSubProjectID, &cfg.PubSubProjectID)
	str(envPubSubTopic, &cfg.PubSubTopic)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	integer(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegativeInt, "must be >= 0")
	duration(envHealthCheckTimeout, &cfg.HealthCheckTimeout, positiveDuration, "must be > 0")

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	duration(envRenderTimeout, &cfg.RenderTimeout, positiveDuration, "must be > 0")
	str(envLogoSource, &cfg.LogoSource)
	str(envCompanyName, &cfg.Company.Name)
	str(envCompanyRegCode, &cfg.Company.RegCode)
	str(envCompanyAddress, &cfg.Company.Address)
	str(envCompanyCity, &cfg.Company.City)
	str(envCompanyPhone, &cfg.Company.Phone)
	str(envCompanyEmail, &cfg.Company.Email)
	str(envCompanyBank, &cfg.Company.Bank)
	str(envCompanyLatePenalty, &cfg.Company.LatePenalty)
	str(envCompanyVATNote, &cfg.Company.VATNote)

	str(envSMTPHost, &cfg.SMTP.Host)
	integer(envSMTPPort, &cfg.SMTP.Port, positiveInt, "must be > 0")
	str(envSMTPUsername, &cfg.SMTP.Username)
	str(envSMTPPassword, &cfg.SMTP.Password)
	str(envSMTPFromName, &cfg.SMTP.FromName)
	str(envSMTPFromAddress, &cfg.SMTP.FromAddress)
	boolean(envSMTPDebugMode, &cfg.SMTP.DebugMode)
	str(envSMTPTestRecipient, &cfg.SMTP.TestRecipient)

	integer(envNotifyMaxAttempts, &cfg.NotifyMaxAttempts, positiveInt, "must be > 0")
	integer(envNotifyBreakerFailures, &cfg.NotifyBreakerFailures, positiveInt, "must be > 0")
	duration(envNotifyBreakerReset, &cfg.NotifyBreakerReset, positiveDuration, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, validate func(int) bool, msg string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if validate != nil && !validate(value) {
		return 0, fmt.Errorf("invalid int value %d: %s", value, msg)
	}
	return value, nil
}

func parseDuration(raw string, validate func(time.Duration) bool, msg string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if validate != nil && !validate(value) {
		return 0, fmt.Errorf("invalid duration value %s: %s", value, msg)
	}
	return value, nil
}

func main() {
	// .env опционален: в контейнере конфигурация приходит из окружения.
	_ = godotenv.Load()

	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warnf("config: %s, using default", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"events_driver":  cfg.EventsDriver,
	}).Info("запускаем сервис счетов")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("сервис счетов остановлен")
}
