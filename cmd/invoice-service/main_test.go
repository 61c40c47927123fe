package main

import (
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/app"
)

func env(values map[string]string) envLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestReadConfigFromEnv_EmptyEnvironment(t *testing.T) {
	cfg, warnings := readConfigFromEnv(env(nil))
	assert.Empty(t, warnings)
	assert.Equal(t, app.DefaultConfig(), cfg)
}

func TestReadConfigFromEnv_PostgresWithRedisSequence(t *testing.T) {
	cfg, warnings := readConfigFromEnv(env(map[string]string{
		envHTTPAddr:                "localhost:8081",
		envAdminSecret:             "s3cret",
		envStorageDriver:           " PoStGrEs ",
		envPostgresDSN:             " postgres://invoicing@db/invoicing ",
		envPostgresAutoMigrate:     "off",
		envPostgresMaxOpenConns:    "8",
		envPostgresConnMaxLifetime: "10m",
		envSequenceDriver:          "REDIS",
		envRedisAddr:               "redis:6379",
		envRedisDB:                 "2",
		envStartingNumber:          "1001",
	}))
	require.Empty(t, warnings)

	assert.Equal(t, "localhost:8081", cfg.HTTPAddr)
	assert.Equal(t, "s3cret", cfg.AdminSecret)
	assert.Equal(t, app.StorageDriverPostgres, cfg.StorageDriver)
	assert.Equal(t, "postgres://invoicing@db/invoicing", cfg.PostgresDSN)
	assert.False(t, cfg.PostgresAutoMigrate)
	assert.Equal(t, 8, cfg.PostgresMaxOpenConns)
	assert.Equal(t, 10*time.Minute, cfg.PostgresConnMaxLifetime)
	assert.Equal(t, app.SequenceDriverRedis, cfg.SequenceDriver)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 1001, cfg.StartingNumber)
	assert.Equal(t, app.DefaultConfig().MetricsAddr, cfg.MetricsAddr)
}

func TestReadConfigFromEnv_EventsAndWorkers(t *testing.T) {
	cfg, warnings := readConfigFromEnv(env(map[string]string{
		envEventsDriver:                "KAFKA",
		envKafkaBrokers:                "a:9092,b:9092",
		envKafkaDLQTopic:               "invoicing.dlq.v2",
		envOutboxPollInterval:          "2s",
		envOutboxBatchSize:             "42",
		envOutboxMaxAttempts:           "7",
		envOutboxRetryDelay:            "0s",
		envOutboxMaxPending:            "0",
		envHealthCheckTimeout:          "500ms",
		envIdempotencyTTL:              "1h",
		envIdempotencyCleanupInterval:  "30m",
		envIdempotencyCleanupBatchSize: "123",
	}))
	require.Empty(t, warnings)

	assert.Equal(t, app.EventsDriverKafka, cfg.EventsDriver)
	assert.Equal(t, "a:9092,b:9092", cfg.KafkaBrokers)
	assert.Equal(t, "invoicing.dlq.v2", cfg.KafkaDLQTopic)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 42, cfg.OutboxBatchSize)
	assert.Equal(t, 7, cfg.OutboxMaxAttempts)
	assert.Zero(t, cfg.OutboxRetryDelay)
	assert.Zero(t, cfg.OutboxMaxPending, "zero disables the backlog check")
	assert.Equal(t, 500*time.Millisecond, cfg.HealthCheckTimeout)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 30*time.Minute, cfg.IdempotencyCleanupInterval)
	assert.Equal(t, 123, cfg.IdempotencyCleanupBatchSize)
}

func TestReadConfigFromEnv_DocumentAndDelivery(t *testing.T) {
	cfg, warnings := readConfigFromEnv(env(map[string]string{
		envRenderTimeout:      "5s",
		envArchiveDriver:      "GCS",
		envGCSBucket:          "invoices-archive",
		envCompanyName:        "Acme OÜ",
		envCompanyBank:        "EE382200221020145685",
		envSMTPHost:           "smtp.example.com",
		envSMTPPort:           "465",
		envSMTPDebugMode:      "yes",
		envNotifyBreakerReset: "1m",
	}))
	require.Empty(t, warnings)

	assert.Equal(t, 5*time.Second, cfg.RenderTimeout)
	assert.Equal(t, app.ArchiveDriverGCS, cfg.ArchiveDriver)
	assert.Equal(t, "invoices-archive", cfg.GCSBucket)
	assert.Equal(t, "Acme OÜ", cfg.Company.Name)
	assert.Equal(t, "EE382200221020145685", cfg.Company.Bank)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.True(t, cfg.SMTP.DebugMode)
	assert.Equal(t, time.Minute, cfg.NotifyBreakerReset)
}

func TestReadConfigFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	invalid := map[string]string{
		envPostgresAutoMigrate:         "not-bool",
		envPostgresMaxOpenConns:        "0",
		envRedisDB:                     "-1",
		envStartingNumber:              "0",
		envOutboxPollInterval:          "-1s",
		envOutboxBatchSize:             "0",
		envOutboxMaxAttempts:           "bad",
		envOutboxRetryDelay:            "invalid",
		envOutboxMaxPending:            "-2",
		envHealthCheckTimeout:          "0s",
		envIdempotencyCleanupInterval:  "invalid",
		envIdempotencyCleanupBatchSize: "0",
		envSMTPPort:                    "smtp",
	}

	cfg, warnings := readConfigFromEnv(env(invalid))
	assert.Len(t, warnings, len(invalid))
	for key := range invalid {
		assert.Condition(t, func() bool {
			for _, w := range warnings {
				if strings.HasPrefix(w, key+":") {
					return true
				}
			}
			return false
		}, "no warning for %s", key)
	}
	assert.Equal(t, app.DefaultConfig(), cfg)
}

func TestLogEnvNamesShareServicePrefix(t *testing.T) {
	assert.Equal(t, "INVOICING_LOG_LEVEL", envLogLevel)
	assert.Equal(t, "INVOICING_LOG_FORMAT", envLogFormat)
}

func TestSetupLogger(t *testing.T) {
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	})

	setupLogger(env(map[string]string{envLogFormat: "JSON", envLogLevel: "debug"}))
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	setupLogger(env(map[string]string{envLogLevel: "loud"}))
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestParsers(t *testing.T) {
	for raw, want := range map[string]bool{" YES ": true, "on": true, "1": true, "off": false, "N": false} {
		got, err := parseBool(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseBool("sometimes")
	assert.Error(t, err)

	n, err := parseInt(" 12 ", positiveInt, "must be > 0")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	_, err = parseInt("0", positiveInt, "must be > 0")
	assert.ErrorContains(t, err, "must be > 0")

	d, err := parseDuration(" 250ms ", nonNegativeDuration, "must be >= 0")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = parseDuration("-1ms", nonNegativeDuration, "must be >= 0")
	assert.ErrorContains(t, err, "must be >= 0")
}
