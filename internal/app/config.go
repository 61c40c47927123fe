package app

import (
	"time"

	"github.com/vladislavdragonenkov/invoicing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicing/internal/messaging/pubsub"
	"github.com/vladislavdragonenkov/invoicing/internal/service/notify"
	"github.com/vladislavdragonenkov/invoicing/internal/service/render"
)

// Драйверы хранилища счетов и счётчика.
const (
	StorageDriverMemory   = "memory"
	StorageDriverFile     = "file"
	StorageDriverPostgres = "postgres"
	StorageDriverMySQL    = "mysql"

	// SequenceDriverRedis выносит счётчик номеров в Redis; счета остаются в StorageDriver.
	SequenceDriverRedis = "redis"

	ArchiveDriverLocal = "local"
	ArchiveDriverGCS   = "gcs"

	EventsDriverKafka  = "kafka"
	EventsDriverPubSub = "pubsub"
)

// Config описывает настройки запуска сервиса счетов.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	// AdminSecret подписывает токены для PATCH/DELETE. Пустое значение отключает проверку.
	AdminSecret string
	// CORSAllowedOrigins — список origin через запятую; пусто = любые.
	CORSAllowedOrigins string

	StorageDriver           string
	DataDir                 string
	PostgresDSN             string
	PostgresAutoMigrate     bool
	PostgresMaxOpenConns    int
	PostgresConnMaxLifetime time.Duration
	MySQLDSN                string
	// StartingNumber — первый номер, если счетов с большим номером ещё нет.
	StartingNumber int

	// SequenceDriver пустой — счётчик живёт в StorageDriver.
	SequenceDriver string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// ArchiveDriver пустой — документы не архивируются.
	ArchiveDriver      string
	ArchiveDir         string
	GCSBucket          string
	GCSPrefix          string
	GCPCredentialsJSON string

	// EventsDriver пустой — outbox копится без публикации.
	EventsDriver    string
	KafkaBrokers    string
	KafkaTopic      string
	KafkaDLQTopic   string
	PubSubProjectID string
	PubSubTopic     string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending — backlog, после которого /healthz отдаёт degraded.
	OutboxMaxPending   int
	HealthCheckTimeout time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	RenderTimeout time.Duration
	Company       render.Company
	LogoSource    string

	// SMTP.Host пустой — письма только пишутся в лог.
	SMTP                  notify.SMTPConfig
	NotifyMaxAttempts     int
	NotifyBreakerFailures int
	NotifyBreakerReset    time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		DataDir:             "data",
		PostgresAutoMigrate: true,

		ArchiveDir:    "data/pdf",
		KafkaTopic:    kafka.TopicInvoiceEvents,
		KafkaDLQTopic: kafka.TopicDeadLetterQueue,
		PubSubTopic:   pubsub.TopicInvoiceEvents,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,
		HealthCheckTimeout: 2 * time.Second,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		RenderTimeout: 30 * time.Second,
		Company: render.Company{
			Name: "Invoice",
		},

		SMTP: notify.SMTPConfig{
			Port: 587,
		},
		NotifyMaxAttempts:     3,
		NotifyBreakerFailures: 5,
		NotifyBreakerReset:    30 * time.Second,
	}
}
