package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/invoicing/internal/health"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/file"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/memory"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/mysql"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/postgres"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/redis"
)

const (
	sequenceFileName = "sequence.json"
	invoicesFileName = "invoices.json"
)

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	sequence        domain.SequenceStore
	records         domain.InvoiceRecordStore
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker  healthcheck.Checker
	sequenceChecker healthcheck.Checker

	closeFns []func() error
}

func (d *runtimeDependencies) onClose(fn func() error) {
	d.closeFns = append(d.closeFns, fn)
}

// close закрывает подключения в обратном порядке.
func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		if err := d.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closeFns = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища и сверяет счётчик с сохранёнными счетами.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	deps := &runtimeDependencies{
		outboxRepo:      memory.NewOutboxRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
	}

	var err error
	switch driver {
	case StorageDriverMemory:
		deps.sequence = memory.NewSequenceStore(0)
		deps.records = memory.NewInvoiceStore()
	case StorageDriverFile:
		err = initFileStorage(cfg, deps)
	case StorageDriverPostgres:
		err = initPostgresStorage(ctx, cfg, deps, logger)
	case StorageDriverMySQL:
		err = initMySQLStorage(ctx, cfg, deps, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
	if err != nil {
		_ = deps.close()
		return nil, err
	}

	if deps.storageChecker == nil {
		records := deps.records
		deps.storageChecker = healthcheck.Critical("storage", func(ctx context.Context) error {
			_, err := records.Stats(ctx)
			return err
		})
	}

	if err := initSequenceOverride(ctx, cfg, deps, logger); err != nil {
		_ = deps.close()
		return nil, err
	}

	if err := reconcileSequence(ctx, deps.sequence, deps.records, domain.InvoiceNumber(cfg.StartingNumber), logger); err != nil {
		_ = deps.close()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"storage_driver":  driver,
		"sequence_driver": sequenceDriverName(cfg),
	}).Info("storage initialized")
	return deps, nil
}

func initFileStorage(cfg Config, deps *runtimeDependencies) error {
	dir := strings.TrimSpace(cfg.DataDir)
	if dir == "" {
		return errors.New("data dir is required for file storage")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sequence, err := file.OpenSequenceStore(filepath.Join(dir, sequenceFileName))
	if err != nil {
		return fmt.Errorf("open sequence file: %w", err)
	}
	records, err := file.OpenInvoiceStore(filepath.Join(dir, invoicesFileName))
	if err != nil {
		return fmt.Errorf("open invoices file: %w", err)
	}

	deps.sequence = sequence
	deps.records = records
	return nil
}

func initPostgresStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return errors.New("postgres dsn is required for postgres storage")
	}

	store, err := postgres.Open(ctx, dsn,
		postgres.WithMaxOpenConns(cfg.PostgresMaxOpenConns),
		postgres.WithConnMaxLifetime(cfg.PostgresConnMaxLifetime),
	)
	if err != nil {
		return err
	}
	deps.onClose(store.Close)

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	deps.sequence = postgres.NewSequenceStore(store)
	deps.records = postgres.NewInvoiceStore(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
	deps.storageChecker = healthcheck.Critical("postgres", store.Ping)
	return nil
}

func initMySQLStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	dsn := strings.TrimSpace(cfg.MySQLDSN)
	if dsn == "" {
		return errors.New("mysql dsn is required for mysql storage")
	}

	store, err := mysql.Open(ctx, dsn, logger.WithField("component", "mysql"))
	if err != nil {
		return err
	}
	deps.onClose(store.Close)

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure mysql schema: %w", err)
	}

	deps.sequence = mysql.NewSequenceStore(store)
	deps.records = mysql.NewInvoiceStore(store)
	deps.storageChecker = healthcheck.Critical("mysql", store.Ping)
	return nil
}

func initSequenceOverride(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch strings.ToLower(strings.TrimSpace(cfg.SequenceDriver)) {
	case "":
		return nil
	case SequenceDriverRedis:
	default:
		return fmt.Errorf("unsupported sequence driver: %q", cfg.SequenceDriver)
	}

	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("redis addr is required for redis sequence")
	}
	rdb, err := redis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	deps.onClose(rdb.Close)

	sequence := redis.NewSequenceStore(rdb)
	deps.sequence = sequence
	deps.sequenceChecker = healthcheck.Critical("redis", sequence.Ping)
	logger.WithField("redis_addr", cfg.RedisAddr).Info("invoice sequence moved to redis")
	return nil
}

// reconcileSequence поднимает счётчик до последнего сохранённого номера,
// чтобы счётчик, потерянный отдельно от счетов, не выдал занятый номер.
// starting задаёт первый номер пустой нумерации; меньшие значения ничего не меняют.
func reconcileSequence(ctx context.Context, sequence domain.SequenceStore, records domain.InvoiceRecordStore, starting domain.InvoiceNumber, logger *log.Entry) error {
	stats, err := records.Stats(ctx)
	if err != nil {
		return fmt.Errorf("load invoice stats: %w", err)
	}
	floor := max(stats.LastInvoiceNumber, starting-1)
	if !floor.Valid() {
		return nil
	}

	next, err := sequence.PeekNext(ctx)
	if err != nil {
		return fmt.Errorf("peek invoice sequence: %w", err)
	}
	if next > floor {
		return nil
	}

	if err := sequence.AdvanceTo(ctx, floor); err != nil {
		return fmt.Errorf("advance invoice sequence: %w", err)
	}
	entry := logger.WithFields(log.Fields{
		"last_invoice_number": stats.LastInvoiceNumber,
		"starting_number":     starting,
		"previous_next":       next,
	})
	if stats.LastInvoiceNumber >= next {
		entry.Warn("invoice sequence was behind stored invoices, advanced")
	} else {
		entry.Info("invoice sequence advanced to the configured starting number")
	}
	return nil
}

func sequenceDriverName(cfg Config) string {
	if strings.TrimSpace(cfg.SequenceDriver) != "" {
		return strings.ToLower(strings.TrimSpace(cfg.SequenceDriver))
	}
	return strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
}
