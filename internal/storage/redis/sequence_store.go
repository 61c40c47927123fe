package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const (
	defaultKeyPrefix = "invoicing:sequence"
	lockTTL          = 30 * time.Second
	opTimeout        = 5 * time.Second
)

// Option настраивает SequenceStore.
type Option func(*SequenceStore)

// WithKeyPrefix задаёт префикс ключей счётчика.
func WithKeyPrefix(prefix string) Option {
	return func(s *SequenceStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLockRetry задаёт стратегию повторов при захвате блокировки.
func WithLockRetry(strategy redislock.RetryStrategy) Option {
	return func(s *SequenceStore) {
		if strategy != nil {
			s.retry = strategy
		}
	}
}

// SequenceStore хранит последний выданный номер в Redis.
// Все изменения выполняются под распределённой блокировкой redislock.
type SequenceStore struct {
	rdb    *goredis.Client
	locker *redislock.Client
	prefix string
	retry  redislock.RetryStrategy
}

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewSequenceStore создаёт счётчик поверх готового клиента.
func NewSequenceStore(rdb *goredis.Client, opts ...Option) *SequenceStore {
	s := &SequenceStore{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: defaultKeyPrefix,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(20*time.Millisecond), 250),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SequenceStore) valueKey() string { return s.prefix + ":last" }
func (s *SequenceStore) lockKey() string  { return s.prefix + ":lock" }

func (s *SequenceStore) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	var next int64
	err := s.withLock(ctx, "reserve invoice number", func(ctx context.Context) error {
		last, err := s.load(ctx)
		if err != nil {
			return err
		}
		if last == math.MaxInt64 {
			return domain.ErrSequenceExhausted
		}
		next = last + 1
		return s.rdb.Set(ctx, s.valueKey(), next, 0).Err()
	})
	if err != nil {
		return 0, err
	}
	return domain.InvoiceNumber(next), nil
}

func (s *SequenceStore) PeekNext(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	last, err := s.load(ctx)
	if err != nil {
		return 0, &domain.StorageError{Op: "peek invoice number", Err: err}
	}
	return domain.InvoiceNumber(last + 1), nil
}

func (s *SequenceStore) Release(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	if !n.Valid() {
		return false, nil
	}

	released := false
	err := s.withLock(ctx, "release invoice number", func(ctx context.Context) error {
		last, err := s.load(ctx)
		if err != nil {
			return err
		}
		if last != int64(n) {
			return nil
		}
		if err := s.rdb.Set(ctx, s.valueKey(), last-1, 0).Err(); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

func (s *SequenceStore) AdvanceTo(ctx context.Context, target domain.InvoiceNumber) error {
	return s.withLock(ctx, "advance invoice sequence", func(ctx context.Context) error {
		last, err := s.load(ctx)
		if err != nil {
			return err
		}
		if last >= int64(target) {
			return nil
		}
		return s.rdb.Set(ctx, s.valueKey(), int64(target), 0).Err()
	})
}

// Ping проверяет соединение с Redis.
func (s *SequenceStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *SequenceStore) withLock(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lock, err := s.locker.Obtain(ctx, s.lockKey(), lockTTL, &redislock.Options{RetryStrategy: s.retry})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return &domain.StorageError{Op: op, Err: fmt.Errorf("sequence lock busy: %w", err)}
		}
		return &domain.StorageError{Op: op, Err: err}
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	if err := fn(ctx); err != nil {
		if errors.Is(err, domain.ErrSequenceExhausted) || errors.Is(err, domain.ErrStorageCorrupted) {
			return err
		}
		return &domain.StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *SequenceStore) load(ctx context.Context) (int64, error) {
	raw, err := s.rdb.Get(ctx, s.valueKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || last < 0 {
		return 0, fmt.Errorf("%w: sequence value %q", domain.ErrStorageCorrupted, raw)
	}
	return last, nil
}

var _ domain.SequenceStore = (*SequenceStore)(nil)
