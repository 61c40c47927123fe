package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// opTimeout ограничивает каждый запрос репозиториев.
const opTimeout = 5 * time.Second

const uniqueViolation = "23505"

var ErrNotInitialized = errors.New("postgres store is not initialized")

type pool struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	pingTimeout time.Duration
}

func defaultPool() pool {
	return pool{
		maxOpen:     25,
		maxIdle:     25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
		pingTimeout: 5 * time.Second,
	}
}

func (p pool) configure(db *sql.DB) {
	db.SetMaxOpenConns(p.maxOpen)
	db.SetMaxIdleConns(p.maxIdle)
	db.SetConnMaxLifetime(p.maxLifetime)
	db.SetConnMaxIdleTime(p.maxIdleTime)
}

type Option func(*pool)

// WithMaxOpenConns держит столько же простаивающих подключений, сколько открытых.
func WithMaxOpenConns(n int) Option {
	return func(p *pool) {
		if n > 0 {
			p.maxOpen, p.maxIdle = n, n
		}
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(p *pool) {
		if d > 0 {
			p.maxLifetime = d
		}
	}
}

// Store разделяет одно подключение между счётчиком, счетами, outbox и ключами идемпотентности.
type Store struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open не возвращает Store, пока база не ответила на ping.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	p := defaultPool()
	for _, apply := range options {
		apply(&p)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	p.configure(db)

	store := &Store{db: db, pingTimeout: p.pingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func requireAffected(res sql.Result, notFound error) error {
	switch n, err := res.RowsAffected(); {
	case err != nil:
		return fmt.Errorf("rows affected: %w", err)
	case n == 0:
		return notFound
	default:
		return nil
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
