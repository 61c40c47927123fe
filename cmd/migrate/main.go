package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/storage/postgres"
	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

// schema — операции со схемой счетов, которые нужны CLI.
type schema interface {
	MigrateUp(ctx context.Context, n int) error
	MigrateDown(ctx context.Context, n int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

var openSchema = func(ctx context.Context, dsn string) (schema, error) {
	return postgres.Open(ctx, dsn, postgres.WithMaxOpenConns(1))
}

func main() {
	_ = godotenv.Load()

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "migrate",
		Usage:   "manage the invoicing postgres schema",
		Version: version.GetVersion(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dsn", Usage: "postgres DSN", EnvVars: []string{"INVOICING_POSTGRES_DSN"}},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "overall deadline"},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Flags: []cli.Flag{stepsFlag()},
				Action: withSchema("migrate up ok", func(ctx context.Context, s schema, c *cli.Context) error {
					return s.MigrateUp(ctx, c.Int("steps"))
				}),
			},
			{
				Name:  "down",
				Usage: "roll back applied migrations, newest first",
				Flags: []cli.Flag{stepsFlag()},
				Action: withSchema("migrate down ok", func(ctx context.Context, s schema, c *cli.Context) error {
					return s.MigrateDown(ctx, c.Int("steps"))
				}),
			},
			{
				Name:   "status",
				Usage:  "print schema version and pending migrations",
				Action: withSchema("migration status", nil),
			},
		},
	}
}

func stepsFlag() cli.Flag {
	return &cli.IntFlag{Name: "steps", Aliases: []string{"n"}, Usage: "how many migrations to apply (up: 0 = all) or roll back (down: 0 = one)"}
}

// withSchema открывает базу, выполняет op и печатает итоговое состояние схемы.
func withSchema(prefix string, op func(ctx context.Context, s schema, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn := strings.TrimSpace(c.String("dsn"))
		if dsn == "" {
			return errors.New("INVOICING_POSTGRES_DSN (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		s, err := openSchema(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer s.Close()

		if op != nil {
			if err := op(ctx, s, c); err != nil {
				return fmt.Errorf("%s: %w", c.Command.Name, err)
			}
		}

		state, err := s.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		_, err = fmt.Fprintln(c.App.Writer, formatState(prefix, state))
		return err
	}
}

func formatState(prefix string, state postgres.MigrationState) string {
	line := fmt.Sprintf("%s: version=%d applied=%d", prefix, state.Version, state.Applied)
	if len(state.Pending) > 0 {
		line += " pending=" + strings.Join(state.Pending, ",")
	}
	return line
}
