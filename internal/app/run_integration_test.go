package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/invoicing/internal/health"
	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

func localConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, Run(ctx, localConfig()), context.DeadlineExceeded)
}

func TestRun_FileStorageServesNextNumber(t *testing.T) {
	port := findFreePort(t)
	cfg := localConfig()
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.StorageDriver = StorageDriverFile
	cfg.DataDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/invoice-number", port)
	var body struct {
		NextInvoiceNumber int64 `json:"nextInvoiceNumber"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), body.NextInvoiceNumber)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_RejectsUnknownDrivers(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"storage", func(c *Config) { c.StorageDriver = "invalid-driver" }, "unsupported storage driver"},
		{"events", func(c *Config) { c.EventsDriver = "nats" }, "unsupported events driver"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)

			err := Run(context.Background(), cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestInitRuntimeDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("INVOICING_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("INVOICING_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	t.Cleanup(func() { _ = deps.close() })

	require.NotNil(t, deps.sequence)
	require.NotNil(t, deps.records)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}

func TestRegisterHealthChecks_BacklogOverLimitDegrades(t *testing.T) {
	ctx := context.Background()
	deps, err := initRuntimeDependencies(ctx, Config{}, testLogger("health"))
	require.NoError(t, err)
	for _, id := range []string{"1", "2"} {
		_, err := deps.outboxRepo.Enqueue(ctx, testOutboxMessage(id))
		require.NoError(t, err)
	}

	h := healthcheck.NewHandler(version.GetVersion())
	registerHealthChecks(h, Config{OutboxMaxPending: 1}, deps)

	report := h.Run(ctx)
	require.Equal(t, healthcheck.StatusDegraded, report.Status)
	require.Equal(t, healthcheck.StatusHealthy, report.Checks["storage"].Status)
}

func TestShutdownWorkers_WaitsAndCancels(t *testing.T) {
	logger := testLogger("shutdown")

	cancelled := false
	done := make(chan struct{})
	close(done)
	shutdownWorkers(func() { cancelled = true }, logger, done, nil)
	require.True(t, cancelled)

	require.NotPanics(t, func() { shutdownWorkers(nil, logger) })
}

func TestCloseEventPublishers(t *testing.T) {
	logger := testLogger("publishers")
	require.NotPanics(t, func() { closeEventPublishers(eventPublishers{}, logger) })

	closed := false
	closeEventPublishers(eventPublishers{close: func() error { closed = true; return nil }}, logger)
	require.True(t, closed)
}
