package redis

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

func openSequenceStoreForIntegrationTest(t *testing.T) *SequenceStore {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("INVOICING_REDIS_TEST_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rdb, err := Open(ctx, addr, "", 0)
	if err != nil {
		t.Skipf("redis is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	// Уникальный префикс изолирует прогоны друг от друга.
	prefix := "invoicing-test:" + uuid.NewString()
	store := NewSequenceStore(rdb, WithKeyPrefix(prefix))
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), store.valueKey(), store.lockKey()).Err()
	})
	return store
}

func TestSequenceStore_RedisReserveReleaseAdvance(t *testing.T) {
	ctx := context.Background()
	seq := openSequenceStoreForIntegrationTest(t)

	next, err := seq.PeekNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1), next)

	first, err := seq.ReserveNext(ctx)
	require.NoError(t, err)
	second, err := seq.ReserveNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1), first)
	require.Equal(t, domain.InvoiceNumber(2), second)

	released, err := seq.Release(ctx, first)
	require.NoError(t, err)
	require.False(t, released)

	released, err = seq.Release(ctx, second)
	require.NoError(t, err)
	require.True(t, released)

	require.NoError(t, seq.AdvanceTo(ctx, 41))
	require.NoError(t, seq.AdvanceTo(ctx, 5))

	n, err := seq.ReserveNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(42), n)
}

func TestSequenceStore_RedisCorruptedValue(t *testing.T) {
	ctx := context.Background()
	seq := openSequenceStoreForIntegrationTest(t)

	require.NoError(t, seq.rdb.Set(ctx, seq.valueKey(), "garbage", 0).Err())

	_, err := seq.ReserveNext(ctx)
	require.ErrorIs(t, err, domain.ErrStorageCorrupted)

	raw, err := seq.rdb.Get(ctx, seq.valueKey()).Result()
	require.NoError(t, err)
	require.Equal(t, "garbage", raw, "corrupted value must not be reset")
}

func TestSequenceStore_RedisConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	seq := openSequenceStoreForIntegrationTest(t)

	const workers = 20
	var (
		mu   sync.Mutex
		seen = make(map[domain.InvoiceNumber]struct{})
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := seq.ReserveNext(ctx)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			seen[n] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers)
}
