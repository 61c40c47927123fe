package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/memory"
)

func TestSequenceStore_ReserveAndPeek(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSequenceStore(0)

	next, err := store.PeekNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1), next)

	n, err := store.ReserveNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1), n)

	next, err = store.PeekNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(2), next)
}

func TestSequenceStore_ReleaseOnlyLast(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSequenceStore(10)

	first, err := store.ReserveNext(ctx)
	require.NoError(t, err)
	second, err := store.ReserveNext(ctx)
	require.NoError(t, err)

	// Номер first уже не последний: откат запрещён, остаётся пропуск.
	released, err := store.Release(ctx, first)
	require.NoError(t, err)
	require.False(t, released)

	released, err = store.Release(ctx, second)
	require.NoError(t, err)
	require.True(t, released)

	next, err := store.PeekNext(ctx)
	require.NoError(t, err)
	require.Equal(t, second, next)
}

func TestSequenceStore_AdvanceToNeverLowers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSequenceStore(0)

	require.NoError(t, store.AdvanceTo(ctx, 1000))
	require.NoError(t, store.AdvanceTo(ctx, 5))

	n, err := store.ReserveNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1001), n)
}

func TestSequenceStore_ConcurrentReservationsAreUnique(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSequenceStore(0)

	const workers = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[domain.InvoiceNumber]struct{}, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.ReserveNext(ctx)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			mu.Lock()
			seen[n] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers)
	for n := domain.InvoiceNumber(1); n <= workers; n++ {
		require.Contains(t, seen, n)
	}
}

func TestSequenceStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memory.NewSequenceStore(0)
	_, err := store.ReserveNext(ctx)
	require.ErrorIs(t, err, context.Canceled)

	next, err := store.PeekNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceNumber(1), next)
}
