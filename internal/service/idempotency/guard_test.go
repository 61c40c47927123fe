package idempotency

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/storage/memory"
)

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

// issueOnce имитирует выпуск: каждый вызов выдаёт следующий номер.
func issueOnce(next *int64) Handler {
	return func(context.Context) (Response, error) {
		n := domain.InvoiceNumber(atomic.AddInt64(next, 1))
		return Response{
			Status:        http.StatusCreated,
			Body:          []byte(`{"status":"success","invoiceNumber":` + strconv.FormatInt(int64(n), 10) + `}`),
			InvoiceNumber: n,
		}, nil
	}
}

func TestGuard_IssuesOnceAndReplays(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, quietLogger())
	ctx := context.Background()
	hash := HashRequest(http.MethodPost, []byte(`{"buyerName":"Acme"}`))

	var issued int64
	first, err := guard.Do(ctx, "issue-42", hash, issueOnce(&issued))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, domain.InvoiceNumber(1), first.InvoiceNumber)

	second, err := guard.Do(ctx, "issue-42", hash, issueOnce(&issued))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, http.StatusCreated, second.Status)
	assert.Equal(t, domain.InvoiceNumber(1), second.InvoiceNumber)
	assert.JSONEq(t, `{"status":"success","invoiceNumber":1}`, string(second.Body))
	assert.EqualValues(t, 1, issued, "replay must not reserve another number")

	record, err := repo.Get(ctx, "issue-42")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
	assert.Equal(t, domain.InvoiceNumber(1), record.Outcome.InvoiceNumber)
}

func TestGuard_ConcurrentRetriesIssueOneInvoice(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, quietLogger())

	release := make(chan struct{})
	var issued int64
	slow := func(ctx context.Context) (Response, error) {
		<-release
		return issueOnce(&issued)(ctx)
	}

	const retries = 8
	var (
		wg         sync.WaitGroup
		inProgress int32
	)
	firstDone := make(chan Response, 1)
	go func() {
		resp, err := guard.Do(context.Background(), "issue-burst", "h", slow)
		assert.NoError(t, err)
		firstDone <- resp
	}()
	require.Eventually(t, func() bool {
		_, err := repo.Get(context.Background(), "issue-burst")
		return err == nil
	}, time.Second, time.Millisecond)

	for range retries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := guard.Do(context.Background(), "issue-burst", "h", slow); errors.Is(err, ErrRequestInProgress) {
				atomic.AddInt32(&inProgress, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.Equal(t, domain.InvoiceNumber(1), (<-firstDone).InvoiceNumber)
	assert.EqualValues(t, retries, inProgress)
	assert.EqualValues(t, 1, issued)
}

func TestGuard_StoresFailedIssue(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, quietLogger())
	ctx := context.Background()

	_, err := guard.Do(ctx, "issue-render", "h", func(context.Context) (Response, error) {
		return Response{Status: http.StatusInternalServerError, Body: []byte(`{"status":"error","errorKind":"render"}`)}, nil
	})
	require.NoError(t, err)

	record, err := repo.Get(ctx, "issue-render")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)

	replayed, err := guard.Do(ctx, "issue-render", "h", func(context.Context) (Response, error) {
		t.Fatal("handler must not run for a finished key")
		return Response{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, replayed.Status)
	assert.Zero(t, replayed.InvoiceNumber)
}

func TestGuard_RejectsDifferentPayload(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, quietLogger())
	var issued int64

	_, err := guard.Do(context.Background(), "issue-7", "hash-a", issueOnce(&issued))
	require.NoError(t, err)

	_, err = guard.Do(context.Background(), "issue-7", "hash-b", issueOnce(&issued))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.EqualValues(t, 1, issued)
}

func TestGuard_HandlerErrorLeavesKeyProcessing(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, quietLogger())
	boom := errors.New("marshal failed")

	_, err := guard.Do(context.Background(), "issue-err", "h", func(context.Context) (Response, error) {
		return Response{}, boom
	})
	require.ErrorIs(t, err, boom)

	record, err := repo.Get(context.Background(), "issue-err")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
}

func TestGuard_ExpiredKeyIssuesAgain(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Minute, quietLogger())
	clock := time.Now().UTC()
	guard.now = func() time.Time { return clock }
	var issued int64

	_, err := guard.Do(context.Background(), "issue-old", "h", issueOnce(&issued))
	require.NoError(t, err)

	clock = clock.Add(-2 * time.Minute)
	// Ключ с истёкшим сроком не мешает новому выпуску.
	_, err = guard.Do(context.Background(), "issue-stale", "h", issueOnce(&issued))
	require.NoError(t, err)
	resp, err := guard.Do(context.Background(), "issue-stale", "h", issueOnce(&issued))
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.EqualValues(t, 3, issued)
}

func TestValidateKey(t *testing.T) {
	require.ErrorIs(t, ValidateKey("  "), domain.ErrIdempotencyKeyRequired)
	require.Error(t, ValidateKey(strings.Repeat("k", MaxKeyLength+1)))
	require.NoError(t, ValidateKey("invoice-2026-03-01"))
}

func TestHashRequestDependsOnMethodAndBody(t *testing.T) {
	a := HashRequest(http.MethodPost, []byte("x"))
	assert.Equal(t, a, HashRequest(http.MethodPost, []byte("x")))
	assert.NotEqual(t, a, HashRequest(http.MethodPut, []byte("x")))
	assert.NotEqual(t, a, HashRequest(http.MethodPost, []byte("y")))
}
