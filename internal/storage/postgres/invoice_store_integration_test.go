package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

func integrationRecord(n domain.InvoiceNumber, amount string) domain.InvoiceRecord {
	total := decimal.RequireFromString(amount)
	return domain.InvoiceRecord{
		ID:            uuid.NewString(),
		InvoiceNumber: n,
		BuyerName:     "Acme OÜ",
		ClientAddress: "Narva mnt 5",
		RegCode:       "10000001",
		ClientEmail:   "billing@acme.test",
		InvoiceDate:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC),
		Items: []domain.LineItem{{
			Description:     "Audit",
			UnitPrice:       total,
			Quantity:        decimal.NewFromInt(1),
			DiscountPercent: decimal.Zero,
			Total:           total,
		}},
		TotalAmount: total,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestInvoiceStore_PostgresCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoiceStore(openPostgresStoreForIntegrationTest(t))

	require.NoError(t, repo.Save(ctx, integrationRecord(1, "100.25")))
	require.NoError(t, repo.Save(ctx, integrationRecord(3, "50")))
	require.ErrorIs(t, repo.Save(ctx, integrationRecord(1, "1")), domain.ErrDuplicateInvoiceNumber)

	got, err := repo.FindByNumber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Acme OÜ", got.BuyerName)
	require.True(t, got.TotalAmount.Equal(decimal.RequireFromString("100.25")))
	require.Len(t, got.Items, 1)
	require.Equal(t, time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC), got.DueDate)

	_, err = repo.FindByNumber(ctx, 2)
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	list, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, domain.InvoiceNumber(3), list[0].InvoiceNumber)

	paid := true
	updated, err := repo.Update(ctx, 3, domain.InvoiceUpdate{IsPaid: &paid})
	require.NoError(t, err)
	require.True(t, updated.IsPaid)

	_, err = repo.Update(ctx, 99, domain.InvoiceUpdate{IsPaid: &paid})
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalCount)
	require.Equal(t, 1, stats.PaidCount)
	require.True(t, stats.PaidAmount.Equal(decimal.NewFromInt(50)))
	require.True(t, stats.UnpaidAmount.Equal(decimal.RequireFromString("100.25")))
	require.Equal(t, domain.InvoiceNumber(3), stats.LastInvoiceNumber)

	deleted, err := repo.Delete(ctx, 3)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = repo.Delete(ctx, 3)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestInvoiceStore_PostgresEmptyStats(t *testing.T) {
	repo := NewInvoiceStore(openPostgresStoreForIntegrationTest(t))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalCount)
	require.True(t, stats.TotalAmount.IsZero())
	require.Zero(t, stats.LastInvoiceNumber)
}
