package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyStatusValid(t *testing.T) {
	for _, s := range []IdempotencyStatus{IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, IdempotencyStatus("committed").Valid())
	assert.False(t, IdempotencyStatus("").Valid())
}

func TestIdempotencyOutcomeStatus(t *testing.T) {
	assert.Equal(t, IdempotencyStatusDone, IdempotencyOutcome{HTTPStatus: http.StatusCreated, InvoiceNumber: 7}.Status())
	assert.Equal(t, IdempotencyStatusFailed, IdempotencyOutcome{HTTPStatus: http.StatusBadRequest}.Status())
	assert.Equal(t, IdempotencyStatusFailed, IdempotencyOutcome{HTTPStatus: http.StatusServiceUnavailable}.Status())
}

func TestIdempotencyRecordLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	claimed := IdempotencyRecord{Status: IdempotencyStatusProcessing, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, claimed.Finished())
	assert.False(t, claimed.Expired(now))

	issued := IdempotencyRecord{Status: IdempotencyStatusDone, ExpiresAt: now}
	assert.True(t, issued.Finished())
	assert.True(t, issued.Expired(now), "expiry is inclusive")

	assert.False(t, IdempotencyRecord{}.Expired(now), "zero expiry never expires")
}
