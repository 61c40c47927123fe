package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/service/idempotency"
)

func TestAdminToken_RoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueAdminToken(testSecret, "ops", time.Hour, now)
	require.NoError(t, err)

	claims, err := ParseAdminToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, "ops", claims.Subject)
	require.Equal(t, AdminRole, claims.Role)

	_, err = ParseAdminToken("other-secret", token)
	require.Error(t, err)
}

func TestAdminToken_Expired(t *testing.T) {
	token, err := IssueAdminToken(testSecret, "ops", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = ParseAdminToken(testSecret, token)
	require.Error(t, err)
}

func TestIssueAdminToken_EmptySecret(t *testing.T) {
	_, err := IssueAdminToken("", "ops", time.Hour, time.Now())
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{header: "", wantErr: errTokenMissing},
		{header: "Basic abc", wantErr: errTokenFormat},
		{header: "Bearer ", wantErr: errTokenFormat},
		{header: "bearer abc.def", want: "abc.def"},
	}
	for _, tt := range tests {
		got, err := bearerToken(tt.header)
		if tt.wantErr != nil {
			require.ErrorIs(t, err, tt.wantErr, tt.header)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}

func TestAdminAuth_DisabledWithoutSecret(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(quietLogger()))
	r.GET("/x", AdminAuth(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler(quietLogger()), Recovery(quietLogger()))
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"code":"INTERNAL_ERROR","message":"Internal server error","details":null}`, rec.Body.String())
}

func TestToAppError(t *testing.T) {
	verr := &domain.ValidationError{}
	verr.Add("dueDate", "bad")

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", verr, http.StatusBadRequest, CodeValidation},
		{"not found", fmt.Errorf("find: %w", domain.ErrInvoiceNotFound), http.StatusNotFound, CodeNotFound},
		{"hash mismatch", domain.ErrIdempotencyHashMismatch, http.StatusConflict, CodeIdempotency},
		{"in progress", idempotency.ErrRequestInProgress, http.StatusConflict, CodeIdempotency},
		{"render timeout", fmt.Errorf("render: %w", domain.ErrRenderTimeout), http.StatusGatewayTimeout, CodeRenderTimeout},
		{"no recipient", &domain.NotificationError{Number: 1, Err: domain.ErrRecipientRequired}, http.StatusBadRequest, CodeValidation},
		{"smtp down", &domain.NotificationError{Number: 1, Err: errors.New("dial tcp")}, http.StatusBadGateway, CodeNotificationFailed},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToAppError(tt.err)
			require.Equal(t, tt.status, got.HTTPStatus)
			require.Equal(t, tt.code, got.Code)
		})
	}
}

func TestNewServer_Defaults(t *testing.T) {
	srv := NewServer(Config{}, http.NotFoundHandler())
	require.Equal(t, ":8080", srv.Addr)
	require.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	require.NotNil(t, srv.Handler)
}
