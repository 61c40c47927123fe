package pubsub

import (
	"context"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

func newFakeServer(t *testing.T) (*pstest.Server, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, option.WithGRPCConn(conn)
}

func TestPublisherPublishesWithAttributes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, connOpt := newFakeServer(t)
	client, err := NewClient(ctx, "invoicing-test", "", connOpt)
	require.NoError(t, err)
	defer client.Close()

	pub, err := NewPublisher(ctx, client, "", quietLogger())
	require.NoError(t, err)
	defer pub.Close()

	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	err = pub.Publish(ctx, domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: domain.AggregateInvoice,
		AggregateID:   "42",
		EventType:     domain.EventInvoiceIssued,
		Payload:       []byte(`{"invoice_number":42}`),
	})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"invoice_number":42}`, string(msgs[0].Data))
	require.Equal(t, "42", msgs[0].OrderingKey)
	require.Equal(t, domain.EventInvoiceIssued, msgs[0].Attributes[AttrEventType])
	require.Equal(t, "42", msgs[0].Attributes[AttrInvoiceNumber])
	require.Equal(t, fixed.Format(time.RFC3339Nano), msgs[0].Attributes[AttrPublishedAt])
}

func TestNewPublisherReusesExistingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, connOpt := newFakeServer(t)
	client, err := NewClient(ctx, "invoicing-test", "", connOpt)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CreateTopic(ctx, "invoices")
	require.NoError(t, err)

	pub, err := NewPublisher(ctx, client, "invoices", quietLogger())
	require.NoError(t, err)
	require.Equal(t, "invoices", pub.topic.ID())
}

func TestPublisherGuards(t *testing.T) {
	_, err := NewClient(context.Background(), "", "", option.WithoutAuthentication())
	require.Error(t, err)

	_, err = NewPublisher(context.Background(), nil, "topic", nil)
	require.Error(t, err)

	var nilPublisher *Publisher
	require.Error(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{ID: "x"}))
	require.NoError(t, nilPublisher.Close())
}
