package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/services"
)

func newTestTopic(t *testing.T, srv *pstest.Server) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic
}

func TestOrderEventPublisherPublishesStatusChange(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	publisher, err := NewOrderEventPublisher(newTestTopic(t, srv))
	if err != nil {
		t.Fatalf("NewOrderEventPublisher: %v", err)
	}
	defer publisher.Stop()

	occurredAt := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	err = publisher.PublishOrderEvent(context.Background(), services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ord_1",
		UserID:         "cust_1",
		PreviousStatus: domain.OrderStatusPending,
		CurrentStatus:  domain.OrderStatusConfirmed,
		ActorID:        "staff_1",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"reason": "paid by transfer"},
	})
	if err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.OrderingKey != "ord_1" {
		t.Fatalf("expected ordering key ord_1, got %q", msg.OrderingKey)
	}
	if msg.Attributes["eventType"] != "order.status.changed" || msg.Attributes["status"] != "CONFIRMED" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}

	var payload orderEventPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PreviousStatus != "PENDING" || payload.CurrentStatus != "CONFIRMED" || !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Metadata["reason"] != "paid by transfer" {
		t.Fatalf("expected metadata to be carried, got %v", payload.Metadata)
	}
}

func TestNewOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
