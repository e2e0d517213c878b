package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/hanko-field/orderflow/internal/services"
)

type stubClient struct {
	sent []*messaging.Message
	err  error
}

func (s *stubClient) Send(_ context.Context, message *messaging.Message) (string, error) {
	s.sent = append(s.sent, message)
	if s.err != nil {
		return "", s.err
	}
	return "projects/of-dev/messages/1", nil
}

func TestFCMSenderBuildsMessage(t *testing.T) {
	client := &stubClient{}
	sender, err := NewFCMSender(client, WithMessageTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewFCMSender: %v", err)
	}

	err = sender.Send(context.Background(), " device-token ", services.NotificationMessage{
		Title: "Order update",
		Body:  "Your order ord_1 is confirmed.",
		Data:  map[string]string{"orderId": "ord_1", "status": "CONFIRMED"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(client.sent))
	}
	msg := client.sent[0]
	if msg.Token != "device-token" {
		t.Fatalf("expected trimmed token, got %q", msg.Token)
	}
	if msg.Notification == nil || msg.Notification.Body != "Your order ord_1 is confirmed." {
		t.Fatalf("unexpected notification %+v", msg.Notification)
	}
	if msg.Data["status"] != "CONFIRMED" {
		t.Fatalf("unexpected data %+v", msg.Data)
	}
	if msg.Android == nil || msg.Android.TTL == nil || *msg.Android.TTL != time.Hour {
		t.Fatalf("expected one hour ttl, got %+v", msg.Android)
	}
	if msg.Android.CollapseKey != "ord_1" || msg.APNS.Headers["apns-collapse-id"] != "ord_1" {
		t.Fatalf("expected order id collapse keys, got %+v %+v", msg.Android, msg.APNS)
	}
}

func TestFCMSenderWithoutOrderID(t *testing.T) {
	client := &stubClient{}
	sender, _ := NewFCMSender(client)
	if err := sender.Send(context.Background(), "device-token", services.NotificationMessage{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg := client.sent[0]; msg.APNS != nil || msg.Android.CollapseKey != "" {
		t.Fatalf("expected no collapse keys, got %+v", msg)
	}
	if ttl := *client.sent[0].Android.TTL; ttl != defaultMessageTTL {
		t.Fatalf("expected default ttl, got %s", ttl)
	}
}

func TestFCMSenderErrors(t *testing.T) {
	sender, _ := NewFCMSender(&stubClient{})
	if err := sender.Send(context.Background(), "  ", services.NotificationMessage{}); err == nil {
		t.Fatal("expected empty token to be rejected")
	}

	boom := errors.New("unavailable")
	sender, _ = NewFCMSender(&stubClient{err: boom})
	err := sender.Send(context.Background(), "device-token", services.NotificationMessage{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
	if errors.Is(err, ErrTokenUnregistered) {
		t.Fatal("generic failures must not be reported as unregistered tokens")
	}

	if _, err := NewFCMSender(nil); err == nil {
		t.Fatal("expected nil client to be rejected")
	}
}
