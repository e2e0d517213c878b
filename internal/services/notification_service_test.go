package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
)

type recordingSender struct {
	mu       sync.Mutex
	tokens   []string
	messages []NotificationMessage
	started  chan struct{}
	release  chan struct{}
	err      error
}

func (s *recordingSender) Send(ctx context.Context, token string, message NotificationMessage) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	s.messages = append(s.messages, message)
	return s.err
}

type failingTokens struct{}

func (failingTokens) FindToken(context.Context, string) (string, error) {
	return "", errors.New("redis: connection refused")
}

func (failingTokens) SaveToken(context.Context, string, string, time.Time) error {
	return nil
}

func newTestDispatcher(t *testing.T, deps NotificationServiceDeps) NotificationDispatcher {
	t.Helper()
	dispatcher, err := NewNotificationDispatcher(deps)
	if err != nil {
		t.Fatalf("NewNotificationDispatcher: %v", err)
	}
	return dispatcher
}

func closeDispatcher(t *testing.T, dispatcher NotificationDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNotificationDispatcherDeliversToStoredToken(t *testing.T) {
	store := memory.NewStore()
	if err := store.Tokens().SaveToken(context.Background(), "cust_1", "fcm-token-1", orderTestNow); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	sender := &recordingSender{}
	metrics := &captureMetrics{}
	dispatcher := newTestDispatcher(t, NotificationServiceDeps{
		Tokens:  store.Tokens(),
		Sender:  sender,
		Metrics: metrics,
	})

	dispatcher.Notify(context.Background(), Notification{
		UserID:  "cust_1",
		OrderID: "ord_1",
		Status:  domain.OrderStatusCancelled,
		Reason:  "Out of stock.",
	})
	closeDispatcher(t, dispatcher)

	if len(sender.messages) != 1 || sender.tokens[0] != "fcm-token-1" {
		t.Fatalf("expected one delivery to fcm-token-1, got %v", sender.tokens)
	}
	msg := sender.messages[0]
	if msg.Title != "Order update" {
		t.Fatalf("unexpected title %q", msg.Title)
	}
	if !strings.Contains(msg.Body, "ord_1 was cancelled") || !strings.HasSuffix(msg.Body, "Out of stock.") {
		t.Fatalf("unexpected body %q", msg.Body)
	}
	if msg.Data["orderId"] != "ord_1" || msg.Data["status"] != "CANCELLED" || msg.Data["reason"] != "Out of stock." {
		t.Fatalf("unexpected data %+v", msg.Data)
	}
	if len(metrics.notifications) != 1 || metrics.notifications[0] != notificationSent {
		t.Fatalf("unexpected metrics %v", metrics.notifications)
	}
}

func TestNotificationDispatcherSkipsUsersWithoutToken(t *testing.T) {
	sender := &recordingSender{}
	metrics := &captureMetrics{}
	dispatcher := newTestDispatcher(t, NotificationServiceDeps{
		Tokens:  memory.NewStore().Tokens(),
		Sender:  sender,
		Metrics: metrics,
	})

	dispatcher.Notify(context.Background(), Notification{UserID: "cust_1", OrderID: "ord_1", Status: domain.OrderStatusConfirmed})
	dispatcher.Notify(context.Background(), Notification{UserID: " ", OrderID: "ord_2", Status: domain.OrderStatusConfirmed})
	closeDispatcher(t, dispatcher)

	if len(sender.messages) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(sender.messages))
	}
	if strings.Join(metrics.notifications, ",") != "no_token,no_token" {
		t.Fatalf("unexpected metrics %v", metrics.notifications)
	}
}

func TestNotificationDispatcherLogsFailures(t *testing.T) {
	store := memory.NewStore()
	if err := store.Tokens().SaveToken(context.Background(), "cust_1", "tok", orderTestNow); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	logs := &captureLogger{}
	metrics := &captureMetrics{}
	dispatcher := newTestDispatcher(t, NotificationServiceDeps{
		Tokens:  store.Tokens(),
		Sender:  &recordingSender{err: errors.New("fcm: unregistered")},
		Metrics: metrics,
		Logger:  logs.log,
	})
	dispatcher.Notify(context.Background(), Notification{UserID: "cust_1", OrderID: "ord_1", Status: domain.OrderStatusShipping})
	closeDispatcher(t, dispatcher)

	if !logs.has("notification.send.failed") {
		t.Fatal("expected send failure to be logged")
	}
	if len(metrics.notifications) != 1 || metrics.notifications[0] != notificationFailed {
		t.Fatalf("unexpected metrics %v", metrics.notifications)
	}

	logs = &captureLogger{}
	metrics = &captureMetrics{}
	dispatcher = newTestDispatcher(t, NotificationServiceDeps{
		Tokens:  failingTokens{},
		Sender:  &recordingSender{},
		Metrics: metrics,
		Logger:  logs.log,
	})
	dispatcher.Notify(context.Background(), Notification{UserID: "cust_1", OrderID: "ord_1", Status: domain.OrderStatusShipping})
	closeDispatcher(t, dispatcher)

	if !logs.has("notification.token.lookup.failed") {
		t.Fatal("expected lookup failure to be logged")
	}
	if len(metrics.notifications) != 1 || metrics.notifications[0] != notificationLookupFailed {
		t.Fatalf("unexpected metrics %v", metrics.notifications)
	}
}

func TestNotificationDispatcherDropsWhenQueueIsFull(t *testing.T) {
	store := memory.NewStore()
	if err := store.Tokens().SaveToken(context.Background(), "cust_1", "tok", orderTestNow); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	sender := &recordingSender{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	metrics := &captureMetrics{}
	logs := &captureLogger{}
	dispatcher := newTestDispatcher(t, NotificationServiceDeps{
		Tokens:    store.Tokens(),
		Sender:    sender,
		Workers:   1,
		QueueSize: 1,
		Metrics:   metrics,
		Logger:    logs.log,
	})

	notification := Notification{UserID: "cust_1", OrderID: "ord_1", Status: domain.OrderStatusConfirmed}
	dispatcher.Notify(context.Background(), notification)
	select {
	case <-sender.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the first notification")
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Notify(context.Background(), notification)
		dispatcher.Notify(context.Background(), notification)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(sender.release)
	closeDispatcher(t, dispatcher)

	if len(sender.messages) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(sender.messages))
	}
	if !logs.has("notification.dropped") {
		t.Fatal("expected the dropped notification to be logged")
	}
	var dropped int
	for _, outcome := range metrics.notifications {
		if outcome == notificationDropped {
			dropped++
		}
	}
	if dropped != 1 {
		t.Fatalf("expected one dropped notification, got %v", metrics.notifications)
	}
}

func TestNotificationDispatcherClose(t *testing.T) {
	store := memory.NewStore()
	if err := store.Tokens().SaveToken(context.Background(), "cust_1", "tok", orderTestNow); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	sender := &recordingSender{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	metrics := &captureMetrics{}
	dispatcher := newTestDispatcher(t, NotificationServiceDeps{
		Tokens:  store.Tokens(),
		Sender:  sender,
		Workers: 1,
		Metrics: metrics,
	})
	dispatcher.Notify(context.Background(), Notification{UserID: "cust_1", OrderID: "ord_1", Status: domain.OrderStatusConfirmed})
	<-sender.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := dispatcher.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to time out, got %v", err)
	}

	dispatcher.Notify(context.Background(), Notification{UserID: "cust_1", OrderID: "ord_2", Status: domain.OrderStatusConfirmed})
	close(sender.release)
	closeDispatcher(t, dispatcher)

	if len(sender.messages) != 1 {
		t.Fatalf("expected only the queued notification, got %d", len(sender.messages))
	}
	if metrics.notifications[0] != notificationDropped {
		t.Fatalf("expected post-close notification to be dropped, got %v", metrics.notifications)
	}
}

func TestNewNotificationDispatcherRequiresDependencies(t *testing.T) {
	if _, err := NewNotificationDispatcher(NotificationServiceDeps{Sender: &recordingSender{}}); err == nil {
		t.Fatal("expected error without token repository")
	}
	if _, err := NewNotificationDispatcher(NotificationServiceDeps{Tokens: memory.NewStore().Tokens()}); err == nil {
		t.Fatal("expected error without sender")
	}
}
