package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	defaultNotificationWorkers     = 4
	defaultNotificationQueueSize   = 256
	defaultNotificationSendTimeout = 10 * time.Second

	notificationSent         = "sent"
	notificationNoToken      = "no_token"
	notificationLookupFailed = "lookup_failed"
	notificationFailed       = "failed"
	notificationDropped      = "dropped"
)

var statusMessages = map[OrderStatus]string{
	domain.OrderStatusPending:   "We received your order %s.",
	domain.OrderStatusConfirmed: "Your order %s is confirmed.",
	domain.OrderStatusShipping:  "Your order %s is on its way.",
	domain.OrderStatusDelivered: "Your order %s was delivered.",
	domain.OrderStatusCancelled: "Your order %s was cancelled.",
}

// NotificationServiceDeps bundles the collaborators of the notification dispatcher.
type NotificationServiceDeps struct {
	Tokens      repositories.TokenRepository
	Sender      NotificationSender
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Metrics     Metrics
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationJob struct {
	ctx          context.Context
	notification Notification
}

type notificationDispatcher struct {
	tokens      repositories.TokenRepository
	sender      NotificationSender
	sendTimeout time.Duration
	metrics     Metrics
	logger      func(context.Context, string, map[string]any)

	mu     sync.RWMutex
	closed bool
	queue  chan notificationJob
	wg     sync.WaitGroup
}

// NewNotificationDispatcher starts a bounded worker pool delivering order notifications.
// Notify never blocks: when the queue is full the notification is dropped and logged.
func NewNotificationDispatcher(deps NotificationServiceDeps) (NotificationDispatcher, error) {
	if deps.Tokens == nil {
		return nil, errors.New("notification dispatcher: token repository is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("notification dispatcher: sender is required")
	}

	workers := deps.Workers
	if workers <= 0 {
		workers = defaultNotificationWorkers
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultNotificationQueueSize
	}
	sendTimeout := deps.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultNotificationSendTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	d := &notificationDispatcher{
		tokens:      deps.Tokens,
		sender:      deps.Sender,
		sendTimeout: sendTimeout,
		metrics:     deps.Metrics,
		logger:      logger,
		queue:       make(chan notificationJob, queueSize),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d, nil
}

func (d *notificationDispatcher) Notify(ctx context.Context, notification Notification) {
	if strings.TrimSpace(notification.UserID) == "" {
		d.observe(notificationNoToken)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.observe(notificationDropped)
		d.logger(ctx, "notification.dropped", map[string]any{
			"orderId": notification.OrderID,
			"reason":  "dispatcher closed",
		})
		return
	}

	select {
	case d.queue <- notificationJob{ctx: context.WithoutCancel(ctx), notification: notification}:
	default:
		d.observe(notificationDropped)
		d.logger(ctx, "notification.dropped", map[string]any{
			"orderId": notification.OrderID,
			"reason":  "queue full",
		})
	}
}

// Close stops accepting notifications and waits for queued ones until ctx is done. It can
// be called again to keep waiting after an interrupted drain.
func (d *notificationDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher: drain interrupted: %w", ctx.Err())
	}
}

func (d *notificationDispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job.ctx, job.notification)
	}
}

func (d *notificationDispatcher) deliver(ctx context.Context, notification Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			d.observe(notificationFailed)
			d.logger(ctx, "notification.send.panic", map[string]any{
				"orderId": notification.OrderID,
				"panic":   fmt.Sprint(rec),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	token, err := d.tokens.FindToken(ctx, notification.UserID)
	if err != nil {
		if isRepoNotFound(err) {
			d.observe(notificationNoToken)
			return
		}
		d.observe(notificationLookupFailed)
		d.logger(ctx, "notification.token.lookup.failed", map[string]any{
			"orderId": notification.OrderID,
			"userId":  notification.UserID,
			"error":   err.Error(),
		})
		return
	}

	if err := d.sender.Send(ctx, token, buildNotificationMessage(notification)); err != nil {
		d.observe(notificationFailed)
		d.logger(ctx, "notification.send.failed", map[string]any{
			"orderId": notification.OrderID,
			"userId":  notification.UserID,
			"status":  string(notification.Status),
			"error":   err.Error(),
		})
		return
	}
	d.observe(notificationSent)
}

func (d *notificationDispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveNotification(outcome)
	}
}

func buildNotificationMessage(n Notification) NotificationMessage {
	body := fmt.Sprintf("Your order %s was updated.", n.OrderID)
	if format, ok := statusMessages[n.Status]; ok {
		body = fmt.Sprintf(format, n.OrderID)
	}
	data := map[string]string{
		"orderId": n.OrderID,
		"status":  string(n.Status),
	}
	if reason := strings.TrimSpace(n.Reason); reason != "" {
		body += " " + reason
		data["reason"] = reason
	}
	return NotificationMessage{
		Title: "Order update",
		Body:  body,
		Data:  data,
	}
}
