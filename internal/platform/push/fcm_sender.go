// Package push delivers order notifications through Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"

	"github.com/hanko-field/orderflow/internal/services"
)

const defaultMessageTTL = 24 * time.Hour

// ErrTokenUnregistered reports that FCM no longer accepts the device token.
var ErrTokenUnregistered = errors.New("push: registration token is no longer valid")

// Client is the subset of the FCM client used for delivery.
type Client interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender implements services.NotificationSender.
type FCMSender struct {
	client Client
	ttl    time.Duration
}

// Option customises FCMSender.
type Option func(*FCMSender)

// WithMessageTTL bounds how long FCM keeps an undelivered message.
func WithMessageTTL(ttl time.Duration) Option {
	return func(s *FCMSender) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewFCMSender wraps an FCM client.
func NewFCMSender(client Client, opts ...Option) (*FCMSender, error) {
	if client == nil {
		return nil, errors.New("push: messaging client is required")
	}
	sender := &FCMSender{client: client, ttl: defaultMessageTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(sender)
		}
	}
	return sender, nil
}

// NewFCMSenderFromApp builds a sender on the messaging client of an initialised app.
func NewFCMSenderFromApp(ctx context.Context, app *firebase.App, opts ...Option) (*FCMSender, error) {
	if app == nil {
		return nil, errors.New("push: firebase app is required")
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: initialise messaging client: %w", err)
	}
	return NewFCMSender(client, opts...)
}

// Send pushes one message to token.
func (s *FCMSender) Send(ctx context.Context, token string, message services.NotificationMessage) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("push: token is required")
	}

	ttl := s.ttl
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: message.Title,
			Body:  message.Body,
		},
		Data: message.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
	if orderID := message.Data["orderId"]; orderID != "" {
		// Later status updates for the same order replace the earlier one on the device.
		msg.Android.CollapseKey = orderID
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": orderID},
		}
	}

	if _, err := s.client.Send(ctx, msg); err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", ErrTokenUnregistered, err)
		}
		return fmt.Errorf("push: send: %w", err)
	}
	return nil
}
