// Package notify is the boundary to whatever delivers user-facing messages
// (email, push). The engine only decides what to send.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xraph/tally/id"
)

// Notification is a templated message for one user.
type Notification struct {
	UserID         string            `json:"user_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Template       string            `json:"template"`
	Message        string            `json:"message,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop drops every notification.
var Nop Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"subscription_id", n.SubscriptionID.String(),
		"template", n.Template,
		"message", n.Message,
	)
	return nil
}

// Outbox keeps notifications in memory, in delivery order.
type Outbox struct {
	mu   sync.Mutex
	sent []Notification
}

func (o *Outbox) Notify(_ context.Context, n Notification) error {
	o.mu.Lock()
	o.sent = append(o.sent, n)
	o.mu.Unlock()
	return nil
}

// Sent returns a copy of everything delivered so far.
func (o *Outbox) Sent() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Notification(nil), o.sent...)
}

// Count returns how many notifications used template.
func (o *Outbox) Count(template string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sent {
		if s.Template == template {
			n++
		}
	}
	return n
}
