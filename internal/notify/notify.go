// Package notify delivers user notifications off the critical path.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/erazemk/darilo/internal/metrics"
)

// Kind identifies a notification template.
type Kind string

// Notification kinds.
const (
	AddressRequested Kind = "address_requested"
	OrderPlaced      Kind = "order_placed"
	OrderDelivered   Kind = "order_delivered"
	OrderCancelled   Kind = "order_cancelled"
	AutomationError  Kind = "automation_error"
	FundsLow         Kind = "funds_low"
)

// Message is one notification for one user.
type Message struct {
	UserID     int64
	OccasionID int64
	Kind       Kind
	Text       string
}

// Sender delivers a message, for example as an email.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Notifier accepts messages without blocking the caller.
type Notifier interface {
	Notify(m Message)
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m Message) error {
	slog.Info("notification", "user", m.UserID, "occasion", m.OccasionID, "kind", m.Kind, "text", m.Text)
	return nil
}

// Dispatcher queues messages and delivers them from a single worker. A full
// queue drops the message; send failures are logged. Neither reaches the
// caller.
type Dispatcher struct {
	sender  Sender
	metrics *metrics.Metrics
	timeout time.Duration
	queue   chan Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a worker delivering through sender.
func NewDispatcher(sender Sender, queueSize int, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		metrics: m,
		timeout: 30 * time.Second,
		queue:   make(chan Message, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues m. It never blocks.
func (d *Dispatcher) Notify(m Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("notification after close dropped", "kind", m.Kind, "occasion", m.OccasionID)
		d.metrics.ObserveNotificationDropped()
		return
	}
	select {
	case d.queue <- m:
	default:
		slog.Warn("notification queue full, dropping", "kind", m.Kind, "occasion", m.OccasionID)
		d.metrics.ObserveNotificationDropped()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		d.deliver(m)
	}
}

func (d *Dispatcher) deliver(m Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification sender panicked", "kind", m.Kind, "occasion", m.OccasionID, "panic", r)
			d.metrics.ObserveNotificationFailed()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, m); err != nil {
		slog.Error("sending notification", "kind", m.Kind, "occasion", m.OccasionID, "user", m.UserID, "error", err)
		d.metrics.ObserveNotificationFailed()
	}
}

// Close stops accepting messages and waits until the queue is drained or
// ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every message. Useful where notifications are irrelevant.
type Discard struct{}

func (Discard) Notify(Message) {}
