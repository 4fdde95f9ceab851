// Package notify delivers job progress messages to live observers.
//
// Delivery is best effort. Every subscription has its own bounded mailbox and
// delivery goroutine, so a slow or dead sink can only cost the publisher one
// bounded enqueue attempt before it is dropped.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer          = 16
	defaultEnqueueTimeout  = 250 * time.Millisecond
	defaultDeliveryTimeout = 5 * time.Second
)

// Options configure a Bus.
type Options struct {
	Buffer          int           // per-subscription mailbox size
	EnqueueTimeout  time.Duration // max wait on a full mailbox before dropping the subscriber
	DeliveryTimeout time.Duration // context deadline for each Sink.Send
	Logger          *slog.Logger
}

// Bus fans messages out to subscribers by scope.
type Bus struct {
	buffer          int
	enqueueTimeout  time.Duration
	deliveryTimeout time.Duration
	logger          *slog.Logger

	seq  atomic.Int64
	mu   sync.RWMutex
	subs map[Scope]map[*subscription]struct{}
}

type subscription struct {
	scope   Scope
	sink    Sink
	mailbox chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

// NewBus constructs a bus, applying defaults for zero options.
func NewBus(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		buffer:          opts.Buffer,
		enqueueTimeout:  opts.EnqueueTimeout,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          logger.With("component", "notification_bus"),
		subs:            make(map[Scope]map[*subscription]struct{}),
	}
}

// Subscribe registers sink for scope. The returned func unsubscribes and is
// safe to call more than once. The bus never closes the sink itself.
func (b *Bus) Subscribe(scope Scope, sink Sink) func() {
	sub := &subscription{
		scope:   scope,
		sink:    sink,
		mailbox: make(chan Message, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[scope] == nil {
		b.subs[scope] = make(map[*subscription]struct{})
	}
	b.subs[scope][sub] = struct{}{}
	b.mu.Unlock()

	go b.deliver(sub)

	return func() { b.remove(sub) }
}

// Publish stamps msg and hands it to every current subscriber of scope.
// It returns the number of subscribers that accepted the message.
func (b *Bus) Publish(scope Scope, msg Message) int {
	msg.Seq = b.seq.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[scope]))
	for sub := range b.subs[scope] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	accepted := 0
	for _, sub := range targets {
		if b.enqueue(sub, msg) {
			accepted++
			continue
		}
		if b.remove(sub) {
			b.logger.Warn("dropped unresponsive subscriber",
				"scope", scope,
				"seq", msg.Seq,
			)
		}
	}
	return accepted
}

// SubscriberCount reports current subscriptions for scope.
func (b *Bus) SubscriberCount(scope Scope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[scope])
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Scope]map[*subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
}

func (b *Bus) enqueue(sub *subscription, msg Message) bool {
	select {
	case <-sub.done:
		return false
	default:
	}

	select {
	case sub.mailbox <- msg:
		return true
	default:
	}

	timer := time.NewTimer(b.enqueueTimeout)
	defer timer.Stop()
	select {
	case sub.mailbox <- msg:
		return true
	case <-sub.done:
		return false
	case <-timer.C:
		return false
	}
}

func (b *Bus) deliver(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.mailbox:
			ctx, cancel := context.WithTimeout(context.Background(), b.deliveryTimeout)
			err := sub.sink.Send(ctx, msg)
			cancel()
			if err != nil {
				if b.remove(sub) {
					b.logger.Info("unsubscribed failing sink",
						"scope", sub.scope,
						"seq", msg.Seq,
						"error", err,
					)
				}
				return
			}
		}
	}
}

// remove reports whether this call performed the unsubscription.
func (b *Bus) remove(sub *subscription) bool {
	b.mu.Lock()
	if set, ok := b.subs[sub.scope]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.scope)
		}
	}
	b.mu.Unlock()
	return sub.stop()
}
