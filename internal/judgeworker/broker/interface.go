// Package broker is C9's transport layer: a thin message-queue abstraction
// (Kafka-backed). KafkaQueue also offers a weighted, limiter-gated
// multi-topic subscription (SubscribeWeighted); the dispatcher does not use
// it and subscribes to each task topic separately.
package broker

import (
	"context"
	"time"
)

// Queue is the unified interface for message queue operations. The
// abstraction allows swapping the backing broker without touching the
// dispatcher.
type Queue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Consumer consumes messages.
type Consumer interface {
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error
	Start() error
	Stop() error
	Pause() error
	Resume() error
}

// Message is one broker envelope.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  time.Time         `json:"timestamp"`
	Priority   uint8             `json:"priority"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Expiration time.Duration     `json:"expiration"`
}

// HandlerFunc processes one message; a non-nil error triggers the retry
// policy configured on the subscription.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	QueueName       string
	ConsumerGroup   string
	PrefetchCount   int
	Concurrency     int
	MaxRetries      int
	RetryDelay      time.Duration
	DeadLetterTopic string
	MessageTTL      time.Duration
}

// SetDefaults fills zero-valued fields with the dispatcher's defaults.
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount == 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage builds a Message with sane defaults for retry/timestamp.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: 3,
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

func (m *Message) ShouldRetry() bool {
	return m.RetryCount < m.MaxRetries
}

func (m *Message) IncrementRetry() {
	m.RetryCount++
}

// FetchLimiter gates how many concurrent fetches a weighted subscription
// may have outstanding. TokenLimiter satisfies it.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}
