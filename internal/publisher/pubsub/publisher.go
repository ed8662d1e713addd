// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/multierr"
)

// Config selects the project and default topic.
type Config struct {
	ProjectID string
	TopicName string
}

// Publisher publishes JSON payloads to Pub/Sub topics. Topic handles are
// created lazily and reused.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	ownsClient   bool
	// propagator injects trace context into message attributes. Nil uses
	// the global propagator.
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New dials Pub/Sub for cfg.ProjectID.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := NewWithClient(client, cfg.TopicName)
	p.ownsClient = true
	return p, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON and publishes it to topic, or to the
// default topic when topic is empty. It blocks until the server acknowledges.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	p.textMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	if len(msg.Attributes) == 0 {
		msg.Attributes = nil
	}

	result := p.topic(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and, if New created the client, closes it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()

	var err error
	if p.ownsClient {
		err = multierr.Append(err, p.client.Close())
	}
	return err
}
