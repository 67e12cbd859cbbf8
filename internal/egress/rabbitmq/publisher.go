package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rabbitmq/amqp091-go"

	"chartstream/internal/egress"
)

type Config struct {
	URL          string
	Exchange     string
	RoutingKey   string
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "chartstream"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq url is required")
	}
	if c.RoutingKey == "" {
		return errors.New("rabbitmq routing key is required")
	}
	return nil
}

// Publisher sends chart messages through an AMQP topic exchange in
// confirm mode; a publisher confirm is the delivery ack.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	events egress.Dispatcher

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}, nil
}

// AddPublishListener registers fn for per-message delivery outcomes.
func (p *Publisher) AddPublishListener(fn func(*egress.PublishEvent)) func() {
	return p.events.AddListener(fn)
}

func (p *Publisher) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return egress.ErrAlreadyStarted
	}

	conn, err := amqp091.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("rabbitmq publisher started", "exchange", p.cfg.Exchange, "routing_key", p.cfg.RoutingKey)
	return nil
}

// Publish sends one message and waits for the publisher confirm,
// retrying with backoff up to the configured bound.
func (p *Publisher) Publish(ctx context.Context, msg egress.Message) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	start := time.Now()
	ev := &egress.PublishEvent{Key: msg.Key, Topic: p.cfg.RoutingKey}

	if ch == nil {
		ev.Err = egress.ErrNotStarted
		ev.Duration = time.Since(start)
		p.events.Dispatch(ev)
		return egress.ErrNotStarted
	}

	pub := buildPublishing(msg)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBackoff

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, pub)
		if err != nil {
			return struct{}{}, errors.Join(egress.ErrBroker, err)
		}
		acked, err := conf.WaitContext(ctx)
		if err != nil {
			return struct{}{}, errors.Join(egress.ErrBroker, err)
		}
		if !acked {
			return struct{}{}, errors.Join(egress.ErrBroker, errors.New("message nacked"))
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)),
	)

	ev.Attempts = attempts
	ev.Duration = time.Since(start)
	if err != nil {
		perr := &egress.PublishError{Key: msg.Key, Attempts: attempts, Err: err}
		ev.Err = perr
		p.events.Dispatch(ev)
		return perr
	}
	p.events.Dispatch(ev)
	return nil
}

func buildPublishing(msg egress.Message) amqp091.Publishing {
	headers := amqp091.Table{"message-key": msg.Key}
	contentType := "application/octet-stream"
	for _, h := range msg.Headers {
		if h.Key == "content-type" {
			contentType = string(h.Value)
			continue
		}
		headers[h.Key] = string(h.Value)
	}
	return amqp091.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		MessageId:    msg.Key,
		DeliveryMode: amqp091.Persistent,
		Body:         msg.Value,
	}
}

// Close releases the channel and connection. Idempotent.
func (p *Publisher) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	p.conn, p.ch = nil, nil
	return errors.Join(errs...)
}
