package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	"chartstream/internal/egress"
)

// kafkaClient is the slice of the franz-go client the publisher needs,
// mockable in tests.
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

var _ kafkaClient = (*kgo.Client)(nil)

type clientFactory func(opts ...kgo.Opt) (kafkaClient, error)

func defaultClientFactory(opts ...kgo.Opt) (kafkaClient, error) {
	return kgo.NewClient(opts...)
}

type Config struct {
	Brokers        []string
	Topic          string
	ClientID       string
	MaxRetries     int
	RetryBackoff   time.Duration
	CleanupTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "chartstreamd"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	for i, b := range c.Brokers {
		if b == "" {
			return fmt.Errorf("kafka broker %d is empty", i)
		}
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// Publisher sends chart messages to Kafka with acks=all and gzip batch
// compression. Safe for concurrent use; each Publish waits for the
// broker acknowledgment of its own message.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	events egress.Dispatcher

	clientFactory clientFactory

	mu     sync.Mutex
	client kafkaClient
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger, clientFactory: defaultClientFactory}, nil
}

// AddPublishListener registers fn for per-message delivery outcomes.
func (p *Publisher) AddPublishListener(fn func(*egress.PublishEvent)) func() {
	return p.events.AddListener(fn)
}

func (p *Publisher) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return egress.ErrAlreadyStarted
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(p.cfg.Brokers...),
		kgo.ClientID(p.cfg.ClientID),
		kgo.DefaultProduceTopic(p.cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
	}
	client, err := p.clientFactory(opts...)
	if err != nil {
		return fmt.Errorf("new kafka client: %w", err)
	}
	p.client = client
	p.logger.Info("kafka publisher started", "brokers", p.cfg.Brokers, "topic", p.cfg.Topic)
	return nil
}

// Publish sends one message and waits for the broker ack, retrying with
// exponential backoff on broker failure up to the configured bound.
// Retries resend the same record sequentially, preserving send order.
func (p *Publisher) Publish(ctx context.Context, msg egress.Message) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	start := time.Now()
	ev := &egress.PublishEvent{Key: msg.Key, Topic: p.cfg.Topic}

	if client == nil {
		ev.Err = egress.ErrNotStarted
		ev.Duration = time.Since(start)
		p.events.Dispatch(ev)
		return egress.ErrNotStarted
	}

	rec := &kgo.Record{
		Topic: p.cfg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for _, h := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBackoff

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		if err := client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			return struct{}{}, errors.Join(egress.ErrBroker, err)
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

// Close flushes buffered records and releases the client. Idempotent.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CleanupTimeout)
		defer cancel()
	}
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush incomplete during shutdown", "error", err)
	}
	p.client.Close()
	p.client = nil
	return nil
}
