// Package egress defines the broker-facing message contract and the
// publisher boundary shared by the kafka and rabbitmq backends.
package egress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xmidt-org/eventor"
)

var (
	// ErrNotStarted indicates Publish was called before Start.
	ErrNotStarted = errors.New("publisher not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("publisher already started")

	// ErrBroker indicates the broker rejected or failed to acknowledge
	// a message.
	ErrBroker = errors.New("broker error")
)

// PublishError reports a message that exhausted its delivery retries.
type PublishError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Header struct {
	Key   string
	Value []byte
}

// Message is the broker wire message. Immutable once built; the key
// determines partition affinity.
type Message struct {
	Key     string
	Value   []byte
	Headers []Header
}

// Publisher hands built messages to a broker client and observes the
// per-message delivery outcome. Delivery is at-least-once; publishers
// do not deduplicate.
type Publisher interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Close(ctx context.Context) error
}

// PublishEvent describes one terminal publish outcome, success or
// failure, dispatched to registered listeners.
type PublishEvent struct {
	Key      string
	Topic    string
	Attempts int
	Err      error
	Duration time.Duration
}

// Dispatcher fans PublishEvents out to listeners. Listener panics are
// contained; listeners never affect delivery control flow.
type Dispatcher struct {
	listeners eventor.Eventor[func(*PublishEvent)]
}

// AddListener registers fn for publish outcomes and returns a cancel
// function removing it. Listeners must be safe for concurrent use.
func (d *Dispatcher) AddListener(fn func(*PublishEvent)) func() {
	return d.listeners.Add(fn)
}

// Dispatch delivers the event to every listener.
func (d *Dispatcher) Dispatch(event *PublishEvent) {
	d.listeners.Visit(func(listener func(*PublishEvent)) {
		defer func() { _ = recover() }()
		listener(event)
	})
}
