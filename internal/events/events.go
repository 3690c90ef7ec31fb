// Package events carries harvest notifications between the scheduler and
// query nodes over Kafka.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/kafka"
)

// WindowCommitted is emitted after the scheduler commits records for a
// window. Query nodes treat it as a signal that cached results are stale.
type WindowCommitted struct {
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Records  int       `json:"records"`
	Complete bool      `json:"complete"`
	At       time.Time `json:"at"`
}

// Key returns the partition key. All events for a run land on the same
// partition and so keep their order.
func (e WindowCommitted) Key() string {
	return e.RunID
}

// Decode parses a Kafka message value.
func Decode(value []byte) (WindowCommitted, error) {
	e, err := kafka.DecodeJSON[WindowCommitted](value)
	if err != nil {
		return WindowCommitted{}, fmt.Errorf("decoding window event: %w", err)
	}
	return e, nil
}

// Sink is where the publisher writes. *kafka.Producer satisfies it.
type Sink interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Publisher buffers events and writes them from a single goroutine so the
// scheduler never waits on the broker.
type Publisher struct {
	sink   Sink
	ch     chan WindowCommitted
	logger *slog.Logger
	done   chan struct{}
}

func NewPublisher(sink Sink, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Publisher{
		sink:   sink,
		ch:     make(chan WindowCommitted, bufferSize),
		logger: slog.Default().With("component", "harvest-events"),
		done:   make(chan struct{}),
	}
}

// Start launches the publishing goroutine. It exits when ctx is cancelled
// or Close is called, flushing whatever is still buffered.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case e, ok := <-p.ch:
				if !ok {
					return
				}
				p.publish(ctx, e)
			case <-ctx.Done():
				p.drain()
				return
			}
		}
	}()
	p.logger.Info("harvest event publisher started", "buffer_size", cap(p.ch))
}

// Track queues e. When the buffer is full the event is dropped.
func (p *Publisher) Track(e WindowCommitted) {
	select {
	case p.ch <- e:
	default:
		p.logger.Warn("harvest event dropped (buffer full)", "run_id", e.RunID, "phase", e.Phase)
	}
}

// Close stops accepting events and waits for the buffer to flush.
func (p *Publisher) Close() {
	close(p.ch)
	<-p.done
}

func (p *Publisher) publish(ctx context.Context, e WindowCommitted) {
	if err := p.sink.Publish(ctx, kafka.Event{Key: e.Key(), Value: e}); err != nil {
		p.logger.Error("failed to publish harvest event", "run_id", e.RunID, "error", err)
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e, ok := <-p.ch:
			if !ok {
				return
			}
			p.publish(ctx, e)
		default:
			return
		}
	}
}
