package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBufferFull is returned by Emit in async mode when the inbox is saturated
// and the record had to be dropped.
var ErrBufferFull = errors.New("audit buffer full")

// Publisher wraps a Sink with an optional asynchronous buffer. In sync mode
// Emit appends directly; in async mode records are handed to a background
// goroutine and Close drains whatever is still queued.
type Publisher struct {
	sink   Sink
	logger *slog.Logger

	inbox chan Record
	done  chan struct{}
	once  sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with the given inbox
// capacity.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan Record, size)
	}
}

// WithLogger sets the logger used for drop and sink-failure reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a publisher over the given sink.
func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:   sink,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		go p.run()
	}
	return p
}

// Emit publishes one record. A zero timestamp is stamped with the current
// time. In async mode a full inbox drops the record rather than blocking the
// request path.
func (p *Publisher) Emit(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if p.inbox == nil {
		return p.sink.Append(ctx, rec)
	}
	select {
	case p.inbox <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn("audit inbox full, dropping record",
			"action", rec.Action,
			"list_id", rec.ListID,
		)
		return ErrBufferFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for rec := range p.inbox {
		// Detached context: the originating request may be long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.sink.Append(ctx, rec); err != nil {
			p.logger.Error("audit sink append failed",
				"action", rec.Action,
				"list_id", rec.ListID,
				"error", err,
			)
		}
		cancel()
	}
}

// Close stops accepting records and, in async mode, drains the inbox before
// returning.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.inbox == nil {
			return
		}
		close(p.inbox)
		<-p.done
	})
}
