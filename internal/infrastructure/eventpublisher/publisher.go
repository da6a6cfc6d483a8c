package eventpublisher

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

// ErrBufferFull is returned by Publish when the dispatch queue is saturated.
var ErrBufferFull = errors.New("event buffer full")

// Sink delivers a single event to an external system.
type Sink interface {
	Publish(ctx context.Context, event *domain.LedgerEvent) error
}

// Observer receives delivery outcomes.
type Observer interface {
	ObserveEvent(err error)
	ObserveEventDropped()
}

// Dispatcher hands events to a Sink from a background worker so that
// ledger operations never wait on the sink.
type Dispatcher struct {
	sink         Sink
	observer     Observer
	logger       zerolog.Logger
	queue        chan *domain.LedgerEvent
	maxRetries   uint64
	sendTimeout  time.Duration
	flushTimeout time.Duration
}

var _ usecase.EventPublisher = (*Dispatcher)(nil)

// Config for Dispatcher.
type Config struct {
	Sink         Sink
	Observer     Observer // optional
	Logger       zerolog.Logger
	BufferSize   int           // queued events before Publish starts dropping
	MaxRetries   uint64        // delivery attempts after the first
	SendTimeout  time.Duration // per delivery attempt
	FlushTimeout time.Duration // drain budget after the worker context ends
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = 5 * time.Second
	}

	return &Dispatcher{
		sink:         cfg.Sink,
		observer:     cfg.Observer,
		logger:       cfg.Logger.With().Str("component", "event_dispatcher").Logger(),
		queue:        make(chan *domain.LedgerEvent, cfg.BufferSize),
		maxRetries:   cfg.MaxRetries,
		sendTimeout:  cfg.SendTimeout,
		flushTimeout: cfg.FlushTimeout,
	}
}

// Publish enqueues event without blocking.
func (d *Dispatcher) Publish(ctx context.Context, event *domain.LedgerEvent) error {
	select {
	case d.queue <- event:
		return nil
	default:
		if d.observer != nil {
			d.observer.ObserveEventDropped()
		}
		return ErrBufferFull
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left
// within the flush timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("buffer_size", cap(d.queue)).Msg("event dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.logger.Info().Msg("event dispatcher stopped")
			return ctx.Err()
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.flushTimeout)
	defer cancel()

	for {
		select {
		case event := <-d.queue:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event *domain.LedgerEvent) {
	send := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		return d.sink.Publish(sendCtx, event)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, d.maxRetries), ctx)
	err := backoff.Retry(send, b)
	if d.observer != nil {
		d.observer.ObserveEvent(err)
	}
	if err != nil {
		d.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Str("account_id", event.AccountID).
			Msg("failed to publish event")
		return
	}

	d.logger.Debug().Str("event_id", event.ID).Str("event_type", event.Type).Msg("event published")
}

// LogPublisher is a simple sink that logs events.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event *domain.LedgerEvent) error {
	p.logger.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("account_id", event.AccountID).
		Str("counterparty", event.Counterparty).
		Int64("amount", event.Amount).
		Int64("balance", event.Balance).
		Time("occurred_at", event.OccurredAt).
		Msg("ledger event")

	return nil
}
