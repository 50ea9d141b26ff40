package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/zenride/log"
)

// Server fans out every published message to all current subscribers.
// A subscriber that does not receive within the delivery timeout misses
// that message.
type Server[T any] interface {
	Publish(msg T) bool
	Subscribe() <-chan T
	CancelSubscription(<-chan T)
	Close()
}

type server[T any] struct {
	name            string
	source          chan T
	listeners       []chan T
	addListener     chan chan T
	removeListener  chan (<-chan T)
	ctx             context.Context
	cancel          context.CancelFunc
	deliveryTimeout time.Duration
	listenerBuffer  int
	numRcv          atomic.Int64
	numSnd          atomic.Int64
	numSkip         atomic.Int64
	numDrop         atomic.Int64
	numListeners    atomic.Int64
	metricsKey      string
	logger          *log.Logger
}

type Option[T any] func(*server[T])

// WithTelemetry registers observable gauges under the given key.
func WithTelemetry[T any](key string) Option[T] {
	return func(b *server[T]) {
		b.metricsKey = key
	}
}

func WithDeliveryTimeout[T any](d time.Duration) Option[T] {
	return func(b *server[T]) {
		b.deliveryTimeout = d
	}
}

func WithListenerBuffer[T any](n int) Option[T] {
	return func(b *server[T]) {
		b.listenerBuffer = n
	}
}

func WithLogger[T any](l *log.Logger) Option[T] {
	return func(b *server[T]) {
		b.logger = l
	}
}

// New creates and starts a broadcast server. Publish never blocks, messages
// are dropped if the internal queue of size queueSize is full.
func New[T any](name string, queueSize int, opts ...Option[T]) Server[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &server[T]{
		name:            name,
		source:          make(chan T, queueSize),
		addListener:     make(chan chan T),
		removeListener:  make(chan (<-chan T)),
		ctx:             ctx,
		cancel:          cancel,
		deliveryTimeout: 50 * time.Millisecond,
		listenerBuffer:  8,
		logger:          log.Default().Named("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metricsKey != "" {
		b.setupMetrics()
	}
	go b.serve()
	return b
}

func (b *server[T]) Publish(msg T) bool {
	if b.ctx.Err() != nil {
		return false
	}
	select {
	case b.source <- msg:
		return true
	default:
		b.numDrop.Add(1)
		return false
	}
}

// Subscribe returns a channel receiving all messages published from now on.
// The channel is closed on CancelSubscription or Close.
func (b *server[T]) Subscribe() <-chan T {
	ch := make(chan T, b.listenerBuffer)
	select {
	case b.addListener <- ch:
	case <-b.ctx.Done():
		close(ch)
	}
	return ch
}

func (b *server[T]) CancelSubscription(ch <-chan T) {
	select {
	case b.removeListener <- ch:
	case <-b.ctx.Done():
	}
}

func (b *server[T]) Close() {
	b.logger.Debug("closing broadcast server",
		log.String("name", b.name),
		log.Int64("rcv", b.numRcv.Load()),
		log.Int64("snd", b.numSnd.Load()),
		log.Int64("skip", b.numSkip.Load()),
		log.Int64("drop", b.numDrop.Load()))
	b.cancel()
}

func (b *server[T]) setupMetrics() {
	meter := otel.GetMeterProvider().Meter(fmt.Sprintf("zenride.broadcast.%s", b.name))
	register := func(metricName, desc string, value *atomic.Int64) {
		if _, err := meter.Int64ObservableGauge(
			metricName,
			metric.WithDescription(desc),
			metric.WithUnit("{count}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value.Load(),
					metric.WithAttributes(
						attribute.String("name", b.name),
						attribute.String("key", b.metricsKey),
					),
				)
				return nil
			})); err != nil {
			b.logger.Error("failed to register metric",
				log.String("metric", metricName),
				log.ErrorField(err))
		}
	}
	register("zenride.broadcast.rcv", "Number of received messages", &b.numRcv)
	register("zenride.broadcast.snd", "Number of sent messages", &b.numSnd)
	register("zenride.broadcast.skip", "Number of skipped deliveries", &b.numSkip)
	register("zenride.broadcast.drop", "Number of dropped messages", &b.numDrop)
	register("zenride.broadcast.listener", "Number of listeners", &b.numListeners)
}

//nolint:cyclop // by design
func (b *server[T]) serve() {
	defer func() {
		for _, listener := range b.listeners {
			close(listener)
		}
		b.listeners = nil
		b.numListeners.Store(0)
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ch := <-b.addListener:
			b.listeners = append(b.listeners, ch)
			b.numListeners.Store(int64(len(b.listeners)))
		case ch := <-b.removeListener:
			for i, listener := range b.listeners {
				if listener == ch {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					close(listener)
					break
				}
			}
			b.numListeners.Store(int64(len(b.listeners)))
		case msg := <-b.source:
			b.numRcv.Add(1)
			for _, listener := range b.listeners {
				select {
				case listener <- msg:
					b.numSnd.Add(1)
				default:
					b.deliverWithTimeout(listener, msg)
				}
			}
		}
	}
}

func (b *server[T]) deliverWithTimeout(listener chan T, msg T) {
	timer := time.NewTimer(b.deliveryTimeout)
	defer timer.Stop()
	select {
	case listener <- msg:
		b.numSnd.Add(1)
	case <-timer.C:
		b.numSkip.Add(1)
	case <-b.ctx.Done():
	}
}
