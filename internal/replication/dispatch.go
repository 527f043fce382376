package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/wire"
)

// ErrQueueFull is returned when the dispatcher cannot accept another message.
var ErrQueueFull = errors.New("replication: dispatch queue full")

// ErrDispatcherClosed is returned after Close.
var ErrDispatcherClosed = errors.New("replication: dispatcher closed")

type dispatchJob struct {
	observerID string
	msg        *wire.NodesChanged
}

// Dispatcher decouples the simulation from transport latency: Send enqueues
// and returns immediately while a worker delivers through the wrapped transport.
type Dispatcher struct {
	next   Transport
	logger *logging.Logger
	queue  chan dispatchJob

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	onFailure func(observerID string, msg *wire.NodesChanged)

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// DispatcherOption customises a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeliveryFailure registers fn for every message the wrapped transport
// rejected after Send had already accepted it.
func WithDeliveryFailure(fn func(observerID string, msg *wire.NodesChanged)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// NewDispatcher starts a single delivery worker with the given queue depth.
func NewDispatcher(next Transport, depth int, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = logging.L()
	}
	d := &Dispatcher{
		next:   next,
		logger: logger,
		queue:  make(chan dispatchJob, depth),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	go d.run()
	return d
}

// Send enqueues msg for observerID without waiting for delivery.
func (d *Dispatcher) Send(_ context.Context, observerID string, msg *wire.NodesChanged) error {
	if d == nil {
		return ErrDispatcherClosed
	}
	select {
	case <-d.closed:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.queue <- dispatchJob{observerID: observerID, msg: msg}:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many messages were rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Delivered reports how many messages the wrapped transport accepted.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Close stops accepting messages, drains the queue and waits for the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() { close(d.closed) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case job := <-d.queue:
			d.deliver(job)
		case <-d.closed:
			for {
				select {
				case job := <-d.queue:
					d.deliver(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(job dispatchJob) {
	if d.next == nil {
		return
	}
	if err := d.next.Send(context.Background(), job.observerID, job.msg); err != nil {
		d.logger.Warn("sync delivery failed",
			logging.String("observer_id", job.observerID),
			logging.String("network_id", job.msg.NetworkID),
			logging.Error(err))
		if d.onFailure != nil {
			d.onFailure(job.observerID, job.msg)
		}
		return
	}
	d.delivered.Add(1)
}
