package application

import (
	"log/slog"
	"sync"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
)

// EventSink is the single ingestion point for purchase events.
type EventSink interface {
	Submit(event domain.PurchaseEvent)
	Fail(failure domain.PurchaseFailure)
}

// Dispatcher forwards store purchase notifications to an EventSink.
// Deliveries that arrive while detached are dropped, not buffered; restore
// and the startup sweep recover anything missed that way.
type Dispatcher struct {
	store   domain.Store
	sink    EventSink
	logger  *slog.Logger
	metrics observability.Metrics

	mu            sync.Mutex
	generation    uint64
	attached      bool
	removeUpdated func()
	removeError   func()
}

// NewDispatcher creates a detached dispatcher.
func NewDispatcher(store domain.Store, sink EventSink, metrics observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Dispatcher{
		store:   store,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// Attach registers the store listeners. Calling it while attached is a no-op.
func (d *Dispatcher) Attach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached {
		return
	}
	d.generation++
	gen := d.generation
	d.removeUpdated = d.store.OnPurchaseUpdated(func(event domain.PurchaseEvent) {
		d.deliverEvent(gen, event)
	})
	d.removeError = d.store.OnPurchaseError(func(failure domain.PurchaseFailure) {
		d.deliverFailure(gen, failure)
	})
	d.attached = true
	d.logger.Debug("purchase dispatcher attached", "generation", gen)
}

// Detach removes the store listeners. Calling it while detached is a no-op.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return
	}
	d.attached = false
	if d.removeUpdated != nil {
		d.removeUpdated()
	}
	if d.removeError != nil {
		d.removeError()
	}
	d.removeUpdated, d.removeError = nil, nil
	d.logger.Debug("purchase dispatcher detached", "generation", d.generation)
}

// Attached reports whether listeners are registered.
func (d *Dispatcher) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// current reports whether a delivery from registration gen may pass.
func (d *Dispatcher) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached && d.generation == gen
}

func (d *Dispatcher) deliverEvent(gen uint64, event domain.PurchaseEvent) {
	if !d.current(gen) {
		d.metrics.Counter(observability.MetricEventsReceived, 1, observability.T("result", "dropped"))
		d.logger.Debug("dropping purchase event delivered while detached",
			"purchase_token", domain.ShortToken(event.PurchaseToken),
			"product_id", event.ProductID,
		)
		return
	}
	d.sink.Submit(event)
}

func (d *Dispatcher) deliverFailure(gen uint64, failure domain.PurchaseFailure) {
	if !d.current(gen) {
		d.logger.Debug("dropping purchase failure delivered while detached",
			"product_id", failure.ProductID,
			"error", failure.Err,
		)
		return
	}
	if failure.Err == nil {
		failure.Err = domain.ErrStoreUnavailable
	}
	d.sink.Fail(failure)
}
