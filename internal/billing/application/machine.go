package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrent verifications across tokens.
const DefaultWorkers = 2

// ProductKinds tells acknowledgment whether a product is consumed.
type ProductKinds interface {
	IsConsumable(ctx context.Context, productID string) bool
}

// MachineOption customizes a StateMachine.
type MachineOption func(*StateMachine)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) MachineOption {
	return func(m *StateMachine) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithPlatform sets the platform sent along with every proof.
func WithPlatform(p domain.Platform) MachineOption {
	return func(m *StateMachine) { m.platform = p }
}

// WithAcknowledgmentQueue persists failed acknowledgments for the startup sweep.
func WithAcknowledgmentQueue(q domain.AcknowledgmentQueue) MachineOption {
	return func(m *StateMachine) { m.acks = q }
}

// WithPublisher publishes entitlement changes to the event bus.
func WithPublisher(p eventbus.Publisher) MachineOption {
	return func(m *StateMachine) { m.publisher = p }
}

// WithMachineMetrics records flight and acknowledgment metrics.
func WithMachineMetrics(metrics observability.Metrics) MachineOption {
	return func(m *StateMachine) { m.metrics = metrics }
}

// WithMachineClock sets the clock used for queue timestamps and events.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) { m.now = now }
}

// flight is the in-progress verification for one purchase token.
type flight struct {
	ctx     context.Context
	event   domain.PurchaseEvent
	source  domain.Source
	state   domain.MachineState
	done    chan struct{}
	outcome domain.Outcome
}

// StateMachine drives purchase events through verification, the cache write
// and store acknowledgment. It is the only writer of the EntitlementCache.
//
// At most one flight exists per purchase token; events for a token already in
// flight are coalesced. Different tokens run concurrently, bounded by the
// worker pool.
type StateMachine struct {
	verifier  domain.Verifier
	store     domain.Store
	cache     *EntitlementCache
	kinds     ProductKinds
	acks      domain.AcknowledgmentQueue
	publisher eventbus.Publisher
	platform  domain.Platform
	workers   int
	pool      *semaphore.Weighted
	logger    *slog.Logger
	metrics   observability.Metrics
	now       func() time.Time

	mu           sync.Mutex
	flights      map[string]*flight
	listeners    map[uint64]func(domain.Outcome)
	nextListener uint64
	wg           sync.WaitGroup

	// applyMu orders cache writes with the previous-record read used for events.
	applyMu sync.Mutex
}

// NewStateMachine creates a state machine. kinds may be nil, in which case
// every product is acknowledged as a subscription.
func NewStateMachine(
	verifier domain.Verifier,
	store domain.Store,
	cache *EntitlementCache,
	kinds ProductKinds,
	logger *slog.Logger,
	opts ...MachineOption,
) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &StateMachine{
		verifier:  verifier,
		store:     store,
		cache:     cache,
		kinds:     kinds,
		platform:  domain.PlatformSandbox,
		workers:   DefaultWorkers,
		logger:    logger,
		metrics:   observability.NoopMetrics{},
		now:       time.Now,
		flights:   make(map[string]*flight),
		listeners: make(map[uint64]func(domain.Outcome)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = semaphore.NewWeighted(int64(m.workers))
	return m
}

// Submit accepts a live purchase event. It never blocks on verification and
// is idempotent per purchase token.
func (m *StateMachine) Submit(event domain.PurchaseEvent) {
	m.enqueue(context.Background(), event, domain.SourceVerify)
}

// SubmitAndWait submits the event and waits for its flight to settle,
// returning the surfaced error, if any. Cancelling ctx stops the wait, not
// the flight.
func (m *StateMachine) SubmitAndWait(ctx context.Context, event domain.PurchaseEvent) error {
	f := m.enqueue(ctx, event, domain.SourceVerify)
	if f == nil {
		return domain.ErrMissingPurchaseToken
	}
	outcome, err := m.await(ctx, f)
	if err != nil {
		return err
	}
	return outcome.Err
}

// Fail reports a purchase attempt the store rejected before any proof existed.
// No flight is created and the cache is left as is.
func (m *StateMachine) Fail(failure domain.PurchaseFailure) {
	if errors.Is(failure.Err, domain.ErrUserCancelled) {
		m.logger.Info("purchase cancelled by user", "product_id", failure.ProductID)
		m.metrics.Counter(observability.MetricVerifyOutcomes, 1, observability.T("result", "cancelled"))
	} else {
		m.logger.Warn("purchase failed in store",
			"product_id", failure.ProductID,
			"error", failure.Err,
		)
		m.metrics.Counter(observability.MetricVerifyOutcomes, 1, observability.T("result", "store_failed"))
	}
	m.emit(domain.Outcome{ProductID: failure.ProductID, Err: failure.Err})
}

// CurrentEntitlement returns the last settled entitlement record.
func (m *StateMachine) CurrentEntitlement() domain.EntitlementRecord {
	return m.cache.Get()
}

// Subscribe registers a listener for entitlement changes.
func (m *StateMachine) Subscribe(listener func(domain.EntitlementRecord)) (unsubscribe func()) {
	return m.cache.Subscribe(listener)
}

// OnOutcome registers a listener called whenever a token or failed purchase
// reaches a terminal state.
func (m *StateMachine) OnOutcome(listener func(domain.Outcome)) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// TokenState returns the lifecycle state of a purchase token.
func (m *StateMachine) TokenState(token string) domain.MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flights[token]; ok {
		return f.state
	}
	return domain.StateIdle
}

// inFlightTokens snapshots the tokens with a flight in progress.
func (m *StateMachine) inFlightTokens() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make(map[string]struct{}, len(m.flights))
	for token := range m.flights {
		tokens[token] = struct{}{}
	}
	return tokens
}

// State summarizes the machine: finalizing if any token is finalizing,
// verifying if any is verifying, idle otherwise.
func (m *StateMachine) State() domain.MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := domain.StateIdle
	for _, f := range m.flights {
		if f.state == domain.StateFinalizing {
			return domain.StateFinalizing
		}
		state = domain.StateVerifying
	}
	return state
}

// Wait blocks until every flight has settled.
func (m *StateMachine) Wait() {
	m.wg.Wait()
}

// RetryPendingAcknowledgments re-sends queued acknowledgments. Tokens with a
// flight in progress are skipped; their flight acknowledges them. It returns
// how many acknowledgments succeeded.
func (m *StateMachine) RetryPendingAcknowledgments(ctx context.Context) (int, error) {
	if m.acks == nil {
		return 0, nil
	}
	pending, err := m.acks.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending acknowledgments: %w", err)
	}
	m.metrics.Gauge(observability.MetricPendingAcks, float64(len(pending)))

	acked := 0
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if m.TokenState(p.PurchaseToken) != domain.StateIdle {
			continue
		}
		if err := m.store.Acknowledge(ctx, p.PurchaseToken, p.Consumable); err != nil {
			m.metrics.Counter(observability.MetricAcknowledgments, 1, observability.T("result", "failed"))
			m.logger.Warn("pending acknowledgment failed again",
				"purchase_token", domain.ShortToken(p.PurchaseToken),
				"product_id", p.ProductID,
				"attempt", p.Attempts+1,
				"error", err,
			)
			p.Attempts++
			p.LastError = err.Error()
			p.UpdatedAt = m.now().UTC()
			if qerr := m.acks.Enqueue(ctx, p); qerr != nil {
				errs = append(errs, fmt.Errorf("requeue acknowledgment: %w", qerr))
			}
			continue
		}
		if err := m.acks.Remove(ctx, p.PurchaseToken); err != nil {
			errs = append(errs, fmt.Errorf("remove acknowledgment: %w", err))
		}
		acked++
		m.metrics.Counter(observability.MetricAcknowledgments, 1, observability.T("result", "ok"))
		m.logger.Info("pending acknowledgment delivered",
			"purchase_token", domain.ShortToken(p.PurchaseToken),
			"product_id", p.ProductID,
		)
	}
	m.metrics.Gauge(observability.MetricPendingAcks, float64(len(pending)-acked))
	return acked, errors.Join(errs...)
}

// enqueue starts a flight for the event's token, or returns the flight
// already running for it. It returns nil for events without a token.
func (m *StateMachine) enqueue(ctx context.Context, event domain.PurchaseEvent, source domain.Source) *flight {
	if event.PurchaseToken == "" {
		m.logger.Warn("ignoring purchase event without token", "product_id", event.ProductID)
		return nil
	}
	m.metrics.Counter(observability.MetricEventsReceived, 1, observability.T("source", string(source)))

	m.mu.Lock()
	if f, ok := m.flights[event.PurchaseToken]; ok {
		state := f.state
		m.mu.Unlock()
		m.metrics.Counter(observability.MetricEventsCoalesced, 1)
		m.logger.Debug("coalesced purchase event",
			"purchase_token", domain.ShortToken(event.PurchaseToken),
			"product_id", event.ProductID,
			"state", state,
		)
		return f
	}

	flightCtx := context.WithoutCancel(ctx)
	if observability.CorrelationIDFromContext(flightCtx) == "" {
		flightCtx = observability.WithCorrelationID(flightCtx, "")
	}
	f := &flight{
		ctx:    flightCtx,
		event:  event,
		source: source,
		state:  domain.StateVerifying,
		done:   make(chan struct{}),
	}
	m.flights[event.PurchaseToken] = f
	inFlight := len(m.flights)
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.Gauge(observability.MetricInFlight, float64(inFlight))
	go m.run(f)
	return f
}

func (m *StateMachine) await(ctx context.Context, f *flight) (domain.Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
}

func (m *StateMachine) run(f *flight) {
	defer m.wg.Done()

	// The flight context is never cancelled, so Acquire only returns once a
	// worker is free.
	_ = m.pool.Acquire(f.ctx, 1)
	outcome := m.process(f)
	m.pool.Release(1)

	m.finish(f, outcome)
}

func (m *StateMachine) process(f *flight) domain.Outcome {
	ctx := f.ctx
	event := f.event
	log := m.logger.With(
		"purchase_token", domain.ShortToken(event.PurchaseToken),
		"product_id", event.ProductID,
		"source", f.source,
	)
	outcome := domain.Outcome{
		ProductID:       event.ProductID,
		PurchaseToken:   event.PurchaseToken,
		Source:          f.source,
		TransactionTime: event.TransactionTime,
	}

	start := time.Now()
	record, err := m.verifier.Verify(ctx, domain.VerificationRequest{
		Platform:     m.platform,
		ProductID:    event.ProductID,
		ProofPayload: event.ProofPayload(),
	})
	if err != nil {
		m.metrics.Counter(observability.MetricVerifyOutcomes, 1, observability.T("result", "failed"))
		log.ErrorContext(ctx, "purchase verification failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		outcome.Err = err
		return outcome
	}
	m.metrics.Counter(observability.MetricVerifyOutcomes, 1, observability.T("result", "verified"))

	if f.source == domain.SourceRestore {
		record.Source = domain.SourceRestore
	} else if record.Source == "" {
		record.Source = domain.SourceVerify
	}

	m.transition(f, domain.StateFinalizing)
	m.apply(ctx, event.PurchaseToken, record)
	outcome.Record = &record
	outcome.Acknowledged = m.acknowledge(ctx, event)

	log.InfoContext(ctx, "purchase settled",
		"is_active", record.IsActive,
		"acknowledged", outcome.Acknowledged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome
}

// apply writes the verified record to the cache and announces the change.
// A record that does not supersede the settled one, such as an expired
// purchase of another product, is verified but not written.
func (m *StateMachine) apply(ctx context.Context, token string, record domain.EntitlementRecord) {
	m.applyMu.Lock()
	current := m.cache.Get()
	if !record.Supersedes(current, m.now()) {
		m.applyMu.Unlock()
		m.logger.InfoContext(ctx, "verified record kept out of cache",
			"purchase_token", domain.ShortToken(token),
			"product_id", record.ProductID,
			"is_active", record.IsActive,
			"current_product_id", current.ProductID,
		)
		return
	}
	previous := m.cache.set(ctx, record)
	m.applyMu.Unlock()

	active := 0.0
	if record.IsActive {
		active = 1
	}
	m.metrics.Gauge(observability.MetricEntitlementState, active)

	if previous.Equal(record) || m.publisher == nil {
		return
	}
	m.publishChange(ctx, token, previous, record)
}

func (m *StateMachine) publishChange(ctx context.Context, token string, previous, current domain.EntitlementRecord) {
	now := m.now().UTC()
	event, err := eventbus.NewEvent(ctx, domain.RoutingKeyEntitlementChanged, domain.AggregateTypeEntitlement,
		domain.EntitlementChangedPayload{
			PurchaseToken: token,
			Previous:      previous,
			Current:       current,
			ChangedAt:     now,
		}, now)
	if err != nil {
		m.logger.Error("failed to encode entitlement change", "error", err)
		return
	}
	body, err := event.Encode()
	if err != nil {
		m.logger.Error("failed to encode entitlement event", "error", err)
		return
	}
	if err := m.publisher.Publish(ctx, domain.RoutingKeyEntitlementChanged, body); err != nil {
		m.logger.Warn("failed to publish entitlement change",
			"purchase_token", domain.ShortToken(token),
			"error", err,
		)
	}
}

// acknowledge finalizes the purchase with the store. A failure is queued for
// the startup sweep; it never touches the cache and never re-verifies.
func (m *StateMachine) acknowledge(ctx context.Context, event domain.PurchaseEvent) bool {
	consumable := false
	if m.kinds != nil {
		consumable = m.kinds.IsConsumable(ctx, event.ProductID)
	}

	err := m.store.Acknowledge(ctx, event.PurchaseToken, consumable)
	if err == nil {
		m.metrics.Counter(observability.MetricAcknowledgments, 1, observability.T("result", "ok"))
		return true
	}

	err = fmt.Errorf("%w: %w", domain.ErrAcknowledgment, err)
	m.metrics.Counter(observability.MetricAcknowledgments, 1, observability.T("result", "failed"))
	m.logger.WarnContext(ctx, "acknowledgment failed, queued for retry",
		"purchase_token", domain.ShortToken(event.PurchaseToken),
		"product_id", event.ProductID,
		"error", err,
	)

	if m.acks == nil {
		return false
	}
	now := m.now().UTC()
	pending := domain.PendingAcknowledgment{
		PurchaseToken: event.PurchaseToken,
		ProductID:     event.ProductID,
		Consumable:    consumable,
		Attempts:      1,
		LastError:     err.Error(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if qerr := m.acks.Enqueue(ctx, pending); qerr != nil {
		m.logger.ErrorContext(ctx, "failed to queue acknowledgment",
			"purchase_token", domain.ShortToken(event.PurchaseToken),
			"error", qerr,
		)
	}
	return false
}

func (m *StateMachine) transition(f *flight, state domain.MachineState) {
	m.mu.Lock()
	f.state = state
	m.mu.Unlock()
}

func (m *StateMachine) finish(f *flight, outcome domain.Outcome) {
	m.mu.Lock()
	delete(m.flights, f.event.PurchaseToken)
	f.state = domain.StateIdle
	f.outcome = outcome
	inFlight := len(m.flights)
	m.mu.Unlock()

	close(f.done)
	m.metrics.Gauge(observability.MetricInFlight, float64(inFlight))
	m.emit(outcome)
}

func (m *StateMachine) emit(outcome domain.Outcome) {
	m.mu.Lock()
	listeners := make([]func(domain.Outcome), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(outcome)
	}
}
