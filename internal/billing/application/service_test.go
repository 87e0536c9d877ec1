package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInitiatePurchase_UserCancelLeavesEntitlementUnchanged(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.Attach()
	h.store.On("Purchase", mock.Anything, domain.SKUMonthlyPremium).Run(func(mock.Arguments) {
		go h.store.emitFailure(domain.PurchaseFailure{ProductID: domain.SKUMonthlyPremium, Err: domain.ErrUserCancelled})
	}).Return(nil)
	before := h.service.CurrentEntitlement()

	err := h.service.InitiatePurchase(context.Background(), domain.SKUMonthlyPremium)
	require.NoError(t, err)

	assert.Equal(t, before, h.service.CurrentEntitlement())
	assert.Equal(t, domain.StateIdle, h.service.MachineState())
	assert.Empty(t, h.verifier.Calls())
	assert.Zero(t, h.repo.saves)
}

func TestInitiatePurchase_GrantsAfterVerification(t *testing.T) {
	h := newHarness(t)
	h.expectSubscriptionCatalog()
	h.dispatcher.Attach()
	h.store.On("Purchase", mock.Anything, domain.SKUYearlyPremium).Run(func(mock.Arguments) {
		go h.store.emitUpdated(purchase(domain.SKUYearlyPremium, "tok-new", testNow))
	}).Return(nil)
	h.store.On("Acknowledge", mock.Anything, "tok-new", false).Return(nil)

	require.NoError(t, h.service.InitiatePurchase(context.Background(), domain.SKUYearlyPremium))

	record := h.service.CurrentEntitlement()
	assert.True(t, record.IsActive)
	assert.Equal(t, domain.SKUYearlyPremium, record.ProductID)
	assert.True(t, h.service.IsPremium())
}

func TestInitiatePurchase_InvalidProofIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.Attach()
	h.verifier.respond = func(domain.VerificationRequest) (domain.EntitlementRecord, error) {
		return domain.EntitlementRecord{}, &domain.VerificationError{Kind: domain.KindInvalid, Code: 400, Message: "proof consumed"}
	}
	h.store.On("Purchase", mock.Anything, domain.SKUMonthlyPremium).Run(func(mock.Arguments) {
		go h.store.emitUpdated(purchase(domain.SKUMonthlyPremium, "tok-x", testNow))
	}).Return(nil)

	err := h.service.InitiatePurchase(context.Background(), domain.SKUMonthlyPremium)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
	assert.False(t, h.service.CurrentEntitlement().IsActive)
}

func TestInitiatePurchase_IgnoresOlderTokenOfSameProduct(t *testing.T) {
	h := newHarness(t)
	h.expectSubscriptionCatalog()
	h.dispatcher.Attach()
	h.verifier.respond = func(req domain.VerificationRequest) (domain.EntitlementRecord, error) {
		if req.ProofPayload == "tok-old" {
			return domain.EntitlementRecord{}, &domain.VerificationError{Kind: domain.KindInvalid, Code: 400, Message: "proof consumed"}
		}
		// Settles after the redelivered token.
		time.Sleep(50 * time.Millisecond)
		expires := testNow.Add(30 * 24 * time.Hour)
		return domain.EntitlementRecord{IsActive: true, ProductID: req.ProductID, ExpiresAt: &expires, VerifiedAt: testNow}, nil
	}
	h.store.On("Purchase", mock.Anything, domain.SKUMonthlyPremium).Run(func(mock.Arguments) {
		go h.store.emitUpdated(purchase(domain.SKUMonthlyPremium, "tok-old", testNow.Add(-time.Hour)))
		go h.store.emitUpdated(purchase(domain.SKUMonthlyPremium, "tok-new", testNow))
	}).Return(nil)
	h.store.On("Acknowledge", mock.Anything, "tok-new", false).Return(nil)

	require.NoError(t, h.service.InitiatePurchase(context.Background(), domain.SKUMonthlyPremium))
	assert.True(t, h.service.IsPremium())
	assert.Equal(t, domain.SKUMonthlyPremium, h.service.CurrentEntitlement().ProductID)
	h.machine.Wait()
}

func TestInitiatePurchase_IgnoresTokenAlreadyInFlight(t *testing.T) {
	h := newHarness(t)
	h.expectSubscriptionCatalog()
	h.dispatcher.Attach()
	gate := make(chan struct{})
	h.verifier.gate = gate
	h.verifier.respond = func(req domain.VerificationRequest) (domain.EntitlementRecord, error) {
		if req.ProofPayload == "tok-prior" {
			return domain.EntitlementRecord{}, &domain.VerificationError{Kind: domain.KindInvalid, Code: 400, Message: "proof consumed"}
		}
		time.Sleep(50 * time.Millisecond)
		expires := testNow.Add(30 * 24 * time.Hour)
		return domain.EntitlementRecord{IsActive: true, ProductID: req.ProductID, ExpiresAt: &expires, VerifiedAt: testNow}, nil
	}
	h.machine.Submit(purchase(domain.SKUMonthlyPremium, "tok-prior", testNow))
	require.Equal(t, "tok-prior", waitStarted(t, h.verifier))

	h.store.On("Purchase", mock.Anything, domain.SKUMonthlyPremium).Run(func(mock.Arguments) {
		go func() {
			h.store.emitUpdated(purchase(domain.SKUMonthlyPremium, "tok-new", testNow))
			close(gate)
		}()
	}).Return(nil)
	h.store.On("Acknowledge", mock.Anything, "tok-new", false).Return(nil)

	require.NoError(t, h.service.InitiatePurchase(context.Background(), domain.SKUMonthlyPremium))
	assert.True(t, h.service.IsPremium())
	h.machine.Wait()
}

func TestOwnsOutcome(t *testing.T) {
	o := domain.Outcome{ProductID: domain.SKUMonthlyPremium, PurchaseToken: "tok-r", Source: domain.SourceRestore, TransactionTime: testNow}
	assert.False(t, ownsOutcome(o, domain.SKUMonthlyPremium, testNow, nil))

	o.Source = domain.SourceVerify
	assert.True(t, ownsOutcome(o, domain.SKUMonthlyPremium, testNow, nil))
	assert.False(t, ownsOutcome(o, domain.SKUYearlyPremium, testNow, nil))

	o.TransactionTime = testNow.Add(-30 * time.Second)
	assert.True(t, ownsOutcome(o, domain.SKUMonthlyPremium, testNow, nil), "within clock skew")
	o.TransactionTime = testNow.Add(-2 * time.Minute)
	assert.False(t, ownsOutcome(o, domain.SKUMonthlyPremium, testNow, nil))
	o.TransactionTime = time.Time{}
	assert.True(t, ownsOutcome(o, domain.SKUMonthlyPremium, testNow, nil))
}

func TestInitiatePurchase_FailureWithoutProductIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.Attach()
	h.store.On("Purchase", mock.Anything, domain.SKUYearlyPremium).Run(func(mock.Arguments) {
		go h.store.emitFailure(domain.PurchaseFailure{Err: domain.ErrStoreUnavailable})
	}).Return(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := h.service.InitiatePurchase(ctx, domain.SKUYearlyPremium)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestInitiatePurchase_StoreFailureIsStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.On("Purchase", mock.Anything, domain.SKUWeeklyPremium).Return(errors.New("billing client disconnected"))

	err := h.service.InitiatePurchase(context.Background(), domain.SKUWeeklyPremium)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestInitiatePurchase_AsyncStoreFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.Attach()
	h.store.On("Purchase", mock.Anything, domain.SKUWeeklyPremium).Run(func(mock.Arguments) {
		go h.store.emitFailure(domain.PurchaseFailure{ProductID: domain.SKUWeeklyPremium, Err: domain.ErrStoreUnavailable})
	}).Return(nil)

	err := h.service.InitiatePurchase(context.Background(), domain.SKUWeeklyPremium)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestInitiatePurchase_UntrackedProduct(t *testing.T) {
	h := newHarness(t)

	err := h.service.InitiatePurchase(context.Background(), "lifetime_legacy")
	assert.ErrorIs(t, err, domain.ErrProductNotTracked)
	h.store.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
}

func TestInitiatePurchase_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.store.On("Purchase", mock.Anything, domain.SKUMonthlyPremium).Return(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.service.InitiatePurchase(ctx, domain.SKUMonthlyPremium)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_HydratesSweepsAndRestores(t *testing.T) {
	h := newHarness(t)
	h.expectSubscriptionCatalog()
	ctx := context.Background()

	stored := domain.EntitlementRecord{IsActive: true, ProductID: domain.SKUWeeklyPremium, VerifiedAt: testNow.Add(-time.Hour)}
	require.NoError(t, h.repo.Save(ctx, stored))
	require.NoError(t, h.acks.Enqueue(ctx, domain.PendingAcknowledgment{PurchaseToken: "tok-old", ProductID: domain.SKUWeeklyPremium, Attempts: 1}))

	h.store.On("Acknowledge", mock.Anything, "tok-old", false).Return(nil).Once()
	h.store.On("GetHistoricalPurchases", mock.Anything).Return([]domain.PurchaseEvent{}, nil)

	require.NoError(t, h.service.Start(ctx))
	defer h.service.Close()

	assert.True(t, h.service.CurrentEntitlement().Equal(stored))
	assert.True(t, h.dispatcher.Attached())
	pending, err := h.acks.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	h.store.AssertExpectations(t)
}

func TestStart_RestoreFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.store.On("GetHistoricalPurchases", mock.Anything).Return(nil, errors.New("not connected"))

	err := h.service.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, h.dispatcher.Attached())
}

func TestClose_DetachesAndDrains(t *testing.T) {
	h := newHarness(t)
	h.expectSubscriptionCatalog()
	h.store.On("Acknowledge", mock.Anything, "tok-1", false).Return(nil)
	h.dispatcher.Attach()
	h.verifier.gate = make(chan struct{})

	h.store.emitUpdated(purchase(domain.SKUMonthlyPremium, "tok-1", testNow))
	waitStarted(t, h.verifier)

	closed := make(chan struct{})
	go func() {
		h.service.Close()
		close(closed)
	}()
	close(h.verifier.gate)
	<-closed

	assert.False(t, h.dispatcher.Attached())
	assert.True(t, h.service.CurrentEntitlement().IsActive)
}

func TestProducts_UsesTrackedSet(t *testing.T) {
	h := newHarness(t)
	h.store.On("FetchProducts", mock.Anything, domain.DefaultTrackedSKUs).Return([]domain.Product{
		{ID: domain.SKUMonthlyPremium, Price: domain.NewMoney(9, 99, "USD")},
	}, nil)

	products, err := h.service.Products(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "9.99", products[0].Price.Decimal())
}

func TestCatalog_StoreFailureIsWrapped(t *testing.T) {
	h := newHarness(t)
	cause := errors.New("service unavailable")
	h.store.On("FetchProducts", mock.Anything, mock.Anything).Return(nil, cause)

	_, err := h.catalog.FetchProducts(context.Background(), []string{domain.SKUWeeklyPremium})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, domain.InactiveEntitlement(), h.service.CurrentEntitlement())
	assert.False(t, h.catalog.IsConsumable(context.Background(), domain.SKUWeeklyPremium))
}

func TestCatalog_TrackedIsACopy(t *testing.T) {
	c := NewCatalogResolver(newMockStore(), []string{"a", "b"}, nil)
	tracked := c.Tracked()
	tracked[0] = "z"

	assert.Equal(t, []string{"a", "b"}, c.Tracked())
	assert.True(t, c.IsTracked("a"))
	assert.False(t, c.IsTracked("z"))
}

func TestEntitlementCache_HydrateWithoutRecord(t *testing.T) {
	cache := NewEntitlementCache(&memoryEntitlementRepo{}, nil)
	require.NoError(t, cache.Hydrate(context.Background()))
	assert.True(t, cache.Get().IsZero())

	assert.NoError(t, NewEntitlementCache(nil, nil).Hydrate(context.Background()))
}
