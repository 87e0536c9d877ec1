package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/premiumsync/adapter/cli"
	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

type fakePremium struct {
	mu          sync.Mutex
	record      domain.EntitlementRecord
	products    []domain.Product
	productsErr error
	purchaseErr error
	grant       bool
	restoreErr  error
	restored    bool
	listener    func(domain.EntitlementRecord)
}

func (f *fakePremium) CurrentEntitlement() domain.EntitlementRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record
}

func (f *fakePremium) IsPremium() bool {
	return f.CurrentEntitlement().ActiveAt(time.Now())
}

func (f *fakePremium) Subscribe(listener func(domain.EntitlementRecord)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listener = nil
	}
}

func (f *fakePremium) Products(context.Context) ([]domain.Product, error) {
	return f.products, f.productsErr
}

func (f *fakePremium) InitiatePurchase(_ context.Context, productID string) error {
	if f.purchaseErr != nil {
		return f.purchaseErr
	}
	if f.grant {
		f.mu.Lock()
		f.record = domain.EntitlementRecord{IsActive: true, ProductID: productID, VerifiedAt: time.Now(), Source: domain.SourceVerify}
		f.mu.Unlock()
	}
	return nil
}

func (f *fakePremium) RestorePurchases(context.Context) error {
	f.restored = true
	return f.restoreErr
}

func (f *fakePremium) MachineState() domain.MachineState { return domain.StateIdle }

func (f *fakePremium) emit(record domain.EntitlementRecord) bool {
	f.mu.Lock()
	listener := f.listener
	f.record = record
	f.mu.Unlock()
	if listener == nil {
		return false
	}
	listener(record)
	return true
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out strings.Builder
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	err := cmd.RunE(cmd, args)
	return out.String(), err
}

func install(t *testing.T, f *fakePremium) {
	t.Helper()
	cli.SetApp(cli.NewApp(f))
	t.Cleanup(func() { cli.SetApp(nil) })
}

func TestCommands_RequireApp(t *testing.T) {
	cli.SetApp(nil)
	for _, cmd := range Commands() {
		_, err := run(t, cmd, "monthly_premium")
		assert.ErrorIs(t, err, errNotInitialized, cmd.Name())
	}
}

func TestStatusCmd(t *testing.T) {
	f := &fakePremium{}
	install(t, f)

	out, err := run(t, statusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "never verified")
	assert.Contains(t, out, "State:    idle")

	expires := time.Now().Add(24 * time.Hour)
	f.record = domain.EntitlementRecord{IsActive: true, ProductID: domain.SKUMonthlyPremium, ExpiresAt: &expires, VerifiedAt: time.Now(), Source: domain.SourceRestore}
	out, err = run(t, statusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Premium: active (monthly_premium)")
	assert.Contains(t, out, "Expires:")
	assert.Contains(t, out, "(restore)")

	past := time.Now().Add(-time.Hour)
	f.record.ExpiresAt = &past
	out, err = run(t, statusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Premium: expired")
}

func TestProductsCmd(t *testing.T) {
	f := &fakePremium{products: []domain.Product{
		{ID: domain.SKUWeeklyPremium, Title: "Premium (weekly)", Price: domain.NewMoney(3, 99, "USD"), Kind: domain.ProductKindSubscription},
	}}
	install(t, f)

	out, err := run(t, productsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "weekly_premium")
	assert.Contains(t, out, "3.99 USD")

	f.products = nil
	out, err = run(t, productsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "No products available")

	f.productsErr = domain.ErrStoreUnavailable
	_, err = run(t, productsCmd)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestPurchaseCmd(t *testing.T) {
	f := &fakePremium{grant: true}
	install(t, f)

	out, err := run(t, purchaseCmd, domain.SKUYearlyPremium)
	require.NoError(t, err)
	assert.Contains(t, out, "Premium unlocked: yearly_premium")
}

func TestPurchaseCmd_CancelledLeavesEntitlement(t *testing.T) {
	f := &fakePremium{}
	install(t, f)

	out, err := run(t, purchaseCmd, domain.SKUWeeklyPremium)
	require.NoError(t, err)
	assert.Contains(t, out, "entitlement unchanged")
}

func TestPurchaseCmd_Errors(t *testing.T) {
	f := &fakePremium{purchaseErr: domain.ErrProductNotTracked}
	install(t, f)

	_, err := run(t, purchaseCmd, "lifetime")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProductNotTracked)
	assert.Contains(t, err.Error(), "lifetime is not a premium product")

	f.purchaseErr = domain.ErrInvalidProof
	_, err = run(t, purchaseCmd, domain.SKUWeeklyPremium)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestRestoreCmd(t *testing.T) {
	f := &fakePremium{}
	install(t, f)

	out, err := run(t, restoreCmd)
	require.NoError(t, err)
	assert.True(t, f.restored)
	assert.Contains(t, out, "Restore complete")

	f.restoreErr = errors.Join(domain.ErrInvalidProof)
	_, err = run(t, restoreCmd)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestWatchCmd_PrintsChangesUntilDeadline(t *testing.T) {
	f := &fakePremium{}
	install(t, f)
	watchFor = 500 * time.Millisecond
	defer func() { watchFor = 0 }()

	var out strings.Builder
	watchCmd.SetContext(context.Background())
	watchCmd.SetOut(&out)

	done := make(chan error, 1)
	go func() { done <- watchCmd.RunE(watchCmd, nil) }()

	require.Eventually(t, func() bool {
		return f.emit(domain.EntitlementRecord{IsActive: true, ProductID: domain.SKUMonthlyPremium, VerifiedAt: time.Now()})
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Contains(t, out.String(), "Premium: active (monthly_premium)")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Nil(t, f.listener)
}
