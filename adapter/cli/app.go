package cli

import (
	"context"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// PremiumService is the entitlement surface the commands drive.
type PremiumService interface {
	CurrentEntitlement() domain.EntitlementRecord
	IsPremium() bool
	Subscribe(listener func(domain.EntitlementRecord)) (unsubscribe func())
	Products(ctx context.Context) ([]domain.Product, error)
	InitiatePurchase(ctx context.Context, productID string) error
	RestorePurchases(ctx context.Context) error
	MachineState() domain.MachineState
}

// App holds the CLI application dependencies.
type App struct {
	Premium PremiumService
}

// NewApp creates a new CLI application.
func NewApp(premium PremiumService) *App {
	return &App{Premium: premium}
}

var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
