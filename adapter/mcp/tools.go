// Package mcp exposes the premium commands as MCP tools and resources.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/mcp-go"

	"github.com/felixgeelhaar/premiumsync/adapter/cli"
	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// EntitlementResourceURI is the resource that mirrors premium.status.
const EntitlementResourceURI = "premiumsync://entitlement"

// ToolDependencies provides handlers and context for MCP tools.
type ToolDependencies struct {
	App *cli.App
	// PurchaseTimeout bounds how long premium.purchase waits for verification.
	PurchaseTimeout time.Duration
}

type purchaseInput struct {
	ProductID string `json:"product_id" jsonschema:"required"`
}

// entitlementView is the tool-facing shape of the entitlement.
type entitlementView struct {
	Premium    bool       `json:"premium"`
	IsActive   bool       `json:"is_active"`
	ProductID  string     `json:"product_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Source     string     `json:"source,omitempty"`
	State      string     `json:"state"`
}

type productView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"`
	Kind        string `json:"kind"`
}

// RegisterCLITools registers MCP tools that mirror CLI functionality.
func RegisterCLITools(srv *mcp.Server, deps ToolDependencies) error {
	if srv == nil {
		return errors.New("server is required")
	}
	if deps.App == nil {
		return errors.New("app is required")
	}
	if deps.PurchaseTimeout <= 0 {
		deps.PurchaseTimeout = 5 * time.Minute
	}

	app := deps.App

	srv.Tool("cli.version").
		Description("Get CLI version information").
		Handler(func(ctx context.Context, input struct{}) (map[string]string, error) {
			return map[string]string{
				"version":   cli.Version,
				"commit":    cli.Commit,
				"buildDate": cli.BuildDate,
			}, nil
		})

	srv.Tool("premium.status").
		Description("Report whether premium features are unlocked").
		Handler(func(ctx context.Context, input struct{}) (any, error) {
			return status(app)
		})

	srv.Tool("premium.products").
		Description("List the premium products offered by the store").
		Handler(func(ctx context.Context, input struct{}) (any, error) {
			return products(ctx, app)
		})

	srv.Tool("premium.purchase").
		Description("Buy a premium product and wait until it is verified").
		Handler(func(ctx context.Context, input purchaseInput) (any, error) {
			return purchase(ctx, app, input, deps.PurchaseTimeout)
		})

	srv.Tool("premium.restore").
		Description("Restore past purchases and report the resulting entitlement").
		Handler(func(ctx context.Context, input struct{}) (any, error) {
			return restore(ctx, app)
		})

	return nil
}

// RegisterResources registers the read-only entitlement resource.
func RegisterResources(srv *mcp.Server, deps ToolDependencies) error {
	if srv == nil {
		return errors.New("server is required")
	}
	app := deps.App

	srv.Resource(EntitlementResourceURI).
		Name("Entitlement").
		Description("Current premium entitlement").
		MimeType("application/json").
		Handler(func(ctx context.Context, uri string, params map[string]string) (*mcp.ResourceContent, error) {
			view, err := status(app)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(view)
			if err != nil {
				return nil, err
			}
			return &mcp.ResourceContent{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(data),
			}, nil
		})

	return nil
}

func premium(app *cli.App) (cli.PremiumService, error) {
	if app == nil || app.Premium == nil {
		return nil, errors.New("premium service not initialized")
	}
	return app.Premium, nil
}

func status(app *cli.App) (entitlementView, error) {
	svc, err := premium(app)
	if err != nil {
		return entitlementView{}, err
	}
	return viewOf(svc), nil
}

func viewOf(svc cli.PremiumService) entitlementView {
	record := svc.CurrentEntitlement()
	view := entitlementView{
		Premium:   svc.IsPremium(),
		IsActive:  record.IsActive,
		ProductID: record.ProductID,
		ExpiresAt: record.ExpiresAt,
		Source:    string(record.Source),
		State:     string(svc.MachineState()),
	}
	if !record.IsZero() {
		verified := record.VerifiedAt
		view.VerifiedAt = &verified
	}
	return view
}

func products(ctx context.Context, app *cli.App) ([]productView, error) {
	svc, err := premium(app)
	if err != nil {
		return nil, err
	}
	items, err := svc.Products(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]productView, 0, len(items))
	for _, p := range items {
		views = append(views, productView{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Price:       p.Price.String(),
			Kind:        string(p.Kind),
		})
	}
	return views, nil
}

func purchase(ctx context.Context, app *cli.App, input purchaseInput, timeout time.Duration) (map[string]any, error) {
	svc, err := premium(app)
	if err != nil {
		return nil, err
	}
	productID := strings.TrimSpace(input.ProductID)
	if productID == "" {
		return nil, errors.New("product_id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := svc.InitiatePurchase(ctx, productID); err != nil {
		if errors.Is(err, domain.ErrProductNotTracked) {
			return nil, fmt.Errorf("%s is not a premium product: %w", productID, err)
		}
		return nil, err
	}

	view := viewOf(svc)
	return map[string]any{
		"product_id":  productID,
		"unlocked":    view.Premium && view.ProductID == productID,
		"entitlement": view,
	}, nil
}

func restore(ctx context.Context, app *cli.App) (entitlementView, error) {
	svc, err := premium(app)
	if err != nil {
		return entitlementView{}, err
	}
	if err := svc.RestorePurchases(ctx); err != nil {
		return entitlementView{}, err
	}
	return viewOf(svc), nil
}
