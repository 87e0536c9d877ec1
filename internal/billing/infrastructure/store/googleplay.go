package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/security"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// PlayConfig configures the Google Play store.
type PlayConfig struct {
	PackageName string
	// ServiceAccountJSON is the key document itself or a path to it.
	ServiceAccountJSON string
}

// PlayStore talks to the Google Play Developer API for catalog and
// acknowledgment. Purchase notifications arrive over the message bus, as
// forwarded real-time developer notifications, and are recorded in the
// ledger that backs purchase history.
type PlayStore struct {
	svc         *androidpublisher.Service
	packageName string
	ledger      domain.PurchaseLedger
	listeners   *listeners
	logger      *slog.Logger
}

// NewPlayStore creates a Play store authenticated with a service account.
func NewPlayStore(ctx context.Context, cfg PlayConfig, ledger domain.PurchaseLedger, logger *slog.Logger) (*PlayStore, error) {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	if cfg.PackageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}
	credentials, err := security.LoadInlineOrFile(cfg.ServiceAccountJSON)
	if err != nil {
		return nil, fmt.Errorf("service account: %w", err)
	}

	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON(credentials),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}
	return NewPlayStoreWithService(svc, cfg.PackageName, ledger, logger), nil
}

// NewPlayStoreWithService creates a Play store around an existing API client.
func NewPlayStoreWithService(svc *androidpublisher.Service, packageName string, ledger domain.PurchaseLedger, logger *slog.Logger) *PlayStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ledger == nil {
		ledger = &memoryLedger{}
	}
	return &PlayStore{
		svc:         svc,
		packageName: packageName,
		ledger:      ledger,
		listeners:   newListeners(),
		logger:      logger,
	}
}

// FetchProducts lists the in-app products of the package and returns those
// matching skus, or all of them when skus is empty.
func (s *PlayStore) FetchProducts(ctx context.Context, skus []string) ([]domain.Product, error) {
	var products []domain.Product
	token := ""
	for {
		call := s.svc.Inappproducts.List(s.packageName).Context(ctx)
		if token != "" {
			call = call.Token(token)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("google inappproducts.list: %w", err)
		}
		for _, item := range resp.Inappproduct {
			if item == nil || (len(skus) > 0 && !slices.Contains(skus, item.Sku)) {
				continue
			}
			product, err := toProduct(item)
			if err != nil {
				return nil, err
			}
			products = append(products, product)
		}
		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			break
		}
		token = resp.TokenPagination.NextPageToken
	}
	return products, nil
}

func toProduct(item *androidpublisher.InAppProduct) (domain.Product, error) {
	product := domain.Product{
		ID:   item.Sku,
		Kind: domain.ProductKindConsumable,
	}
	if item.PurchaseType == "subscription" {
		product.Kind = domain.ProductKindSubscription
	}
	if listing, ok := item.Listings[item.DefaultLanguage]; ok {
		product.Title = listing.Title
		product.Description = listing.Description
	}
	if item.DefaultPrice != nil {
		price, err := domain.ParseMicros(item.DefaultPrice.PriceMicros, item.DefaultPrice.Currency)
		if err != nil {
			return domain.Product{}, fmt.Errorf("product %s: %w", item.Sku, err)
		}
		product.Price = price
	}
	return product, nil
}

// Purchase cannot be started server-side; the purchase flow runs in the Play
// Billing client on the device and reports back through notifications.
func (s *PlayStore) Purchase(_ context.Context, productID string) error {
	return fmt.Errorf("%w: purchase of %s must be started from the Play Billing client", domain.ErrStoreUnavailable, productID)
}

// OnPurchaseUpdated registers a listener for completed purchases.
func (s *PlayStore) OnPurchaseUpdated(listener func(domain.PurchaseEvent)) func() {
	return s.listeners.onUpdated(listener)
}

// OnPurchaseError registers a listener for failed purchases.
func (s *PlayStore) OnPurchaseError(listener func(domain.PurchaseFailure)) func() {
	return s.listeners.onFailure(listener)
}

// GetHistoricalPurchases returns the purchases recorded from notifications.
func (s *PlayStore) GetHistoricalPurchases(ctx context.Context) ([]domain.PurchaseEvent, error) {
	return s.ledger.History(ctx)
}

// Acknowledge acknowledges a subscription or consumes a consumable. The
// product is resolved from the ledger since the Play API addresses purchases
// by product and token.
func (s *PlayStore) Acknowledge(ctx context.Context, purchaseToken string, consumable bool) error {
	event, err := s.ledger.Lookup(ctx, purchaseToken)
	if err != nil {
		return fmt.Errorf("lookup purchase: %w", err)
	}
	if event == nil {
		return fmt.Errorf("unknown purchase token %s", domain.ShortToken(purchaseToken))
	}

	if consumable {
		if err := s.svc.Purchases.Products.Consume(s.packageName, event.ProductID, purchaseToken).
			Context(ctx).
			Do(); err != nil {
			return fmt.Errorf("google products.consume: %w", err)
		}
		return nil
	}

	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	if err := s.svc.Purchases.Subscriptions.Acknowledge(s.packageName, event.ProductID, purchaseToken, req).
		Context(ctx).
		Do(); err != nil {
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	return nil
}

// EventTypes returns the store notification routing keys.
func (s *PlayStore) EventTypes() []string {
	return []string{
		domain.RoutingKeyPurchaseUpdated,
		domain.RoutingKeyPurchaseFailed,
	}
}

// Handle turns a store notification into a listener callback. Malformed
// notifications are logged and skipped.
func (s *PlayStore) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var n domain.PurchaseNotification
	if err := json.Unmarshal(event.Payload, &n); err != nil {
		s.logger.Error("failed to unmarshal purchase notification",
			"routing_key", event.RoutingKey,
			"error", err,
		)
		return nil
	}

	switch event.RoutingKey {
	case domain.RoutingKeyPurchaseUpdated:
		return s.handleUpdated(ctx, event, n)
	case domain.RoutingKeyPurchaseFailed:
		s.listeners.emitFailure(domain.PurchaseFailure{ProductID: n.ProductID, Err: failureError(n.Reason)})
		return nil
	default:
		s.logger.Warn("unknown event type", "routing_key", event.RoutingKey)
		return nil
	}
}

func (s *PlayStore) handleUpdated(ctx context.Context, event *eventbus.ConsumedEvent, n domain.PurchaseNotification) error {
	if n.PurchaseToken == "" || n.ProductID == "" {
		s.logger.Warn("purchase notification without token or product",
			"event_id", event.EventID,
		)
		return nil
	}
	at := n.TransactionTime
	if at.IsZero() {
		at = event.OccurredAt
	}
	purchase := domain.PurchaseEvent{
		ProductID:       n.ProductID,
		PurchaseToken:   n.PurchaseToken,
		TransactionTime: at.UTC(),
		RawPayload:      event.Payload,
	}
	if err := s.ledger.Record(ctx, purchase); err != nil {
		// Returning the error lets the broker redeliver.
		return fmt.Errorf("record purchase: %w", err)
	}
	s.listeners.emitUpdated(purchase)
	return nil
}

func failureError(reason string) error {
	switch reason {
	case domain.FailureReasonUserCancelled:
		return domain.ErrUserCancelled
	case "":
		return domain.ErrStoreUnavailable
	default:
		return fmt.Errorf("%w: %s", domain.ErrStoreUnavailable, reason)
	}
}
