package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Promotions() PromotionRepository
	PromotionTargets() PromotionTargetRepository
	PromotionUsage() PromotionUsageRepository
	ProductCounters() ProductCounterRepository
	Notifications() NotificationRepository
	Fulfillment() FulfillmentLedger
	Reviews() ReviewRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ErrStatusMismatch is returned by OrderRepository.TransitionStatus when the stored status is no
// longer the expected one. Callers treat it as a lost race.
var ErrStatusMismatch = errors.New("repositories: order status changed concurrently")

// OrderRepository persists order documents.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// ListByCustomer returns the customer's orders newest first.
	ListByCustomer(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
	ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Order, error)
	// TransitionStatus loads the order inside a transaction, verifies its status equals expected,
	// applies mutate and writes the result. A different stored status yields ErrStatusMismatch and
	// nothing is written.
	TransitionStatus(ctx context.Context, orderID string, expected domain.OrderStatus, mutate func(*domain.Order) error) (domain.Order, error)
	SetFulfilledAt(ctx context.Context, orderID string, at time.Time) error
	Delete(ctx context.Context, orderID string) error
}

// CartRepository persists customer carts.
type CartRepository interface {
	Get(ctx context.Context, customerID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) error
	Delete(ctx context.Context, customerID string) error
}

// PromotionFilter narrows promotion listings.
type PromotionFilter struct {
	Status domain.PromotionStatus
	Scope  domain.PromotionScope
}

// PromotionRepository persists promotion definitions.
type PromotionRepository interface {
	Insert(ctx context.Context, promotion domain.Promotion) error
	Update(ctx context.Context, promotion domain.Promotion) error
	Delete(ctx context.Context, promotionID string) error
	FindByID(ctx context.Context, promotionID string) (domain.Promotion, error)
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
	List(ctx context.Context, filter PromotionFilter) ([]domain.Promotion, error)
	// ListActive returns promotions with Active status whose validity window contains now.
	ListActive(ctx context.Context, now time.Time) ([]domain.Promotion, error)
	IncrementUsage(ctx context.Context, promotionID string, now time.Time) error
}

// PromotionTargetRepository persists the product/category/brand targeting of promotions.
type PromotionTargetRepository interface {
	Get(ctx context.Context, promotionID string) (domain.PromotionTarget, error)
	List(ctx context.Context) ([]domain.PromotionTarget, error)
	ListByPromotions(ctx context.Context, promotionIDs []string) (map[string]domain.PromotionTarget, error)
	Upsert(ctx context.Context, target domain.PromotionTarget) error
	Delete(ctx context.Context, promotionID string) error
}

// PromotionUsageRepository records promotion redemptions.
type PromotionUsageRepository interface {
	Insert(ctx context.Context, usage domain.PromotionUsage) error
	ListByPromotion(ctx context.Context, promotionID string, limit int) ([]domain.PromotionUsage, error)
	CountByCustomer(ctx context.Context, promotionID, customerID string) (int, error)
}

// ProductCounterRepository maintains per-SKU purchase counters and stock levels.
type ProductCounterRepository interface {
	Get(ctx context.Context, sku string) (domain.ProductCounter, error)
	// IncrementPurchases adds one to the purchase count of every SKU.
	IncrementPurchases(ctx context.Context, skus []string, now time.Time) error
	// AdjustStock applies signed quantity deltas per SKU. Stock never drops below zero.
	AdjustStock(ctx context.Context, deltas map[string]int64, now time.Time) error
}

// NotificationRepository stores internal notifications.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Notification, error)
}

// FulfillmentLedger records which order side effects already ran. Record fails with a conflict
// RepositoryError when the (order, effect) pair exists.
type FulfillmentLedger interface {
	Find(ctx context.Context, orderID, effect string) (domain.FulfillmentRecord, error)
	Record(ctx context.Context, record domain.FulfillmentRecord) error
}

// ReviewRepository persists product reviews.
type ReviewRepository interface {
	Insert(ctx context.Context, review domain.Review) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Review, error)
}

