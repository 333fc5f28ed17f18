package services

import (
	"context"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	LineItem           = domain.LineItem
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Promotion          = domain.Promotion
	PromotionTarget    = domain.PromotionTarget
	PromotionUsage     = domain.PromotionUsage
	Review             = domain.Review
	Notification       = domain.Notification
	PricingResult      = domain.PricingResult
	AppliedPromotion   = domain.AppliedPromotion
	DiscountBreakdown  = domain.DiscountBreakdown
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns order creation, lookups and lifecycle transitions.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[Order], error)
	ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	OrderTransitioner
}

// OrderTransitioner applies lifecycle triggers. The scheduler and review flow depend only on this.
type OrderTransitioner interface {
	TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (TransitionResult, error)
}

// CartService manages per-customer carts.
type CartService interface {
	GetCart(ctx context.Context, customerID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, customerID, sku string) (Cart, error)
	RemoveItems(ctx context.Context, customerID string, skus []string) (Cart, error)
	ClearCart(ctx context.Context, customerID string) error
	SyncCart(ctx context.Context, cmd SyncCartCommand) (Cart, error)
	PriceCart(ctx context.Context, cmd PriceCartCommand) (PricingResult, error)
}

// PromotionService exposes promotion lookups, administration and matching.
type PromotionService interface {
	GetPromotion(ctx context.Context, promotionID string) (Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (Promotion, error)
	ListPromotions(ctx context.Context, filter repositories.PromotionFilter) ([]Promotion, error)
	ListActivePromotions(ctx context.Context) ([]Promotion, error)
	CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	DeletePromotion(ctx context.Context, promotionID string) error

	ValidateCode(ctx context.Context, cmd ValidatePromotionCommand) (PromotionValidation, error)
	GetApplicable(ctx context.Context, items []LineItem, amount int64) ([]ApplicablePromotion, error)
	CheckApplicability(ctx context.Context, code string, items []LineItem) (Applicability, error)
	// BuildPriceCommand resolves the selected code and per-item promotions for the pricing engine.
	BuildPriceCommand(ctx context.Context, code string, items []LineItem) (PriceCommand, error)

	GetTarget(ctx context.Context, promotionID string) (PromotionTarget, error)
	ListTargets(ctx context.Context) ([]PromotionTarget, error)
	UpsertTarget(ctx context.Context, target PromotionTarget) (PromotionTarget, error)
	DeleteTarget(ctx context.Context, promotionID string) error
}

// ReviewService records reviews and completes received orders.
type ReviewService interface {
	SubmitReviews(ctx context.Context, cmd SubmitReviewsCommand) (SubmitReviewsResult, error)
	ListOrderReviews(ctx context.Context, orderID string) ([]Review, error)
}

// ArchiveService exports orders to object storage.
type ArchiveService interface {
	ArchiveOrders(ctx context.Context, since time.Time) (ArchiveResult, error)
}

// SystemService reports process health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderSweeper runs one pass of the automatic transitions.
type OrderSweeper interface {
	SweepOnce(ctx context.Context) SweepReport
}

// EventPublisher emits order events to downstream consumers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// Order event types.
const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status.changed"
	OrderEventCompleted     = "order.completed"
)

// OrderEvent is the payload published for order activity.
type OrderEvent struct {
	Type       string
	OrderID    string
	CustomerID string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Trigger    Trigger
	Actor      Actor
	OccurredAt time.Time
	Metadata   map[string]any
}

// CreateOrderCommand carries the checkout request. Totals are the figures the client computed and
// must match the server pricing.
type CreateOrderCommand struct {
	CustomerID     string
	Items          []LineItem
	ShippingInfo   domain.ShippingInfo
	PaymentMethod  string
	PromotionCode  string
	WantInvoice    bool
	InvoiceInfo    *domain.InvoiceInfo
	ConsultantCode string
	Totals         *OrderTotals
}

// OrderTotals are client supplied totals checked against server pricing.
type OrderTotals struct {
	Subtotal         int64
	ShippingFee      int64
	ShippingDiscount int64
	Discount         int64
	TotalAmount      int64
}

// TransitionOrderCommand requests a lifecycle change either by trigger or by target status.
type TransitionOrderCommand struct {
	OrderID      string
	Trigger      Trigger
	TargetStatus OrderStatus
	// ExpectedStatus, when set, is the status the caller last saw. An order that has moved on
	// since is reported as not applied.
	ExpectedStatus OrderStatus
	Actor          Actor
	ActorID        string
	Reason         string
}

// TransitionResult reports the order after a transition. Applied is false when another actor
// moved the order first.
type TransitionResult struct {
	Order   Order
	Applied bool
	From    OrderStatus
	To      OrderStatus
	Trigger Trigger
}

// AddCartItemCommand adds quantity of a SKU to the cart.
type AddCartItemCommand struct {
	CustomerID string
	Item       CartItem
}

// UpdateCartItemCommand sets the quantity of a SKU. A quantity of zero or less removes it.
type UpdateCartItemCommand struct {
	CustomerID string
	SKU        string
	Quantity   int
}

// SyncCartCommand replaces the cart content.
type SyncCartCommand struct {
	CustomerID string
	Items      []CartItem
}

// PriceCartCommand prices the stored cart with an optional promotion code.
type PriceCartCommand struct {
	CustomerID    string
	Items         []CartItem
	PromotionCode string
}

// UpsertPromotionCommand creates or replaces a promotion.
type UpsertPromotionCommand struct {
	Promotion Promotion
}

// ValidatePromotionCommand validates a code against the cart.
type ValidatePromotionCommand struct {
	Code   string
	Items  []LineItem
	Amount int64
}

// PromotionValidation is the outcome of ValidateCode.
type PromotionValidation struct {
	Valid          bool
	Message        string
	Promotion      *Promotion
	MatchedSKUs    []string
	TargetType     string
	EstimatedValue int64
}

// ApplicablePromotion pairs a promotion with the cart SKUs it matches.
type ApplicablePromotion struct {
	Promotion   Promotion
	MatchedSKUs []string
	TargetType  string
}

// Applicability reports whether a promotion applies to the given items.
type Applicability struct {
	Applicable  bool
	MatchedSKUs []string
	Message     string
	TargetType  string
	TargetRefs  []string
}

// SubmitReviewsCommand carries the reviews a customer leaves on an order.
type SubmitReviewsCommand struct {
	OrderID    string
	CustomerID string
	Reviews    []ReviewInput
}

// ReviewInput is one product review.
type ReviewInput struct {
	SKU     string
	Rating  int
	Content string
}

// SubmitReviewsResult returns the stored reviews and the completion outcome.
type SubmitReviewsResult struct {
	Reviews    []Review
	Transition *TransitionResult
}

// ArchiveResult describes one export run.
type ArchiveResult struct {
	Object            string
	Orders            int
	Bytes             int64
	Since             time.Time
	Written           time.Time
	DownloadURL       string
	DownloadExpiresAt time.Time
}
