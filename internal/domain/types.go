package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps paginated results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// GuestCustomerID identifies the anonymous shopper. Guest carts never reach storage.
const GuestCustomerID = "guest"

// IsGuest reports whether the customer identifier refers to the anonymous shopper.
func IsGuest(customerID string) bool {
	trimmed := strings.TrimSpace(customerID)
	return trimmed == "" || strings.EqualFold(trimmed, GuestCustomerID)
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusConfirmed        OrderStatus = "confirmed"
	OrderStatusShipping         OrderStatus = "shipping"
	OrderStatusDelivered        OrderStatus = "delivered"
	OrderStatusReceived         OrderStatus = "received"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusProcessingReturn OrderStatus = "processing_return"
	OrderStatusReturning        OrderStatus = "returning"
	OrderStatusReturned         OrderStatus = "returned"

	// OrderStatusRefundRejected is never stored. A completed order that kept its return reason is
	// displayed with it.
	OrderStatusRefundRejected OrderStatus = "refund_rejected"
)

// OrderStatuses lists every stored status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusShipping,
	OrderStatusDelivered,
	OrderStatusReceived,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusProcessingReturn,
	OrderStatusReturning,
	OrderStatusReturned,
}

// ParseOrderStatus normalises the raw value and reports whether it names a stored status or the
// refund_rejected display status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if candidate == OrderStatusRefundRejected {
		return candidate, true
	}
	for _, status := range OrderStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// ItemType distinguishes paid lines from lines synthesised by buy-one-get-one promotions.
type ItemType string

const (
	ItemTypePurchased ItemType = "purchased"
	ItemTypeGifted    ItemType = "gifted"
)

// Order is the persisted record of a placed order.
type Order struct {
	ID               string
	CustomerID       string
	Items            []LineItem
	Status           OrderStatus
	Routes           map[OrderStatus]time.Time
	Subtotal         int64
	ShippingFee      int64
	ShippingDiscount int64
	Discount         int64
	VATRate          int64
	VATAmount        int64
	TotalAmount      int64
	PaymentMethod    string
	ShippingInfo     ShippingInfo
	PromotionCode    string
	PromotionName    string
	WantInvoice      bool
	InvoiceInfo      *InvoiceInfo
	ConsultantCode   string
	CancelReason     string
	ReturnReason     string
	FulfilledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DisplayStatus is the status shown to customers and admins. A rejected return leaves the order
// completed with its return reason, which displays as refund_rejected.
func (o Order) DisplayStatus() OrderStatus {
	if o.Status == OrderStatusCompleted && strings.TrimSpace(o.ReturnReason) != "" {
		return OrderStatusRefundRejected
	}
	return o.Status
}

// EnteredAt returns the first time the order entered the status, falling back to UpdatedAt.
func (o Order) EnteredAt(status OrderStatus) time.Time {
	if ts, ok := o.Routes[status]; ok && !ts.IsZero() {
		return ts
	}
	return o.UpdatedAt
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]LineItem(nil), o.Items...)
	if o.Routes != nil {
		out.Routes = make(map[OrderStatus]time.Time, len(o.Routes))
		for status, ts := range o.Routes {
			out.Routes[status] = ts
		}
	}
	if o.InvoiceInfo != nil {
		info := *o.InvoiceInfo
		out.InvoiceInfo = &info
	}
	if o.FulfilledAt != nil {
		ts := *o.FulfilledAt
		out.FulfilledAt = &ts
	}
	return out
}

// PurchasedSKUs returns the distinct SKUs of purchased lines in order of first appearance.
func (o Order) PurchasedSKUs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	skus := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if item.ItemType == ItemTypeGifted {
			continue
		}
		sku := strings.TrimSpace(item.SKU)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		skus = append(skus, sku)
	}
	return skus
}

// LineItem is a single order line.
type LineItem struct {
	SKU           string
	ProductName   string
	Quantity      int
	Price         int64
	OriginalPrice int64
	ItemType      ItemType
	Category      string
	Brand         string
	Unit          string
	Image         string
}

// ShippingInfo captures the delivery contact for an order.
type ShippingInfo struct {
	FullName string
	Phone    string
	Email    string
	Address  ShippingAddress
}

// ShippingAddress is the structured delivery address.
type ShippingAddress struct {
	City     string
	District string
	Ward     string
	Detail   string
}

// InvoiceInfo holds optional VAT invoice details requested by the customer.
type InvoiceInfo struct {
	CompanyName string
	TaxCode     string
	Address     string
	Email       string
}

// Cart stores a customer's in-progress basket.
type Cart struct {
	CustomerID    string
	Items         []CartItem
	ItemCount     int
	TotalQuantity int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartItem is one distinct SKU in a cart.
type CartItem struct {
	SKU           string
	ProductName   string
	Quantity      int
	Price         int64
	OriginalPrice int64
	Category      string
	Subcategory   string
	Brand         string
	Unit          string
	Image         string
	HasPromotion  bool
	AddedAt       time.Time
	UpdatedAt     time.Time
}

// DiscountType enumerates promotion calculation strategies.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
	DiscountTypeBuy1Get1   DiscountType = "buy1get1"
)

// PromotionScope indicates what the promotion discounts.
type PromotionScope string

const (
	PromotionScopeOrder    PromotionScope = "Order"
	PromotionScopeShipping PromotionScope = "Shipping"
	PromotionScopeProduct  PromotionScope = "Product"
	PromotionScopeCategory PromotionScope = "Category"
	PromotionScopeBrand    PromotionScope = "Brand"
)

// PromotionStatus reports whether a promotion can be redeemed.
type PromotionStatus string

const (
	PromotionStatusActive   PromotionStatus = "Active"
	PromotionStatusInactive PromotionStatus = "inactive"
)

// Promotion describes a redeemable discount.
type Promotion struct {
	ID             string
	Code           string
	Name           string
	Description    string
	DiscountType   DiscountType
	DiscountValue  int64
	MaxDiscount    *int64
	MinOrderAmount int64
	Scope          PromotionScope
	StartDate      time.Time
	EndDate        time.Time
	Status         PromotionStatus
	UsageLimit     int
	UsageCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActiveAt reports whether the promotion is enabled and inside its validity window.
func (p Promotion) ActiveAt(now time.Time) bool {
	if !strings.EqualFold(string(p.Status), string(PromotionStatusActive)) {
		return false
	}
	if !p.StartDate.IsZero() && now.Before(p.StartDate) {
		return false
	}
	if !p.EndDate.IsZero() && now.After(p.EndDate) {
		return false
	}
	return true
}

// TargetType names the variant stored for a promotion target.
type TargetType string

const (
	TargetTypeProduct  TargetType = "Product"
	TargetTypeCategory TargetType = "Category"
	TargetTypeBrand    TargetType = "Brand"
)

// ParseTargetType maps a stored target type onto a known variant, ignoring case.
func ParseTargetType(raw string) (TargetType, bool) {
	trimmed := strings.TrimSpace(raw)
	for _, candidate := range []TargetType{TargetTypeProduct, TargetTypeCategory, TargetTypeBrand} {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// PromotionTarget links a promotion to the products it applies to.
type PromotionTarget struct {
	PromotionID string
	Type        TargetType
	Refs        []string
	UpdatedAt   time.Time
}

// PromotionUsage records a promotion redeemed by an order.
type PromotionUsage struct {
	ID          string
	PromotionID string
	Code        string
	CustomerID  string
	OrderID     string
	UsedAt      time.Time
}

// ProductCounter tracks per-SKU purchase signals and stock.
type ProductCounter struct {
	SKU           string
	PurchaseCount int64
	Stock         int64
	UpdatedAt     time.Time
}

// Notification is an internal record raised for downstream consumers.
type Notification struct {
	ID         string
	Kind       string
	OrderID    string
	CustomerID string
	Title      string
	Message    string
	Read       bool
	CreatedAt  time.Time
}

// FulfillmentRecord marks that a side effect already ran for an order.
type FulfillmentRecord struct {
	OrderID      string
	Effect       string
	SKUs         []string
	DispatchedAt time.Time
}

// Review captures customer feedback for an ordered product.
type Review struct {
	ID         string
	OrderID    string
	CustomerID string
	SKU        string
	Rating     int
	Content    string
	CreatedAt  time.Time
}

// SystemHealthCheck stores the outcome of a dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates health checks for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}

const (
	// HealthStatusOK reports a healthy dependency.
	HealthStatusOK = "ok"
	// HealthStatusDegraded reports a dependency responding with errors.
	HealthStatusDegraded = "degraded"
	// HealthStatusError reports a dependency that failed or timed out.
	HealthStatusError = "error"
)
