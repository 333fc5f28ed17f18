package domain

// PricingResult captures the monetary figures an order is created with.
type PricingResult struct {
	Subtotal         int64
	VATRate          int64
	VATAmount        int64
	ShippingFee      int64
	ShippingDiscount int64
	ProductDiscount  int64
	TotalAmount      int64
	Items            []LineItem
	GiftedItems      []LineItem
	Discounts        []DiscountBreakdown
	Promotion        *AppliedPromotion
}

// AppliedPromotion describes how the customer-selected promotion was evaluated.
type AppliedPromotion struct {
	ID       string
	Code     string
	Name     string
	Scope    PromotionScope
	Type     DiscountType
	Applied  bool
	Reason   string
	Discount int64
}

// DiscountBreakdown lists the individual discount adjustments applied to the cart.
type DiscountBreakdown struct {
	Type        string
	Code        string
	Source      string
	Description string
	Amount      int64
	SKU         string
}
