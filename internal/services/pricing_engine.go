package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

const (
	defaultVATRate               int64 = 8
	defaultBaseShippingFee       int64 = 30000
	defaultFreeShippingThreshold int64 = 200000
)

var (
	// ErrPricingInvalidInput signals bad request data such as missing items, negative prices or overflow.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

// Reasons recorded on AppliedPromotion.
const (
	promotionReasonInactive      = "promotion is inactive or outside its validity window"
	promotionReasonExhausted     = "promotion usage limit reached"
	promotionReasonMinOrder      = "subtotal is below the promotion minimum order amount"
	promotionReasonNoMatch       = "promotion does not apply to any item in the cart"
	promotionReasonInvalidTarget = "promotion target is invalid"
	promotionReasonShippingFree  = "shipping is already free"
	promotionReasonUnsupported   = "unsupported discount type"
	promotionReasonGiftsAdded    = "gifted items added"
	promotionReasonApplied       = "discount applied"
)

// PricingEngine computes order figures from purchased lines and promotions. It holds no mutable
// state and is safe for concurrent use.
type PricingEngine struct {
	vatRate               int64
	baseShippingFee       int64
	freeShippingThreshold int64
	now                   func() time.Time
	logger                func(context.Context, string, map[string]any)
}

// PricingEngineDeps configures the engine. Nil settings fall back to the standard business rules;
// an explicit zero is honoured.
type PricingEngineDeps struct {
	VATRate               *int64
	BaseShippingFee       *int64
	FreeShippingThreshold *int64
	Now                   func() time.Time
	Logger                func(context.Context, string, map[string]any)
}

// PriceCommand is the input to Price. Promotion is the customer-selected promotion and Target its
// optional target. ItemPromotions lists, per SKU, the promotions evaluated for buy1get1 gifts.
type PriceCommand struct {
	Items          []LineItem
	Promotion      *Promotion
	Target         *PromotionTarget
	ItemPromotions map[string][]Promotion
}

// NewPricingEngine constructs a PricingEngine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	vat := valueOr(deps.VATRate, defaultVATRate)
	if vat < 0 || vat >= 100 {
		return nil, fmt.Errorf("pricing engine: vat rate %d out of range", vat)
	}
	fee := valueOr(deps.BaseShippingFee, defaultBaseShippingFee)
	threshold := valueOr(deps.FreeShippingThreshold, defaultFreeShippingThreshold)
	if fee < 0 || threshold < 0 {
		return nil, errors.New("pricing engine: shipping settings cannot be negative")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PricingEngine{
		vatRate:               vat,
		baseShippingFee:       fee,
		freeShippingThreshold: threshold,
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

func valueOr(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}

// Price computes subtotal, VAT, shipping, discounts and gifted lines. Out of range discounts are
// clamped and logged rather than returned as errors.
func (e *PricingEngine) Price(ctx context.Context, cmd PriceCommand) (PricingResult, error) {
	purchased, subtotal, err := e.normalizeItems(cmd.Items)
	if err != nil {
		return PricingResult{}, err
	}
	if subtotal > math.MaxInt64-e.baseShippingFee {
		return PricingResult{}, fmt.Errorf("%w: subtotal overflow", ErrPricingInvalidInput)
	}
	if e.vatRate > 0 && subtotal > math.MaxInt64/e.vatRate {
		return PricingResult{}, fmt.Errorf("%w: subtotal overflow", ErrPricingInvalidInput)
	}

	result := PricingResult{
		Subtotal:    subtotal,
		VATRate:     e.vatRate,
		VATAmount:   extractVAT(subtotal, e.vatRate),
		ShippingFee: e.baseShippingFee,
		Items:       purchased,
	}

	freeShipping := subtotal >= e.freeShippingThreshold
	if freeShipping {
		result.ShippingDiscount = e.baseShippingFee
		result.Discounts = append(result.Discounts, DiscountBreakdown{
			Type:        "shipping",
			Source:      "free_shipping",
			Description: "free shipping threshold reached",
			Amount:      e.baseShippingFee,
		})
	}

	now := e.now()
	applied := e.applyPromotion(ctx, cmd, purchased, subtotal, freeShipping, now)
	if applied != nil {
		result.Promotion = applied
		if applied.Applied && applied.Discount > 0 {
			if applied.Scope == domain.PromotionScopeShipping {
				result.ShippingDiscount = applied.Discount
			} else {
				result.ProductDiscount = applied.Discount
			}
			result.Discounts = append(result.Discounts, DiscountBreakdown{
				Type:        discountKind(applied.Scope),
				Code:        applied.Code,
				Source:      "promotion",
				Description: applied.Name,
				Amount:      applied.Discount,
			})
		}
	}

	gifted, giftBreakdown := e.giftedLines(cmd, purchased, applied, now)
	result.GiftedItems = gifted
	result.Discounts = append(result.Discounts, giftBreakdown...)

	total := subtotal + (e.baseShippingFee - result.ShippingDiscount) - result.ProductDiscount
	if total < 0 {
		e.logger(ctx, "pricing_discount_clamped", map[string]any{
			"subtotal":         subtotal,
			"shippingDiscount": result.ShippingDiscount,
			"productDiscount":  result.ProductDiscount,
			"field":            "totalAmount",
		})
		total = 0
	}
	result.TotalAmount = total
	return result, nil
}

func (e *PricingEngine) normalizeItems(items []LineItem) ([]LineItem, int64, error) {
	purchased := make([]LineItem, 0, len(items))
	var subtotal int64
	for idx, item := range items {
		if item.ItemType == domain.ItemTypeGifted {
			continue
		}
		item.SKU = strings.TrimSpace(item.SKU)
		if item.SKU == "" {
			return nil, 0, fmt.Errorf("%w: item %d sku is required", ErrPricingInvalidInput, idx)
		}
		if item.Quantity < 1 {
			return nil, 0, fmt.Errorf("%w: item %s quantity must be at least 1", ErrPricingInvalidInput, item.SKU)
		}
		if item.Price < 0 {
			return nil, 0, fmt.Errorf("%w: item %s price cannot be negative", ErrPricingInvalidInput, item.SKU)
		}
		quantity := int64(item.Quantity)
		if item.Price > 0 && item.Price > math.MaxInt64/quantity {
			return nil, 0, fmt.Errorf("%w: item %s subtotal overflow", ErrPricingInvalidInput, item.SKU)
		}
		line := item.Price * quantity
		if subtotal > math.MaxInt64-line {
			return nil, 0, fmt.Errorf("%w: cart subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += line

		item.ItemType = domain.ItemTypePurchased
		if item.OriginalPrice <= 0 {
			item.OriginalPrice = item.Price
		}
		purchased = append(purchased, item)
	}
	if len(purchased) == 0 {
		return nil, 0, fmt.Errorf("%w: at least one purchased item is required", ErrPricingInvalidInput)
	}
	return purchased, subtotal, nil
}

func (e *PricingEngine) applyPromotion(ctx context.Context, cmd PriceCommand, items []LineItem, subtotal int64, freeShipping bool, now time.Time) *AppliedPromotion {
	promo := cmd.Promotion
	if promo == nil {
		return nil
	}
	applied := &AppliedPromotion{
		ID:    promo.ID,
		Code:  promo.Code,
		Name:  promo.Name,
		Scope: promo.Scope,
		Type:  promo.DiscountType,
	}
	if !promo.ActiveAt(now) {
		applied.Reason = promotionReasonInactive
		return applied
	}
	if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
		applied.Reason = promotionReasonExhausted
		return applied
	}
	if subtotal < promo.MinOrderAmount {
		applied.Reason = promotionReasonMinOrder
		return applied
	}
	if cmd.Target != nil {
		matcher, err := NewTargetMatcher(*cmd.Target)
		if err != nil {
			applied.Reason = promotionReasonInvalidTarget
			return applied
		}
		if !anyItemMatches(items, []TargetMatcher{matcher}) {
			applied.Reason = promotionReasonNoMatch
			return applied
		}
	}

	if promo.DiscountType == domain.DiscountTypeBuy1Get1 {
		applied.Applied = true
		applied.Reason = promotionReasonGiftsAdded
		return applied
	}

	if promo.Scope == domain.PromotionScopeShipping {
		if freeShipping {
			applied.Reason = promotionReasonShippingFree
			return applied
		}
		discount := promo.DiscountValue
		if discount < 0 || discount > e.baseShippingFee {
			clamped := clampInt64(discount, 0, e.baseShippingFee)
			e.logger(ctx, "pricing_discount_clamped", map[string]any{
				"promotionId": promo.ID,
				"field":       "shippingDiscount",
				"requested":   discount,
				"applied":     clamped,
			})
			discount = clamped
		}
		applied.Applied = true
		applied.Reason = promotionReasonApplied
		applied.Discount = discount
		return applied
	}

	var discount int64
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		discount = percentOf(subtotal, promo.DiscountValue)
		if promo.MaxDiscount != nil && *promo.MaxDiscount >= 0 && discount > *promo.MaxDiscount {
			discount = *promo.MaxDiscount
		}
	case domain.DiscountTypeFixed:
		discount = promo.DiscountValue
	default:
		applied.Reason = promotionReasonUnsupported
		return applied
	}
	if discount < 0 || discount > subtotal {
		clamped := clampInt64(discount, 0, subtotal)
		e.logger(ctx, "pricing_discount_clamped", map[string]any{
			"promotionId": promo.ID,
			"field":       "productDiscount",
			"requested":   discount,
			"applied":     clamped,
			"subtotal":    subtotal,
		})
		discount = clamped
	}
	applied.Applied = true
	applied.Reason = promotionReasonApplied
	applied.Discount = discount
	return applied
}

// giftedLines emits one zero-priced line per purchased line covered by an active buy1get1
// promotion, either through the per-item matches or the selected promotion.
func (e *PricingEngine) giftedLines(cmd PriceCommand, items []LineItem, applied *AppliedPromotion, now time.Time) ([]LineItem, []DiscountBreakdown) {
	var selected []TargetMatcher
	selectedGift := applied != nil && applied.Applied && applied.Type == domain.DiscountTypeBuy1Get1
	if selectedGift && cmd.Target != nil {
		if matcher, err := NewTargetMatcher(*cmd.Target); err == nil {
			selected = []TargetMatcher{matcher}
		}
	}

	var gifts []LineItem
	var breakdown []DiscountBreakdown
	for _, item := range items {
		code := ""
		if selectedGift && Applicable(matchItemFromLine(item), selected) {
			code = applied.Code
		} else if promo, ok := activeBuy1Get1(cmd.ItemPromotions[item.SKU], now); ok {
			code = promo.Code
		}
		if code == "" {
			continue
		}
		gift := item
		gift.Price = 0
		gift.OriginalPrice = item.Price
		gift.ItemType = domain.ItemTypeGifted
		gifts = append(gifts, gift)
		breakdown = append(breakdown, DiscountBreakdown{
			Type:        "gift",
			Code:        code,
			Source:      "buy1get1",
			Description: fmt.Sprintf("%d free %s", item.Quantity, item.SKU),
			SKU:         item.SKU,
		})
	}
	return gifts, breakdown
}

func activeBuy1Get1(promotions []Promotion, now time.Time) (Promotion, bool) {
	for _, promo := range promotions {
		if promo.DiscountType == domain.DiscountTypeBuy1Get1 && promo.ActiveAt(now) {
			return promo, true
		}
	}
	return Promotion{}, false
}

func anyItemMatches(items []LineItem, matchers []TargetMatcher) bool {
	for _, item := range items {
		if Applicable(matchItemFromLine(item), matchers) {
			return true
		}
	}
	return false
}

func discountKind(scope domain.PromotionScope) string {
	if scope == domain.PromotionScopeShipping {
		return "shipping"
	}
	return "promotion"
}

// extractVAT returns round(amount × rate / (100 + rate)), rounding half away from zero.
func extractVAT(amount, rate int64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	num := amount * rate
	den := 100 + rate
	quotient, remainder := num/den, num%den
	if remainder*2 >= den {
		quotient++
	}
	return quotient
}

// percentOf computes amount × percent / 100 without overflowing the intermediate product.
func percentOf(amount, percent int64) int64 {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	if percent > 100 {
		if amount > math.MaxInt64/percent {
			return math.MaxInt64
		}
		return amount * percent / 100
	}
	return (amount/100)*percent + (amount%100)*percent/100
}

func clampInt64(value, low, high int64) int64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
