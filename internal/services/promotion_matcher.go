package services

import (
	"fmt"
	"strings"

	domain "github.com/greenbasket/api/internal/domain"
)

// TargetMatcher decides whether a promotion target covers a cart item. The set of variants is
// closed: ProductTarget, CategoryTarget and BrandTarget.
type TargetMatcher interface {
	Matches(item MatchItem) bool
	Type() domain.TargetType
	Refs() []string
	sealedTarget()
}

// MatchItem is the item view the matchers inspect.
type MatchItem struct {
	SKU         string
	ProductName string
	Category    string
	Brand       string
}

// ProductTarget matches by SKU, falling back to the product name.
type ProductTarget struct {
	Values []string
}

// CategoryTarget matches by category name.
type CategoryTarget struct {
	Values []string
}

// BrandTarget matches by brand name.
type BrandTarget struct {
	Values []string
}

func (t ProductTarget) Matches(item MatchItem) bool {
	sku := strings.TrimSpace(item.SKU)
	name := strings.TrimSpace(item.ProductName)
	for _, ref := range t.Values {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if sku != "" && ref == sku {
			return true
		}
		if name != "" && strings.EqualFold(ref, name) {
			return true
		}
	}
	return false
}

func (t CategoryTarget) Matches(item MatchItem) bool {
	return containsFold(t.Values, item.Category)
}

func (t BrandTarget) Matches(item MatchItem) bool {
	return containsFold(t.Values, item.Brand)
}

func (t ProductTarget) Type() domain.TargetType  { return domain.TargetTypeProduct }
func (t CategoryTarget) Type() domain.TargetType { return domain.TargetTypeCategory }
func (t BrandTarget) Type() domain.TargetType    { return domain.TargetTypeBrand }

func (t ProductTarget) Refs() []string  { return t.Values }
func (t CategoryTarget) Refs() []string { return t.Values }
func (t BrandTarget) Refs() []string    { return t.Values }

func (ProductTarget) sealedTarget()  {}
func (CategoryTarget) sealedTarget() {}
func (BrandTarget) sealedTarget()    {}

// NewTargetMatcher converts a stored target into its matcher.
func NewTargetMatcher(target PromotionTarget) (TargetMatcher, error) {
	refs := make([]string, 0, len(target.Refs))
	for _, ref := range target.Refs {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			refs = append(refs, trimmed)
		}
	}
	targetType, ok := domain.ParseTargetType(string(target.Type))
	if !ok {
		return nil, fmt.Errorf("%w: unknown target type %q", ErrPromotionInvalidInput, target.Type)
	}
	switch targetType {
	case domain.TargetTypeCategory:
		return CategoryTarget{Values: refs}, nil
	case domain.TargetTypeBrand:
		return BrandTarget{Values: refs}, nil
	default:
		return ProductTarget{Values: refs}, nil
	}
}

// Applicable reports whether at least one matcher covers the item. No matchers means the promotion
// applies to everything.
func Applicable(item MatchItem, matchers []TargetMatcher) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, matcher := range matchers {
		if matcher != nil && matcher.Matches(item) {
			return true
		}
	}
	return false
}

// MatchPromotions returns, per SKU, the promotions applicable to that item. Targets that fail to
// decode make their promotion match nothing.
func MatchPromotions(items []LineItem, promotions []Promotion, targets map[string]PromotionTarget) map[string][]Promotion {
	matchers := make(map[string][]TargetMatcher, len(promotions))
	broken := make(map[string]bool)
	for _, promo := range promotions {
		target, ok := targets[promo.ID]
		if !ok {
			continue
		}
		matcher, err := NewTargetMatcher(target)
		if err != nil {
			broken[promo.ID] = true
			continue
		}
		matchers[promo.ID] = []TargetMatcher{matcher}
	}

	out := make(map[string][]Promotion)
	for _, item := range items {
		if item.ItemType == domain.ItemTypeGifted {
			continue
		}
		view := matchItemFromLine(item)
		for _, promo := range promotions {
			if broken[promo.ID] {
				continue
			}
			if Applicable(view, matchers[promo.ID]) {
				out[item.SKU] = appendPromotionOnce(out[item.SKU], promo)
			}
		}
	}
	return out
}

// CheckApplicability lists the purchased SKUs the promotion covers together with a summary message.
func CheckApplicability(promo Promotion, target *PromotionTarget, items []LineItem) (Applicability, error) {
	var matchers []TargetMatcher
	result := Applicability{TargetType: "All"}
	if target != nil {
		matcher, err := NewTargetMatcher(*target)
		if err != nil {
			return Applicability{}, err
		}
		matchers = []TargetMatcher{matcher}
		result.TargetType = string(matcher.Type())
		result.TargetRefs = append([]string(nil), matcher.Refs()...)
	}

	seen := make(map[string]struct{})
	for _, item := range items {
		if item.ItemType == domain.ItemTypeGifted {
			continue
		}
		if !Applicable(matchItemFromLine(item), matchers) {
			continue
		}
		if _, dup := seen[item.SKU]; dup {
			continue
		}
		seen[item.SKU] = struct{}{}
		result.MatchedSKUs = append(result.MatchedSKUs, item.SKU)
	}

	result.Applicable = len(result.MatchedSKUs) > 0
	switch {
	case target == nil:
		result.Message = "Promotion applies to all products"
	case result.Applicable:
		result.Message = fmt.Sprintf("Promotion applies to %d products", len(result.MatchedSKUs))
	default:
		result.Message = "No products match this promotion"
	}
	return result, nil
}

func matchItemFromLine(item LineItem) MatchItem {
	return MatchItem{
		SKU:         item.SKU,
		ProductName: item.ProductName,
		Category:    item.Category,
		Brand:       item.Brand,
	}
}

func containsFold(values []string, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), candidate) {
			return true
		}
	}
	return false
}

func appendPromotionOnce(list []Promotion, promo Promotion) []Promotion {
	for _, existing := range list {
		if existing.ID == promo.ID {
			return list
		}
	}
	return append(list, promo)
}
