package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

const maxCartItemQuantity = 999

var errCartRepositoryRequired = errors.New("cart service: repository is required")

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart service cannot reach its backing store.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartNotFound indicates the requested cart line does not exist.
	ErrCartNotFound = errors.New("cart service: not found")
	// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
	ErrCartConflict = errors.New("cart service: conflict")
	// ErrCartGuestNotAllowed indicates a guest tried to persist a cart.
	ErrCartGuestNotAllowed = errors.New("cart service: guests cannot modify a stored cart")
)

// CartServiceDeps wires the repository and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Repository repositories.CartRepository
	Pricing    *PricingEngine
	Promotions PromotionService
	Clock      func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

type cartService struct {
	repo       repositories.CartRepository
	pricing    *PricingEngine
	promotions PromotionService
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		repo:       deps.Repository,
		pricing:    deps.Pricing,
		promotions: deps.Promotions,
		now:        func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// GetCart returns the stored cart. Guests and customers without a cart get an empty one.
func (s *cartService) GetCart(ctx context.Context, customerID string) (Cart, error) {
	customerID = strings.TrimSpace(customerID)
	if domain.IsGuest(customerID) {
		return Cart{CustomerID: domain.GuestCustomerID, Items: []CartItem{}}, nil
	}
	return s.load(ctx, customerID)
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	customerID, err := requireCustomer(cmd.CustomerID)
	if err != nil {
		return Cart{}, err
	}
	item, err := normaliseCartItem(cmd.Item)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.load(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	now := s.now()
	if idx := indexOfCartSKU(cart.Items, item.SKU); idx >= 0 {
		existing := cart.Items[idx]
		quantity := existing.Quantity + item.Quantity
		if quantity > maxCartItemQuantity {
			return Cart{}, fmt.Errorf("%w: quantity for %s exceeds %d", ErrCartInvalidInput, item.SKU, maxCartItemQuantity)
		}
		item.Quantity = quantity
		item.AddedAt = existing.AddedAt
		item.UpdatedAt = now
		cart.Items[idx] = item
	} else {
		item.AddedAt = now
		item.UpdatedAt = now
		cart.Items = append(cart.Items, item)
	}
	return s.persist(ctx, cart, "cart.item.added", map[string]any{"sku": item.SKU, "quantity": item.Quantity})
}

func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	customerID, err := requireCustomer(cmd.CustomerID)
	if err != nil {
		return Cart{}, err
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return Cart{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartItemQuantity {
		return Cart{}, fmt.Errorf("%w: quantity exceeds %d", ErrCartInvalidInput, maxCartItemQuantity)
	}

	cart, err := s.load(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	idx := indexOfCartSKU(cart.Items, sku)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: sku %s is not in the cart", ErrCartNotFound, sku)
	}
	if cmd.Quantity <= 0 {
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	} else {
		cart.Items[idx].Quantity = cmd.Quantity
		cart.Items[idx].UpdatedAt = s.now()
	}
	return s.persist(ctx, cart, "cart.item.updated", map[string]any{"sku": sku, "quantity": cmd.Quantity})
}

func (s *cartService) RemoveItem(ctx context.Context, customerID, sku string) (Cart, error) {
	return s.RemoveItems(ctx, customerID, []string{sku})
}

func (s *cartService) RemoveItems(ctx context.Context, customerID string, skus []string) (Cart, error) {
	customerID, err := requireCustomer(customerID)
	if err != nil {
		return Cart{}, err
	}
	remove := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		if trimmed := strings.TrimSpace(sku); trimmed != "" {
			remove[trimmed] = struct{}{}
		}
	}
	if len(remove) == 0 {
		return Cart{}, fmt.Errorf("%w: at least one sku is required", ErrCartInvalidInput)
	}

	cart, err := s.load(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}
	kept := cart.Items[:0]
	for _, item := range cart.Items {
		if _, drop := remove[item.SKU]; drop {
			continue
		}
		kept = append(kept, item)
	}
	cart.Items = kept
	return s.persist(ctx, cart, "cart.items.removed", map[string]any{"skus": len(remove)})
}

func (s *cartService) ClearCart(ctx context.Context, customerID string) error {
	customerID, err := requireCustomer(customerID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, customerID); err != nil && !isRepositoryNotFound(err) {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "cart.cleared", map[string]any{"customerId": customerID})
	return nil
}

// SyncCart replaces the cart content. Duplicate SKUs are merged.
func (s *cartService) SyncCart(ctx context.Context, cmd SyncCartCommand) (Cart, error) {
	customerID, err := requireCustomer(cmd.CustomerID)
	if err != nil {
		return Cart{}, err
	}
	cart, err := s.load(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	items := make([]CartItem, 0, len(cmd.Items))
	for _, raw := range cmd.Items {
		item, err := normaliseCartItem(raw)
		if err != nil {
			return Cart{}, err
		}
		if idx := indexOfCartSKU(items, item.SKU); idx >= 0 {
			items[idx].Quantity += item.Quantity
			if items[idx].Quantity > maxCartItemQuantity {
				return Cart{}, fmt.Errorf("%w: quantity for %s exceeds %d", ErrCartInvalidInput, item.SKU, maxCartItemQuantity)
			}
			continue
		}
		item.AddedAt = now
		if prev := indexOfCartSKU(cart.Items, item.SKU); prev >= 0 && !cart.Items[prev].AddedAt.IsZero() {
			item.AddedAt = cart.Items[prev].AddedAt
		}
		item.UpdatedAt = now
		items = append(items, item)
	}
	cart.Items = items
	return s.persist(ctx, cart, "cart.synced", map[string]any{"items": len(items)})
}

// PriceCart prices the given items, or the stored cart when none are given.
func (s *cartService) PriceCart(ctx context.Context, cmd PriceCartCommand) (PricingResult, error) {
	if s.pricing == nil {
		return PricingResult{}, fmt.Errorf("%w: pricing engine not configured", ErrCartUnavailable)
	}
	items := cmd.Items
	if len(items) == 0 {
		customerID := strings.TrimSpace(cmd.CustomerID)
		if domain.IsGuest(customerID) {
			return PricingResult{}, fmt.Errorf("%w: items are required for guest pricing", ErrCartInvalidInput)
		}
		cart, err := s.load(ctx, customerID)
		if err != nil {
			return PricingResult{}, err
		}
		items = cart.Items
	}
	if len(items) == 0 {
		return PricingResult{}, fmt.Errorf("%w: cart is empty", ErrCartInvalidInput)
	}

	lines := make([]LineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, lineItemFromCart(item))
	}

	priceCmd := PriceCommand{Items: lines}
	if s.promotions != nil {
		built, err := s.promotions.BuildPriceCommand(ctx, cmd.PromotionCode, lines)
		if err != nil {
			if errors.Is(err, ErrPromotionNotFound) || errors.Is(err, ErrPromotionInvalidCode) {
				return PricingResult{}, fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
			}
			return PricingResult{}, err
		}
		priceCmd = built
	}
	result, err := s.pricing.Price(ctx, priceCmd)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return PricingResult{}, fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
		}
		return PricingResult{}, err
	}
	return result, nil
}

func (s *cartService) load(ctx context.Context, customerID string) (Cart, error) {
	cart, err := s.repo.Get(ctx, customerID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return Cart{CustomerID: customerID, Items: []CartItem{}}, nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart.CustomerID = customerID
	return cart, nil
}

// persist saves the cart, deleting the document once it is empty.
func (s *cartService) persist(ctx context.Context, cart Cart, event string, fields map[string]any) (Cart, error) {
	now := s.now()
	recountCart(&cart)
	if len(cart.Items) == 0 {
		if err := s.repo.Delete(ctx, cart.CustomerID); err != nil && !isRepositoryNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		cart.Items = []CartItem{}
		cart.UpdatedAt = now
	} else {
		if cart.CreatedAt.IsZero() {
			cart.CreatedAt = now
		}
		cart.UpdatedAt = now
		if err := s.repo.Save(ctx, cart); err != nil {
			return Cart{}, s.translateRepoError(err)
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["customerId"] = cart.CustomerID
	fields["itemCount"] = cart.ItemCount
	s.logger(ctx, event, fields)
	return cart, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}

func requireCustomer(customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if domain.IsGuest(customerID) {
		return "", ErrCartGuestNotAllowed
	}
	return customerID, nil
}

func normaliseCartItem(item CartItem) (CartItem, error) {
	item.SKU = strings.TrimSpace(item.SKU)
	item.ProductName = strings.TrimSpace(item.ProductName)
	if item.SKU == "" {
		return CartItem{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
	}
	if item.Quantity < 1 || item.Quantity > maxCartItemQuantity {
		return CartItem{}, fmt.Errorf("%w: quantity for %s must be between 1 and %d", ErrCartInvalidInput, item.SKU, maxCartItemQuantity)
	}
	if item.Price < 0 {
		return CartItem{}, fmt.Errorf("%w: price for %s cannot be negative", ErrCartInvalidInput, item.SKU)
	}
	if item.OriginalPrice <= 0 {
		item.OriginalPrice = item.Price
	}
	return item, nil
}

func recountCart(cart *Cart) {
	cart.ItemCount = len(cart.Items)
	cart.TotalQuantity = 0
	for _, item := range cart.Items {
		cart.TotalQuantity += item.Quantity
	}
}

func indexOfCartSKU(items []CartItem, sku string) int {
	for idx, item := range items {
		if item.SKU == sku {
			return idx
		}
	}
	return -1
}

func lineItemFromCart(item CartItem) LineItem {
	return LineItem{
		SKU:           item.SKU,
		ProductName:   item.ProductName,
		Quantity:      item.Quantity,
		Price:         item.Price,
		OriginalPrice: item.OriginalPrice,
		ItemType:      domain.ItemTypePurchased,
		Category:      item.Category,
		Brand:         item.Brand,
		Unit:          item.Unit,
		Image:         item.Image,
	}
}
