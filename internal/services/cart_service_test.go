package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

type steppingClock struct {
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func newTestCartService(t *testing.T, repo *memCartRepo, clock func() time.Time, promos PromotionService) CartService {
	t.Helper()
	pricing, err := NewPricingEngine(PricingEngineDeps{Now: clock})
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	svc, err := NewCartService(CartServiceDeps{
		Repository: repo,
		Pricing:    pricing,
		Promotions: promos,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func TestNewCartServiceRequiresRepository(t *testing.T) {
	if _, err := NewCartService(CartServiceDeps{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestCartServiceGuestGetsEmptyCart(t *testing.T) {
	repo := newMemCartRepo()
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), nil)

	for _, id := range []string{"", "guest", " GUEST "} {
		cart, err := svc.GetCart(context.Background(), id)
		if err != nil {
			t.Fatalf("GetCart(%q): %v", id, err)
		}
		if cart.CustomerID != domain.GuestCustomerID || len(cart.Items) != 0 {
			t.Fatalf("expected empty guest cart, got %+v", cart)
		}
	}
	if _, err := svc.AddItem(context.Background(), AddCartItemCommand{CustomerID: "guest", Item: CartItem{SKU: "A1", Quantity: 1}}); !errors.Is(err, ErrCartGuestNotAllowed) {
		t.Fatalf("expected guests to be rejected, got %v", err)
	}
}

func TestCartServiceAddItemMergesQuantities(t *testing.T) {
	repo := newMemCartRepo()
	clock := &steppingClock{now: orderTestNow, step: time.Minute}
	svc := newTestCartService(t, repo, clock.Now, nil)
	ctx := context.Background()

	first, err := svc.AddItem(ctx, AddCartItemCommand{CustomerID: "cus_1", Item: CartItem{SKU: " A1 ", ProductName: "Apples", Quantity: 2, Price: 50000}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	addedAt := first.Items[0].AddedAt

	cart, err := svc.AddItem(ctx, AddCartItemCommand{CustomerID: "cus_1", Item: CartItem{SKU: "A1", Quantity: 3, Price: 48000}})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 5 || cart.Items[0].Price != 48000 {
		t.Fatalf("expected merged line, got %+v", cart.Items)
	}
	if !cart.Items[0].AddedAt.Equal(addedAt) {
		t.Fatalf("expected addedAt to be kept, got %v want %v", cart.Items[0].AddedAt, addedAt)
	}
	if cart.ItemCount != 1 || cart.TotalQuantity != 5 {
		t.Fatalf("unexpected counters %d/%d", cart.ItemCount, cart.TotalQuantity)
	}
	stored, ok := repo.stored("cus_1")
	if !ok || stored.TotalQuantity != 5 || stored.CreatedAt.IsZero() {
		t.Fatalf("unexpected stored cart %+v", stored)
	}

	if _, err := svc.AddItem(ctx, AddCartItemCommand{CustomerID: "cus_1", Item: CartItem{SKU: "A1", Quantity: 995}}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected quantity cap, got %v", err)
	}
}

func TestCartServiceAddItemValidation(t *testing.T) {
	svc := newTestCartService(t, newMemCartRepo(), fixedClock(orderTestNow), nil)
	for name, item := range map[string]CartItem{
		"missing sku":    {Quantity: 1},
		"zero quantity":  {SKU: "A1"},
		"negative price": {SKU: "A1", Quantity: 1, Price: -1},
		"too many":       {SKU: "A1", Quantity: 1000},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.AddItem(context.Background(), AddCartItemCommand{CustomerID: "cus_1", Item: item}); !errors.Is(err, ErrCartInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestCartServiceUpdateAndRemove(t *testing.T) {
	repo := newMemCartRepo()
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), nil)
	ctx := context.Background()

	if _, err := svc.SyncCart(ctx, SyncCartCommand{CustomerID: "cus_1", Items: []CartItem{
		{SKU: "A1", Quantity: 1, Price: 1000},
		{SKU: "B2", Quantity: 1, Price: 2000},
		{SKU: "C3", Quantity: 1, Price: 3000},
	}}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	cart, err := svc.UpdateItem(ctx, UpdateCartItemCommand{CustomerID: "cus_1", SKU: "A1", Quantity: 4})
	if err != nil || cart.Items[0].Quantity != 4 {
		t.Fatalf("expected quantity 4, got %+v err=%v", cart.Items, err)
	}
	cart, err = svc.UpdateItem(ctx, UpdateCartItemCommand{CustomerID: "cus_1", SKU: "B2", Quantity: 0})
	if err != nil || len(cart.Items) != 2 {
		t.Fatalf("expected zero quantity to remove the line, got %+v err=%v", cart.Items, err)
	}
	if _, err := svc.UpdateItem(ctx, UpdateCartItemCommand{CustomerID: "cus_1", SKU: "ZZ", Quantity: 1}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected missing sku to be not found, got %v", err)
	}

	cart, err = svc.RemoveItem(ctx, "cus_1", "C3")
	if err != nil || len(cart.Items) != 1 || cart.Items[0].SKU != "A1" {
		t.Fatalf("unexpected cart after remove %+v err=%v", cart.Items, err)
	}
	if _, err := svc.RemoveItems(ctx, "cus_1", []string{" "}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected empty sku list to be rejected, got %v", err)
	}

	cart, err = svc.RemoveItems(ctx, "cus_1", []string{"A1"})
	if err != nil || len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v err=%v", cart.Items, err)
	}
	if _, ok := repo.stored("cus_1"); ok {
		t.Fatalf("expected empty cart document to be deleted")
	}
}

func TestCartServiceSyncMergesDuplicatesAndKeepsAddedAt(t *testing.T) {
	repo := newMemCartRepo()
	earlier := orderTestNow.Add(-48 * time.Hour)
	repo.carts["cus_1"] = domain.Cart{
		CustomerID: "cus_1",
		Items:      []CartItem{{SKU: "A1", Quantity: 1, Price: 1000, AddedAt: earlier}},
		CreatedAt:  earlier,
	}
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), nil)

	cart, err := svc.SyncCart(context.Background(), SyncCartCommand{CustomerID: "cus_1", Items: []CartItem{
		{SKU: "A1", Quantity: 2, Price: 1000},
		{SKU: "B2", Quantity: 1, Price: 500},
		{SKU: "A1", Quantity: 3, Price: 1000},
	}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(cart.Items) != 2 || cart.Items[0].Quantity != 5 {
		t.Fatalf("expected merged A1 line, got %+v", cart.Items)
	}
	if !cart.Items[0].AddedAt.Equal(earlier) || !cart.Items[1].AddedAt.Equal(orderTestNow) {
		t.Fatalf("unexpected addedAt values %v %v", cart.Items[0].AddedAt, cart.Items[1].AddedAt)
	}
	if !cart.CreatedAt.Equal(earlier) {
		t.Fatalf("expected createdAt to be kept, got %v", cart.CreatedAt)
	}
}

func TestCartServiceClearCartIgnoresMissing(t *testing.T) {
	repo := newMemCartRepo()
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), nil)
	if err := svc.ClearCart(context.Background(), "cus_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.deletes != 1 {
		t.Fatalf("expected delete to be issued")
	}
}

func TestCartServiceTranslatesRepositoryErrors(t *testing.T) {
	repo := newMemCartRepo()
	repo.getErr = errRepoUnavailable("firestore down")
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), nil)

	if _, err := svc.GetCart(context.Background(), "cus_1"); !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected ErrCartUnavailable, got %v", err)
	}
}

func TestCartServicePriceCart(t *testing.T) {
	repo := newMemCartRepo()
	promos := newMemPromotionRepo(domain.Promotion{
		ID:            "p_ship",
		Code:          "SHIP10",
		Name:          "Shipping 10k",
		DiscountType:  domain.DiscountTypeFixed,
		DiscountValue: 10000,
		Scope:         domain.PromotionScopeShipping,
		Status:        domain.PromotionStatusActive,
	})
	promoSvc := newTestPromotionService(t, promos, newMemTargetRepo(), nil)
	svc := newTestCartService(t, repo, fixedClock(orderTestNow), promoSvc)
	ctx := context.Background()

	if _, err := svc.AddItem(ctx, AddCartItemCommand{CustomerID: "cus_1", Item: CartItem{SKU: "A1", Quantity: 2, Price: 50000}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	result, err := svc.PriceCart(ctx, PriceCartCommand{CustomerID: "cus_1", PromotionCode: "ship10"})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if result.Subtotal != 100000 || result.ShippingDiscount != 10000 || result.TotalAmount != 120000 {
		t.Fatalf("unexpected pricing %+v", result)
	}

	guest, err := svc.PriceCart(ctx, PriceCartCommand{CustomerID: "guest", Items: []CartItem{{SKU: "B2", Quantity: 4, Price: 50000}}})
	if err != nil {
		t.Fatalf("guest price: %v", err)
	}
	if guest.ShippingDiscount != 30000 || guest.TotalAmount != 200000 {
		t.Fatalf("expected free shipping for guest items, got %+v", guest)
	}

	if _, err := svc.PriceCart(ctx, PriceCartCommand{CustomerID: "guest"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected guest without items to be rejected, got %v", err)
	}
	if _, err := svc.PriceCart(ctx, PriceCartCommand{CustomerID: "cus_1", PromotionCode: "NOPE"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected unknown code to be invalid input, got %v", err)
	}
	if _, err := svc.PriceCart(ctx, PriceCartCommand{CustomerID: "cus_empty"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected empty cart to be rejected, got %v", err)
	}
}
