package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

var orderTestNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type orderFixture struct {
	orders        *memOrderRepo
	promos        *memPromotionRepo
	targets       *memTargetRepo
	usage         *memUsageRepo
	counters      *memCounterRepo
	ledger        *memLedger
	notifications *memNotificationRepo
	events        *captureOrderEvents
	logs          *logRecorder
	dispatcher    *FulfillmentDispatcher
	clock         *stepClock
	svc           OrderService
}

func newOrderFixture(t *testing.T, seed ...domain.Order) *orderFixture {
	t.Helper()
	f := &orderFixture{
		orders:        newMemOrderRepo(seed...),
		promos:        newMemPromotionRepo(),
		targets:       newMemTargetRepo(),
		usage:         &memUsageRepo{},
		counters:      newMemCounterRepo(map[string]int64{"A1": 10, "MILK": 10}),
		ledger:        newMemLedger(),
		notifications: &memNotificationRepo{},
		events:        &captureOrderEvents{},
		logs:          &logRecorder{},
		clock:         &stepClock{now: orderTestNow},
	}
	clock := f.clock.Now

	pricing, err := NewPricingEngine(PricingEngineDeps{Now: clock})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	promotions, err := NewPromotionService(PromotionServiceDeps{
		Promotions: f.promos,
		Targets:    f.targets,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("promotion service: %v", err)
	}
	f.dispatcher, err = NewFulfillmentDispatcher(FulfillmentDispatcherDeps{
		Ledger:        f.ledger,
		Counters:      f.counters,
		Notifications: f.notifications,
		Orders:        f.orders,
		Events:        f.events,
		Clock:         clock,
		IDGenerator:   sequentialIDs(),
		Logger:        f.logs.log,
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	f.svc, err = NewOrderService(OrderServiceDeps{
		Orders:         f.orders,
		PromotionUsage: f.usage,
		PromotionStore: f.promos,
		Promotions:     promotions,
		Pricing:        pricing,
		Dispatcher:     f.dispatcher,
		Events:         f.events,
		Clock:          clock,
		IDGenerator:    sequentialIDs(),
		Logger:         f.logs.log,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	return f
}

func validShipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		FullName: "Nguyen Van A",
		Phone:    "0901234567",
		Address: domain.ShippingAddress{
			City:   "Ho Chi Minh",
			Detail: "12 Le Loi",
		},
	}
}

func scenarioItems() []LineItem {
	return []LineItem{{SKU: "A1", ProductName: "Organic apples", Price: 50000, Quantity: 2}}
}

func orderInStatus(id string, status OrderStatus, enteredAt time.Time) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: "cus_1",
		Status:     status,
		Items: []LineItem{
			{SKU: "A1", Quantity: 2, Price: 50000, ItemType: domain.ItemTypePurchased},
			{SKU: "MILK", Quantity: 1, Price: 30000, ItemType: domain.ItemTypePurchased},
			{SKU: "MILK", Quantity: 1, Price: 0, ItemType: domain.ItemTypeGifted},
		},
		Routes:    map[OrderStatus]time.Time{status: enteredAt},
		CreatedAt: enteredAt,
		UpdatedAt: enteredAt,
	}
}

func TestCreateOrderScenarioA(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:   "cus_1",
		Items:        scenarioItems(),
		ShippingInfo: validShipping(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(order.ID, "ORD") {
		t.Fatalf("expected ORD prefix, got %s", order.ID)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.Subtotal != 100000 || order.ShippingFee != 30000 || order.TotalAmount != 130000 {
		t.Fatalf("unexpected totals %+v", order)
	}
	if order.PaymentMethod != "COD" {
		t.Fatalf("expected default COD payment, got %s", order.PaymentMethod)
	}
	if !order.Routes[domain.OrderStatusPending].Equal(orderTestNow) {
		t.Fatalf("expected pending route at creation time, got %v", order.Routes)
	}
	if _, err := f.orders.FindByID(context.Background(), order.ID); err != nil {
		t.Fatalf("expected order to be stored: %v", err)
	}
	created := f.events.ofType(OrderEventCreated)
	if len(created) != 1 || created[0].OrderID != order.ID {
		t.Fatalf("expected one order.created event, got %+v", created)
	}
}

func TestCreateOrderScenarioBRecordsPromotionUsage(t *testing.T) {
	f := newOrderFixture(t)
	maxDiscount := int64(15000)
	f.promos.promotions["promo_b"] = domain.Promotion{
		ID:             "promo_b",
		Code:           "SAVE20",
		Name:           "Save 20%",
		DiscountType:   domain.DiscountTypePercentage,
		DiscountValue:  20,
		MaxDiscount:    &maxDiscount,
		MinOrderAmount: 50000,
		Scope:          domain.PromotionScopeOrder,
		Status:         domain.PromotionStatusActive,
	}

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:    "cus_1",
		Items:         scenarioItems(),
		ShippingInfo:  validShipping(),
		PromotionCode: "save20",
		Totals: &OrderTotals{
			Subtotal:    100000,
			ShippingFee: 30000,
			Discount:    15000,
			TotalAmount: 115000,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Discount != 15000 || order.TotalAmount != 115000 {
		t.Fatalf("expected discount 15000 and total 115000, got %d/%d", order.Discount, order.TotalAmount)
	}
	if order.PromotionCode != "SAVE20" {
		t.Fatalf("expected promotion code to be recorded, got %q", order.PromotionCode)
	}
	if len(f.usage.usages) != 1 || f.usage.usages[0].OrderID != order.ID {
		t.Fatalf("expected promotion usage for the order, got %+v", f.usage.usages)
	}
	if got := f.promos.promotions["promo_b"].UsageCount; got != 1 {
		t.Fatalf("expected usage count 1, got %d", got)
	}
}

func TestCreateOrderRejectsTotalsMismatch(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:   "cus_1",
		Items:        scenarioItems(),
		ShippingInfo: validShipping(),
		Totals:       &OrderTotals{Subtotal: 100000, ShippingFee: 0, TotalAmount: 100000},
	})
	if !errors.Is(err, ErrOrderInvalidInput) || !strings.Contains(err.Error(), "shippingFee") {
		t.Fatalf("expected shippingFee mismatch, got %v", err)
	}
	if f.logs.count("order.totals.mismatch") != 1 {
		t.Fatalf("expected mismatch to be logged")
	}
	if len(f.orders.orders) != 0 {
		t.Fatalf("expected no order to be stored")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	f := newOrderFixture(t)
	cases := []struct {
		name string
		cmd  CreateOrderCommand
	}{
		{name: "guest", cmd: CreateOrderCommand{CustomerID: "guest", Items: scenarioItems(), ShippingInfo: validShipping()}},
		{name: "no items", cmd: CreateOrderCommand{CustomerID: "cus_1", ShippingInfo: validShipping()}},
		{name: "no phone", cmd: CreateOrderCommand{CustomerID: "cus_1", Items: scenarioItems(), ShippingInfo: domain.ShippingInfo{FullName: "A", Address: domain.ShippingAddress{City: "HCM", Detail: "1"}}}},
		{name: "invoice without tax code", cmd: CreateOrderCommand{CustomerID: "cus_1", Items: scenarioItems(), ShippingInfo: validShipping(), WantInvoice: true, InvoiceInfo: &domain.InvoiceInfo{CompanyName: "GB"}}},
		{name: "zero quantity", cmd: CreateOrderCommand{CustomerID: "cus_1", Items: []LineItem{{SKU: "A1", Price: 1000}}, ShippingInfo: validShipping()}},
		{name: "unknown promotion", cmd: CreateOrderCommand{CustomerID: "cus_1", Items: scenarioItems(), ShippingInfo: validShipping(), PromotionCode: "NOPE"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateOrder(context.Background(), tc.cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestGetOrderAcceptsIDWithOrWithoutPrefix(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD123", domain.OrderStatusPending, orderTestNow))

	for _, id := range []string{"ORD123", "123"} {
		order, err := f.svc.GetOrder(context.Background(), id)
		if err != nil || order.ID != "ORD123" {
			t.Fatalf("lookup %q: expected ORD123, got %q err=%v", id, order.ID, err)
		}
	}

	g := newOrderFixture(t, orderInStatus("456", domain.OrderStatusPending, orderTestNow))
	if order, err := g.svc.GetOrder(context.Background(), "ORD456"); err != nil || order.ID != "456" {
		t.Fatalf("expected legacy id lookup, got %q err=%v", order.ID, err)
	}

	if _, err := f.svc.GetOrder(context.Background(), "ORD999"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionOrderAppliesAndPublishes(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusPending, orderTestNow.Add(-time.Hour)))

	result, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID: "ORD1",
		Trigger: TriggerConfirm,
		Actor:   ActorAdmin,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied || result.To != domain.OrderStatusConfirmed {
		t.Fatalf("expected applied confirm, got %+v", result)
	}
	stored := f.orders.get("ORD1")
	if stored.Status != domain.OrderStatusConfirmed || !stored.Routes[domain.OrderStatusConfirmed].Equal(orderTestNow) {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	changed := f.events.ofType(OrderEventStatusChanged)
	if len(changed) != 1 || changed[0].FromStatus != domain.OrderStatusPending || changed[0].Trigger != TriggerConfirm {
		t.Fatalf("unexpected status events %+v", changed)
	}
	// Confirmation decrements stock for every line, gifts included.
	if f.counters.stockOf("A1") != 8 || f.counters.stockOf("MILK") != 8 {
		t.Fatalf("unexpected stock A1=%d MILK=%d", f.counters.stockOf("A1"), f.counters.stockOf("MILK"))
	}
}

func TestTransitionOrderRejectsWrongActorAndState(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusPending, orderTestNow))

	if _, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerConfirm, Actor: ActorCustomer, ActorID: "cus_1"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerShip, Actor: ActorAdmin}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerCancel, Actor: ActorCustomer, ActorID: "cus_2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden for another customer, got %v", err)
	}
	if _, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerConfirm}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input without actor, got %v", err)
	}
	if got := f.orders.get("ORD1").Status; got != domain.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", got)
	}
}

func TestTransitionOrderLegacyTargetStatus(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusShipping, orderTestNow))

	result, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID:      "ORD1",
		TargetStatus: domain.OrderStatusCancelled,
		Actor:        ActorAdmin,
		Reason:       "<b>out of stock</b>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Trigger != TriggerCancel || !result.Applied {
		t.Fatalf("expected cancel trigger, got %+v", result)
	}
	if got := f.orders.get("ORD1").CancelReason; got != "out of stock" {
		t.Fatalf("expected sanitised reason, got %q", got)
	}
	// Stock was never decremented for this order, so cancelling restores nothing.
	if f.counters.stockOf("A1") != 10 {
		t.Fatalf("expected stock untouched, got %d", f.counters.stockOf("A1"))
	}
}

func TestTransitionOrderRaceLossIsNoop(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusDelivered, orderTestNow.Add(-25*time.Hour)))
	f.orders.beforeTransition = func(orderID string) {
		f.orders.beforeTransition = nil
		f.orders.setStatus(orderID, domain.OrderStatusReceived, orderTestNow)
	}

	result, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID: "ORD1",
		Trigger: TriggerAutoReceive,
		Actor:   ActorSystem,
	})
	if err != nil {
		t.Fatalf("expected race loss to be silent, got %v", err)
	}
	if result.Applied {
		t.Fatalf("expected transition not to be applied")
	}
	if result.Order.Status != domain.OrderStatusReceived {
		t.Fatalf("expected current stored order, got %s", result.Order.Status)
	}
	if f.logs.count("order.transition.race_lost") != 1 {
		t.Fatalf("expected race loss to be logged")
	}
	if len(f.events.ofType(OrderEventStatusChanged)) != 0 {
		t.Fatalf("expected no status event for a lost race")
	}
}

func TestTransitionOrderExpectedStatusMismatchIsNoop(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusReceived, orderTestNow.Add(-25*time.Hour)))

	result, err := f.svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID:        "ORD1",
		Trigger:        TriggerAutoReceive,
		ExpectedStatus: domain.OrderStatusDelivered,
		Actor:          ActorSystem,
	})
	if err != nil {
		t.Fatalf("expected stale expectation to be silent, got %v", err)
	}
	if result.Applied || result.Order.Status != domain.OrderStatusReceived {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.logs.count("order.transition.race_lost") != 1 {
		t.Fatalf("expected race loss to be logged")
	}
}

func TestTransitionOrderCancelRestoresDecrementedStock(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusPending, orderTestNow))
	ctx := context.Background()

	if _, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerConfirm, Actor: ActorAdmin}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerCancel, Actor: ActorCustomer, ActorID: "cus_1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.counters.stockOf("A1") != 10 || f.counters.stockOf("MILK") != 10 {
		t.Fatalf("expected stock to be restored, got A1=%d MILK=%d", f.counters.stockOf("A1"), f.counters.stockOf("MILK"))
	}
	if !f.ledger.has("ORD1", EffectStockRestoreCancel) {
		t.Fatalf("expected restore to be recorded in the ledger")
	}
}

func TestRejectedReturnCompletesOrder(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusReceived, orderTestNow.Add(-2*time.Hour)))
	ctx := context.Background()

	if _, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerRequestReturn, Actor: ActorCustomer, ActorID: "cus_1", Reason: "bruised"}); err != nil {
		t.Fatalf("request return: %v", err)
	}
	result, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerRejectReturn, Actor: ActorAdmin})
	if err != nil {
		t.Fatalf("reject return: %v", err)
	}
	if !result.Applied || result.To != domain.OrderStatusCompleted {
		t.Fatalf("expected rejection to complete the order, got %+v", result)
	}

	stored := f.orders.get("ORD1")
	if stored.Status != domain.OrderStatusCompleted || stored.ReturnReason != "bruised" {
		t.Fatalf("unexpected order status=%s reason=%q", stored.Status, stored.ReturnReason)
	}
	if stored.DisplayStatus() != domain.OrderStatusRefundRejected {
		t.Fatalf("expected refund_rejected display status, got %s", stored.DisplayStatus())
	}
	completedAt, ok := stored.Routes[domain.OrderStatusCompleted]
	if !ok || !completedAt.Equal(orderTestNow) {
		t.Fatalf("expected completed route at %v, got %v (ok=%v)", orderTestNow, completedAt, ok)
	}
	if f.counters.purchaseCount("A1") != 1 || f.counters.purchaseCount("MILK") != 1 {
		t.Fatalf("expected completion to count purchases, got A1=%d MILK=%d", f.counters.purchaseCount("A1"), f.counters.purchaseCount("MILK"))
	}

	// A second return on the completed order ends the same way without recounting.
	f.clock.Advance(72 * time.Hour)
	if _, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", Trigger: TriggerRequestReturn, Actor: ActorCustomer, ActorID: "cus_1", Reason: "still bruised"}); err != nil {
		t.Fatalf("second request return: %v", err)
	}
	if _, err := f.svc.TransitionOrder(ctx, TransitionOrderCommand{OrderID: "ORD1", TargetStatus: domain.OrderStatusCompleted, Actor: ActorAdmin}); err != nil {
		t.Fatalf("legacy reject: %v", err)
	}
	stored = f.orders.get("ORD1")
	if stored.ReturnReason != "still bruised" {
		t.Fatalf("expected legacy completion by an admin to keep the return reason, got %q", stored.ReturnReason)
	}
	if !stored.Routes[domain.OrderStatusCompleted].Equal(completedAt) {
		t.Fatalf("expected first completed timestamp to be kept, got %v", stored.Routes[domain.OrderStatusCompleted])
	}
	if f.counters.purchaseCount("A1") != 1 {
		t.Fatalf("expected purchases to be counted once, got %d", f.counters.purchaseCount("A1"))
	}
}

func TestCompletionDispatchesOnceAcrossPaths(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusReceived, orderTestNow.Add(-25*time.Hour)))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, cmd := range []TransitionOrderCommand{
		{OrderID: "ORD1", Trigger: TriggerSubmitReview, Actor: ActorCustomer, ActorID: "cus_1"},
		{OrderID: "ORD1", Trigger: TriggerAutoComplete, Actor: ActorSystem},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The loser either reports a lost race or finds the order already completed.
			if _, err := f.svc.TransitionOrder(ctx, cmd); err != nil && !errors.Is(err, ErrOrderInvalidState) {
				t.Errorf("%s: %v", cmd.Trigger, err)
			}
		}()
	}
	wg.Wait()

	if f.counters.purchaseCount("A1") != 1 || f.counters.purchaseCount("MILK") != 1 {
		t.Fatalf("expected one purchase per sku, got A1=%d MILK=%d", f.counters.purchaseCount("A1"), f.counters.purchaseCount("MILK"))
	}
	if f.notifications.len() != 1 {
		t.Fatalf("expected one completion notification, got %d", f.notifications.len())
	}
	if len(f.events.ofType(OrderEventCompleted)) != 1 {
		t.Fatalf("expected one order.completed event")
	}
	if f.orders.get("ORD1").FulfilledAt == nil {
		t.Fatalf("expected fulfilledAt to be set")
	}
}

func TestListOrdersByStatusValidatesStatus(t *testing.T) {
	f := newOrderFixture(t,
		orderInStatus("ORD1", domain.OrderStatusDelivered, orderTestNow),
		orderInStatus("ORD2", domain.OrderStatusPending, orderTestNow),
	)
	orders, err := f.svc.ListOrdersByStatus(context.Background(), "DELIVERED", 0)
	if err != nil || len(orders) != 1 || orders[0].ID != "ORD1" {
		t.Fatalf("expected ORD1, got %+v err=%v", orders, err)
	}
	if _, err := f.svc.ListOrdersByStatus(context.Background(), "lost", 0); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDeleteOrder(t *testing.T) {
	f := newOrderFixture(t, orderInStatus("ORD1", domain.OrderStatusCancelled, orderTestNow))
	if err := f.svc.DeleteOrder(context.Background(), "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), "ORD1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected deleted order to be gone, got %v", err)
	}
}
