package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

// Ledger effects. Each runs at most once per order.
const (
	EffectCompleted          = "completed"
	EffectStockDecrement     = "stock_decrement"
	EffectStockRestoreCancel = "stock_restore_cancel"
	EffectStockRestoreReturn = "stock_restore_return"
)

const notificationIDPrefix = "ntf_"

var errDispatcherUnavailable = errors.New("fulfillment dispatcher: not configured")

// FulfillmentDispatcherDeps bundles the collaborators of the dispatcher.
type FulfillmentDispatcherDeps struct {
	Ledger        repositories.FulfillmentLedger
	Counters      repositories.ProductCounterRepository
	Notifications repositories.NotificationRepository
	Orders        repositories.OrderRepository
	UnitOfWork    repositories.UnitOfWork
	Events        EventPublisher
	Tracer        trace.Tracer
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// FulfillmentDispatcher runs order side effects exactly once, gated by the fulfillment ledger.
// The ledger record and the effect commit in the same transaction.
type FulfillmentDispatcher struct {
	ledger        repositories.FulfillmentLedger
	counters      repositories.ProductCounterRepository
	notifications repositories.NotificationRepository
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	events        EventPublisher
	tracer        trace.Tracer
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewFulfillmentDispatcher validates dependencies and constructs the dispatcher.
func NewFulfillmentDispatcher(deps FulfillmentDispatcherDeps) (*FulfillmentDispatcher, error) {
	if deps.Ledger == nil {
		return nil, errors.New("fulfillment dispatcher: ledger is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("fulfillment dispatcher: product counter repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/greenbasket/api/internal/services")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &FulfillmentDispatcher{
		ledger:        deps.Ledger,
		counters:      deps.Counters,
		notifications: deps.Notifications,
		orders:        deps.Orders,
		unitOfWork:    unit,
		events:        deps.Events,
		tracer:        tracer,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

// DispatchCompleted increments purchase counters for the purchased SKUs, stores a notification and
// publishes order.completed. It reports false when the order was already dispatched.
func (d *FulfillmentDispatcher) DispatchCompleted(ctx context.Context, order Order, trigger Trigger) (bool, error) {
	if d == nil {
		return false, errDispatcherUnavailable
	}
	ctx, span := d.tracer.Start(ctx, "fulfillment.dispatch_completed", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.trigger", string(trigger)),
	))
	defer span.End()

	now := d.clock()
	skus := order.PurchasedSKUs()
	notification := Notification{
		ID:         notificationIDPrefix + d.newID(),
		Kind:       "order_completed",
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Title:      "Order completed",
		Message:    fmt.Sprintf("Order %s has been completed.", order.ID),
		CreatedAt:  now,
	}

	dispatched, err := d.runOnce(ctx, order.ID, EffectCompleted, skus, now, func(txCtx context.Context) error {
		if err := d.counters.IncrementPurchases(txCtx, skus, now); err != nil {
			return err
		}
		if d.notifications != nil {
			if err := d.notifications.Insert(txCtx, notification); err != nil {
				return err
			}
		}
		if d.orders != nil {
			if err := d.orders.SetFulfilledAt(txCtx, order.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return false, err
	}
	span.SetAttributes(attribute.Bool("fulfillment.dispatched", dispatched))
	if !dispatched {
		d.logger(ctx, "fulfillment.skipped", map[string]any{"orderId": order.ID, "effect": EffectCompleted})
		return false, nil
	}

	d.logger(ctx, "fulfillment.dispatched", map[string]any{
		"orderId": order.ID,
		"effect":  EffectCompleted,
		"skus":    len(skus),
		"trigger": string(trigger),
	})
	if d.events != nil {
		event := OrderEvent{
			Type:       OrderEventCompleted,
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			ToStatus:   domain.OrderStatusCompleted,
			Trigger:    trigger,
			OccurredAt: now,
			Metadata:   map[string]any{"skus": skus},
		}
		if err := d.events.PublishOrderEvent(ctx, event); err != nil {
			d.logger(ctx, "fulfillment.event.publish.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}
	return true, nil
}

// ApplyStockEffect adjusts stock for the order lines. Restores only run when the decrement
// previously ran for the order.
func (d *FulfillmentDispatcher) ApplyStockEffect(ctx context.Context, order Order, effect string) (bool, error) {
	if d == nil {
		return false, errDispatcherUnavailable
	}
	var sign int64
	switch effect {
	case EffectStockDecrement:
		sign = -1
	case EffectStockRestoreCancel, EffectStockRestoreReturn:
		sign = 1
	default:
		return false, fmt.Errorf("fulfillment dispatcher: unknown stock effect %q", effect)
	}

	ctx, span := d.tracer.Start(ctx, "fulfillment.stock_effect", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("fulfillment.effect", effect),
	))
	defer span.End()

	deltas := stockDeltas(order.Items, sign)
	skus := sortedKeys(deltas)
	now := d.clock()
	dispatched, err := d.runOnce(ctx, order.ID, effect, skus, now, func(txCtx context.Context) error {
		if sign > 0 {
			if _, err := d.ledger.Find(txCtx, order.ID, EffectStockDecrement); err != nil {
				if isRepositoryNotFound(err) {
					return errNothingToRestore
				}
				return err
			}
		}
		return d.counters.AdjustStock(txCtx, deltas, now)
	})
	if errors.Is(err, errNothingToRestore) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock effect failed")
		return false, err
	}
	if dispatched {
		d.logger(ctx, "fulfillment.stock.adjusted", map[string]any{"orderId": order.ID, "effect": effect, "skus": len(skus)})
	}
	return dispatched, nil
}

var errNothingToRestore = errors.New("fulfillment dispatcher: stock was never decremented")

// runOnce executes work and records the ledger entry in one transaction. It returns false without
// running work when the entry already exists.
func (d *FulfillmentDispatcher) runOnce(ctx context.Context, orderID, effect string, skus []string, now time.Time, work func(context.Context) error) (bool, error) {
	dispatched := false
	err := d.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		dispatched = false
		if _, err := d.ledger.Find(txCtx, orderID, effect); err == nil {
			return nil
		} else if !isRepositoryNotFound(err) {
			return err
		}
		if err := work(txCtx); err != nil {
			return err
		}
		if err := d.ledger.Record(txCtx, domain.FulfillmentRecord{
			OrderID:      orderID,
			Effect:       effect,
			SKUs:         skus,
			DispatchedAt: now,
		}); err != nil {
			return err
		}
		dispatched = true
		return nil
	})
	if err != nil {
		// Aborted transactions also surface as conflicts; only an existing entry means another
		// dispatcher won.
		if isRepositoryConflict(err) {
			if _, findErr := d.ledger.Find(ctx, orderID, effect); findErr == nil {
				return false, nil
			}
		}
		return false, err
	}
	return dispatched, nil
}

func stockDeltas(items []LineItem, sign int64) map[string]int64 {
	deltas := make(map[string]int64, len(items))
	for _, item := range items {
		if item.SKU == "" || item.Quantity <= 0 {
			continue
		}
		deltas[item.SKU] += sign * int64(item.Quantity)
	}
	return deltas
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
