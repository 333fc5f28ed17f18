package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	orderIDPrefix          = "ORD"
	promotionUsageIDPrefix = "pu_"
	defaultPaymentMethod   = "COD"
	maxReasonLength        = 500
	defaultStatusListLimit = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderForbidden indicates the actor may not perform the operation on the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	PromotionUsage repositories.PromotionUsageRepository
	PromotionStore repositories.PromotionRepository
	Promotions     PromotionService
	Pricing        *PricingEngine
	Dispatcher     *FulfillmentDispatcher
	UnitOfWork     repositories.UnitOfWork
	Events         EventPublisher
	Sanitizer      *bluemonday.Policy
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	usage          repositories.PromotionUsageRepository
	promotionStore repositories.PromotionRepository
	promotions     PromotionService
	pricing        *PricingEngine
	dispatcher     *FulfillmentDispatcher
	unitOfWork     repositories.UnitOfWork
	events         EventPublisher
	sanitizer      *bluemonday.Policy
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:         deps.Orders,
		usage:          deps.PromotionUsage,
		promotionStore: deps.PromotionStore,
		promotions:     deps.Promotions,
		pricing:        deps.Pricing,
		dispatcher:     deps.Dispatcher,
		unitOfWork:     unit,
		events:         deps.Events,
		sanitizer:      sanitizer,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if domain.IsGuest(customerID) {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if err := validateShippingInfo(cmd.ShippingInfo); err != nil {
		return Order{}, err
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if cmd.WantInvoice {
		if cmd.InvoiceInfo == nil || strings.TrimSpace(cmd.InvoiceInfo.CompanyName) == "" || strings.TrimSpace(cmd.InvoiceInfo.TaxCode) == "" {
			return Order{}, fmt.Errorf("%w: invoice company name and tax code are required", ErrOrderInvalidInput)
		}
	}

	priceCmd, err := s.priceCommand(ctx, cmd.PromotionCode, cmd.Items)
	if err != nil {
		return Order{}, err
	}
	priced, err := s.pricing.Price(ctx, priceCmd)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}
	if cmd.Totals != nil {
		if mismatch := compareTotals(*cmd.Totals, priced); mismatch != "" {
			s.logger(ctx, "order.totals.mismatch", map[string]any{"customerId": customerID, "field": mismatch})
			return Order{}, fmt.Errorf("%w: totals mismatch (%s)", ErrOrderInvalidInput, mismatch)
		}
	}

	now := s.now()
	paymentMethod := strings.TrimSpace(cmd.PaymentMethod)
	if paymentMethod == "" {
		paymentMethod = defaultPaymentMethod
	}
	items := make([]LineItem, 0, len(priced.Items)+len(priced.GiftedItems))
	items = append(items, priced.Items...)
	items = append(items, priced.GiftedItems...)

	order := Order{
		ID:               s.nextOrderID(),
		CustomerID:       customerID,
		Items:            items,
		Status:           domain.OrderStatusPending,
		Routes:           map[OrderStatus]time.Time{domain.OrderStatusPending: now},
		Subtotal:         priced.Subtotal,
		ShippingFee:      priced.ShippingFee,
		ShippingDiscount: priced.ShippingDiscount,
		Discount:         priced.ProductDiscount,
		VATRate:          priced.VATRate,
		VATAmount:        priced.VATAmount,
		TotalAmount:      priced.TotalAmount,
		PaymentMethod:    paymentMethod,
		ShippingInfo:     trimShippingInfo(cmd.ShippingInfo),
		WantInvoice:      cmd.WantInvoice,
		ConsultantCode:   strings.TrimSpace(cmd.ConsultantCode),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if cmd.WantInvoice {
		info := *cmd.InvoiceInfo
		order.InvoiceInfo = &info
	}

	var usage *PromotionUsage
	if applied := priced.Promotion; applied != nil && applied.Applied {
		order.PromotionCode = applied.Code
		order.PromotionName = applied.Name
		usage = &PromotionUsage{
			ID:          promotionUsageIDPrefix + s.newID(),
			PromotionID: applied.ID,
			Code:        applied.Code,
			CustomerID:  customerID,
			OrderID:     order.ID,
			UsedAt:      now,
		}
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if usage == nil {
			return nil
		}
		if s.usage != nil {
			if err := s.usage.Insert(txCtx, *usage); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if s.promotionStore != nil && usage.PromotionID != "" {
			if err := s.promotionStore.IncrementUsage(txCtx, usage.PromotionID, now); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"customerId":  customerID,
		"totalAmount": order.TotalAmount,
		"items":       len(order.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventCreated,
		OrderID:    order.ID,
		CustomerID: customerID,
		ToStatus:   order.Status,
		Actor:      ActorCustomer,
		OccurredAt: now,
		Metadata: map[string]any{
			"totalAmount":   order.TotalAmount,
			"promotionCode": order.PromotionCode,
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.findOrder(ctx, orderID)
}

func (s *orderService) ListOrders(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[Order], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.ListByCustomer(ctx, customerID, pager)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error) {
	parsed, ok := domain.ParseOrderStatus(string(status))
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
	}
	if limit <= 0 {
		limit = defaultStatusListLimit
	}
	orders, err := s.orders.ListByStatus(ctx, parsed, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, orderID string) error {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.deleted", map[string]any{"orderId": order.ID})
	return nil
}

func (s *orderService) TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (TransitionResult, error) {
	actor, ok := ParseActor(string(cmd.Actor))
	if !ok {
		return TransitionResult{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}
	current, err := s.findOrder(ctx, cmd.OrderID)
	if err != nil {
		return TransitionResult{}, err
	}
	if actor == ActorCustomer && strings.TrimSpace(cmd.ActorID) != "" && cmd.ActorID != current.CustomerID {
		return TransitionResult{}, fmt.Errorf("%w: order belongs to another customer", ErrOrderForbidden)
	}
	if cmd.ExpectedStatus != "" && current.Status != cmd.ExpectedStatus {
		s.logger(ctx, "order.transition.race_lost", map[string]any{
			"orderId":  current.ID,
			"expected": string(cmd.ExpectedStatus),
			"actual":   string(current.Status),
			"trigger":  string(cmd.Trigger),
		})
		return TransitionResult{Order: current, Applied: false, From: cmd.ExpectedStatus, Trigger: cmd.Trigger}, nil
	}

	trigger := cmd.Trigger
	if trigger == "" {
		target, ok := domain.ParseOrderStatus(string(cmd.TargetStatus))
		if !ok {
			return TransitionResult{}, fmt.Errorf("%w: trigger or target status is required", ErrOrderInvalidInput)
		}
		trigger, err = TriggerFor(current.Status, target, actor)
		if err != nil {
			return TransitionResult{}, err
		}
	} else if parsed, ok := ParseTrigger(string(trigger)); ok {
		trigger = parsed
	} else {
		return TransitionResult{}, fmt.Errorf("%w: unknown trigger %q", ErrOrderInvalidInput, cmd.Trigger)
	}

	to, err := NextStatus(trigger, actor, current.Status)
	if err != nil {
		return TransitionResult{}, err
	}
	reason := s.sanitizeReason(cmd.Reason)
	now := s.now()

	updated, err := s.orders.TransitionStatus(ctx, current.ID, current.Status, func(order *Order) error {
		next, err := NextStatus(trigger, actor, order.Status)
		if err != nil {
			return err
		}
		applyTransition(order, trigger, next, reason, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrStatusMismatch) {
			s.logger(ctx, "order.transition.race_lost", map[string]any{
				"orderId":  current.ID,
				"expected": string(current.Status),
				"actual":   string(updated.Status),
				"trigger":  string(trigger),
			})
			if updated.ID == "" {
				updated = current
			}
			return TransitionResult{Order: updated, Applied: false, From: current.Status, To: to, Trigger: trigger}, nil
		}
		if errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderForbidden) {
			return TransitionResult{}, err
		}
		return TransitionResult{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.transitioned", map[string]any{
		"orderId": updated.ID,
		"from":    string(current.Status),
		"to":      string(updated.Status),
		"trigger": string(trigger),
		"actor":   string(actor),
	})
	s.runSideEffects(ctx, current.Status, updated, trigger)

	metadata := map[string]any{"trigger": string(trigger)}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventStatusChanged,
		OrderID:    updated.ID,
		CustomerID: updated.CustomerID,
		FromStatus: current.Status,
		ToStatus:   updated.Status,
		Trigger:    trigger,
		Actor:      actor,
		OccurredAt: now,
		Metadata:   metadata,
	})
	return TransitionResult{Order: updated, Applied: true, From: current.Status, To: updated.Status, Trigger: trigger}, nil
}

// runSideEffects applies stock and completion effects after a successful transition. Failures are
// logged and never undo the transition.
func (s *orderService) runSideEffects(ctx context.Context, from OrderStatus, order Order, trigger Trigger) {
	if s.dispatcher == nil {
		return
	}
	var effect string
	switch {
	case from == domain.OrderStatusPending && order.Status == domain.OrderStatusConfirmed:
		effect = EffectStockDecrement
	case order.Status == domain.OrderStatusCancelled:
		effect = EffectStockRestoreCancel
	case order.Status == domain.OrderStatusReturned:
		effect = EffectStockRestoreReturn
	}
	if effect != "" {
		if _, err := s.dispatcher.ApplyStockEffect(ctx, order, effect); err != nil {
			s.logger(ctx, "order.stock_effect.failed", map[string]any{"orderId": order.ID, "effect": effect, "error": err.Error()})
		}
	}
	if order.Status == domain.OrderStatusCompleted {
		if _, err := s.dispatcher.DispatchCompleted(ctx, order, trigger); err != nil {
			s.logger(ctx, "order.fulfillment.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}
}

func (s *orderService) priceCommand(ctx context.Context, code string, items []LineItem) (PriceCommand, error) {
	code = strings.TrimSpace(code)
	if s.promotions == nil {
		if code != "" {
			return PriceCommand{}, fmt.Errorf("%w: promotions are not available", ErrOrderInvalidInput)
		}
		return PriceCommand{Items: items}, nil
	}
	cmd, err := s.promotions.BuildPriceCommand(ctx, code, items)
	if err != nil {
		switch {
		case errors.Is(err, ErrPromotionNotFound), errors.Is(err, ErrPromotionInvalidCode):
			return PriceCommand{}, fmt.Errorf("%w: promotion code %q not found", ErrOrderInvalidInput, code)
		case errors.Is(err, ErrPromotionUnavailable):
			return PriceCommand{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		return PriceCommand{}, err
	}
	return cmd, nil
}

// findOrder loads an order accepting ids with or without the ORD prefix.
func (s *orderService) findOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if !isRepositoryNotFound(err) {
		return Order{}, s.mapRepositoryError(err)
	}

	alternate := orderIDPrefix + orderID
	if strings.HasPrefix(strings.ToUpper(orderID), orderIDPrefix) {
		alternate = orderID[len(orderIDPrefix):]
	}
	if alternate == "" {
		return Order{}, s.mapRepositoryError(err)
	}
	order, altErr := s.orders.FindByID(ctx, alternate)
	if altErr != nil {
		if isRepositoryNotFound(altErr) {
			return Order{}, s.mapRepositoryError(err)
		}
		return Order{}, s.mapRepositoryError(altErr)
	}
	return order, nil
}

func (s *orderService) sanitizeReason(reason string) string {
	cleaned := strings.TrimSpace(s.sanitizer.Sanitize(strings.TrimSpace(reason)))
	if utf8.RuneCountInString(cleaned) > maxReasonLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxReasonLength])
	}
	return cleaned
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.ToStatus),
		})
	}
}

func validateShippingInfo(info domain.ShippingInfo) error {
	switch {
	case strings.TrimSpace(info.FullName) == "":
		return fmt.Errorf("%w: shipping full name is required", ErrOrderInvalidInput)
	case strings.TrimSpace(info.Phone) == "":
		return fmt.Errorf("%w: shipping phone is required", ErrOrderInvalidInput)
	case strings.TrimSpace(info.Address.City) == "", strings.TrimSpace(info.Address.Detail) == "":
		return fmt.Errorf("%w: shipping address is incomplete", ErrOrderInvalidInput)
	}
	return nil
}

func trimShippingInfo(info domain.ShippingInfo) domain.ShippingInfo {
	return domain.ShippingInfo{
		FullName: strings.TrimSpace(info.FullName),
		Phone:    strings.TrimSpace(info.Phone),
		Email:    strings.TrimSpace(info.Email),
		Address: domain.ShippingAddress{
			City:     strings.TrimSpace(info.Address.City),
			District: strings.TrimSpace(info.Address.District),
			Ward:     strings.TrimSpace(info.Address.Ward),
			Detail:   strings.TrimSpace(info.Address.Detail),
		},
	}
}

// compareTotals returns the first field where the client figures differ from server pricing.
func compareTotals(client OrderTotals, server PricingResult) string {
	switch {
	case client.Subtotal != server.Subtotal:
		return "subtotal"
	case client.ShippingFee != server.ShippingFee:
		return "shippingFee"
	case client.ShippingDiscount != server.ShippingDiscount:
		return "shippingDiscount"
	case client.Discount != server.ProductDiscount:
		return "discount"
	case client.TotalAmount != server.TotalAmount:
		return "totalAmount"
	}
	return ""
}
