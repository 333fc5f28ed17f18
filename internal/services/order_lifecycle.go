package services

import (
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

// Trigger names a lifecycle event that moves an order between statuses.
type Trigger string

const (
	TriggerConfirm        Trigger = "confirm"
	TriggerShip           Trigger = "ship"
	TriggerMarkDelivered  Trigger = "mark_delivered"
	TriggerAutoReceive    Trigger = "auto_receive"
	TriggerConfirmReceipt Trigger = "confirm_receipt"
	TriggerAutoComplete   Trigger = "auto_complete"
	TriggerSubmitReview   Trigger = "submit_review"
	TriggerCancel         Trigger = "cancel"
	TriggerRequestReturn  Trigger = "request_return"
	TriggerShipReturn     Trigger = "ship_return"
	TriggerConfirmReturn  Trigger = "confirm_return"
	TriggerRejectReturn   Trigger = "reject_return"
	TriggerWithdrawReturn Trigger = "withdraw_return"
)

// Actor identifies who fires a trigger.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

type transitionRule struct {
	actors []Actor
	from   []OrderStatus
	to     OrderStatus
}

// triggerOrder fixes resolution order for the legacy set-status API so customer and admin
// triggers are preferred over system ones.
var triggerOrder = []Trigger{
	TriggerConfirm,
	TriggerShip,
	TriggerMarkDelivered,
	TriggerConfirmReceipt,
	TriggerSubmitReview,
	TriggerCancel,
	TriggerRequestReturn,
	TriggerShipReturn,
	TriggerConfirmReturn,
	TriggerRejectReturn,
	TriggerWithdrawReturn,
	TriggerAutoReceive,
	TriggerAutoComplete,
}

var orderTransitions = map[Trigger]transitionRule{
	TriggerConfirm: {
		actors: []Actor{ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusPending},
		to:     domain.OrderStatusConfirmed,
	},
	TriggerShip: {
		actors: []Actor{ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusConfirmed},
		to:     domain.OrderStatusShipping,
	},
	TriggerMarkDelivered: {
		actors: []Actor{ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusShipping},
		to:     domain.OrderStatusDelivered,
	},
	TriggerAutoReceive: {
		actors: []Actor{ActorSystem},
		from:   []OrderStatus{domain.OrderStatusDelivered},
		to:     domain.OrderStatusReceived,
	},
	TriggerConfirmReceipt: {
		actors: []Actor{ActorCustomer},
		from:   []OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusShipping},
		to:     domain.OrderStatusReceived,
	},
	TriggerAutoComplete: {
		actors: []Actor{ActorSystem},
		from:   []OrderStatus{domain.OrderStatusReceived},
		to:     domain.OrderStatusCompleted,
	},
	TriggerSubmitReview: {
		actors: []Actor{ActorCustomer},
		from:   []OrderStatus{domain.OrderStatusReceived},
		to:     domain.OrderStatusCompleted,
	},
	TriggerCancel: {
		actors: []Actor{ActorCustomer, ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusShipping},
		to:     domain.OrderStatusCancelled,
	},
	TriggerRequestReturn: {
		actors: []Actor{ActorCustomer},
		from:   []OrderStatus{domain.OrderStatusCompleted, domain.OrderStatusReceived},
		to:     domain.OrderStatusProcessingReturn,
	},
	TriggerShipReturn: {
		actors: []Actor{ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusProcessingReturn},
		to:     domain.OrderStatusReturning,
	},
	TriggerConfirmReturn: {
		actors: []Actor{ActorCustomer},
		from:   []OrderStatus{domain.OrderStatusReturning},
		to:     domain.OrderStatusReturned,
	},
	TriggerRejectReturn: {
		actors: []Actor{ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusProcessingReturn, domain.OrderStatusReturning},
		to:     domain.OrderStatusCompleted,
	},
	TriggerWithdrawReturn: {
		actors: []Actor{ActorCustomer, ActorAdmin},
		from:   []OrderStatus{domain.OrderStatusProcessingReturn},
		to:     domain.OrderStatusCompleted,
	},
}

// ParseTrigger normalises a raw trigger name.
func ParseTrigger(raw string) (Trigger, bool) {
	candidate := Trigger(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := orderTransitions[candidate]; ok {
		return candidate, true
	}
	return "", false
}

// ParseActor normalises a raw actor role.
func ParseActor(raw string) (Actor, bool) {
	switch Actor(strings.ToLower(strings.TrimSpace(raw))) {
	case ActorCustomer:
		return ActorCustomer, true
	case ActorAdmin:
		return ActorAdmin, true
	case ActorSystem:
		return ActorSystem, true
	}
	return "", false
}

// NextStatus returns the status the trigger leads to from current. It fails with
// ErrOrderForbidden when the actor may not fire the trigger and ErrOrderInvalidState when current
// is not an allowed source.
func NextStatus(trigger Trigger, actor Actor, current OrderStatus) (OrderStatus, error) {
	rule, ok := orderTransitions[trigger]
	if !ok {
		return "", fmt.Errorf("%w: unknown trigger %q", ErrOrderInvalidInput, trigger)
	}
	if !slices.Contains(rule.actors, actor) {
		return "", fmt.Errorf("%w: %s cannot %s orders", ErrOrderForbidden, actor, trigger)
	}
	if !slices.Contains(rule.from, current) {
		return "", fmt.Errorf("%w: cannot %s an order in status %s", ErrOrderInvalidState, trigger, current)
	}
	return rule.to, nil
}

// TriggerFor resolves the trigger that moves an order from current to target for the actor. An
// admin completing a return in progress rejects it; refund_rejected names that move explicitly.
func TriggerFor(current, target OrderStatus, actor Actor) (Trigger, error) {
	candidates := triggerOrder
	if target == domain.OrderStatusRefundRejected {
		candidates, target = []Trigger{TriggerRejectReturn}, domain.OrderStatusCompleted
	}
	forbidden := false
	for _, trigger := range candidates {
		rule := orderTransitions[trigger]
		if rule.to != target || !slices.Contains(rule.from, current) {
			continue
		}
		if slices.Contains(rule.actors, actor) {
			return trigger, nil
		}
		forbidden = true
	}
	if forbidden {
		return "", fmt.Errorf("%w: %s cannot move orders from %s to %s", ErrOrderForbidden, actor, current, target)
	}
	return "", fmt.Errorf("%w: cannot move order from %s to %s", ErrOrderInvalidState, current, target)
}

// applyTransition mutates the order in place. Routes record only the first entry into a status.
func applyTransition(order *Order, trigger Trigger, to OrderStatus, reason string, now time.Time) {
	order.Status = to
	if order.Routes == nil {
		order.Routes = make(map[OrderStatus]time.Time)
	}
	if _, seen := order.Routes[to]; !seen {
		order.Routes[to] = now
	}
	order.UpdatedAt = now

	switch trigger {
	case TriggerCancel:
		order.CancelReason = reason
	case TriggerRequestReturn:
		order.ReturnReason = reason
	case TriggerWithdrawReturn:
		order.ReturnReason = ""
	}
}
