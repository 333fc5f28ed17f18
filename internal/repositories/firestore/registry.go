package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

// Registry implements repositories.Registry with Firestore repositories sharing one provider.
type Registry struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork

	orders           *OrderRepository
	carts            *CartRepository
	promotions       *PromotionRepository
	promotionTargets *PromotionTargetRepository
	promotionUsage   *PromotionUsageRepository
	counters         *ProductCounterRepository
	notifications    *NotificationRepository
	ledger           *FulfillmentLedger
	reviews          *ReviewRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Firestore repository on one provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	reg := &Registry{
		provider: provider,
		uow:      pfirestore.NewUnitOfWork(provider),
	}

	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.promotions, err = NewPromotionRepository(provider); err != nil {
		return nil, err
	}
	if reg.promotionTargets, err = NewPromotionTargetRepository(provider); err != nil {
		return nil, err
	}
	if reg.promotionUsage, err = NewPromotionUsageRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewProductCounterRepository(provider); err != nil {
		return nil, err
	}
	if reg.notifications, err = NewNotificationRepository(provider); err != nil {
		return nil, err
	}
	if reg.ledger, err = NewFulfillmentLedger(provider); err != nil {
		return nil, err
	}
	if reg.reviews, err = NewReviewRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

func (r *Registry) Orders() repositories.OrderRepository         { return r.orders }
func (r *Registry) Carts() repositories.CartRepository           { return r.carts }
func (r *Registry) Promotions() repositories.PromotionRepository { return r.promotions }
func (r *Registry) PromotionTargets() repositories.PromotionTargetRepository {
	return r.promotionTargets
}
func (r *Registry) PromotionUsage() repositories.PromotionUsageRepository { return r.promotionUsage }
func (r *Registry) ProductCounters() repositories.ProductCounterRepository {
	return r.counters
}
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }
func (r *Registry) Fulfillment() repositories.FulfillmentLedger         { return r.ledger }
func (r *Registry) Reviews() repositories.ReviewRepository             { return r.reviews }
