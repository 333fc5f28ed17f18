package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const promotionUsageCollection = "promotion_usage"

type promotionUsageDocument struct {
	PromotionID string    `firestore:"promotionId"`
	Code        string    `firestore:"code"`
	CustomerID  string    `firestore:"customerId"`
	OrderID     string    `firestore:"orderId"`
	UsedAt      time.Time `firestore:"usedAt"`
}

// PromotionUsageRepository records promotion redemptions.
type PromotionUsageRepository struct {
	usage *pfirestore.Collection[domain.PromotionUsage]
}

var _ repositories.PromotionUsageRepository = (*PromotionUsageRepository)(nil)

// NewPromotionUsageRepository constructs a Firestore-backed usage repository.
func NewPromotionUsageRepository(provider *pfirestore.Provider) (*PromotionUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion usage repository requires firestore provider")
	}
	return &PromotionUsageRepository{
		usage: pfirestore.NewCollection[domain.PromotionUsage](provider, promotionUsageCollection,
			pfirestore.StructEncoder(func(u domain.PromotionUsage) promotionUsageDocument {
				return promotionUsageDocument{
					PromotionID: u.PromotionID,
					Code:        u.Code,
					CustomerID:  u.CustomerID,
					OrderID:     u.OrderID,
					UsedAt:      u.UsedAt.UTC(),
				}
			}),
			pfirestore.StructDecoder(func(id string, doc promotionUsageDocument) domain.PromotionUsage {
				return domain.PromotionUsage{
					ID:          id,
					PromotionID: doc.PromotionID,
					Code:        doc.Code,
					CustomerID:  doc.CustomerID,
					OrderID:     doc.OrderID,
					UsedAt:      doc.UsedAt.UTC(),
				}
			}),
		),
	}, nil
}

// Insert records a redemption.
func (r *PromotionUsageRepository) Insert(ctx context.Context, usage domain.PromotionUsage) error {
	return r.usage.Create(ctx, usage.ID, usage)
}

// ListByPromotion returns redemptions of a promotion newest first.
func (r *PromotionUsageRepository) ListByPromotion(ctx context.Context, promotionID string, limit int) ([]domain.PromotionUsage, error) {
	return r.usage.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("promotionId", "==", promotionID).OrderBy("usedAt", firestore.Desc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

// CountByCustomer counts how often the customer redeemed the promotion.
func (r *PromotionUsageRepository) CountByCustomer(ctx context.Context, promotionID, customerID string) (int, error) {
	found, err := r.usage.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("promotionId", "==", promotionID).Where("customerId", "==", customerID)
	})
	if err != nil {
		return 0, err
	}
	return len(found), nil
}
