package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const promotionsCollection = "promotions"

type promotionDocument struct {
	Code           string    `firestore:"code"`
	CodeKey        string    `firestore:"codeKey"`
	Name           string    `firestore:"name"`
	Description    string    `firestore:"description,omitempty"`
	DiscountType   string    `firestore:"discountType"`
	DiscountValue  int64     `firestore:"discountValue"`
	MaxDiscount    *int64    `firestore:"maxDiscount,omitempty"`
	MinOrderAmount int64     `firestore:"minOrderAmount"`
	Scope          string    `firestore:"scope"`
	StartDate      time.Time `firestore:"startDate"`
	EndDate        time.Time `firestore:"endDate"`
	Status         string    `firestore:"status"`
	UsageLimit     int       `firestore:"usageLimit"`
	UsageCount     int       `firestore:"usageCount"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// PromotionRepository implements repositories.PromotionRepository on Firestore.
type PromotionRepository struct {
	promotions *pfirestore.Collection[domain.Promotion]
}

var _ repositories.PromotionRepository = (*PromotionRepository)(nil)

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		promotions: pfirestore.NewCollection[domain.Promotion](provider, promotionsCollection,
			pfirestore.StructEncoder(promotionToDocument),
			pfirestore.StructDecoder(promotionFromDocument),
		),
	}, nil
}

// Insert creates the promotion document.
func (r *PromotionRepository) Insert(ctx context.Context, promotion domain.Promotion) error {
	return r.promotions.Create(ctx, promotion.ID, promotion)
}

// Update overwrites the promotion document.
func (r *PromotionRepository) Update(ctx context.Context, promotion domain.Promotion) error {
	return r.promotions.Set(ctx, promotion.ID, promotion)
}

// Delete removes the promotion. Missing promotions are reported as not found.
func (r *PromotionRepository) Delete(ctx context.Context, promotionID string) error {
	return r.promotions.Delete(ctx, promotionID, firestore.Exists)
}

// FindByID loads a promotion.
func (r *PromotionRepository) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	return r.promotions.Get(ctx, promotionID)
}

// FindByCode looks a promotion up by its case-insensitive code.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	key := promotionCodeKey(code)
	if key == "" {
		return domain.Promotion{}, errors.New("promotion repository: code is required")
	}
	found, err := r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("codeKey", "==", key).Limit(1)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(found) == 0 {
		return domain.Promotion{}, pfirestore.NotFound("promotions.findByCode", fmt.Errorf("promotion code %q not found", code))
	}
	return found[0], nil
}

// List returns promotions matching the filter, newest first.
func (r *PromotionRepository) List(ctx context.Context, filter repositories.PromotionFilter) ([]domain.Promotion, error) {
	return r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		if filter.Scope != "" {
			q = q.Where("scope", "==", string(filter.Scope))
		}
		return q.OrderBy("createdAt", firestore.Desc)
	})
}

// ListActive returns Active promotions whose validity window contains now. The window is checked
// in memory since open-ended promotions have no end date.
func (r *PromotionRepository) ListActive(ctx context.Context, now time.Time) ([]domain.Promotion, error) {
	all, err := r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.PromotionStatusActive))
	})
	if err != nil {
		return nil, err
	}
	active := make([]domain.Promotion, 0, len(all))
	for _, promotion := range all {
		if promotion.ActiveAt(now) {
			active = append(active, promotion)
		}
	}
	return active, nil
}

// IncrementUsage bumps the usage counter.
func (r *PromotionRepository) IncrementUsage(ctx context.Context, promotionID string, now time.Time) error {
	return r.promotions.Update(ctx, promotionID, []firestore.Update{
		{Path: "usageCount", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

func promotionCodeKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func promotionToDocument(p domain.Promotion) promotionDocument {
	doc := promotionDocument{
		Code:           strings.TrimSpace(p.Code),
		CodeKey:        promotionCodeKey(p.Code),
		Name:           p.Name,
		Description:    p.Description,
		DiscountType:   string(p.DiscountType),
		DiscountValue:  p.DiscountValue,
		MinOrderAmount: p.MinOrderAmount,
		Scope:          string(p.Scope),
		StartDate:      p.StartDate.UTC(),
		EndDate:        p.EndDate.UTC(),
		Status:         string(p.Status),
		UsageLimit:     p.UsageLimit,
		UsageCount:     p.UsageCount,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
	if p.MaxDiscount != nil {
		v := *p.MaxDiscount
		doc.MaxDiscount = &v
	}
	return doc
}

func promotionFromDocument(id string, doc promotionDocument) domain.Promotion {
	p := domain.Promotion{
		ID:             id,
		Code:           doc.Code,
		Name:           doc.Name,
		Description:    doc.Description,
		DiscountType:   domain.DiscountType(doc.DiscountType),
		DiscountValue:  doc.DiscountValue,
		MinOrderAmount: doc.MinOrderAmount,
		Scope:          domain.PromotionScope(doc.Scope),
		StartDate:      doc.StartDate.UTC(),
		EndDate:        doc.EndDate.UTC(),
		Status:         domain.PromotionStatus(doc.Status),
		UsageLimit:     doc.UsageLimit,
		UsageCount:     doc.UsageCount,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
	if doc.MaxDiscount != nil {
		v := *doc.MaxDiscount
		p.MaxDiscount = &v
	}
	return p
}
