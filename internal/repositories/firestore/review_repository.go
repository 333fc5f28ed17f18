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

const reviewsCollection = "reviews"

type reviewDocument struct {
	OrderID    string    `firestore:"orderId"`
	CustomerID string    `firestore:"customerId"`
	SKU        string    `firestore:"sku"`
	Rating     int       `firestore:"rating"`
	Content    string    `firestore:"content"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// ReviewRepository persists product reviews.
type ReviewRepository struct {
	reviews *pfirestore.Collection[domain.Review]
}

var _ repositories.ReviewRepository = (*ReviewRepository)(nil)

// NewReviewRepository constructs a Firestore-backed review repository.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	return &ReviewRepository{
		reviews: pfirestore.NewCollection[domain.Review](provider, reviewsCollection,
			pfirestore.StructEncoder(func(r domain.Review) reviewDocument {
				return reviewDocument{
					OrderID:    r.OrderID,
					CustomerID: r.CustomerID,
					SKU:        r.SKU,
					Rating:     r.Rating,
					Content:    r.Content,
					CreatedAt:  r.CreatedAt.UTC(),
				}
			}),
			pfirestore.StructDecoder(func(id string, doc reviewDocument) domain.Review {
				return domain.Review{
					ID:         id,
					OrderID:    doc.OrderID,
					CustomerID: doc.CustomerID,
					SKU:        doc.SKU,
					Rating:     doc.Rating,
					Content:    doc.Content,
					CreatedAt:  doc.CreatedAt.UTC(),
				}
			}),
		),
	}, nil
}

// Insert creates the review.
func (r *ReviewRepository) Insert(ctx context.Context, review domain.Review) error {
	return r.reviews.Create(ctx, review.ID, review)
}

// ListByOrder returns the reviews left on an order.
func (r *ReviewRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Review, error) {
	return r.reviews.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
}
