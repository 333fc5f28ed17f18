package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const productCountersCollection = "product_counters"

type productCounterDocument struct {
	SKU           string    `firestore:"sku"`
	PurchaseCount int64     `firestore:"purchaseCount"`
	Stock         int64     `firestore:"stock"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

// ProductCounterRepository keeps purchase counts and stock per SKU. Writes join the transaction
// carried by the context when present.
type ProductCounterRepository struct {
	counters *pfirestore.Collection[domain.ProductCounter]
	uow      *pfirestore.UnitOfWork
}

var _ repositories.ProductCounterRepository = (*ProductCounterRepository)(nil)

// NewProductCounterRepository constructs a Firestore-backed product counter repository.
func NewProductCounterRepository(provider *pfirestore.Provider) (*ProductCounterRepository, error) {
	if provider == nil {
		return nil, errors.New("product counter repository requires firestore provider")
	}
	return &ProductCounterRepository{
		counters: pfirestore.NewCollection[domain.ProductCounter](provider, productCountersCollection,
			pfirestore.StructEncoder(productCounterToDocument),
			pfirestore.StructDecoder(productCounterFromDocument),
		),
		uow: pfirestore.NewUnitOfWork(provider),
	}, nil
}

// Get loads the counter of a SKU.
func (r *ProductCounterRepository) Get(ctx context.Context, sku string) (domain.ProductCounter, error) {
	return r.counters.Get(ctx, sku)
}

// IncrementPurchases adds one to purchaseCount for every SKU using server-side increments.
func (r *ProductCounterRepository) IncrementPurchases(ctx context.Context, skus []string, now time.Time) error {
	ids := uniqueTrimmed(skus)
	if len(ids) == 0 {
		return repositories.ErrNoSKUs
	}
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := pfirestore.TransactionFromContext(ctx)
		for _, sku := range ids {
			ref, err := r.counters.Doc(ctx, sku)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"sku":           sku,
				"purchaseCount": firestore.Increment(1),
				"updatedAt":     now.UTC(),
			}
			if err := r.set(ctx, tx, ref, payload); err != nil {
				return pfirestore.WrapError("product_counters.increment", err)
			}
		}
		return nil
	})
}

// AdjustStock applies signed deltas per SKU, clamping the resulting stock at zero. All counters
// are read before any write so the call can share a transaction with other readers.
func (r *ProductCounterRepository) AdjustStock(ctx context.Context, deltas map[string]int64, now time.Time) error {
	skus := make([]string, 0, len(deltas))
	for sku, delta := range deltas {
		if strings.TrimSpace(sku) == "" {
			return fmt.Errorf("product_counters.adjust: empty sku: %w", repositories.ErrNoSKUs)
		}
		if delta != 0 {
			skus = append(skus, sku)
		}
	}
	if len(skus) == 0 {
		return nil
	}
	sort.Strings(skus)

	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current := make(map[string]int64, len(skus))
		for _, sku := range skus {
			counter, err := r.counters.Get(ctx, sku)
			if err != nil && !isNotFoundErr(err) {
				return err
			}
			current[sku] = counter.Stock
		}

		tx, _ := pfirestore.TransactionFromContext(ctx)
		for _, sku := range skus {
			next, ok := clampedStock(current[sku], deltas[sku])
			if !ok {
				return fmt.Errorf("product_counters.adjust %s: %w", sku, repositories.ErrStockOverflow)
			}
			ref, err := r.counters.Doc(ctx, sku)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"sku":       sku,
				"stock":     next,
				"updatedAt": now.UTC(),
			}
			if err := r.set(ctx, tx, ref, payload); err != nil {
				return pfirestore.WrapError("product_counters.adjust", err)
			}
		}
		return nil
	})
}

func (r *ProductCounterRepository) set(ctx context.Context, tx *firestore.Transaction, ref *firestore.DocumentRef, payload map[string]any) error {
	if tx != nil {
		return tx.Set(ref, payload, firestore.MergeAll)
	}
	_, err := ref.Set(ctx, payload, firestore.MergeAll)
	return err
}

func clampedStock(current, delta int64) (int64, bool) {
	if delta > 0 && current > math.MaxInt64-delta {
		return 0, false
	}
	return max(current+delta, 0), true
}

func isNotFoundErr(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func productCounterToDocument(counter domain.ProductCounter) productCounterDocument {
	return productCounterDocument{
		SKU:           counter.SKU,
		PurchaseCount: counter.PurchaseCount,
		Stock:         counter.Stock,
		UpdatedAt:     counter.UpdatedAt.UTC(),
	}
}

func productCounterFromDocument(id string, doc productCounterDocument) domain.ProductCounter {
	sku := doc.SKU
	if sku == "" {
		sku = id
	}
	return domain.ProductCounter{
		SKU:           sku,
		PurchaseCount: doc.PurchaseCount,
		Stock:         doc.Stock,
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
}
