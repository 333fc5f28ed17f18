package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const cartCollection = "carts"

type cartDocument struct {
	Items         []cartItemDocument `firestore:"items"`
	ItemCount     int                `firestore:"itemCount"`
	TotalQuantity int                `firestore:"totalQuantity"`
	CreatedAt     time.Time          `firestore:"createdAt"`
	UpdatedAt     time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	SKU           string    `firestore:"sku"`
	ProductName   string    `firestore:"productName"`
	Quantity      int       `firestore:"quantity"`
	Price         int64     `firestore:"price"`
	OriginalPrice int64     `firestore:"originalPrice"`
	Category      string    `firestore:"category,omitempty"`
	Subcategory   string    `firestore:"subcategory,omitempty"`
	Brand         string    `firestore:"brand,omitempty"`
	Unit          string    `firestore:"unit,omitempty"`
	Image         string    `firestore:"image,omitempty"`
	HasPromotion  bool      `firestore:"hasPromotion"`
	AddedAt       time.Time `firestore:"addedAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

// CartRepository persists carts keyed by customer ID.
type CartRepository struct {
	carts *pfirestore.Collection[domain.Cart]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[domain.Cart](provider, cartCollection,
			pfirestore.StructEncoder(cartToDocument),
			pfirestore.StructDecoder(cartFromDocument),
		),
	}, nil
}

// Get loads the customer's cart.
func (r *CartRepository) Get(ctx context.Context, customerID string) (domain.Cart, error) {
	return r.carts.Get(ctx, strings.TrimSpace(customerID))
}

// Save replaces the cart document. Last write wins.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) error {
	return r.carts.Set(ctx, strings.TrimSpace(cart.CustomerID), cart)
}

// Delete removes the cart document.
func (r *CartRepository) Delete(ctx context.Context, customerID string) error {
	return r.carts.Delete(ctx, strings.TrimSpace(customerID))
}

func cartToDocument(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemDocument{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			Category:      item.Category,
			Subcategory:   item.Subcategory,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
			HasPromotion:  item.HasPromotion,
			AddedAt:       item.AddedAt.UTC(),
			UpdatedAt:     item.UpdatedAt.UTC(),
		})
	}
	return cartDocument{
		Items:         items,
		ItemCount:     cart.ItemCount,
		TotalQuantity: cart.TotalQuantity,
		CreatedAt:     cart.CreatedAt.UTC(),
		UpdatedAt:     cart.UpdatedAt.UTC(),
	}
}

func cartFromDocument(id string, doc cartDocument) domain.Cart {
	items := make([]domain.CartItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.CartItem{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			Category:      item.Category,
			Subcategory:   item.Subcategory,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
			HasPromotion:  item.HasPromotion,
			AddedAt:       item.AddedAt.UTC(),
			UpdatedAt:     item.UpdatedAt.UTC(),
		})
	}
	return domain.Cart{
		CustomerID:    id,
		Items:         items,
		ItemCount:     doc.ItemCount,
		TotalQuantity: doc.TotalQuantity,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
}
