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
	"github.com/greenbasket/api/internal/platform/pagination"
	"github.com/greenbasket/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	CustomerID       string               `firestore:"customerId"`
	Items            []lineItemDocument   `firestore:"items"`
	Status           string               `firestore:"status"`
	Routes           map[string]time.Time `firestore:"routes"`
	Subtotal         int64                `firestore:"subtotal"`
	ShippingFee      int64                `firestore:"shippingFee"`
	ShippingDiscount int64                `firestore:"shippingDiscount"`
	Discount         int64                `firestore:"discount"`
	VATRate          int64                `firestore:"vatRate"`
	VATAmount        int64                `firestore:"vatAmount"`
	TotalAmount      int64                `firestore:"totalAmount"`
	PaymentMethod    string               `firestore:"paymentMethod"`
	ShippingInfo     shippingInfoDocument `firestore:"shippingInfo"`
	PromotionCode    string               `firestore:"promotionCode,omitempty"`
	PromotionName    string               `firestore:"promotionName,omitempty"`
	WantInvoice      bool                 `firestore:"wantInvoice"`
	InvoiceInfo      *invoiceDocument     `firestore:"invoiceInfo,omitempty"`
	ConsultantCode   string               `firestore:"consultantCode,omitempty"`
	CancelReason     string               `firestore:"cancelReason,omitempty"`
	ReturnReason     string               `firestore:"returnReason,omitempty"`
	FulfilledAt      *time.Time           `firestore:"fulfilledAt,omitempty"`
	CreatedAt        time.Time            `firestore:"createdAt"`
	UpdatedAt        time.Time            `firestore:"updatedAt"`
}

type lineItemDocument struct {
	SKU           string `firestore:"sku"`
	ProductName   string `firestore:"productName"`
	Quantity      int    `firestore:"quantity"`
	Price         int64  `firestore:"price"`
	OriginalPrice int64  `firestore:"originalPrice"`
	ItemType      string `firestore:"itemType"`
	Category      string `firestore:"category,omitempty"`
	Brand         string `firestore:"brand,omitempty"`
	Unit          string `firestore:"unit,omitempty"`
	Image         string `firestore:"image,omitempty"`
}

type shippingInfoDocument struct {
	FullName string          `firestore:"fullName"`
	Phone    string          `firestore:"phone"`
	Email    string          `firestore:"email,omitempty"`
	Address  addressDocument `firestore:"address"`
}

type addressDocument struct {
	City     string `firestore:"city"`
	District string `firestore:"district"`
	Ward     string `firestore:"ward"`
	Detail   string `firestore:"detail"`
}

type invoiceDocument struct {
	CompanyName string `firestore:"companyName"`
	TaxCode     string `firestore:"taxCode"`
	Address     string `firestore:"address"`
	Email       string `firestore:"email,omitempty"`
}

// OrderRepository implements repositories.OrderRepository on Firestore.
type OrderRepository struct {
	orders *pfirestore.Collection[domain.Order]
	uow    *pfirestore.UnitOfWork
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		orders: pfirestore.NewCollection[domain.Order](provider, ordersCollection, encodeOrder, decodeOrder),
		uow:    pfirestore.NewUnitOfWork(provider),
	}, nil
}

// Insert creates the order document. An existing ID is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, order)
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.orders.Get(ctx, orderID)
}

// ListByCustomer pages through the customer's orders newest first.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository: customer id is required")
	}
	cursor, err := pagination.ParseToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pager.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	items, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", customerID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.After, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var page domain.CursorPage[domain.Order]
	page.Items, page.NextPageToken = pagination.Split(items, size, func(o domain.Order) pagination.Cursor {
		return pagination.Cursor{After: o.CreatedAt, ID: o.ID}
	})
	return page, nil
}

// ListByStatus returns up to limit orders currently in status, oldest update first.
func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if status == domain.OrderStatusRefundRejected {
			// Rejected returns are completed orders that kept their return reason.
			q = q.Where("status", "==", string(domain.OrderStatusCompleted)).
				Where("returnReason", ">", "").
				OrderBy("returnReason", firestore.Asc)
		} else {
			q = q.Where("status", "==", string(status))
		}
		q = q.OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

// ListUpdatedSince returns orders modified at or after since, oldest first.
func (r *OrderRepository) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Order, error) {
	return r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("updatedAt", ">=", since.UTC()).OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

// TransitionStatus performs the compare-and-swap on the order status inside a transaction. On a
// mismatch the current order is returned together with repositories.ErrStatusMismatch.
func (r *OrderRepository) TransitionStatus(ctx context.Context, orderID string, expected domain.OrderStatus, mutate func(*domain.Order) error) (domain.Order, error) {
	if mutate == nil {
		return domain.Order{}, errors.New("order repository: mutate function is required")
	}

	var result domain.Order
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != expected {
			result = current
			return repositories.ErrStatusMismatch
		}
		next := current.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		if err := r.orders.Set(ctx, orderID, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrStatusMismatch) {
			return result, repositories.ErrStatusMismatch
		}
		return domain.Order{}, err
	}
	return result, nil
}

// SetFulfilledAt stamps the time the completion side effects ran.
func (r *OrderRepository) SetFulfilledAt(ctx context.Context, orderID string, at time.Time) error {
	return r.orders.Update(ctx, orderID, []firestore.Update{
		{Path: "fulfilledAt", Value: at.UTC()},
	})
}

// Delete removes the order document.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.orders.Delete(ctx, orderID, firestore.Exists)
}

func encodeOrder(order domain.Order) (any, error) {
	routes := make(map[string]time.Time, len(order.Routes))
	for status, ts := range order.Routes {
		routes[string(status)] = ts.UTC()
	}
	items := make([]lineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemDocument{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			ItemType:      string(item.ItemType),
			Category:      item.Category,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
		})
	}

	doc := orderDocument{
		CustomerID:       order.CustomerID,
		Items:            items,
		Status:           string(order.Status),
		Routes:           routes,
		Subtotal:         order.Subtotal,
		ShippingFee:      order.ShippingFee,
		ShippingDiscount: order.ShippingDiscount,
		Discount:         order.Discount,
		VATRate:          order.VATRate,
		VATAmount:        order.VATAmount,
		TotalAmount:      order.TotalAmount,
		PaymentMethod:    order.PaymentMethod,
		ShippingInfo: shippingInfoDocument{
			FullName: order.ShippingInfo.FullName,
			Phone:    order.ShippingInfo.Phone,
			Email:    order.ShippingInfo.Email,
			Address: addressDocument{
				City:     order.ShippingInfo.Address.City,
				District: order.ShippingInfo.Address.District,
				Ward:     order.ShippingInfo.Address.Ward,
				Detail:   order.ShippingInfo.Address.Detail,
			},
		},
		PromotionCode:  order.PromotionCode,
		PromotionName:  order.PromotionName,
		WantInvoice:    order.WantInvoice,
		ConsultantCode: order.ConsultantCode,
		CancelReason:   order.CancelReason,
		ReturnReason:   order.ReturnReason,
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
	}
	if order.InvoiceInfo != nil {
		doc.InvoiceInfo = &invoiceDocument{
			CompanyName: order.InvoiceInfo.CompanyName,
			TaxCode:     order.InvoiceInfo.TaxCode,
			Address:     order.InvoiceInfo.Address,
			Email:       order.InvoiceInfo.Email,
		}
	}
	if order.FulfilledAt != nil {
		ts := order.FulfilledAt.UTC()
		doc.FulfilledAt = &ts
	}
	return doc, nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, err
	}
	return orderFromDocument(snap.Ref.ID, doc)
}

func orderFromDocument(id string, doc orderDocument) (domain.Order, error) {
	status, ok := domain.ParseOrderStatus(doc.Status)
	if !ok {
		return domain.Order{}, fmt.Errorf("unknown order status %q", doc.Status)
	}
	// refund_rejected is a display status; documents carrying it are completed orders.
	if status == domain.OrderStatusRefundRejected {
		status = domain.OrderStatusCompleted
	}

	routes := make(map[domain.OrderStatus]time.Time, len(doc.Routes))
	for raw, ts := range doc.Routes {
		routeStatus, ok := domain.ParseOrderStatus(raw)
		if !ok || routeStatus == domain.OrderStatusRefundRejected {
			continue
		}
		routes[routeStatus] = ts.UTC()
	}

	items := make([]domain.LineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		itemType := domain.ItemType(item.ItemType)
		if itemType != domain.ItemTypeGifted {
			itemType = domain.ItemTypePurchased
		}
		original := item.OriginalPrice
		if original == 0 {
			original = item.Price
		}
		items = append(items, domain.LineItem{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: original,
			ItemType:      itemType,
			Category:      item.Category,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
		})
	}

	order := domain.Order{
		ID:               id,
		CustomerID:       doc.CustomerID,
		Items:            items,
		Status:           status,
		Routes:           routes,
		Subtotal:         doc.Subtotal,
		ShippingFee:      doc.ShippingFee,
		ShippingDiscount: doc.ShippingDiscount,
		Discount:         doc.Discount,
		VATRate:          doc.VATRate,
		VATAmount:        doc.VATAmount,
		TotalAmount:      doc.TotalAmount,
		PaymentMethod:    doc.PaymentMethod,
		ShippingInfo: domain.ShippingInfo{
			FullName: doc.ShippingInfo.FullName,
			Phone:    doc.ShippingInfo.Phone,
			Email:    doc.ShippingInfo.Email,
			Address: domain.ShippingAddress{
				City:     doc.ShippingInfo.Address.City,
				District: doc.ShippingInfo.Address.District,
				Ward:     doc.ShippingInfo.Address.Ward,
				Detail:   doc.ShippingInfo.Address.Detail,
			},
		},
		PromotionCode:  doc.PromotionCode,
		PromotionName:  doc.PromotionName,
		WantInvoice:    doc.WantInvoice,
		ConsultantCode: doc.ConsultantCode,
		CancelReason:   doc.CancelReason,
		ReturnReason:   doc.ReturnReason,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
	if doc.InvoiceInfo != nil {
		order.InvoiceInfo = &domain.InvoiceInfo{
			CompanyName: doc.InvoiceInfo.CompanyName,
			TaxCode:     doc.InvoiceInfo.TaxCode,
			Address:     doc.InvoiceInfo.Address,
			Email:       doc.InvoiceInfo.Email,
		}
	}
	if doc.FulfilledAt != nil {
		ts := doc.FulfilledAt.UTC()
		order.FulfilledAt = &ts
	}
	return order, nil
}
