package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greenbasket/api/internal/platform/storage"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	defaultArchiveLimit = 5000
	archiveContentType  = "application/x-ndjson"
)

var (
	// ErrArchiveInvalidInput indicates an archive request with bad parameters.
	ErrArchiveInvalidInput = errors.New("archive: invalid input")
	// ErrArchiveUnavailable indicates the order store or bucket could not be reached.
	ErrArchiveUnavailable = errors.New("archive: unavailable")
)

// ObjectWriter uploads archive payloads.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, metadata map[string]string, body io.Reader) (int64, error)
}

// DownloadSigner issues short-lived links to archived objects.
type DownloadSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// ArchiveServiceDeps configures the order archive export.
type ArchiveServiceDeps struct {
	Orders repositories.OrderRepository
	Writer ObjectWriter
	Signer DownloadSigner
	Bucket string
	Limit  int
	Tracer trace.Tracer
	Clock  func() time.Time
	Logger func(context.Context, string, map[string]any)
}

type archiveService struct {
	orders repositories.OrderRepository
	writer ObjectWriter
	signer DownloadSigner
	bucket string
	limit  int
	tracer trace.Tracer
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// archivedOrder is the exported line format. Field names are stable for downstream loaders.
type archivedOrder struct {
	ID               string            `json:"id"`
	CustomerID       string            `json:"customerId"`
	Status           string            `json:"status"`
	Items            []archivedItem    `json:"items"`
	Routes           map[string]string `json:"routes"`
	Subtotal         int64             `json:"subtotal"`
	ShippingFee      int64             `json:"shippingFee"`
	ShippingDiscount int64             `json:"shippingDiscount"`
	Discount         int64             `json:"discount"`
	VATRate          int64             `json:"vatRate"`
	VATAmount        int64             `json:"vatAmount"`
	TotalAmount      int64             `json:"totalAmount"`
	PaymentMethod    string            `json:"paymentMethod"`
	PromotionCode    string            `json:"promotionCode,omitempty"`
	CancelReason     string            `json:"cancelReason,omitempty"`
	ReturnReason     string            `json:"returnReason,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type archivedItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"productName"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
	ItemType string `json:"itemType"`
}

// NewArchiveService validates dependencies.
func NewArchiveService(deps ArchiveServiceDeps) (ArchiveService, error) {
	if deps.Orders == nil {
		return nil, errors.New("archive service: order repository is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("archive service: object writer is required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket == "" {
		return nil, errors.New("archive service: bucket is required")
	}
	limit := deps.Limit
	if limit <= 0 {
		limit = defaultArchiveLimit
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/greenbasket/api/internal/services")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &archiveService{
		orders: deps.Orders,
		writer: deps.Writer,
		signer: deps.Signer,
		bucket: bucket,
		limit:  limit,
		tracer: tracer,
		now:    func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// ArchiveOrders exports orders updated since the given time as newline-delimited JSON.
func (s *archiveService) ArchiveOrders(ctx context.Context, since time.Time) (ArchiveResult, error) {
	now := s.now()
	if since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}
	since = since.UTC()
	if since.After(now) {
		return ArchiveResult{}, fmt.Errorf("%w: since is in the future", ErrArchiveInvalidInput)
	}

	ctx, span := s.tracer.Start(ctx, "archive.orders")
	defer span.End()

	orders, err := s.orders.ListUpdatedSince(ctx, since, s.limit)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, order := range orders {
		if err := enc.Encode(toArchivedOrder(order)); err != nil {
			return ArchiveResult{}, fmt.Errorf("archive: encode order %s: %w", order.ID, err)
		}
	}

	object, err := storage.ArchiveObject{At: now}.Path()
	if err != nil {
		return ArchiveResult{}, err
	}
	written, err := s.writer.WriteObject(ctx, s.bucket, object, archiveContentType, map[string]string{
		"since":  since.Format(time.RFC3339),
		"orders": strconv.Itoa(len(orders)),
	}, &buf)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}

	result := ArchiveResult{
		Object:  object,
		Orders:  len(orders),
		Bytes:   written,
		Since:   since,
		Written: now,
	}
	if s.signer != nil {
		link, err := s.signer.SignedDownloadURL(ctx, s.bucket, object, storage.DownloadOptions{Filename: path.Base(object), ResponseType: archiveContentType})
		if err != nil {
			s.logger(ctx, "archive.sign_failed", map[string]any{"object": object, "error": err.Error()})
		} else {
			result.DownloadURL = link.URL
			result.DownloadExpiresAt = link.ExpiresAt
		}
	}

	span.SetAttributes(
		attribute.String("archive.object", object),
		attribute.Int("archive.orders", len(orders)),
	)
	s.logger(ctx, "archive.orders_written", map[string]any{
		"bucket": s.bucket,
		"object": object,
		"orders": len(orders),
		"bytes":  written,
		"since":  since.Format(time.RFC3339),
	})
	return result, nil
}

func toArchivedOrder(order Order) archivedOrder {
	out := archivedOrder{
		ID:               order.ID,
		CustomerID:       order.CustomerID,
		Status:           string(order.Status),
		Items:            make([]archivedItem, 0, len(order.Items)),
		Routes:           make(map[string]string, len(order.Routes)),
		Subtotal:         order.Subtotal,
		ShippingFee:      order.ShippingFee,
		ShippingDiscount: order.ShippingDiscount,
		Discount:         order.Discount,
		VATRate:          order.VATRate,
		VATAmount:        order.VATAmount,
		TotalAmount:      order.TotalAmount,
		PaymentMethod:    order.PaymentMethod,
		PromotionCode:    order.PromotionCode,
		CancelReason:     order.CancelReason,
		ReturnReason:     order.ReturnReason,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, archivedItem{
			SKU:      item.SKU,
			Name:     item.ProductName,
			Quantity: item.Quantity,
			Price:    item.Price,
			ItemType: string(item.ItemType),
		})
	}
	for status, ts := range order.Routes {
		out.Routes[string(status)] = ts.UTC().Format(time.RFC3339)
	}
	return out
}
