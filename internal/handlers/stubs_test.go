package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/repositories"
	"github.com/greenbasket/api/internal/services"
)

type stubOrderService struct {
	createFunc     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFunc        func(context.Context, string) (services.Order, error)
	listFunc       func(context.Context, string, services.Pagination) (domain.CursorPage[services.Order], error)
	listStatusFunc func(context.Context, services.OrderStatus, int) ([]services.Order, error)
	deleteFunc     func(context.Context, string) error
	transitionFunc func(context.Context, services.TransitionOrderCommand) (services.TransitionResult, error)
}

var _ services.OrderService = (*stubOrderService)(nil)

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	return s.createFunc(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFunc(ctx, orderID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, customerID string, pager services.Pagination) (domain.CursorPage[services.Order], error) {
	return s.listFunc(ctx, customerID, pager)
}

func (s *stubOrderService) ListOrdersByStatus(ctx context.Context, status services.OrderStatus, limit int) ([]services.Order, error) {
	return s.listStatusFunc(ctx, status, limit)
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, orderID string) error {
	return s.deleteFunc(ctx, orderID)
}

func (s *stubOrderService) TransitionOrder(ctx context.Context, cmd services.TransitionOrderCommand) (services.TransitionResult, error) {
	return s.transitionFunc(ctx, cmd)
}

type stubCartService struct {
	getFunc    func(context.Context, string) (services.Cart, error)
	addFunc    func(context.Context, services.AddCartItemCommand) (services.Cart, error)
	updateFunc func(context.Context, services.UpdateCartItemCommand) (services.Cart, error)
	removeFunc func(context.Context, string, []string) (services.Cart, error)
	clearFunc  func(context.Context, string) error
	syncFunc   func(context.Context, services.SyncCartCommand) (services.Cart, error)
	priceFunc  func(context.Context, services.PriceCartCommand) (services.PricingResult, error)
}

var _ services.CartService = (*stubCartService)(nil)

func (s *stubCartService) GetCart(ctx context.Context, customerID string) (services.Cart, error) {
	return s.getFunc(ctx, customerID)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	return s.addFunc(ctx, cmd)
}

func (s *stubCartService) UpdateItem(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
	return s.updateFunc(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, customerID, sku string) (services.Cart, error) {
	return s.removeFunc(ctx, customerID, []string{sku})
}

func (s *stubCartService) RemoveItems(ctx context.Context, customerID string, skus []string) (services.Cart, error) {
	return s.removeFunc(ctx, customerID, skus)
}

func (s *stubCartService) ClearCart(ctx context.Context, customerID string) error {
	return s.clearFunc(ctx, customerID)
}

func (s *stubCartService) SyncCart(ctx context.Context, cmd services.SyncCartCommand) (services.Cart, error) {
	return s.syncFunc(ctx, cmd)
}

func (s *stubCartService) PriceCart(ctx context.Context, cmd services.PriceCartCommand) (services.PricingResult, error) {
	return s.priceFunc(ctx, cmd)
}

type stubPromotionService struct {
	promotions map[string]services.Promotion
	targets    map[string]services.PromotionTarget
	validation services.PromotionValidation
	err        error

	created    []services.Promotion
	upserted   []services.PromotionTarget
	lastFilter repositories.PromotionFilter
	lastItems  []services.LineItem
}

var _ services.PromotionService = (*stubPromotionService)(nil)

func (s *stubPromotionService) GetPromotion(_ context.Context, promotionID string) (services.Promotion, error) {
	if s.err != nil {
		return services.Promotion{}, s.err
	}
	promo, ok := s.promotions[promotionID]
	if !ok {
		return services.Promotion{}, services.ErrPromotionNotFound
	}
	return promo, nil
}

func (s *stubPromotionService) GetPromotionByCode(_ context.Context, code string) (services.Promotion, error) {
	for _, promo := range s.promotions {
		if strings.EqualFold(promo.Code, code) {
			return promo, nil
		}
	}
	return services.Promotion{}, services.ErrPromotionNotFound
}

func (s *stubPromotionService) ListPromotions(_ context.Context, filter repositories.PromotionFilter) ([]services.Promotion, error) {
	s.lastFilter = filter
	out := make([]services.Promotion, 0, len(s.promotions))
	for _, promo := range s.promotions {
		out = append(out, promo)
	}
	return out, s.err
}

func (s *stubPromotionService) ListActivePromotions(ctx context.Context) ([]services.Promotion, error) {
	return s.ListPromotions(ctx, repositories.PromotionFilter{Status: domain.PromotionStatusActive})
}

func (s *stubPromotionService) CreatePromotion(_ context.Context, cmd services.UpsertPromotionCommand) (services.Promotion, error) {
	if s.err != nil {
		return services.Promotion{}, s.err
	}
	promo := cmd.Promotion
	promo.ID = "promo_new"
	s.created = append(s.created, promo)
	return promo, nil
}

func (s *stubPromotionService) UpdatePromotion(_ context.Context, cmd services.UpsertPromotionCommand) (services.Promotion, error) {
	if s.err != nil {
		return services.Promotion{}, s.err
	}
	s.created = append(s.created, cmd.Promotion)
	return cmd.Promotion, nil
}

func (s *stubPromotionService) DeletePromotion(context.Context, string) error {
	return s.err
}

func (s *stubPromotionService) ValidateCode(_ context.Context, cmd services.ValidatePromotionCommand) (services.PromotionValidation, error) {
	s.lastItems = cmd.Items
	return s.validation, s.err
}

func (s *stubPromotionService) GetApplicable(_ context.Context, items []services.LineItem, _ int64) ([]services.ApplicablePromotion, error) {
	s.lastItems = items
	return nil, s.err
}

func (s *stubPromotionService) CheckApplicability(_ context.Context, _ string, items []services.LineItem) (services.Applicability, error) {
	s.lastItems = items
	return services.Applicability{}, s.err
}

func (s *stubPromotionService) BuildPriceCommand(context.Context, string, []services.LineItem) (services.PriceCommand, error) {
	return services.PriceCommand{}, s.err
}

func (s *stubPromotionService) GetTarget(_ context.Context, promotionID string) (services.PromotionTarget, error) {
	target, ok := s.targets[promotionID]
	if !ok {
		return services.PromotionTarget{}, services.ErrPromotionNotFound
	}
	return target, nil
}

func (s *stubPromotionService) ListTargets(context.Context) ([]services.PromotionTarget, error) {
	out := make([]services.PromotionTarget, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, target)
	}
	return out, s.err
}

func (s *stubPromotionService) UpsertTarget(_ context.Context, target services.PromotionTarget) (services.PromotionTarget, error) {
	if s.err != nil {
		return services.PromotionTarget{}, s.err
	}
	s.upserted = append(s.upserted, target)
	return target, nil
}

func (s *stubPromotionService) DeleteTarget(context.Context, string) error {
	return s.err
}

type stubReviewService struct {
	submitFunc func(context.Context, services.SubmitReviewsCommand) (services.SubmitReviewsResult, error)
	listFunc   func(context.Context, string) ([]services.Review, error)
}

var _ services.ReviewService = (*stubReviewService)(nil)

func (s *stubReviewService) SubmitReviews(ctx context.Context, cmd services.SubmitReviewsCommand) (services.SubmitReviewsResult, error) {
	return s.submitFunc(ctx, cmd)
}

func (s *stubReviewService) ListOrderReviews(ctx context.Context, orderID string) ([]services.Review, error) {
	return s.listFunc(ctx, orderID)
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

var _ services.SystemService = (*stubSystemService)(nil)

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var handlerTestNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func withIdentity(req *http.Request, uid string, admin bool) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Admin: admin}))
}

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var body envelopeBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) envelopeBody {
	t.Helper()
	body := decodeEnvelope(t, rr)
	if err := json.Unmarshal(body.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", body.Data, err)
	}
	return body
}

func sampleOrder(id, customerID string, status domain.OrderStatus) services.Order {
	return services.Order{
		ID:         id,
		CustomerID: customerID,
		Status:     status,
		Items: []services.LineItem{
			{SKU: "A1", ProductName: "Apples", Quantity: 2, Price: 50000, ItemType: domain.ItemTypePurchased},
		},
		Routes:      map[domain.OrderStatus]time.Time{domain.OrderStatusPending: handlerTestNow},
		Subtotal:    100000,
		ShippingFee: 30000,
		TotalAmount: 130000,
		CreatedAt:   handlerTestNow,
		UpdatedAt:   handlerTestNow,
	}
}
