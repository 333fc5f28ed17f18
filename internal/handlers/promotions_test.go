package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/services"
)

func newPromotionRouter(service services.PromotionService) chi.Router {
	handler := NewPromotionHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/promotions", handler.Routes)
	router.Route("/promotion-targets", handler.TargetRoutes)
	return router
}

func TestPromotionHandlersGetByID(t *testing.T) {
	service := &stubPromotionService{
		promotions: map[string]services.Promotion{
			"promo-1": {ID: "promo-1", Code: "SUMMER", Name: "Summer", DiscountType: domain.DiscountTypePercentage, DiscountValue: 10, Status: domain.PromotionStatusActive},
		},
	}
	router := newPromotionRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promotions/promo-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload promotionPayload
	decodeData(t, rr, &payload)
	if payload.Code != "SUMMER" || payload.DiscountType != string(domain.DiscountTypePercentage) {
		t.Fatalf("unexpected payload %#v", payload)
	}

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/promotions/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", missing.Code)
	}
	if body := decodeEnvelope(t, missing); body.Error != "promotion_not_found" {
		t.Fatalf("expected promotion_not_found, got %s", body.Error)
	}
}

func TestPromotionHandlersGetByCode(t *testing.T) {
	service := &stubPromotionService{
		promotions: map[string]services.Promotion{
			"promo-1": {ID: "promo-1", Code: "SUMMER"},
		},
	}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promotions/code/summer", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestPromotionHandlersListFilters(t *testing.T) {
	service := &stubPromotionService{}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promotions?status=Active&scope=product", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if service.lastFilter.Status != domain.PromotionStatusActive || string(service.lastFilter.Scope) != "product" {
		t.Fatalf("unexpected filter %#v", service.lastFilter)
	}

	active := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(active, httptest.NewRequest(http.MethodGet, "/promotions/active", nil))
	if active.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", active.Code)
	}
	var payload []promotionPayload
	decodeData(t, active, &payload)
	if payload == nil {
		t.Fatalf("expected empty list, got null")
	}
}

func TestPromotionHandlersValidateCode(t *testing.T) {
	promo := services.Promotion{ID: "promo-1", Code: "SALE10"}
	service := &stubPromotionService{
		validation: services.PromotionValidation{
			Valid:          true,
			Message:        "Mã hợp lệ",
			Promotion:      &promo,
			MatchedSKUs:    []string{"A1"},
			TargetType:     "product",
			EstimatedValue: 10000,
		},
	}

	body := `{"code":"SALE10","items":[{"sku":"A1","quantity":1,"price":100000}],"amount":100000}`
	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/promotions/validate-code", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(service.lastItems) != 1 || service.lastItems[0].ItemType != domain.ItemTypePurchased {
		t.Fatalf("expected purchased line items, got %#v", service.lastItems)
	}
	var payload struct {
		Valid          bool     `json:"valid"`
		MatchedSKUs    []string `json:"matchedSkus"`
		EstimatedValue int64    `json:"estimatedValue"`
	}
	resp := decodeData(t, rr, &payload)
	if resp.Message != "Mã hợp lệ" {
		t.Fatalf("expected validation message, got %q", resp.Message)
	}
	if !payload.Valid || payload.EstimatedValue != 10000 || len(payload.MatchedSKUs) != 1 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPromotionHandlersValidateCodeInvalid(t *testing.T) {
	service := &stubPromotionService{err: services.ErrPromotionInvalidCode}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/promotions/validate-code", strings.NewReader(`{"code":""}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPromotionHandlersCreate(t *testing.T) {
	service := &stubPromotionService{}

	body := `{"code":"NEW","name":"New","discountType":"fixed","discountValue":20000,"startDate":"2024-06-01T00:00:00Z","endDate":"2024-07-01T00:00:00Z","status":"Active"}`
	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/promotions", strings.NewReader(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(service.created) != 1 {
		t.Fatalf("expected one created promotion, got %d", len(service.created))
	}
	created := service.created[0]
	if created.DiscountValue != 20000 || created.StartDate.IsZero() || !created.EndDate.After(created.StartDate) {
		t.Fatalf("unexpected promotion %#v", created)
	}
}

func TestPromotionHandlersCreateInvalidDate(t *testing.T) {
	service := &stubPromotionService{}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/promotions", strings.NewReader(`{"code":"X","startDate":"tomorrow"}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if len(service.created) != 0 {
		t.Fatalf("service must not be called")
	}
}

func TestPromotionHandlersUpdateUsesPathID(t *testing.T) {
	service := &stubPromotionService{}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/promotions/promo-9", strings.NewReader(`{"code":"X","name":"X"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(service.created) != 1 || service.created[0].ID != "promo-9" {
		t.Fatalf("expected update for promo-9, got %#v", service.created)
	}
}

func TestPromotionHandlersConflict(t *testing.T) {
	service := &stubPromotionService{err: services.ErrPromotionConflict}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/promotions", strings.NewReader(`{"code":"DUP"}`)))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestPromotionHandlersUpsertTarget(t *testing.T) {
	service := &stubPromotionService{}

	body := `{"promotionId":"ignored","targetType":"category","targetItems":["dairy","bakery"]}`
	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/promotion-targets/promo-1", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(service.upserted) != 1 {
		t.Fatalf("expected one upsert, got %d", len(service.upserted))
	}
	target := service.upserted[0]
	if target.PromotionID != "promo-1" || string(target.Type) != "category" || len(target.Refs) != 2 {
		t.Fatalf("unexpected target %#v", target)
	}
}

func TestPromotionHandlersGetTarget(t *testing.T) {
	service := &stubPromotionService{
		targets: map[string]services.PromotionTarget{
			"promo-1": {PromotionID: "promo-1", Type: domain.TargetType("all")},
		},
	}

	rr := httptest.NewRecorder()
	newPromotionRouter(service).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promotion-targets/promo-1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload targetPayload
	decodeData(t, rr, &payload)
	if payload.TargetItems == nil {
		t.Fatalf("expected empty target items, got null")
	}
}

func TestPromotionHandlersServiceUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	newPromotionRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promotions/active", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
