package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/services"
)

func newReviewRouter(service services.ReviewService) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewReviewHandlers(service).Routes)
	return router
}

func TestReviewHandlersSubmitSuccess(t *testing.T) {
	var captured services.SubmitReviewsCommand
	service := &stubReviewService{
		submitFunc: func(_ context.Context, cmd services.SubmitReviewsCommand) (services.SubmitReviewsResult, error) {
			captured = cmd
			return services.SubmitReviewsResult{
				Reviews: []services.Review{
					{ID: "rev-1", OrderID: cmd.OrderID, CustomerID: cmd.CustomerID, SKU: "A1", Rating: 5, Content: "fresh", CreatedAt: handlerTestNow},
				},
				Transition: &services.TransitionResult{
					Order:   sampleOrder(cmd.OrderID, cmd.CustomerID, domain.OrderStatusCompleted),
					Applied: true,
					From:    domain.OrderStatusReceived,
					To:      domain.OrderStatusCompleted,
					Trigger: services.TriggerSubmitReview,
				},
			}, nil
		},
	}

	body := `{"reviews":[{"sku":"A1","rating":5,"content":"fresh"}]}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ORD1/reviews", strings.NewReader(body)), "cust-1", false)
	rr := httptest.NewRecorder()
	newReviewRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ORD1" || captured.CustomerID != "cust-1" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if len(captured.Reviews) != 1 || captured.Reviews[0].Rating != 5 {
		t.Fatalf("unexpected review inputs %#v", captured.Reviews)
	}

	var payload submitReviewsPayload
	decodeData(t, rr, &payload)
	if len(payload.Reviews) != 1 || payload.Reviews[0].ID != "rev-1" {
		t.Fatalf("unexpected reviews %#v", payload.Reviews)
	}
	if payload.Transition == nil || payload.Transition.To != "completed" {
		t.Fatalf("expected completion transition, got %#v", payload.Transition)
	}
}

func TestReviewHandlersSubmitInvalidJSON(t *testing.T) {
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ORD1/reviews", strings.NewReader(`{"reviews":`)), "cust-1", false)
	rr := httptest.NewRecorder()
	newReviewRouter(&stubReviewService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReviewHandlersSubmitUnauthenticated(t *testing.T) {
	rr := httptest.NewRecorder()
	newReviewRouter(&stubReviewService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/ORD1/reviews", strings.NewReader(`{}`)))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestReviewHandlersSubmitServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid", err: services.ErrReviewInvalidInput, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "not found", err: services.ErrReviewNotFound, status: http.StatusNotFound, code: "order_not_found"},
		{name: "forbidden", err: services.ErrReviewForbidden, status: http.StatusForbidden, code: "forbidden"},
		{name: "not reviewable", err: services.ErrReviewInvalidState, status: http.StatusConflict, code: "order_not_reviewable"},
		{name: "unavailable", err: services.ErrReviewUnavailable, status: http.StatusServiceUnavailable, code: "service_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubReviewService{
				submitFunc: func(context.Context, services.SubmitReviewsCommand) (services.SubmitReviewsResult, error) {
					return services.SubmitReviewsResult{}, tc.err
				},
			}
			body := `{"reviews":[{"sku":"A1","rating":4}]}`
			req := withIdentity(httptest.NewRequest(http.MethodPost, "/orders/ORD1/reviews", strings.NewReader(body)), "cust-1", false)
			rr := httptest.NewRecorder()
			newReviewRouter(service).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if resp := decodeEnvelope(t, rr); resp.Error != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, resp.Error)
			}
		})
	}
}

func TestReviewHandlersListHidesOtherCustomers(t *testing.T) {
	service := &stubReviewService{
		listFunc: func(_ context.Context, orderID string) ([]services.Review, error) {
			return []services.Review{{ID: "rev-1", OrderID: orderID, CustomerID: "cust-2", SKU: "A1", Rating: 3}}, nil
		},
	}
	router := newReviewRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ORD1/reviews", nil), "cust-1", false))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	owner := httptest.NewRecorder()
	router.ServeHTTP(owner, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ORD1/reviews", nil), "cust-2", false))
	if owner.Code != http.StatusOK {
		t.Fatalf("expected status 200 for owner, got %d", owner.Code)
	}
	var payload struct {
		Reviews []reviewPayload `json:"reviews"`
	}
	decodeData(t, owner, &payload)
	if len(payload.Reviews) != 1 {
		t.Fatalf("expected one review, got %d", len(payload.Reviews))
	}
}

func TestReviewHandlersServiceUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	newReviewRouter(nil).ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodGet, "/orders/ORD1/reviews", nil), "cust-1", false))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
