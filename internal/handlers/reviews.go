package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greenbasket/api/internal/platform/httpx"
	"github.com/greenbasket/api/internal/services"
)

const maxReviewBodySize = 32 * 1024

// ReviewHandlers exposes product reviews left on delivered orders. Routes are registered inside
// the authenticated /orders group.
type ReviewHandlers struct {
	reviews services.ReviewService
}

// NewReviewHandlers constructs a new ReviewHandlers instance.
func NewReviewHandlers(reviews services.ReviewService) *ReviewHandlers {
	return &ReviewHandlers{reviews: reviews}
}

// Routes registers the /orders/{orderID}/reviews endpoints.
func (h *ReviewHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}/reviews", h.submitReviews)
	r.Get("/{orderID}/reviews", h.listReviews)
}

type submitReviewsRequest struct {
	Reviews []reviewRequest `json:"reviews"`
}

type reviewRequest struct {
	SKU     string `json:"sku"`
	Rating  int    `json:"rating"`
	Content string `json:"content"`
}

type reviewPayload struct {
	ID         string `json:"id"`
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	SKU        string `json:"sku"`
	Rating     int    `json:"rating"`
	Content    string `json:"content,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type submitReviewsPayload struct {
	Reviews    []reviewPayload    `json:"reviews"`
	Transition *transitionPayload `json:"transition,omitempty"`
}

func (h *ReviewHandlers) submitReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeUnavailable(ctx, w, "review")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req submitReviewsRequest
	if !decodeJSONBody(w, r, maxReviewBodySize, &req) {
		return
	}

	inputs := make([]services.ReviewInput, 0, len(req.Reviews))
	for _, review := range req.Reviews {
		inputs = append(inputs, services.ReviewInput{
			SKU:     review.SKU,
			Rating:  review.Rating,
			Content: review.Content,
		})
	}
	result, err := h.reviews.SubmitReviews(ctx, services.SubmitReviewsCommand{
		OrderID:    orderID,
		CustomerID: identity.UID,
		Reviews:    inputs,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	payload := submitReviewsPayload{Reviews: buildReviewPayloads(result.Reviews)}
	if result.Transition != nil {
		transition := buildTransitionPayload(*result.Transition)
		payload.Transition = &transition
	}
	httpx.WriteMessage(w, http.StatusCreated, payload, "Cảm ơn bạn đã đánh giá")
}

func (h *ReviewHandlers) listReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeUnavailable(ctx, w, "review")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	reviews, err := h.reviews.ListOrderReviews(ctx, orderID)
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}
	for _, review := range reviews {
		if !identity.Owns(review.CustomerID) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{"reviews": buildReviewPayloads(reviews)})
}

func buildReviewPayloads(reviews []services.Review) []reviewPayload {
	out := make([]reviewPayload, 0, len(reviews))
	for _, review := range reviews {
		out = append(out, reviewPayload{
			ID:         review.ID,
			OrderID:    review.OrderID,
			CustomerID: review.CustomerID,
			SKU:        review.SKU,
			Rating:     review.Rating,
			Content:    review.Content,
			CreatedAt:  formatTime(review.CreatedAt),
		})
	}
	return out
}

func writeReviewError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReviewInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReviewNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReviewForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order belongs to another customer", http.StatusForbidden))
	case errors.Is(err, services.ErrReviewInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_reviewable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReviewUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "review store is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("review_error", "failed to process reviews", http.StatusInternalServerError))
	}
}
