package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	reviewIDPrefix       = "rev_"
	maxReviewContentRune = 2000
	maxReviewsPerSubmit  = 50
)

var (
	// ErrReviewInvalidInput indicates validation failures for review operations.
	ErrReviewInvalidInput = errors.New("review: invalid input")
	// ErrReviewNotFound indicates the reviewed order could not be located.
	ErrReviewNotFound = errors.New("review: not found")
	// ErrReviewForbidden indicates the customer does not own the order.
	ErrReviewForbidden = errors.New("review: forbidden")
	// ErrReviewInvalidState is returned when the order cannot be reviewed in its current status.
	ErrReviewInvalidState = errors.New("review: order cannot be reviewed")
	// ErrReviewUnavailable indicates the review store could not be reached.
	ErrReviewUnavailable = errors.New("review: unavailable")
)

// ReviewServiceDeps bundles collaborators required to construct a ReviewService.
type ReviewServiceDeps struct {
	Reviews     repositories.ReviewRepository
	Orders      OrderService
	Sanitizer   *bluemonday.Policy
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type reviewService struct {
	reviews  repositories.ReviewRepository
	orders   OrderService
	sanitize *bluemonday.Policy
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewReviewService wires dependencies into a concrete ReviewService implementation.
func NewReviewService(deps ReviewServiceDeps) (ReviewService, error) {
	if deps.Reviews == nil {
		return nil, errors.New("review service: review repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("review service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return reviewIDPrefix + ulid.Make().String()
		}
	}
	policy := deps.Sanitizer
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reviewService{
		reviews: deps.Reviews,
		orders:  deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		sanitize: policy,
		newID:    idGen,
		logger:   logger,
	}, nil
}

// SubmitReviews stores reviews for a received or completed order. The first review on a received
// order completes it.
func (s *reviewService) SubmitReviews(ctx context.Context, cmd SubmitReviewsCommand) (SubmitReviewsResult, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if domain.IsGuest(customerID) {
		return SubmitReviewsResult{}, fmt.Errorf("%w: customer id is required", ErrReviewInvalidInput)
	}
	if len(cmd.Reviews) == 0 {
		return SubmitReviewsResult{}, fmt.Errorf("%w: at least one review is required", ErrReviewInvalidInput)
	}
	if len(cmd.Reviews) > maxReviewsPerSubmit {
		return SubmitReviewsResult{}, fmt.Errorf("%w: at most %d reviews per submission", ErrReviewInvalidInput, maxReviewsPerSubmit)
	}

	order, err := s.orders.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return SubmitReviewsResult{}, s.mapOrderError(err)
	}
	if order.CustomerID != customerID {
		return SubmitReviewsResult{}, ErrReviewForbidden
	}
	if order.Status != domain.OrderStatusReceived && order.Status != domain.OrderStatusCompleted {
		return SubmitReviewsResult{}, fmt.Errorf("%w: order is %s", ErrReviewInvalidState, order.Status)
	}

	purchased := make(map[string]struct{}, len(order.Items))
	for _, sku := range order.PurchasedSKUs() {
		purchased[sku] = struct{}{}
	}

	now := s.clock()
	reviews := make([]Review, 0, len(cmd.Reviews))
	for _, input := range cmd.Reviews {
		review, err := s.buildReview(order, customerID, input, purchased, now)
		if err != nil {
			return SubmitReviewsResult{}, err
		}
		reviews = append(reviews, review)
	}
	for _, review := range reviews {
		if err := s.reviews.Insert(ctx, review); err != nil {
			return SubmitReviewsResult{}, s.mapRepositoryError(err)
		}
	}
	s.logger(ctx, "review.submitted", map[string]any{
		"orderId":    order.ID,
		"customerId": customerID,
		"count":      len(reviews),
	})

	result := SubmitReviewsResult{Reviews: reviews}
	if order.Status != domain.OrderStatusReceived {
		return result, nil
	}
	transition, err := s.orders.TransitionOrder(ctx, TransitionOrderCommand{
		OrderID: order.ID,
		Trigger: TriggerSubmitReview,
		Actor:   ActorCustomer,
		ActorID: customerID,
	})
	if err != nil {
		// Reviews are stored; the scheduler completes the order later.
		s.logger(ctx, "review.complete_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return result, nil
	}
	result.Transition = &transition
	return result, nil
}

func (s *reviewService) ListOrderReviews(ctx context.Context, orderID string) ([]Review, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrReviewInvalidInput)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapOrderError(err)
	}
	reviews, err := s.reviews.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return reviews, nil
}

func (s *reviewService) buildReview(order Order, customerID string, input ReviewInput, purchased map[string]struct{}, now time.Time) (Review, error) {
	sku := strings.TrimSpace(input.SKU)
	if sku == "" {
		return Review{}, fmt.Errorf("%w: sku is required", ErrReviewInvalidInput)
	}
	if _, ok := purchased[sku]; !ok {
		return Review{}, fmt.Errorf("%w: sku %s was not purchased in this order", ErrReviewInvalidInput, sku)
	}
	if input.Rating < 1 || input.Rating > 5 {
		return Review{}, fmt.Errorf("%w: rating must be between 1 and 5", ErrReviewInvalidInput)
	}
	content := strings.TrimSpace(s.sanitize.Sanitize(input.Content))
	if utf8.RuneCountInString(content) > maxReviewContentRune {
		return Review{}, fmt.Errorf("%w: review content exceeds %d characters", ErrReviewInvalidInput, maxReviewContentRune)
	}
	return Review{
		ID:         s.newID(),
		OrderID:    order.ID,
		CustomerID: customerID,
		SKU:        sku,
		Rating:     input.Rating,
		Content:    content,
		CreatedAt:  now,
	}, nil
}

func (s *reviewService) mapOrderError(err error) error {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return fmt.Errorf("%w: %v", ErrReviewNotFound, err)
	case errors.Is(err, ErrOrderInvalidInput):
		return fmt.Errorf("%w: %v", ErrReviewInvalidInput, err)
	case errors.Is(err, ErrOrderUnavailable):
		return fmt.Errorf("%w: %v", ErrReviewUnavailable, err)
	}
	return err
}

func (s *reviewService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReviewNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrReviewUnavailable, err)
		}
	}
	return err
}
