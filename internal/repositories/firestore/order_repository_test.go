package firestore

import (
	"testing"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

func TestOrderFromDocumentStoresRejectedReturnAsCompleted(t *testing.T) {
	completedAt := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	doc := orderDocument{
		CustomerID:   "cus_1",
		Status:       "refund_rejected",
		ReturnReason: "bruised",
		Routes: map[string]time.Time{
			"completed":       completedAt,
			"refund_rejected": completedAt.Add(time.Hour),
			"teleported":      completedAt,
		},
	}

	order, err := orderFromDocument("ORD1", doc)
	if err != nil {
		t.Fatalf("orderFromDocument: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", order.Status)
	}
	if order.DisplayStatus() != domain.OrderStatusRefundRejected {
		t.Fatalf("expected refund_rejected display status, got %s", order.DisplayStatus())
	}
	if len(order.Routes) != 1 || !order.Routes[domain.OrderStatusCompleted].Equal(completedAt) {
		t.Fatalf("expected only the completed route, got %v", order.Routes)
	}
}

func TestOrderFromDocumentRejectsUnknownStatus(t *testing.T) {
	if _, err := orderFromDocument("ORD1", orderDocument{Status: "lost"}); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}
