package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const notificationsCollection = "notifications"

type notificationDocument struct {
	Kind       string    `firestore:"kind"`
	OrderID    string    `firestore:"orderId"`
	CustomerID string    `firestore:"customerId"`
	Title      string    `firestore:"title"`
	Message    string    `firestore:"message"`
	Read       bool      `firestore:"read"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// NotificationRepository stores internal notifications.
type NotificationRepository struct {
	notifications *pfirestore.Collection[domain.Notification]
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	return &NotificationRepository{
		notifications: pfirestore.NewCollection[domain.Notification](provider, notificationsCollection,
			pfirestore.StructEncoder(func(n domain.Notification) notificationDocument {
				return notificationDocument{
					Kind:       n.Kind,
					OrderID:    n.OrderID,
					CustomerID: n.CustomerID,
					Title:      n.Title,
					Message:    n.Message,
					Read:       n.Read,
					CreatedAt:  n.CreatedAt.UTC(),
				}
			}),
			pfirestore.StructDecoder(func(id string, doc notificationDocument) domain.Notification {
				return domain.Notification{
					ID:         id,
					Kind:       doc.Kind,
					OrderID:    doc.OrderID,
					CustomerID: doc.CustomerID,
					Title:      doc.Title,
					Message:    doc.Message,
					Read:       doc.Read,
					CreatedAt:  doc.CreatedAt.UTC(),
				}
			}),
		),
	}, nil
}

// Insert creates the notification.
func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	return r.notifications.Create(ctx, notification.ID, notification)
}

// ListByCustomer returns the customer's notifications newest first.
func (r *NotificationRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Notification, error) {
	return r.notifications.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", customerID).OrderBy("createdAt", firestore.Desc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}
