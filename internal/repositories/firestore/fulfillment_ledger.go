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

const fulfillmentCollection = "order_fulfillment"

type fulfillmentDocument struct {
	OrderID      string    `firestore:"orderId"`
	Effect       string    `firestore:"effect"`
	SKUs         []string  `firestore:"skus"`
	DispatchedAt time.Time `firestore:"dispatchedAt"`
}

// FulfillmentLedger stores one document per (order, effect). Creating an existing record fails
// with a conflict, which is what makes side effects at-most-once.
type FulfillmentLedger struct {
	records *pfirestore.Collection[domain.FulfillmentRecord]
}

var _ repositories.FulfillmentLedger = (*FulfillmentLedger)(nil)

// NewFulfillmentLedger constructs the Firestore-backed ledger.
func NewFulfillmentLedger(provider *pfirestore.Provider) (*FulfillmentLedger, error) {
	if provider == nil {
		return nil, errors.New("fulfillment ledger requires firestore provider")
	}
	return &FulfillmentLedger{
		records: pfirestore.NewCollection[domain.FulfillmentRecord](provider, fulfillmentCollection,
			pfirestore.StructEncoder(func(rec domain.FulfillmentRecord) fulfillmentDocument {
				return fulfillmentDocument{
					OrderID:      rec.OrderID,
					Effect:       rec.Effect,
					SKUs:         append([]string(nil), rec.SKUs...),
					DispatchedAt: rec.DispatchedAt.UTC(),
				}
			}),
			pfirestore.StructDecoder(func(_ string, doc fulfillmentDocument) domain.FulfillmentRecord {
				return domain.FulfillmentRecord{
					OrderID:      doc.OrderID,
					Effect:       doc.Effect,
					SKUs:         append([]string(nil), doc.SKUs...),
					DispatchedAt: doc.DispatchedAt.UTC(),
				}
			}),
		),
	}, nil
}

// Find loads the record for the order effect.
func (l *FulfillmentLedger) Find(ctx context.Context, orderID, effect string) (domain.FulfillmentRecord, error) {
	return l.records.Get(ctx, fulfillmentID(orderID, effect))
}

// Record creates the ledger entry.
func (l *FulfillmentLedger) Record(ctx context.Context, record domain.FulfillmentRecord) error {
	return l.records.Create(ctx, fulfillmentID(record.OrderID, record.Effect), record)
}

func fulfillmentID(orderID, effect string) string {
	return strings.TrimSpace(orderID) + "_" + strings.TrimSpace(effect)
}
