package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
)

const idempotencyCollection = "idempotencyKeys"

// FirestoreStore keeps entries in the idempotencyKeys collection. A TTL policy on expiresAt
// deletes them eventually; PurgeExpired covers emulators and projects without one.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

// NewFirestoreStore returns a store on the provider's client.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(idempotencyCollection).Doc(key), nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, expiresAt time.Time) (Entry, State, error) {
	doc, err := s.ref(ctx, key)
	if err != nil {
		return Entry{}, StateNew, err
	}
	var (
		entry Entry
		st    State
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fresh := Entry{Fingerprint: fingerprint, ExpiresAt: expiresAt}
		snap, err := tx.Get(doc)
		if err != nil {
			if wrapped := pfirestore.WrapError("idempotency.claim", err); !isNotFound(wrapped) {
				return wrapped
			}
			entry, st = fresh, StateNew
			return tx.Create(doc, fresh)
		}
		var existing Entry
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if !existing.ExpiresAt.After(time.Now()) {
			entry, st = fresh, StateNew
			return tx.Set(doc, fresh)
		}
		if existing.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		entry, st = existing, state(existing)
		return nil
	})
	if err != nil {
		return Entry{}, StateNew, err
	}
	return entry, st, nil
}

func (s *FirestoreStore) Finish(ctx context.Context, key string, entry Entry) error {
	doc, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := doc.Set(ctx, entry); err != nil {
		return pfirestore.WrapError("idempotency.finish", err)
	}
	return nil
}

func (s *FirestoreStore) Abandon(ctx context.Context, key, fingerprint string) error {
	doc, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if wrapped := pfirestore.WrapError("idempotency.abandon", err); !isNotFound(wrapped) {
				return wrapped
			}
			return nil
		}
		var existing Entry
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.Fingerprint != fingerprint || existing.Done {
			return nil
		}
		return tx.Delete(doc)
	})
}

// PurgeExpired deletes up to limit entries whose expiresAt has passed.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 200
	}
	snaps, err := client.Collection(idempotencyCollection).Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	for _, snap := range snaps {
		if _, err := writer.Delete(snap.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	writer.End()
	return len(snaps), nil
}

func isNotFound(err error) bool {
	var repoErr *pfirestore.Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
