package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Encoder serialises the strongly typed entity prior to persistence.
type Encoder[T any] func(value T) (any, error)

// Decoder hydrates the strongly typed entity from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed, transaction-aware access to one Firestore collection. When the
// context carries a transaction (see WithTransaction) writes are staged on it instead of being
// committed immediately.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds a typed collection helper to the provider.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	return &Collection[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		encode:   encode,
		decode:   decode,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the underlying collection reference.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, Unavailable("collection", errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc returns the document reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%s: document id is required", c.op("doc"))
	}
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get loads and decodes a document, reading through the context transaction when present.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return zero, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TransactionFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(snap)
}

// Create writes a new document and fails with a conflict when it already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, payload, err := c.prepare(ctx, id, value)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(c.op("create"), tx.Create(ref, payload))
	}
	_, err = ref.Create(ctx, payload)
	return WrapError(c.op("create"), err)
}

// Set upserts the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	ref, payload, err := c.prepare(ctx, id, value)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(c.op("set"), tx.Set(ref, payload, opts...))
	}
	_, err = ref.Set(ctx, payload, opts...)
	return WrapError(c.op("set"), err)
}

// Update applies field updates to an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(c.op("update"), tx.Update(ref, updates, preconds...))
	}
	_, err = ref.Update(ctx, updates, preconds...)
	return WrapError(c.op("update"), err)
}

// Delete removes the document. Deleting a missing document is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string, preconds ...firestore.Precondition) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(c.op("delete"), tx.Delete(ref, preconds...))
	}
	_, err = ref.Delete(ctx, preconds...)
	return WrapError(c.op("delete"), err)
}

// Query runs a query against the collection and decodes every document.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		value, err := c.decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

func (c *Collection[T]) prepare(ctx context.Context, id string, value T) (*firestore.DocumentRef, any, error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.encode == nil {
		return nil, nil, fmt.Errorf("%s: encoder not configured", c.op("encode"))
	}
	payload, err := c.encode(value)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.op("encode"), err)
	}
	return ref, payload, nil
}

func (c *Collection[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (T, error) {
	var zero T
	if c.decode == nil {
		return zero, fmt.Errorf("%s: decoder not configured", c.op("decode"))
	}
	value, err := c.decode(snap)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", c.op("decode"), snap.Ref.ID, err)
	}
	return value, nil
}

func (c *Collection[T]) op(action string) string {
	name := "firestore"
	if c != nil && c.name != "" {
		name = c.name
	}
	return name + "." + action
}

// StructEncoder converts the entity into its tagged document struct.
func StructEncoder[T any, D any](fn func(T) D) Encoder[T] {
	return func(value T) (any, error) {
		return fn(value), nil
	}
}

// StructDecoder decodes into a document struct then converts it with fn.
func StructDecoder[D any, T any](fn func(id string, doc D) T) Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var doc D
		if err := snap.DataTo(&doc); err != nil {
			var zero T
			return zero, err
		}
		return fn(snap.Ref.ID, doc), nil
	}
}
