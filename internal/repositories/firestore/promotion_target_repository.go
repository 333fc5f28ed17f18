package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"

	domain "github.com/greenbasket/api/internal/domain"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	promotionTargetsCollection = "promotion_targets"
	// Firestore caps "in" filters at 30 values.
	maxInQueryValues = 30
)

type promotionTargetDocument struct {
	PromotionID string    `firestore:"promotion_id"`
	TargetType  string    `firestore:"target_type"`
	TargetRefs  []string  `firestore:"target_ref"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// PromotionTargetRepository stores one target document per promotion.
type PromotionTargetRepository struct {
	targets *pfirestore.Collection[domain.PromotionTarget]
}

var _ repositories.PromotionTargetRepository = (*PromotionTargetRepository)(nil)

// NewPromotionTargetRepository constructs a Firestore-backed target repository.
func NewPromotionTargetRepository(provider *pfirestore.Provider) (*PromotionTargetRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion target repository requires firestore provider")
	}
	return &PromotionTargetRepository{
		targets: pfirestore.NewCollection[domain.PromotionTarget](provider, promotionTargetsCollection,
			pfirestore.StructEncoder(promotionTargetToDocument),
			decodePromotionTarget,
		),
	}, nil
}

// Get loads the target of a promotion.
func (r *PromotionTargetRepository) Get(ctx context.Context, promotionID string) (domain.PromotionTarget, error) {
	return r.targets.Get(ctx, promotionID)
}

// List returns every promotion target.
func (r *PromotionTargetRepository) List(ctx context.Context) ([]domain.PromotionTarget, error) {
	return r.targets.Query(ctx, nil)
}

// ListByPromotions loads the targets of the given promotions keyed by promotion ID. Promotions
// without a target are absent from the map.
func (r *PromotionTargetRepository) ListByPromotions(ctx context.Context, promotionIDs []string) (map[string]domain.PromotionTarget, error) {
	ids := uniqueTrimmed(promotionIDs)
	out := make(map[string]domain.PromotionTarget, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	chunks := chunkStrings(ids, maxInQueryValues)
	results := make([][]domain.PromotionTarget, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			found, err := r.targets.Query(gctx, func(q firestore.Query) firestore.Query {
				return q.Where(firestore.DocumentID, "in", r.docRefs(gctx, chunk))
			})
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, batch := range results {
		for _, target := range batch {
			out[target.PromotionID] = target
		}
	}
	return out, nil
}

// Upsert writes the promotion target, replacing any previous one.
func (r *PromotionTargetRepository) Upsert(ctx context.Context, target domain.PromotionTarget) error {
	return r.targets.Set(ctx, target.PromotionID, target)
}

// Delete removes the target. Missing targets are reported as not found.
func (r *PromotionTargetRepository) Delete(ctx context.Context, promotionID string) error {
	return r.targets.Delete(ctx, promotionID, firestore.Exists)
}

func (r *PromotionTargetRepository) docRefs(ctx context.Context, ids []string) []*firestore.DocumentRef {
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		ref, err := r.targets.Doc(ctx, id)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func promotionTargetToDocument(target domain.PromotionTarget) promotionTargetDocument {
	return promotionTargetDocument{
		PromotionID: target.PromotionID,
		TargetType:  string(target.Type),
		TargetRefs:  append([]string(nil), target.Refs...),
		UpdatedAt:   target.UpdatedAt.UTC(),
	}
}

func decodePromotionTarget(snap *firestore.DocumentSnapshot) (domain.PromotionTarget, error) {
	var doc promotionTargetDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PromotionTarget{}, err
	}
	return promotionTargetFromDocument(snap.Ref.ID, doc)
}

func promotionTargetFromDocument(id string, doc promotionTargetDocument) (domain.PromotionTarget, error) {
	targetType, ok := domain.ParseTargetType(doc.TargetType)
	if !ok {
		return domain.PromotionTarget{}, fmt.Errorf("unknown target_type %q", doc.TargetType)
	}
	promotionID := strings.TrimSpace(doc.PromotionID)
	if promotionID == "" {
		promotionID = id
	}
	return domain.PromotionTarget{
		PromotionID: promotionID,
		Type:        targetType,
		Refs:        append([]string(nil), doc.TargetRefs...),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}

func uniqueTrimmed(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
