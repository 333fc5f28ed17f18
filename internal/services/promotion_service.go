package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	promotionIDPrefix          = "promo_"
	activePromotionsCacheKey   = "promotions:active"
	defaultPromotionCacheTTL   = time.Minute
	promotionMessageNotFound   = "Mã khuyến mãi không tồn tại"
	promotionMessageNotStarted = "Mã khuyến mãi chưa có hiệu lực"
	promotionMessageExpired    = "Mã khuyến mãi đã hết hạn"
	promotionMessageInactive   = "Mã khuyến mãi không còn hoạt động"
	promotionMessageExhausted  = "Mã khuyến mãi đã hết lượt sử dụng"
	promotionMessageNoMatch    = "Mã khuyến mãi không áp dụng cho sản phẩm trong giỏ hàng"
	promotionMessageValid      = "Mã khuyến mãi hợp lệ"
)

// PromotionCache stores serialised promotion lookups.
type PromotionCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// PromotionServiceDeps bundles dependencies required to construct a PromotionService implementation.
type PromotionServiceDeps struct {
	Promotions  repositories.PromotionRepository
	Targets     repositories.PromotionTargetRepository
	Cache       PromotionCache
	CacheTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type promotionService struct {
	repo     repositories.PromotionRepository
	targets  repositories.PromotionTargetRepository
	cache    PromotionCache
	cacheTTL time.Duration
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
	printer  *message.Printer
}

// activeSnapshot is the cached view of active promotions and their targets.
type activeSnapshot struct {
	Promotions []Promotion                `json:"promotions"`
	Targets    map[string]PromotionTarget `json:"targets"`
}

// NewPromotionService wires a PromotionService backed by the provided repositories.
func NewPromotionService(deps PromotionServiceDeps) (PromotionService, error) {
	if deps.Promotions == nil || deps.Targets == nil {
		return nil, ErrPromotionRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultPromotionCacheTTL
	}
	return &promotionService{
		repo:     deps.Promotions,
		targets:  deps.Targets,
		cache:    deps.Cache,
		cacheTTL: ttl,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
		printer:  message.NewPrinter(language.Vietnamese),
	}, nil
}

func (s *promotionService) GetPromotion(ctx context.Context, promotionID string) (Promotion, error) {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	promo, err := s.repo.FindByID(ctx, promotionID)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

// GetPromotionByCode looks a promotion up by code ignoring case.
func (s *promotionService) GetPromotionByCode(ctx context.Context, code string) (Promotion, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Promotion{}, ErrPromotionInvalidCode
	}
	promo, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

func (s *promotionService) ListPromotions(ctx context.Context, filter repositories.PromotionFilter) ([]Promotion, error) {
	promos, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return promos, nil
}

func (s *promotionService) ListActivePromotions(ctx context.Context) ([]Promotion, error) {
	snapshot, err := s.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Promotions, nil
}

func (s *promotionService) CreatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	promo, err := normalizePromotion(cmd.Promotion)
	if err != nil {
		return Promotion{}, err
	}
	if _, err := s.repo.FindByCode(ctx, promo.Code); err == nil {
		return Promotion{}, fmt.Errorf("%w: promotion code %q already exists", ErrPromotionConflict, promo.Code)
	} else if !isRepositoryNotFound(err) {
		return Promotion{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	if strings.TrimSpace(promo.ID) == "" {
		promo.ID = promotionIDPrefix + s.newID()
	}
	promo.UsageCount = 0
	promo.CreatedAt = now
	promo.UpdatedAt = now
	if err := s.repo.Insert(ctx, promo); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	s.invalidate(ctx)
	s.logger(ctx, "promotion.created", map[string]any{"promotionId": promo.ID, "code": promo.Code})
	return promo, nil
}

func (s *promotionService) UpdatePromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	id := strings.TrimSpace(cmd.Promotion.ID)
	if id == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	promo, err := normalizePromotion(cmd.Promotion)
	if err != nil {
		return Promotion{}, err
	}
	if !strings.EqualFold(promo.Code, existing.Code) {
		if other, err := s.repo.FindByCode(ctx, promo.Code); err == nil && other.ID != id {
			return Promotion{}, fmt.Errorf("%w: promotion code %q already exists", ErrPromotionConflict, promo.Code)
		} else if err != nil && !isRepositoryNotFound(err) {
			return Promotion{}, s.mapRepositoryError(err)
		}
	}

	promo.ID = id
	promo.UsageCount = existing.UsageCount
	promo.CreatedAt = existing.CreatedAt
	promo.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, promo); err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	s.invalidate(ctx)
	s.logger(ctx, "promotion.updated", map[string]any{"promotionId": promo.ID, "code": promo.Code})
	return promo, nil
}

// DeletePromotion removes the promotion together with its target.
func (s *promotionService) DeletePromotion(ctx context.Context, promotionID string) error {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	if err := s.repo.Delete(ctx, promotionID); err != nil {
		return s.mapRepositoryError(err)
	}
	if err := s.targets.Delete(ctx, promotionID); err != nil && !isRepositoryNotFound(err) {
		s.logger(ctx, "promotion.target_delete_failed", map[string]any{"promotionId": promotionID, "error": err.Error()})
	}
	s.invalidate(ctx)
	s.logger(ctx, "promotion.deleted", map[string]any{"promotionId": promotionID})
	return nil
}

// ValidateCode checks a code against the cart. Business failures are reported through
// PromotionValidation.Message, not as errors.
func (s *promotionService) ValidateCode(ctx context.Context, cmd ValidatePromotionCommand) (PromotionValidation, error) {
	code := strings.TrimSpace(cmd.Code)
	if code == "" {
		return PromotionValidation{}, ErrPromotionInvalidCode
	}
	promo, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if isRepositoryNotFound(err) {
			return PromotionValidation{Message: promotionMessageNotFound}, nil
		}
		return PromotionValidation{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	switch {
	case !promo.StartDate.IsZero() && now.Before(promo.StartDate):
		return PromotionValidation{Message: promotionMessageNotStarted}, nil
	case !promo.EndDate.IsZero() && now.After(promo.EndDate):
		return PromotionValidation{Message: promotionMessageExpired}, nil
	case !promo.ActiveAt(now):
		return PromotionValidation{Message: promotionMessageInactive}, nil
	case promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit:
		return PromotionValidation{Message: promotionMessageExhausted}, nil
	case promo.MinOrderAmount > 0 && cmd.Amount < promo.MinOrderAmount:
		return PromotionValidation{Message: s.minOrderMessage(promo.MinOrderAmount)}, nil
	}

	target, err := s.findTarget(ctx, promo.ID)
	if err != nil {
		return PromotionValidation{}, err
	}
	applicability, err := CheckApplicability(promo, target, cmd.Items)
	if err != nil {
		s.logger(ctx, "promotion.target_invalid", map[string]any{"promotionId": promo.ID, "error": err.Error()})
		return PromotionValidation{Message: promotionMessageNoMatch}, nil
	}
	if !applicability.Applicable {
		return PromotionValidation{Message: promotionMessageNoMatch}, nil
	}
	return PromotionValidation{
		Valid:          true,
		Message:        promotionMessageValid,
		Promotion:      &promo,
		MatchedSKUs:    applicability.MatchedSKUs,
		TargetType:     applicability.TargetType,
		EstimatedValue: estimateDiscount(promo, cmd.Amount),
	}, nil
}

// GetApplicable lists active promotions whose minimum order and target fit the cart.
func (s *promotionService) GetApplicable(ctx context.Context, items []LineItem, amount int64) ([]ApplicablePromotion, error) {
	snapshot, err := s.activeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ApplicablePromotion, 0, len(snapshot.Promotions))
	for _, promo := range snapshot.Promotions {
		if promo.MinOrderAmount > 0 && amount < promo.MinOrderAmount {
			continue
		}
		if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
			continue
		}
		var target *PromotionTarget
		if t, ok := snapshot.Targets[promo.ID]; ok {
			target = &t
		}
		applicability, err := CheckApplicability(promo, target, items)
		if err != nil || !applicability.Applicable {
			continue
		}
		out = append(out, ApplicablePromotion{
			Promotion:   promo,
			MatchedSKUs: applicability.MatchedSKUs,
			TargetType:  applicability.TargetType,
		})
	}
	return out, nil
}

// CheckApplicability accepts either a promotion code or a promotion id.
func (s *promotionService) CheckApplicability(ctx context.Context, ref string, items []LineItem) (Applicability, error) {
	promo, err := s.resolvePromotion(ctx, ref)
	if err != nil {
		return Applicability{}, err
	}
	target, err := s.findTarget(ctx, promo.ID)
	if err != nil {
		return Applicability{}, err
	}
	result, err := CheckApplicability(promo, target, items)
	if err != nil {
		return Applicability{}, fmt.Errorf("%w: %v", ErrPromotionInvalidInput, err)
	}
	return result, nil
}

func (s *promotionService) BuildPriceCommand(ctx context.Context, code string, items []LineItem) (PriceCommand, error) {
	cmd := PriceCommand{Items: items}
	snapshot, err := s.activeSnapshot(ctx)
	if err != nil {
		return PriceCommand{}, err
	}
	cmd.ItemPromotions = MatchPromotions(items, snapshot.Promotions, snapshot.Targets)

	code = strings.TrimSpace(code)
	if code == "" {
		return cmd, nil
	}
	promo, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return PriceCommand{}, s.mapRepositoryError(err)
	}
	target, err := s.findTarget(ctx, promo.ID)
	if err != nil {
		return PriceCommand{}, err
	}
	cmd.Promotion = &promo
	cmd.Target = target
	return cmd, nil
}

func (s *promotionService) GetTarget(ctx context.Context, promotionID string) (PromotionTarget, error) {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return PromotionTarget{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	target, err := s.targets.Get(ctx, promotionID)
	if err != nil {
		return PromotionTarget{}, s.mapRepositoryError(err)
	}
	return target, nil
}

func (s *promotionService) ListTargets(ctx context.Context) ([]PromotionTarget, error) {
	targets, err := s.targets.List(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return targets, nil
}

// UpsertTarget replaces the target of an existing promotion.
func (s *promotionService) UpsertTarget(ctx context.Context, target PromotionTarget) (PromotionTarget, error) {
	target.PromotionID = strings.TrimSpace(target.PromotionID)
	if target.PromotionID == "" {
		return PromotionTarget{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	kind, ok := domain.ParseTargetType(string(target.Type))
	if !ok {
		return PromotionTarget{}, fmt.Errorf("%w: unknown target type %q", ErrPromotionInvalidInput, target.Type)
	}
	target.Type = kind
	refs := make([]string, 0, len(target.Refs))
	seen := make(map[string]struct{}, len(target.Refs))
	for _, ref := range target.Refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return PromotionTarget{}, fmt.Errorf("%w: at least one target ref is required", ErrPromotionInvalidInput)
	}
	target.Refs = refs

	if _, err := s.repo.FindByID(ctx, target.PromotionID); err != nil {
		return PromotionTarget{}, s.mapRepositoryError(err)
	}
	target.UpdatedAt = s.clock()
	if err := s.targets.Upsert(ctx, target); err != nil {
		return PromotionTarget{}, s.mapRepositoryError(err)
	}
	s.invalidate(ctx)
	s.logger(ctx, "promotion.target_upserted", map[string]any{
		"promotionId": target.PromotionID,
		"type":        string(target.Type),
		"refs":        len(target.Refs),
	})
	return target, nil
}

func (s *promotionService) DeleteTarget(ctx context.Context, promotionID string) error {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	if err := s.targets.Delete(ctx, promotionID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.invalidate(ctx)
	s.logger(ctx, "promotion.target_deleted", map[string]any{"promotionId": promotionID})
	return nil
}

// activeSnapshot returns active promotions and their targets, served from the cache when fresh.
// Cached entries are re-filtered against the current time.
func (s *promotionService) activeSnapshot(ctx context.Context) (activeSnapshot, error) {
	now := s.clock()
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, activePromotionsCacheKey)
		if err != nil {
			s.logger(ctx, "promotion.cache_get_failed", map[string]any{"error": err.Error()})
		}
		if ok {
			var snapshot activeSnapshot
			if err := json.Unmarshal(data, &snapshot); err == nil {
				return snapshot.filterActive(now), nil
			}
		}
	}

	promos, err := s.repo.ListActive(ctx, now)
	if err != nil {
		return activeSnapshot{}, s.mapRepositoryError(err)
	}
	ids := make([]string, 0, len(promos))
	for _, promo := range promos {
		ids = append(ids, promo.ID)
	}
	targets, err := s.targets.ListByPromotions(ctx, ids)
	if err != nil {
		return activeSnapshot{}, s.mapRepositoryError(err)
	}
	snapshot := activeSnapshot{Promotions: promos, Targets: targets}

	if s.cache != nil {
		if data, err := json.Marshal(snapshot); err == nil {
			if err := s.cache.Set(ctx, activePromotionsCacheKey, data, s.cacheTTL); err != nil {
				s.logger(ctx, "promotion.cache_set_failed", map[string]any{"error": err.Error()})
			}
		}
	}
	return snapshot.filterActive(now), nil
}

func (a activeSnapshot) filterActive(now time.Time) activeSnapshot {
	out := activeSnapshot{Promotions: make([]Promotion, 0, len(a.Promotions)), Targets: a.Targets}
	for _, promo := range a.Promotions {
		if promo.ActiveAt(now) {
			out.Promotions = append(out.Promotions, promo)
		}
	}
	if out.Targets == nil {
		out.Targets = map[string]PromotionTarget{}
	}
	return out
}

func (s *promotionService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, activePromotionsCacheKey); err != nil {
		s.logger(ctx, "promotion.cache_invalidate_failed", map[string]any{"error": err.Error()})
	}
}

func (s *promotionService) resolvePromotion(ctx context.Context, ref string) (Promotion, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Promotion{}, ErrPromotionInvalidCode
	}
	promo, err := s.repo.FindByCode(ctx, ref)
	if err == nil {
		return promo, nil
	}
	if !isRepositoryNotFound(err) {
		return Promotion{}, s.mapRepositoryError(err)
	}
	promo, err = s.repo.FindByID(ctx, ref)
	if err != nil {
		return Promotion{}, s.mapRepositoryError(err)
	}
	return promo, nil
}

// findTarget returns nil when the promotion has no target.
func (s *promotionService) findTarget(ctx context.Context, promotionID string) (*PromotionTarget, error) {
	target, err := s.targets.Get(ctx, promotionID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return nil, nil
		}
		return nil, s.mapRepositoryError(err)
	}
	return &target, nil
}

func (s *promotionService) minOrderMessage(amount int64) string {
	return s.printer.Sprintf("Đơn hàng tối thiểu %d₫", amount)
}

func (s *promotionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPromotionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPromotionConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPromotionUnavailable, err)
		}
	}
	return err
}

func normalizePromotion(promo Promotion) (Promotion, error) {
	promo.Code = strings.ToUpper(strings.TrimSpace(promo.Code))
	promo.Name = strings.TrimSpace(promo.Name)
	promo.Description = strings.TrimSpace(promo.Description)
	if promo.Code == "" || promo.Name == "" {
		return Promotion{}, fmt.Errorf("%w: code and name are required", ErrPromotionInvalidInput)
	}
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		if promo.DiscountValue <= 0 || promo.DiscountValue > 100 {
			return Promotion{}, fmt.Errorf("%w: percentage must be between 1 and 100", ErrPromotionInvalidInput)
		}
	case domain.DiscountTypeFixed:
		if promo.DiscountValue <= 0 {
			return Promotion{}, fmt.Errorf("%w: fixed discount must be positive", ErrPromotionInvalidInput)
		}
	case domain.DiscountTypeBuy1Get1:
	default:
		return Promotion{}, fmt.Errorf("%w: unknown discount type %q", ErrPromotionInvalidInput, promo.DiscountType)
	}
	if promo.MaxDiscount != nil && *promo.MaxDiscount < 0 {
		return Promotion{}, fmt.Errorf("%w: max discount cannot be negative", ErrPromotionInvalidInput)
	}
	if promo.MinOrderAmount < 0 || promo.UsageLimit < 0 {
		return Promotion{}, fmt.Errorf("%w: min order amount and usage limit cannot be negative", ErrPromotionInvalidInput)
	}
	if !promo.StartDate.IsZero() && !promo.EndDate.IsZero() && promo.EndDate.Before(promo.StartDate) {
		return Promotion{}, fmt.Errorf("%w: end date precedes start date", ErrPromotionInvalidInput)
	}
	switch {
	case promo.Scope == "":
		promo.Scope = domain.PromotionScopeOrder
	case !validPromotionScope(promo.Scope):
		return Promotion{}, fmt.Errorf("%w: unknown scope %q", ErrPromotionInvalidInput, promo.Scope)
	}
	switch {
	case promo.Status == "":
		promo.Status = domain.PromotionStatusActive
	case strings.EqualFold(string(promo.Status), string(domain.PromotionStatusActive)):
		promo.Status = domain.PromotionStatusActive
	default:
		promo.Status = domain.PromotionStatusInactive
	}
	promo.StartDate = promo.StartDate.UTC()
	promo.EndDate = promo.EndDate.UTC()
	return promo, nil
}

func validPromotionScope(scope domain.PromotionScope) bool {
	switch scope {
	case domain.PromotionScopeOrder, domain.PromotionScopeShipping, domain.PromotionScopeProduct,
		domain.PromotionScopeCategory, domain.PromotionScopeBrand:
		return true
	}
	return false
}

// estimateDiscount previews the discount on amount without shipping or targeting context.
func estimateDiscount(promo Promotion, amount int64) int64 {
	var value int64
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		value = percentOf(amount, promo.DiscountValue)
		if promo.MaxDiscount != nil && value > *promo.MaxDiscount {
			value = *promo.MaxDiscount
		}
	case domain.DiscountTypeFixed:
		value = promo.DiscountValue
	default:
		return 0
	}
	if promo.Scope != domain.PromotionScopeShipping {
		value = clampInt64(value, 0, amount)
	}
	return value
}
