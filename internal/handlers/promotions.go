package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/httpx"
	"github.com/greenbasket/api/internal/repositories"
	"github.com/greenbasket/api/internal/services"
)

const maxPromotionBodySize = 32 * 1024

// PromotionHandlers exposes promotion lookups, matching and the admin CRUD for promotions and
// their targets.
type PromotionHandlers struct {
	authn      *auth.Authenticator
	promotions services.PromotionService
}

// NewPromotionHandlers constructs promotion handlers.
func NewPromotionHandlers(authn *auth.Authenticator, promotions services.PromotionService) *PromotionHandlers {
	return &PromotionHandlers{
		authn:      authn,
		promotions: promotions,
	}
}

// Routes registers the /promotions endpoints.
func (h *PromotionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listPromotions)
	r.Get("/active", h.listActive)
	r.Get("/code/{code}", h.getByCode)
	r.Get("/{promotionID}", h.getPromotion)
	r.Post("/check-applicability", h.checkApplicability)
	r.Post("/get-applicable", h.getApplicable)
	r.Post("/validate-code", h.validateCode)

	r.Group(func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireAdmin())
		}
		admin.Post("/", h.createPromotion)
		admin.Put("/{promotionID}", h.updatePromotion)
		admin.Delete("/{promotionID}", h.deletePromotion)
	})
}

// TargetRoutes registers the /promotion-targets endpoints.
func (h *PromotionHandlers) TargetRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listTargets)
	r.Get("/{promotionID}", h.getTarget)

	r.Group(func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireAdmin())
		}
		admin.Post("/", h.upsertTarget)
		admin.Put("/{promotionID}", h.upsertTarget)
		admin.Delete("/{promotionID}", h.deleteTarget)
	})
}

func (h *PromotionHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.promotions == nil {
		writeUnavailable(ctx, w, "promotion")
		return false
	}
	return true
}

func (h *PromotionHandlers) listPromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	query := r.URL.Query()
	filter := repositories.PromotionFilter{
		Status: domain.PromotionStatus(strings.TrimSpace(query.Get("status"))),
		Scope:  domain.PromotionScope(strings.TrimSpace(query.Get("scope"))),
	}
	promotions, err := h.promotions.ListPromotions(ctx, filter)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildPromotionPayloads(promotions))
}

func (h *PromotionHandlers) listActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	promotions, err := h.promotions.ListActivePromotions(ctx)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildPromotionPayloads(promotions))
}

func (h *PromotionHandlers) getByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	promotion, err := h.promotions.GetPromotionByCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildPromotionPayload(promotion))
}

func (h *PromotionHandlers) getPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	promotion, err := h.promotions.GetPromotion(ctx, chi.URLParam(r, "promotionID"))
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildPromotionPayload(promotion))
}

func (h *PromotionHandlers) createPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req promotionRequest
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	promotion, err := req.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	created, err := h.promotions.CreatePromotion(ctx, services.UpsertPromotionCommand{Promotion: promotion})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusCreated, buildPromotionPayload(created), "Đã tạo khuyến mãi")
}

func (h *PromotionHandlers) updatePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req promotionRequest
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	promotion, err := req.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	promotion.ID = strings.TrimSpace(chi.URLParam(r, "promotionID"))
	updated, err := h.promotions.UpdatePromotion(ctx, services.UpsertPromotionCommand{Promotion: promotion})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, buildPromotionPayload(updated), "Đã cập nhật khuyến mãi")
}

func (h *PromotionHandlers) deletePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	promotionID := strings.TrimSpace(chi.URLParam(r, "promotionID"))
	if err := h.promotions.DeletePromotion(ctx, promotionID); err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, map[string]string{"id": promotionID}, "Đã xóa khuyến mãi")
}

type matchRequest struct {
	Code        string            `json:"code"`
	PromotionID string            `json:"promotionId"`
	Items       []lineItemRequest `json:"items"`
	Amount      int64             `json:"amount"`
}

func (h *PromotionHandlers) checkApplicability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req matchRequest
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	ref := strings.TrimSpace(req.Code)
	if ref == "" {
		ref = strings.TrimSpace(req.PromotionID)
	}
	result, err := h.promotions.CheckApplicability(ctx, ref, toLineItems(req.Items))
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"applicable":  result.Applicable,
		"matchedSkus": nonNilStrings(result.MatchedSKUs),
		"message":     result.Message,
		"targetType":  result.TargetType,
		"targetRefs":  nonNilStrings(result.TargetRefs),
	})
}

func (h *PromotionHandlers) getApplicable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req matchRequest
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	applicable, err := h.promotions.GetApplicable(ctx, toLineItems(req.Items), req.Amount)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	out := make([]map[string]any, 0, len(applicable))
	for _, item := range applicable {
		out = append(out, map[string]any{
			"promotion":   buildPromotionPayload(item.Promotion),
			"matchedSkus": nonNilStrings(item.MatchedSKUs),
			"targetType":  item.TargetType,
		})
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *PromotionHandlers) validateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req matchRequest
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	validation, err := h.promotions.ValidateCode(ctx, services.ValidatePromotionCommand{
		Code:   req.Code,
		Items:  toLineItems(req.Items),
		Amount: req.Amount,
	})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	payload := map[string]any{
		"valid":          validation.Valid,
		"matchedSkus":    nonNilStrings(validation.MatchedSKUs),
		"targetType":     validation.TargetType,
		"estimatedValue": validation.EstimatedValue,
	}
	if validation.Promotion != nil {
		payload["promotion"] = buildPromotionPayload(*validation.Promotion)
	}
	httpx.WriteMessage(w, http.StatusOK, payload, validation.Message)
}

func (h *PromotionHandlers) listTargets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	targets, err := h.promotions.ListTargets(ctx)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	out := make([]targetPayload, 0, len(targets))
	for _, target := range targets {
		out = append(out, buildTargetPayload(target))
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *PromotionHandlers) getTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	target, err := h.promotions.GetTarget(ctx, chi.URLParam(r, "promotionID"))
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildTargetPayload(target))
}

func (h *PromotionHandlers) upsertTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req targetPayload
	if !decodeJSONBody(w, r, maxPromotionBodySize, &req) {
		return
	}
	if id := strings.TrimSpace(chi.URLParam(r, "promotionID")); id != "" {
		req.PromotionID = id
	}
	target, err := h.promotions.UpsertTarget(ctx, services.PromotionTarget{
		PromotionID: req.PromotionID,
		Type:        domain.TargetType(req.TargetType),
		Refs:        req.TargetItems,
	})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, buildTargetPayload(target), "Đã lưu đối tượng khuyến mãi")
}

func (h *PromotionHandlers) deleteTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	promotionID := strings.TrimSpace(chi.URLParam(r, "promotionID"))
	if err := h.promotions.DeleteTarget(ctx, promotionID); err != nil {
		writePromotionError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, map[string]string{"promotionId": promotionID}, "Đã xóa đối tượng khuyến mãi")
}

func writePromotionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPromotionInvalidInput), errors.Is(err, services.ErrPromotionInvalidCode):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPromotionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_not_found", "Không tìm thấy khuyến mãi", http.StatusNotFound))
	case errors.Is(err, services.ErrPromotionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPromotionUnavailable), errors.Is(err, services.ErrPromotionRepositoryMissing):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "promotion store is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("promotion_error", "failed to process promotion", http.StatusInternalServerError))
	}
}

type promotionRequest struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	DiscountType   string `json:"discountType"`
	DiscountValue  int64  `json:"discountValue"`
	MaxDiscount    *int64 `json:"maxDiscount"`
	MinOrderAmount int64  `json:"minOrderAmount"`
	Scope          string `json:"scope"`
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate"`
	Status         string `json:"status"`
	UsageLimit     int    `json:"usageLimit"`
}

func (req promotionRequest) toDomain() (services.Promotion, error) {
	promotion := services.Promotion{
		Code:           req.Code,
		Name:           req.Name,
		Description:    req.Description,
		DiscountType:   domain.DiscountType(strings.TrimSpace(req.DiscountType)),
		DiscountValue:  req.DiscountValue,
		MaxDiscount:    req.MaxDiscount,
		MinOrderAmount: req.MinOrderAmount,
		Scope:          domain.PromotionScope(strings.TrimSpace(req.Scope)),
		Status:         domain.PromotionStatus(strings.TrimSpace(req.Status)),
		UsageLimit:     req.UsageLimit,
	}
	var err error
	if promotion.StartDate, err = optionalTime(req.StartDate, "startDate"); err != nil {
		return services.Promotion{}, err
	}
	if promotion.EndDate, err = optionalTime(req.EndDate, "endDate"); err != nil {
		return services.Promotion{}, err
	}
	return promotion, nil
}

func optionalTime(raw, field string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	ts, err := parseTimeParam(raw)
	if err != nil {
		return time.Time{}, errors.New(field + " must be an RFC3339 timestamp")
	}
	return ts, nil
}

type promotionPayload struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	DiscountType   string `json:"discountType"`
	DiscountValue  int64  `json:"discountValue"`
	MaxDiscount    *int64 `json:"maxDiscount"`
	MinOrderAmount int64  `json:"minOrderAmount"`
	Scope          string `json:"scope"`
	StartDate      string `json:"startDate,omitempty"`
	EndDate        string `json:"endDate,omitempty"`
	Status         string `json:"status"`
	UsageLimit     int    `json:"usageLimit"`
	UsageCount     int    `json:"usageCount"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

func buildPromotionPayload(p services.Promotion) promotionPayload {
	return promotionPayload{
		ID:             p.ID,
		Code:           p.Code,
		Name:           p.Name,
		Description:    p.Description,
		DiscountType:   string(p.DiscountType),
		DiscountValue:  p.DiscountValue,
		MaxDiscount:    p.MaxDiscount,
		MinOrderAmount: p.MinOrderAmount,
		Scope:          string(p.Scope),
		StartDate:      formatTime(p.StartDate),
		EndDate:        formatTime(p.EndDate),
		Status:         string(p.Status),
		UsageLimit:     p.UsageLimit,
		UsageCount:     p.UsageCount,
		CreatedAt:      formatTime(p.CreatedAt),
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
}

func buildPromotionPayloads(promotions []services.Promotion) []promotionPayload {
	out := make([]promotionPayload, 0, len(promotions))
	for _, p := range promotions {
		out = append(out, buildPromotionPayload(p))
	}
	return out
}

// targetPayload keeps the stored field names so existing admin tooling can post them unchanged.
type targetPayload struct {
	PromotionID string   `json:"promotionId"`
	TargetType  string   `json:"targetType"`
	TargetItems []string `json:"targetItems"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

func buildTargetPayload(target services.PromotionTarget) targetPayload {
	return targetPayload{
		PromotionID: target.PromotionID,
		TargetType:  string(target.Type),
		TargetItems: nonNilStrings(target.Refs),
		UpdatedAt:   formatTime(target.UpdatedAt),
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
