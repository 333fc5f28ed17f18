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
	"github.com/greenbasket/api/internal/services"
)

const maxCartBodySize = 64 * 1024

// CartHandlers exposes the per-customer cart endpoints. Guests may read an empty cart and price
// items they hold locally; every other call needs the customer's own token.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	limiter rateLimiter
}

// CartHandlersOption customises cart handlers.
type CartHandlersOption func(*CartHandlers)

// WithCartRateLimit caps cart mutations per customer per minute.
func WithCartRateLimit(perMinute int, clock func() time.Time) CartHandlersOption {
	return func(h *CartHandlers) {
		h.limiter = newKeyedRateLimiter(perMinute, clock)
	}
}

// NewCartHandlers constructs cart handlers backed by the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartHandlersOption) *CartHandlers {
	h := &CartHandlers{
		authn: authn,
		carts: carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/{customerID}", h.getCart)
	r.Post("/{customerID}/price", h.priceCart)
	r.Group(func(m chi.Router) {
		m.Use(h.limit)
		m.Post("/{customerID}/add", h.addItem)
		m.Put("/{customerID}/update/{sku}", h.updateItem)
		m.Delete("/{customerID}/remove/{sku}", h.removeItem)
		m.Post("/{customerID}/remove-multiple", h.removeItems)
		m.Delete("/{customerID}/clear", h.clearCart)
		m.Post("/{customerID}/sync", h.syncCart)
	})
}

func (h *CartHandlers) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow(chi.URLParam(r, "customerID")) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many cart updates, please retry shortly", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// customer resolves the path customer and checks the caller may act on it. Guests pass through so
// the service can apply its guest rules.
func (h *CartHandlers) customer(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.carts == nil {
		writeUnavailable(ctx, w, "cart")
		return "", false
	}
	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	if domain.IsGuest(customerID) {
		return domain.GuestCustomerID, true
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return "", false
	}
	if !identity.Owns(customerID) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "cannot access another customer's cart", http.StatusForbidden))
		return "", false
	}
	return customerID, true
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.GetCart(r.Context(), customerID)
	h.respondCart(w, r, cart, err, "")
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req cartItemRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.AddItem(r.Context(), services.AddCartItemCommand{
		CustomerID: customerID,
		Item:       req.toDomain(),
	})
	h.respondCart(w, r, cart, err, "Đã thêm sản phẩm vào giỏ hàng")
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.UpdateItem(r.Context(), services.UpdateCartItemCommand{
		CustomerID: customerID,
		SKU:        chi.URLParam(r, "sku"),
		Quantity:   req.Quantity,
	})
	h.respondCart(w, r, cart, err, "Đã cập nhật giỏ hàng")
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveItem(r.Context(), customerID, chi.URLParam(r, "sku"))
	h.respondCart(w, r, cart, err, "Đã xóa sản phẩm khỏi giỏ hàng")
}

func (h *CartHandlers) removeItems(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		SKUs []string `json:"skus"`
	}
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cart, err := h.carts.RemoveItems(r.Context(), customerID, req.SKUs)
	h.respondCart(w, r, cart, err, "Đã xóa sản phẩm khỏi giỏ hàng")
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	if err := h.carts.ClearCart(r.Context(), customerID); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, buildCartPayload(services.Cart{CustomerID: customerID}), "Đã xóa toàn bộ giỏ hàng")
}

func (h *CartHandlers) syncCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		Items []cartItemRequest `json:"items"`
	}
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	items := make([]services.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, item.toDomain())
	}
	cart, err := h.carts.SyncCart(r.Context(), services.SyncCartCommand{
		CustomerID: customerID,
		Items:      items,
	})
	h.respondCart(w, r, cart, err, "Đã đồng bộ giỏ hàng")
}

func (h *CartHandlers) priceCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		Items         []cartItemRequest `json:"items"`
		PromotionCode string            `json:"promotionCode"`
	}
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	cmd := services.PriceCartCommand{
		CustomerID:    customerID,
		PromotionCode: req.PromotionCode,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, item.toDomain())
	}
	result, err := h.carts.PriceCart(r.Context(), cmd)
	if err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildPricingPayload(result))
}

func (h *CartHandlers) respondCart(w http.ResponseWriter, r *http.Request, cart services.Cart, err error, message string) {
	if err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, buildCartPayload(cart), message)
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartGuestNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "Vui lòng đăng nhập để lưu giỏ hàng", http.StatusUnauthorized))
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "cart store is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart", http.StatusInternalServerError))
	}
}

type cartItemRequest struct {
	SKU           string `json:"sku"`
	ProductName   string `json:"productName"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
	OriginalPrice int64  `json:"originalPrice"`
	Category      string `json:"category"`
	Subcategory   string `json:"subcategory"`
	Brand         string `json:"brand"`
	Unit          string `json:"unit"`
	Image         string `json:"image"`
	HasPromotion  bool   `json:"hasPromotion"`
}

func (req cartItemRequest) toDomain() services.CartItem {
	return services.CartItem{
		SKU:           req.SKU,
		ProductName:   req.ProductName,
		Quantity:      req.Quantity,
		Price:         req.Price,
		OriginalPrice: req.OriginalPrice,
		Category:      req.Category,
		Subcategory:   req.Subcategory,
		Brand:         req.Brand,
		Unit:          req.Unit,
		Image:         req.Image,
		HasPromotion:  req.HasPromotion,
	}
}

type cartPayload struct {
	CustomerID    string            `json:"customerId"`
	Items         []cartItemPayload `json:"items"`
	ItemCount     int               `json:"itemCount"`
	TotalQuantity int               `json:"totalQuantity"`
	CreatedAt     string            `json:"createdAt,omitempty"`
	UpdatedAt     string            `json:"updatedAt,omitempty"`
}

type cartItemPayload struct {
	SKU           string `json:"sku"`
	ProductName   string `json:"productName,omitempty"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
	OriginalPrice int64  `json:"originalPrice,omitempty"`
	Category      string `json:"category,omitempty"`
	Subcategory   string `json:"subcategory,omitempty"`
	Brand         string `json:"brand,omitempty"`
	Unit          string `json:"unit,omitempty"`
	Image         string `json:"image,omitempty"`
	HasPromotion  bool   `json:"hasPromotion"`
	AddedAt       string `json:"addedAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemPayload{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			Category:      item.Category,
			Subcategory:   item.Subcategory,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
			HasPromotion:  item.HasPromotion,
			AddedAt:       formatTime(item.AddedAt),
			UpdatedAt:     formatTime(item.UpdatedAt),
		})
	}
	return cartPayload{
		CustomerID:    cart.CustomerID,
		Items:         items,
		ItemCount:     cart.ItemCount,
		TotalQuantity: cart.TotalQuantity,
		CreatedAt:     formatTime(cart.CreatedAt),
		UpdatedAt:     formatTime(cart.UpdatedAt),
	}
}

type pricingPayload struct {
	Subtotal         int64                    `json:"subtotal"`
	VATRate          int64                    `json:"vatRate"`
	VATAmount        int64                    `json:"vatAmount"`
	ShippingFee      int64                    `json:"shippingFee"`
	ShippingDiscount int64                    `json:"shippingDiscount"`
	ProductDiscount  int64                    `json:"productDiscount"`
	TotalAmount      int64                    `json:"totalAmount"`
	Items            []lineItemPayload        `json:"items"`
	GiftedItems      []lineItemPayload        `json:"giftedItems,omitempty"`
	Discounts        []discountPayload        `json:"discounts,omitempty"`
	Promotion        *appliedPromotionPayload `json:"promotion,omitempty"`
}

type discountPayload struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      int64  `json:"amount"`
	SKU         string `json:"sku,omitempty"`
}

type appliedPromotionPayload struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	Scope    string `json:"scope"`
	Type     string `json:"type"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
	Discount int64  `json:"discount"`
}

func buildPricingPayload(result services.PricingResult) pricingPayload {
	payload := pricingPayload{
		Subtotal:         result.Subtotal,
		VATRate:          result.VATRate,
		VATAmount:        result.VATAmount,
		ShippingFee:      result.ShippingFee,
		ShippingDiscount: result.ShippingDiscount,
		ProductDiscount:  result.ProductDiscount,
		TotalAmount:      result.TotalAmount,
		Items:            buildLineItemPayloads(result.Items),
	}
	if len(result.GiftedItems) > 0 {
		payload.GiftedItems = buildLineItemPayloads(result.GiftedItems)
	}
	for _, d := range result.Discounts {
		payload.Discounts = append(payload.Discounts, discountPayload{
			Type:        d.Type,
			Code:        d.Code,
			Source:      d.Source,
			Description: d.Description,
			Amount:      d.Amount,
			SKU:         d.SKU,
		})
	}
	if p := result.Promotion; p != nil {
		payload.Promotion = &appliedPromotionPayload{
			ID:       p.ID,
			Code:     p.Code,
			Name:     p.Name,
			Scope:    string(p.Scope),
			Type:     string(p.Type),
			Applied:  p.Applied,
			Reason:   p.Reason,
			Discount: p.Discount,
		}
	}
	return payload
}
