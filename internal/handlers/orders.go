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
	"github.com/greenbasket/api/internal/platform/pagination"
	"github.com/greenbasket/api/internal/services"
)

const (
	defaultOrderPageSize  = 20
	maxOrderPageSize      = 100
	defaultAdminListLimit = 100
	maxAdminListLimit     = 500
	maxOrderBodySize      = 64 * 1024
	maxTransitionBodySize = 4 * 1024
)

// OrderHandlers exposes checkout, order lookups and lifecycle transitions.
type OrderHandlers struct {
	authn          *auth.Authenticator
	orders         services.OrderService
	createGuard    func(http.Handler) http.Handler
	adminOnlyGuard func(http.Handler) http.Handler
}

// OrderHandlersOption customises order handlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderCreateMiddleware wraps POST /orders, typically with the idempotency middleware.
func WithOrderCreateMiddleware(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.createGuard = mw
	}
}

// NewOrderHandlers constructs order handlers backed by the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if authn != nil {
		h.adminOnlyGuard = authn.RequireAdmin()
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.createGuard != nil {
		create = h.createGuard(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/status", h.setStatus)
	r.Post("/{orderID}:transition", h.transition)
	r.With(h.adminOnly).Delete("/{orderID}", h.deleteOrder)
}

// AdminRoutes registers the /admin/orders endpoints.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAdmin())
	}
	r.Get("/orders", h.listOrdersByStatus)
}

func (h *OrderHandlers) adminOnly(next http.Handler) http.Handler {
	if h.adminOnlyGuard == nil {
		return next
	}
	return h.adminOnlyGuard(next)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		customerID = identity.UID
	}
	if !identity.Owns(customerID) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "cannot place orders for another customer", http.StatusForbidden))
		return
	}

	order, err := h.orders.CreateOrder(ctx, req.toCommand(customerID))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusCreated, buildOrderPayload(order), "Đặt hàng thành công")
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	customerID := strings.TrimSpace(query.Get("customerId"))
	if customerID == "" {
		customerID = identity.UID
	}
	if !identity.Owns(customerID) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "cannot list orders of another customer", http.StatusForbidden))
		return
	}
	pageReq, err := pagination.ReadQuery(query, pagination.Limits{Default: defaultOrderPageSize, Max: maxOrderPageSize})
	if err != nil {
		message := "pageSize must be a positive integer"
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			message = "pageToken is malformed"
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, customerID, services.Pagination{
		PageSize:  pageReq.Size,
		PageToken: pageReq.Token,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteData(w, http.StatusOK, orderListPayload{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) listOrdersByStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	query := r.URL.Query()
	status, ok := domain.ParseOrderStatus(query.Get("status"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}
	limit, err := parseLimit(query.Get("limit"), defaultAdminListLimit, maxAdminListLimit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListOrdersByStatus(ctx, status, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteData(w, http.StatusOK, orderListPayload{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !identity.Owns(order.CustomerID) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setStatusRequest
	orderID, identity, ok := h.prepareTransition(w, r, &req)
	if !ok {
		return
	}
	status, valid := domain.ParseOrderStatus(req.Status)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}
	h.applyTransition(ctx, w, services.TransitionOrderCommand{
		OrderID:      orderID,
		TargetStatus: status,
		Actor:        actorFor(identity),
		ActorID:      identity.UID,
		Reason:       req.Reason,
	})
}

func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transitionRequest
	orderID, identity, ok := h.prepareTransition(w, r, &req)
	if !ok {
		return
	}
	trigger := services.Trigger(strings.ToLower(strings.TrimSpace(req.Trigger)))
	if trigger == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "trigger is required", http.StatusBadRequest))
		return
	}
	h.applyTransition(ctx, w, services.TransitionOrderCommand{
		OrderID: orderID,
		Trigger: trigger,
		Actor:   actorFor(identity),
		ActorID: identity.UID,
		Reason:  req.Reason,
	})
}

func (h *OrderHandlers) prepareTransition(w http.ResponseWriter, r *http.Request, dst any) (string, *auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return "", nil, false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return "", nil, false
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return "", nil, false
	}
	if !decodeJSONBody(w, r, maxTransitionBodySize, dst) {
		return "", nil, false
	}
	return orderID, identity, true
}

func (h *OrderHandlers) applyTransition(ctx context.Context, w http.ResponseWriter, cmd services.TransitionOrderCommand) {
	result, err := h.orders.TransitionOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	message := "Cập nhật trạng thái đơn hàng thành công"
	if !result.Applied {
		message = "Đơn hàng đã được cập nhật bởi thao tác khác"
	}
	httpx.WriteMessage(w, http.StatusOK, buildTransitionPayload(result), message)
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if err := h.orders.DeleteOrder(ctx, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteMessage(w, http.StatusOK, map[string]string{"id": orderID}, "Đã xóa đơn hàng")
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func actorFor(identity *auth.Identity) services.Actor {
	if identity != nil && identity.Admin {
		return services.ActorAdmin
	}
	return services.ActorCustomer
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order store is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order", http.StatusInternalServerError))
	}
}

type createOrderRequest struct {
	CustomerID     string              `json:"customerId"`
	Items          []lineItemRequest   `json:"items"`
	ShippingInfo   shippingInfoPayload `json:"shippingInfo"`
	PaymentMethod  string              `json:"paymentMethod"`
	PromotionCode  string              `json:"promotionCode"`
	WantInvoice    bool                `json:"wantInvoice"`
	InvoiceInfo    *invoiceInfoPayload `json:"invoiceInfo"`
	ConsultantCode string              `json:"consultantCode"`
	Totals         *orderTotalsRequest `json:"totals"`
}

type lineItemRequest struct {
	SKU           string `json:"sku"`
	ProductName   string `json:"productName"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
	OriginalPrice int64  `json:"originalPrice"`
	Category      string `json:"category"`
	Brand         string `json:"brand"`
	Unit          string `json:"unit"`
	Image         string `json:"image"`
}

type orderTotalsRequest struct {
	Subtotal         int64 `json:"subtotal"`
	ShippingFee      int64 `json:"shippingFee"`
	ShippingDiscount int64 `json:"shippingDiscount"`
	Discount         int64 `json:"discount"`
	TotalAmount      int64 `json:"totalAmount"`
}

type setStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type transitionRequest struct {
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

func (req createOrderRequest) toCommand(customerID string) services.CreateOrderCommand {
	cmd := services.CreateOrderCommand{
		CustomerID:     customerID,
		Items:          toLineItems(req.Items),
		ShippingInfo:   req.ShippingInfo.toDomain(),
		PaymentMethod:  req.PaymentMethod,
		PromotionCode:  req.PromotionCode,
		WantInvoice:    req.WantInvoice,
		ConsultantCode: req.ConsultantCode,
	}
	if req.InvoiceInfo != nil {
		info := req.InvoiceInfo.toDomain()
		cmd.InvoiceInfo = &info
	}
	if req.Totals != nil {
		cmd.Totals = &services.OrderTotals{
			Subtotal:         req.Totals.Subtotal,
			ShippingFee:      req.Totals.ShippingFee,
			ShippingDiscount: req.Totals.ShippingDiscount,
			Discount:         req.Totals.Discount,
			TotalAmount:      req.Totals.TotalAmount,
		}
	}
	return cmd
}

func toLineItems(items []lineItemRequest) []services.LineItem {
	out := make([]services.LineItem, 0, len(items))
	for _, item := range items {
		out = append(out, services.LineItem{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			ItemType:      domain.ItemTypePurchased,
			Category:      item.Category,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
		})
	}
	return out
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderPayload struct {
	ID               string              `json:"id"`
	CustomerID       string              `json:"customerId"`
	Status           string              `json:"status"`
	DisplayStatus    string              `json:"displayStatus"`
	Items            []lineItemPayload   `json:"items"`
	Routes           map[string]string   `json:"routes"`
	Subtotal         int64               `json:"subtotal"`
	ShippingFee      int64               `json:"shippingFee"`
	ShippingDiscount int64               `json:"shippingDiscount"`
	Discount         int64               `json:"discount"`
	VATRate          int64               `json:"vatRate"`
	VATAmount        int64               `json:"vatAmount"`
	TotalAmount      int64               `json:"totalAmount"`
	PaymentMethod    string              `json:"paymentMethod"`
	ShippingInfo     shippingInfoPayload `json:"shippingInfo"`
	PromotionCode    string              `json:"promotionCode,omitempty"`
	PromotionName    string              `json:"promotionName,omitempty"`
	WantInvoice      bool                `json:"wantInvoice"`
	InvoiceInfo      *invoiceInfoPayload `json:"invoiceInfo,omitempty"`
	ConsultantCode   string              `json:"consultantCode,omitempty"`
	CancelReason     string              `json:"cancelReason,omitempty"`
	ReturnReason     string              `json:"returnReason,omitempty"`
	FulfilledAt      string              `json:"fulfilledAt,omitempty"`
	CreatedAt        string              `json:"createdAt"`
	UpdatedAt        string              `json:"updatedAt"`
}

type lineItemPayload struct {
	SKU           string `json:"sku"`
	ProductName   string `json:"productName,omitempty"`
	Quantity      int    `json:"quantity"`
	Price         int64  `json:"price"`
	OriginalPrice int64  `json:"originalPrice,omitempty"`
	ItemType      string `json:"itemType"`
	Category      string `json:"category,omitempty"`
	Brand         string `json:"brand,omitempty"`
	Unit          string `json:"unit,omitempty"`
	Image         string `json:"image,omitempty"`
}

type shippingInfoPayload struct {
	FullName string                 `json:"fullName"`
	Phone    string                 `json:"phone"`
	Email    string                 `json:"email,omitempty"`
	Address  shippingAddressPayload `json:"address"`
}

type shippingAddressPayload struct {
	City     string `json:"city"`
	District string `json:"district"`
	Ward     string `json:"ward"`
	Detail   string `json:"detail"`
}

type invoiceInfoPayload struct {
	CompanyName string `json:"companyName"`
	TaxCode     string `json:"taxCode"`
	Address     string `json:"address"`
	Email       string `json:"email"`
}

type transitionPayload struct {
	Order   orderPayload `json:"order"`
	Applied bool         `json:"applied"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Trigger string       `json:"trigger,omitempty"`
}

func (p shippingInfoPayload) toDomain() domain.ShippingInfo {
	return domain.ShippingInfo{
		FullName: p.FullName,
		Phone:    p.Phone,
		Email:    p.Email,
		Address: domain.ShippingAddress{
			City:     p.Address.City,
			District: p.Address.District,
			Ward:     p.Address.Ward,
			Detail:   p.Address.Detail,
		},
	}
}

func (p invoiceInfoPayload) toDomain() domain.InvoiceInfo {
	return domain.InvoiceInfo{
		CompanyName: p.CompanyName,
		TaxCode:     p.TaxCode,
		Address:     p.Address,
		Email:       p.Email,
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		CustomerID:       order.CustomerID,
		Status:           string(order.Status),
		DisplayStatus:    string(order.DisplayStatus()),
		Items:            buildLineItemPayloads(order.Items),
		Routes:           buildRoutesPayload(order.Routes),
		Subtotal:         order.Subtotal,
		ShippingFee:      order.ShippingFee,
		ShippingDiscount: order.ShippingDiscount,
		Discount:         order.Discount,
		VATRate:          order.VATRate,
		VATAmount:        order.VATAmount,
		TotalAmount:      order.TotalAmount,
		PaymentMethod:    order.PaymentMethod,
		ShippingInfo: shippingInfoPayload{
			FullName: order.ShippingInfo.FullName,
			Phone:    order.ShippingInfo.Phone,
			Email:    order.ShippingInfo.Email,
			Address: shippingAddressPayload{
				City:     order.ShippingInfo.Address.City,
				District: order.ShippingInfo.Address.District,
				Ward:     order.ShippingInfo.Address.Ward,
				Detail:   order.ShippingInfo.Address.Detail,
			},
		},
		PromotionCode:  order.PromotionCode,
		PromotionName:  order.PromotionName,
		WantInvoice:    order.WantInvoice,
		ConsultantCode: order.ConsultantCode,
		CancelReason:   order.CancelReason,
		ReturnReason:   order.ReturnReason,
		FulfilledAt:    formatTimePtr(order.FulfilledAt),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
	if order.InvoiceInfo != nil {
		payload.InvoiceInfo = &invoiceInfoPayload{
			CompanyName: order.InvoiceInfo.CompanyName,
			TaxCode:     order.InvoiceInfo.TaxCode,
			Address:     order.InvoiceInfo.Address,
			Email:       order.InvoiceInfo.Email,
		}
	}
	return payload
}

func buildLineItemPayloads(items []services.LineItem) []lineItemPayload {
	out := make([]lineItemPayload, 0, len(items))
	for _, item := range items {
		itemType := item.ItemType
		if itemType == "" {
			itemType = domain.ItemTypePurchased
		}
		out = append(out, lineItemPayload{
			SKU:           item.SKU,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Price:         item.Price,
			OriginalPrice: item.OriginalPrice,
			ItemType:      string(itemType),
			Category:      item.Category,
			Brand:         item.Brand,
			Unit:          item.Unit,
			Image:         item.Image,
		})
	}
	return out
}

func buildRoutesPayload(routes map[domain.OrderStatus]time.Time) map[string]string {
	out := make(map[string]string, len(routes))
	for status, ts := range routes {
		out[string(status)] = formatTime(ts)
	}
	return out
}

func buildTransitionPayload(result services.TransitionResult) transitionPayload {
	return transitionPayload{
		Order:   buildOrderPayload(result.Order),
		Applied: result.Applied,
		From:    string(result.From),
		To:      string(result.To),
		Trigger: string(result.Trigger),
	}
}
