package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

type fakeRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *fakeRepoError) Error() string       { return e.msg }
func (e *fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e *fakeRepoError) IsConflict() bool    { return e.conflict }
func (e *fakeRepoError) IsUnavailable() bool { return e.unavailable }

func errRepoNotFound(format string, args ...any) error {
	return &fakeRepoError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func errRepoConflict(format string, args ...any) error {
	return &fakeRepoError{msg: fmt.Sprintf(format, args...), conflict: true}
}

func errRepoUnavailable(format string, args ...any) error {
	return &fakeRepoError{msg: fmt.Sprintf(format, args...), unavailable: true}
}

func ptr[T any](v T) *T { return &v }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// stepClock is a clock tests move forward explicitly.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%04d", n)
	}
}

type logEntry struct {
	event  string
	fields map[string]any
}

type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *logRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{event: event, fields: fields})
}

func (r *logRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.entries {
		if entry.event == event {
			n++
		}
	}
	return n
}

func (r *logRecorder) last(event string) (logEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].event == event {
			return r.entries[i], true
		}
	}
	return logEntry{}, false
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) ofType(eventType string) []OrderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OrderEvent
	for _, event := range c.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// memOrderRepo keeps orders in memory and implements TransitionStatus as a locked
// compare-and-swap.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	// beforeTransition runs before the status comparison; tests use it to simulate a racing writer.
	beforeTransition func(orderID string)
	// afterList runs once ListByStatus has collected its results, outside the lock.
	afterList func(status domain.OrderStatus)
	listErr   error
}

var _ repositories.OrderRepository = (*memOrderRepo)(nil)

func newMemOrderRepo(orders ...domain.Order) *memOrderRepo {
	repo := &memOrderRepo{orders: make(map[string]domain.Order)}
	for _, order := range orders {
		repo.orders[order.ID] = order.Clone()
	}
	return repo
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return errRepoConflict("order %s exists", order.ID)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errRepoNotFound("order %s not found", orderID)
	}
	return order.Clone(), nil
}

func (r *memOrderRepo) ListByCustomer(_ context.Context, customerID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.CustomerID == customerID {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if pager.PageSize > 0 && len(out) > pager.PageSize {
		out = out[:pager.PageSize]
	}
	return domain.CursorPage[domain.Order]{Items: out}, nil
}

func (r *memOrderRepo) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	if hook := r.afterList; hook != nil {
		defer hook(status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.Status == status || order.DisplayStatus() == status {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOrderRepo) ListUpdatedSince(_ context.Context, since time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if !order.UpdatedAt.Before(since) {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOrderRepo) TransitionStatus(_ context.Context, orderID string, expected domain.OrderStatus, mutate func(*domain.Order) error) (domain.Order, error) {
	if hook := r.beforeTransition; hook != nil {
		hook(orderID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errRepoNotFound("order %s not found", orderID)
	}
	if order.Status != expected {
		return order.Clone(), repositories.ErrStatusMismatch
	}
	next := order.Clone()
	if err := mutate(&next); err != nil {
		return domain.Order{}, err
	}
	r.orders[orderID] = next.Clone()
	return next, nil
}

func (r *memOrderRepo) SetFulfilledAt(_ context.Context, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return errRepoNotFound("order %s not found", orderID)
	}
	ts := at
	order.FulfilledAt = &ts
	r.orders[orderID] = order
	return nil
}

func (r *memOrderRepo) Delete(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return errRepoNotFound("order %s not found", orderID)
	}
	delete(r.orders, orderID)
	return nil
}

func (r *memOrderRepo) get(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID].Clone()
}

func (r *memOrderRepo) setStatus(orderID string, status domain.OrderStatus, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := r.orders[orderID]
	order.Status = status
	if order.Routes == nil {
		order.Routes = map[domain.OrderStatus]time.Time{}
	}
	order.Routes[status] = at
	order.UpdatedAt = at
	r.orders[orderID] = order
}

type memCartRepo struct {
	mu      sync.Mutex
	carts   map[string]domain.Cart
	saves   int
	deletes int
	getErr  error
}

func newMemCartRepo() *memCartRepo {
	return &memCartRepo{carts: make(map[string]domain.Cart)}
}

func (r *memCartRepo) Get(_ context.Context, customerID string) (domain.Cart, error) {
	if r.getErr != nil {
		return domain.Cart{}, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[customerID]
	if !ok {
		return domain.Cart{}, errRepoNotFound("cart %s not found", customerID)
	}
	cart.Items = append([]domain.CartItem(nil), cart.Items...)
	return cart, nil
}

func (r *memCartRepo) Save(_ context.Context, cart domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart.Items = append([]domain.CartItem(nil), cart.Items...)
	r.carts[cart.CustomerID] = cart
	r.saves++
	return nil
}

func (r *memCartRepo) Delete(_ context.Context, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, customerID)
	r.deletes++
	return nil
}

func (r *memCartRepo) stored(customerID string) (domain.Cart, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[customerID]
	return cart, ok
}

type memPromotionRepo struct {
	mu              sync.Mutex
	promotions      map[string]domain.Promotion
	listActiveCalls int
}

func newMemPromotionRepo(promos ...domain.Promotion) *memPromotionRepo {
	repo := &memPromotionRepo{promotions: make(map[string]domain.Promotion)}
	for _, promo := range promos {
		repo.promotions[promo.ID] = promo
	}
	return repo
}

func (r *memPromotionRepo) Insert(_ context.Context, promo domain.Promotion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.promotions[promo.ID]; ok {
		return errRepoConflict("promotion %s exists", promo.ID)
	}
	r.promotions[promo.ID] = promo
	return nil
}

func (r *memPromotionRepo) Update(_ context.Context, promo domain.Promotion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.promotions[promo.ID]; !ok {
		return errRepoNotFound("promotion %s not found", promo.ID)
	}
	r.promotions[promo.ID] = promo
	return nil
}

func (r *memPromotionRepo) Delete(_ context.Context, promotionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.promotions[promotionID]; !ok {
		return errRepoNotFound("promotion %s not found", promotionID)
	}
	delete(r.promotions, promotionID)
	return nil
}

func (r *memPromotionRepo) FindByID(_ context.Context, promotionID string) (domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	promo, ok := r.promotions[promotionID]
	if !ok {
		return domain.Promotion{}, errRepoNotFound("promotion %s not found", promotionID)
	}
	return promo, nil
}

func (r *memPromotionRepo) FindByCode(_ context.Context, code string) (domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, promo := range r.promotions {
		if strings.EqualFold(promo.Code, strings.TrimSpace(code)) {
			return promo, nil
		}
	}
	return domain.Promotion{}, errRepoNotFound("promotion code %s not found", code)
}

func (r *memPromotionRepo) List(_ context.Context, filter repositories.PromotionFilter) ([]domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Promotion
	for _, promo := range r.promotions {
		if filter.Status != "" && promo.Status != filter.Status {
			continue
		}
		if filter.Scope != "" && promo.Scope != filter.Scope {
			continue
		}
		out = append(out, promo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memPromotionRepo) ListActive(_ context.Context, now time.Time) ([]domain.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listActiveCalls++
	var out []domain.Promotion
	for _, promo := range r.promotions {
		if promo.ActiveAt(now) {
			out = append(out, promo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memPromotionRepo) IncrementUsage(_ context.Context, promotionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	promo, ok := r.promotions[promotionID]
	if !ok {
		return errRepoNotFound("promotion %s not found", promotionID)
	}
	promo.UsageCount++
	promo.UpdatedAt = now
	r.promotions[promotionID] = promo
	return nil
}

type memTargetRepo struct {
	mu      sync.Mutex
	targets map[string]domain.PromotionTarget
}

func newMemTargetRepo(targets ...domain.PromotionTarget) *memTargetRepo {
	repo := &memTargetRepo{targets: make(map[string]domain.PromotionTarget)}
	for _, target := range targets {
		repo.targets[target.PromotionID] = target
	}
	return repo
}

func (r *memTargetRepo) Get(_ context.Context, promotionID string) (domain.PromotionTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[promotionID]
	if !ok {
		return domain.PromotionTarget{}, errRepoNotFound("target %s not found", promotionID)
	}
	return target, nil
}

func (r *memTargetRepo) List(_ context.Context) ([]domain.PromotionTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PromotionTarget, 0, len(r.targets))
	for _, target := range r.targets {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PromotionID < out[j].PromotionID })
	return out, nil
}

func (r *memTargetRepo) ListByPromotions(_ context.Context, promotionIDs []string) (map[string]domain.PromotionTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.PromotionTarget)
	for _, id := range promotionIDs {
		if target, ok := r.targets[id]; ok {
			out[id] = target
		}
	}
	return out, nil
}

func (r *memTargetRepo) Upsert(_ context.Context, target domain.PromotionTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target.PromotionID] = target
	return nil
}

func (r *memTargetRepo) Delete(_ context.Context, promotionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[promotionID]; !ok {
		return errRepoNotFound("target %s not found", promotionID)
	}
	delete(r.targets, promotionID)
	return nil
}

type memUsageRepo struct {
	mu     sync.Mutex
	usages []domain.PromotionUsage
}

func (r *memUsageRepo) Insert(_ context.Context, usage domain.PromotionUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages = append(r.usages, usage)
	return nil
}

func (r *memUsageRepo) ListByPromotion(_ context.Context, promotionID string, limit int) ([]domain.PromotionUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PromotionUsage
	for _, usage := range r.usages {
		if usage.PromotionID == promotionID {
			out = append(out, usage)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memUsageRepo) CountByCustomer(_ context.Context, promotionID, customerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, usage := range r.usages {
		if usage.PromotionID == promotionID && usage.CustomerID == customerID {
			n++
		}
	}
	return n, nil
}

type memCounterRepo struct {
	mu             sync.Mutex
	purchases      map[string]int64
	stock          map[string]int64
	incrementCalls int
	incrementErr   error
}

func newMemCounterRepo(stock map[string]int64) *memCounterRepo {
	repo := &memCounterRepo{purchases: map[string]int64{}, stock: map[string]int64{}}
	for sku, qty := range stock {
		repo.stock[sku] = qty
	}
	return repo
}

func (r *memCounterRepo) Get(_ context.Context, sku string) (domain.ProductCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.ProductCounter{SKU: sku, PurchaseCount: r.purchases[sku], Stock: r.stock[sku]}, nil
}

func (r *memCounterRepo) IncrementPurchases(_ context.Context, skus []string, _ time.Time) error {
	if r.incrementErr != nil {
		return r.incrementErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incrementCalls++
	for _, sku := range skus {
		r.purchases[sku]++
	}
	return nil
}

func (r *memCounterRepo) AdjustStock(_ context.Context, deltas map[string]int64, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sku, delta := range deltas {
		next := r.stock[sku] + delta
		if next < 0 {
			next = 0
		}
		r.stock[sku] = next
	}
	return nil
}

func (r *memCounterRepo) purchaseCount(sku string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purchases[sku]
}

func (r *memCounterRepo) stockOf(sku string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stock[sku]
}

type memNotificationRepo struct {
	mu            sync.Mutex
	notifications []domain.Notification
}

func (r *memNotificationRepo) Insert(_ context.Context, notification domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, notification)
	return nil
}

func (r *memNotificationRepo) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.notifications {
		if n.CustomerID == customerID {
			out = append(out, n)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memNotificationRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notifications)
}

type memLedger struct {
	mu      sync.Mutex
	records map[string]domain.FulfillmentRecord
	// beforeRecord runs before the existence check in Record.
	beforeRecord func(record domain.FulfillmentRecord)
	// recordErr fails Record without storing the entry.
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]domain.FulfillmentRecord)}
}

func ledgerKey(orderID, effect string) string { return orderID + "_" + effect }

func (l *memLedger) Find(_ context.Context, orderID, effect string) (domain.FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[ledgerKey(orderID, effect)]
	if !ok {
		return domain.FulfillmentRecord{}, errRepoNotFound("ledger %s/%s not found", orderID, effect)
	}
	return record, nil
}

func (l *memLedger) Record(_ context.Context, record domain.FulfillmentRecord) error {
	if hook := l.beforeRecord; hook != nil {
		hook(record)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	key := ledgerKey(record.OrderID, record.Effect)
	if _, ok := l.records[key]; ok {
		return errRepoConflict("ledger %s exists", key)
	}
	l.records[key] = record
	return nil
}

func (l *memLedger) put(record domain.FulfillmentRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[ledgerKey(record.OrderID, record.Effect)] = record
}

func (l *memLedger) has(orderID, effect string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[ledgerKey(orderID, effect)]
	return ok
}

type memReviewRepo struct {
	mu      sync.Mutex
	reviews []domain.Review
	err     error
}

func (r *memReviewRepo) Insert(_ context.Context, review domain.Review) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, review)
	return nil
}

func (r *memReviewRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Review
	for _, review := range r.reviews {
		if review.OrderID == orderID {
			out = append(out, review)
		}
	}
	return out, nil
}
