package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/greenbasket/api/internal/domain"
	"github.com/greenbasket/api/internal/repositories"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepDwell     = 24 * time.Hour
	defaultSweepBatchSize = 500
)

// ErrSchedulerRunning is returned when Start is called on a running scheduler.
var ErrSchedulerRunning = errors.New("order scheduler: already running")

// Ticker abstracts time.Ticker so tests can drive sweeps by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

// SweepReport summarises one sweep. Skipped counts orders another actor moved first.
type SweepReport struct {
	Examined   int
	Received   int
	Completed  int
	Skipped    int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *SweepReport) merge(other SweepReport) {
	r.Examined += other.Examined
	r.Received += other.Received
	r.Completed += other.Completed
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

// OrderSchedulerDeps configures the automatic delivered→received→completed transitions.
type OrderSchedulerDeps struct {
	Orders       repositories.OrderRepository
	Transitioner OrderTransitioner
	Interval     time.Duration
	Dwell        time.Duration
	BatchSize    int
	NewTicker    func(time.Duration) Ticker
	Tracer       trace.Tracer
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// OrderScheduler periodically moves orders whose dwell time elapsed. Sweeps never overlap and an
// in-flight sweep always runs to completion.
type OrderScheduler struct {
	orders       repositories.OrderRepository
	transitioner OrderTransitioner
	interval     time.Duration
	dwell        time.Duration
	batchSize    int
	newTicker    func(time.Duration) Ticker
	tracer       trace.Tracer
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)

	sweepMu sync.Mutex

	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ OrderSweeper = (*OrderScheduler)(nil)

// NewOrderScheduler validates dependencies and applies defaults.
func NewOrderScheduler(deps OrderSchedulerDeps) (*OrderScheduler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order scheduler: order repository is required")
	}
	if deps.Transitioner == nil {
		return nil, errors.New("order scheduler: transitioner is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	dwell := deps.Dwell
	if dwell <= 0 {
		dwell = defaultSweepDwell
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	newTicker := deps.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return timeTicker{ticker: time.NewTicker(d)} }
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/greenbasket/api/internal/services")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderScheduler{
		orders:       deps.Orders,
		transitioner: deps.Transitioner,
		interval:     interval,
		dwell:        dwell,
		batchSize:    batch,
		newTicker:    newTicker,
		tracer:       tracer,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
	}, nil
}

// Start runs a sweep immediately and then one per tick until Stop is called or ctx is done.
func (s *OrderScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrSchedulerRunning
		}
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.stopOnce = sync.Once{}

	ticker := s.newTicker(s.interval)
	go s.run(ctx, ticker, s.stop, s.done)
	s.logger(ctx, "order_scheduler.started", map[string]any{
		"interval": s.interval.String(),
		"dwell":    s.dwell.String(),
	})
	return nil
}

func (s *OrderScheduler) run(ctx context.Context, ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	// Sweeps are not interrupted by shutdown; the loop only stops between ticks.
	sweepCtx := context.WithoutCancel(ctx)
	s.SweepOnce(sweepCtx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.SweepOnce(sweepCtx)
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *OrderScheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop == nil {
		return
	}
	s.stopOnce.Do(func() { close(stop) })
	s.Wait()
	s.logger(context.Background(), "order_scheduler.stopped", nil)
}

// Wait blocks until the loop has exited. It returns immediately when the scheduler never started.
func (s *OrderScheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// SweepOnce runs both transition passes. Per-order failures are logged and counted, never returned.
func (s *OrderScheduler) SweepOnce(ctx context.Context) SweepReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "order_scheduler.sweep")
	defer span.End()

	now := s.clock()
	report := SweepReport{StartedAt: now}

	var receivePass, completePass SweepReport
	var g errgroup.Group
	g.Go(func() error {
		receivePass = s.pass(ctx, now, domain.OrderStatusDelivered, TriggerAutoReceive)
		return nil
	})
	g.Go(func() error {
		completePass = s.pass(ctx, now, domain.OrderStatusReceived, TriggerAutoComplete)
		return nil
	})
	_ = g.Wait()

	report.merge(receivePass)
	report.merge(completePass)
	report.FinishedAt = s.clock()

	span.SetAttributes(
		attribute.Int("sweep.examined", report.Examined),
		attribute.Int("sweep.received", report.Received),
		attribute.Int("sweep.completed", report.Completed),
		attribute.Int("sweep.skipped", report.Skipped),
		attribute.Int("sweep.failed", report.Failed),
	)
	s.logger(ctx, "order_scheduler.sweep_completed", map[string]any{
		"examined":   report.Examined,
		"received":   report.Received,
		"completed":  report.Completed,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
		"durationMs": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	return report
}

func (s *OrderScheduler) pass(ctx context.Context, now time.Time, status OrderStatus, trigger Trigger) SweepReport {
	var report SweepReport
	orders, err := s.orders.ListByStatus(ctx, status, s.batchSize)
	if err != nil {
		report.Failed++
		s.logger(ctx, "order_scheduler.list_failed", map[string]any{
			"status": string(status),
			"error":  err.Error(),
		})
		return report
	}

	for _, order := range orders {
		report.Examined++
		if now.Sub(order.EnteredAt(status)) < s.dwell {
			continue
		}
		result, err := s.transitioner.TransitionOrder(ctx, TransitionOrderCommand{
			OrderID:        order.ID,
			Trigger:        trigger,
			ExpectedStatus: status,
			Actor:          ActorSystem,
		})
		if err != nil {
			report.Failed++
			s.logger(ctx, "order_scheduler.transition_failed", map[string]any{
				"orderId": order.ID,
				"trigger": string(trigger),
				"error":   err.Error(),
			})
			continue
		}
		if !result.Applied {
			report.Skipped++
			continue
		}
		switch result.To {
		case domain.OrderStatusReceived:
			report.Received++
		case domain.OrderStatusCompleted:
			report.Completed++
		}
	}
	return report
}
