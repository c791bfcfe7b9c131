package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ltv-alert/internal/core"
	"ltv-alert/internal/dedup"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/message"
	"ltv-alert/internal/metrics"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned by RunCycle when the previous cycle has not finished
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// SubscriptionLister is the read side of the domain store used by the scheduler
type SubscriptionLister interface {
	ListAllActiveSubscriptions(ctx context.Context) ([]core.SubscriptionView, error)
}

// Config tunes the poll loop
type Config struct {
	Protocol         string
	DefaultThreshold float64
	PollInterval     time.Duration
	DedupTTL         time.Duration
	WorkerPoolSize   int
	DeliveryTimeout  time.Duration
}

// CycleReport summarizes one poll cycle
type CycleReport struct {
	Subscriptions int
	Addresses     int
	Unavailable   int
	Alerts        int
	Delivered     int
	Failed        int
	Duration      time.Duration
}

// Scheduler runs poll cycles on a fixed interval, never overlapping
type Scheduler struct {
	subs     SubscriptionLister
	source   ltv.Source
	cache    dedup.Cache
	notifier message.Notifier
	engine   *core.DecisionEngine
	cfg      Config

	now  func() time.Time
	busy atomic.Bool
	cron *cron.Cron

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup // ticks started by Start or the cron driver
}

// New creates a new scheduler
func New(subs SubscriptionLister, source ltv.Source, cache dedup.Cache, notifier message.Notifier, engine *core.DecisionEngine, cfg Config) *Scheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 3 * cfg.PollInterval
	}
	return &Scheduler{
		subs:     subs,
		source:   source,
		cache:    cache,
		notifier: notifier,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start registers the poll job, runs one cycle immediately and starts the cron driver
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", s.cfg.PollInterval)
	}

	c := cron.New()
	schedule := fmt.Sprintf("@every %s", s.cfg.PollInterval)
	if _, err := c.AddFunc(schedule, func() {
		if !s.enter() {
			return
		}
		defer s.running.Done()
		s.tick(ctx)
	}); err != nil {
		return fmt.Errorf("register poll job %q: %w", schedule, err)
	}
	s.cron = c

	if s.enter() {
		go func() {
			defer s.running.Done()
			s.tick(ctx)
		}()
	}
	c.Start()
	log.Printf("⏱️  Poll interval: %v (worker pool %d)", s.cfg.PollInterval, s.cfg.WorkerPoolSize)
	return nil
}

// Stop stops the driver and waits for every started cycle, including the
// start-up one, to finish. No cycle begins after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.running.Wait()
	log.Println("🛑 Scheduler stopped")
}

// enter registers a tick unless Stop was called
func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.running.Add(1)
	return true
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		log.Printf("⏭️  Previous poll cycle still running, skipping this tick")
	case err != nil:
		log.Printf("❌ Poll cycle aborted: %v", err)
	default:
		log.Printf("✅ Poll cycle done in %v: %d subscription(s), %d address(es), %d unavailable, %d alert(s), %d delivered, %d failed",
			report.Duration.Round(time.Millisecond), report.Subscriptions, report.Addresses, report.Unavailable,
			report.Alerts, report.Delivered, report.Failed)
	}
}

// RunCycle evaluates every active subscription once. It returns ErrCycleInProgress
// without doing anything when another cycle is running.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.CyclesTotal.WithLabelValues(s.cfg.Protocol, "skipped").Inc()
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.busy.Store(false)

	start := time.Now()
	defer func() {
		metrics.CycleLatency.WithLabelValues(s.cfg.Protocol).Observe(time.Since(start).Seconds())
	}()

	subs, err := s.subs.ListAllActiveSubscriptions(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(s.cfg.Protocol, "aborted").Inc()
		return CycleReport{}, fmt.Errorf("list subscriptions: %w", err)
	}

	groups := groupByAddress(subs, s.cfg.Protocol)

	var (
		mu     sync.Mutex
		report CycleReport
	)
	report.Addresses = len(groups)
	for _, g := range groups {
		report.Subscriptions += len(g.subs)
	}

	now := s.now()
	var eg errgroup.Group
	eg.SetLimit(s.cfg.WorkerPoolSize)
	for _, g := range groups {
		eg.Go(func() error {
			r := s.processAddress(ctx, g, now)
			mu.Lock()
			report.Unavailable += r.Unavailable
			report.Alerts += r.Alerts
			report.Delivered += r.Delivered
			report.Failed += r.Failed
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	report.Duration = time.Since(start)
	metrics.CyclesTotal.WithLabelValues(s.cfg.Protocol, "completed").Inc()
	metrics.SubscriptionsWatched.WithLabelValues(s.cfg.Protocol).Set(float64(report.Subscriptions))
	return report, nil
}

type addressGroup struct {
	address core.WatchedAddress
	subs    []core.Subscription
}

// groupByAddress keeps subscriptions of protocol, one group per watched address
func groupByAddress(views []core.SubscriptionView, protocol string) []addressGroup {
	byID := make(map[string]*addressGroup)
	for _, v := range views {
		if v.Protocol != protocol {
			continue
		}
		g, ok := byID[v.WatchedAddressID]
		if !ok {
			g = &addressGroup{address: v.Address}
			byID[v.WatchedAddressID] = g
		}
		g.subs = append(g.subs, v.Subscription)
	}

	groups := make([]addressGroup, 0, len(byID))
	for _, g := range byID {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].address.AccountAddress < groups[j].address.AccountAddress
	})
	return groups
}

// processAddress queries one address and evaluates each subscription watching it
func (s *Scheduler) processAddress(ctx context.Context, g addressGroup, now time.Time) CycleReport {
	var r CycleReport

	reading, err := s.source.CurrentLTV(ctx, g.address.AccountAddress)
	if err != nil {
		r.Unavailable = 1
		metrics.SourceUnavailable.WithLabelValues(s.cfg.Protocol).Inc()
		log.Printf("⚠️  LTV unavailable for %s, retrying next cycle: %v", g.address.AccountAddress, err)
		return r
	}

	if reading.HasPosition {
		log.Printf("💰 %s %s: LTV %.2f%%", s.cfg.Protocol, g.address.AccountAddress, reading.Percent)
	}

	for _, sub := range g.subs {
		decision, err := s.evaluate(ctx, sub, reading, now)
		if err != nil {
			log.Printf("⚠️  Skipping subscription %s: %v", sub.ID, err)
			continue
		}
		if !decision.ShouldAlert {
			continue
		}

		r.Alerts++
		log.Printf("🚨 Alert triggered for %s (%s): %s", sub.SubscriberLabel, sub.SubscriberID, decision.Message)
		if s.deliver(ctx, g.address, sub, decision, now) {
			r.Delivered++
		} else {
			r.Failed++
		}
	}
	return r
}

// evaluate decides on one subscription and persists its next state
func (s *Scheduler) evaluate(ctx context.Context, sub core.Subscription, reading core.LTVReading, now time.Time) (*core.BreachDecision, error) {
	key := dedup.KeyFor(sub, s.cfg.DefaultThreshold)

	prev, found, err := s.cache.GetLastState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read dedup state %s: %w", key, err)
	}
	var prevPtr *core.BreachState
	if found {
		prevPtr = &prev
	}

	decision := s.engine.Evaluate(prevPtr, reading, key.Threshold, now)
	if err := s.cache.SetState(ctx, key, decision.Next, s.cfg.DedupTTL); err != nil {
		// an unpersisted alert would repeat next cycle; drop it until state is writable
		return nil, fmt.Errorf("write dedup state %s: %w", key, err)
	}
	return decision, nil
}

// deliver hands one alert to the notifier under its own timeout
func (s *Scheduler) deliver(ctx context.Context, addr core.WatchedAddress, sub core.Subscription, decision *core.BreachDecision, now time.Time) bool {
	if s.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		defer cancel()
	}

	alert := message.Alert{
		Kind:            decision.Kind,
		SubscriberID:    sub.SubscriberID,
		SubscriberLabel: sub.SubscriberLabel,
		AccountAddress:  addr.AccountAddress,
		Protocol:        sub.Protocol,
		LTV:             decision.Reading.Percent,
		Threshold:       decision.Threshold,
		Time:            now,
	}
	if err := message.Send(ctx, s.notifier, alert); err != nil {
		metrics.AlertsTotal.WithLabelValues(s.cfg.Protocol, string(decision.Kind), "failed").Inc()
		log.Printf("❌ Failed to deliver alert to %s: %v", sub.SubscriberID, err)
		return false
	}
	metrics.AlertsTotal.WithLabelValues(s.cfg.Protocol, string(decision.Kind), "delivered").Inc()
	return true
}
