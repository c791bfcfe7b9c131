package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"ltv-alert/internal/access"
	"ltv-alert/internal/core"
	"ltv-alert/internal/dedup"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/metrics"
	"ltv-alert/internal/store"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of a command as reported to the caller
type Outcome string

const (
	OutcomeSubscribed    Outcome = "subscribed"
	OutcomeUpdated       Outcome = "updated"
	OutcomeUnchanged     Outcome = "unchanged"
	OutcomeRemoved       Outcome = "removed"
	OutcomeAdded         Outcome = "added"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeRejected      Outcome = "rejected"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeOK            Outcome = "ok"
)

// Caller identifies who issued a command. ID is where replies and alerts go.
type Caller struct {
	ID    string
	Label string
}

// Reply is a command outcome. Reason is set for OutcomeRejected and is safe to show.
type Reply struct {
	Outcome Outcome
	Reason  error
}

// ListEntry is one row of the list command, with LTV computed on demand
type ListEntry struct {
	AccountAddress string
	Protocol       string
	Threshold      float64
	OwnThreshold   bool
	Reading        core.LTVReading
	Err            error
}

// Config holds the command path settings
type Config struct {
	Protocol         string
	DefaultThreshold float64
	ListConcurrency  int
}

// Service implements the command surface independently of the chat transport
type Service struct {
	store     store.Store
	source    ltv.Source
	cache     dedup.Cache
	access    *access.Controller
	limiter   *access.RateLimiter
	validator core.AddressValidator
	cfg       Config
}

// NewService creates a new command service
func NewService(st store.Store, source ltv.Source, cache dedup.Cache, ac *access.Controller, limiter *access.RateLimiter, validator core.AddressValidator, cfg Config) *Service {
	if cfg.ListConcurrency <= 0 {
		cfg.ListConcurrency = 4
	}
	return &Service{
		store:     st,
		source:    source,
		cache:     cache,
		access:    ac,
		limiter:   limiter,
		validator: validator,
		cfg:       cfg,
	}
}

// gate applies authorization then the per-action rate limit
func (s *Service) gate(caller Caller, action access.Action) (Outcome, bool) {
	if !s.access.IsAuthorized(caller.Label) {
		metrics.CommandsTotal.WithLabelValues(string(action), string(OutcomeUnauthorized)).Inc()
		log.Printf("⛔ %s denied for %q (%s)", action, caller.Label, caller.ID)
		return OutcomeUnauthorized, false
	}
	return s.throttle(caller, action)
}

// throttle applies only the per-action rate limit; read-only commands are open to any caller
func (s *Service) throttle(caller Caller, action access.Action) (Outcome, bool) {
	if !s.limiter.Allow(caller.ID, action) {
		metrics.CommandsTotal.WithLabelValues(string(action), string(OutcomeRateLimited)).Inc()
		return OutcomeRateLimited, false
	}
	return "", true
}

func record(action access.Action, outcome Outcome) {
	metrics.CommandsTotal.WithLabelValues(string(action), string(outcome)).Inc()
}

func rejected(action access.Action, reason error) Reply {
	record(action, OutcomeRejected)
	return Reply{Outcome: OutcomeRejected, Reason: reason}
}

// Subscribe creates the caller's subscription to accountAddress, or updates its threshold
func (s *Service) Subscribe(ctx context.Context, caller Caller, accountAddress string, threshold *float64) (Reply, error) {
	const action = access.ActionSubscribe
	if outcome, ok := s.gate(caller, action); !ok {
		return Reply{Outcome: outcome}, nil
	}
	if err := core.ValidateThreshold(threshold); err != nil {
		return rejected(action, err), nil
	}

	out, err := s.upsert(ctx, caller, accountAddress, threshold)
	if errors.Is(err, core.ErrInvalidAddress) || errors.Is(err, core.ErrInvalidThreshold) {
		return rejected(action, err), nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("subscribe %s: %w", accountAddress, err)
	}

	var outcome Outcome
	switch out.Result {
	case core.UpsertCreated:
		outcome = OutcomeSubscribed
		log.Printf("➕ %s subscribed to %s", caller.ID, accountAddress)
	case core.UpsertUpdated:
		outcome = OutcomeUpdated
		previous := core.EffectiveThreshold(out.Previous, s.cfg.DefaultThreshold)
		current := core.EffectiveThreshold(out.Subscription.AlertThreshold, s.cfg.DefaultThreshold)
		if previous != current {
			stale := dedup.KeyFor(out.Subscription, s.cfg.DefaultThreshold)
			stale.Threshold = previous
			s.invalidate(ctx, stale)
		}
		log.Printf("✏️  %s updated threshold on %s: %g%% -> %g%%", caller.ID, accountAddress, previous, current)
	default:
		outcome = OutcomeUnchanged
	}
	record(action, outcome)
	return Reply{Outcome: outcome}, nil
}

// upsert resolves the watched address and writes the subscription. An address
// deleted between the two steps surfaces as core.ErrNotFound and is resolved once more.
func (s *Service) upsert(ctx context.Context, caller Caller, accountAddress string, threshold *float64) (store.UpsertOutcome, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var addr core.WatchedAddress
		addr, err = s.store.FindOrCreateAddress(ctx, accountAddress)
		if err != nil {
			return store.UpsertOutcome{}, err
		}
		var out store.UpsertOutcome
		out, err = s.store.UpsertSubscription(ctx, core.Subscription{
			WatchedAddressID: addr.ID,
			Protocol:         s.cfg.Protocol,
			SubscriberID:     caller.ID,
			SubscriberLabel:  core.NormalizeLabel(caller.Label),
			AlertThreshold:   threshold,
		})
		if !errors.Is(err, core.ErrNotFound) {
			return out, err
		}
	}
	return store.UpsertOutcome{}, err
}

// Unsubscribe removes the caller's subscription to accountAddress
func (s *Service) Unsubscribe(ctx context.Context, caller Caller, accountAddress string) (Reply, error) {
	const action = access.ActionUnsubscribe
	if outcome, ok := s.gate(caller, action); !ok {
		return Reply{Outcome: outcome}, nil
	}
	if err := s.validator.ValidateAddress(accountAddress); err != nil {
		return rejected(action, err), nil
	}

	addr, err := s.store.GetAddress(ctx, accountAddress)
	if errors.Is(err, core.ErrNotFound) {
		record(action, OutcomeNotFound)
		return Reply{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("unsubscribe %s: %w", accountAddress, err)
	}

	sub, removed, err := s.store.RemoveSubscription(ctx, addr.ID, s.cfg.Protocol, caller.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("unsubscribe %s: %w", accountAddress, err)
	}
	if !removed {
		record(action, OutcomeNotFound)
		return Reply{Outcome: OutcomeNotFound}, nil
	}

	s.invalidate(ctx, dedup.KeyFor(sub, s.cfg.DefaultThreshold))
	log.Printf("➖ %s unsubscribed from %s", caller.ID, accountAddress)
	record(action, OutcomeRemoved)
	return Reply{Outcome: OutcomeRemoved}, nil
}

// List returns the caller's subscriptions with their current LTV
func (s *Service) List(ctx context.Context, caller Caller) (Reply, []ListEntry, error) {
	const action = access.ActionList
	if outcome, ok := s.throttle(caller, action); !ok {
		return Reply{Outcome: outcome}, nil, nil
	}

	views, err := s.store.ListSubscriptionsFor(ctx, caller.ID)
	if err != nil {
		return Reply{}, nil, fmt.Errorf("list subscriptions: %w", err)
	}

	entries := make([]ListEntry, len(views))
	readings := make(map[string]*ListEntry, len(views))
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(s.cfg.ListConcurrency)

	for i, v := range views {
		entries[i] = ListEntry{
			AccountAddress: v.Address.AccountAddress,
			Protocol:       v.Protocol,
			Threshold:      core.EffectiveThreshold(v.AlertThreshold, s.cfg.DefaultThreshold),
			OwnThreshold:   v.AlertThreshold != nil,
		}
		if v.Protocol != s.cfg.Protocol {
			entries[i].Err = fmt.Errorf("protocol %s is not served by this bot", v.Protocol)
			continue
		}
		if _, ok := readings[v.Address.AccountAddress]; ok {
			continue
		}
		result := &ListEntry{}
		readings[v.Address.AccountAddress] = result
		account := v.Address.AccountAddress
		eg.Go(func() error {
			reading, err := s.source.CurrentLTV(ctx, account)
			mu.Lock()
			result.Reading, result.Err = reading, err
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for i := range entries {
		if r, ok := readings[entries[i].AccountAddress]; ok && entries[i].Err == nil {
			entries[i].Reading, entries[i].Err = r.Reading, r.Err
		}
	}

	record(action, OutcomeOK)
	return Reply{Outcome: OutcomeOK}, entries, nil
}

// QueryLTV returns the current LTV of any valid address, watched or not
func (s *Service) QueryLTV(ctx context.Context, caller Caller, accountAddress string) (Reply, core.LTVReading, error) {
	const action = access.ActionQueryLTV
	if outcome, ok := s.throttle(caller, action); !ok {
		return Reply{Outcome: outcome}, core.LTVReading{}, nil
	}
	if err := s.validator.ValidateAddress(accountAddress); err != nil {
		return rejected(action, err), core.LTVReading{}, nil
	}

	reading, err := s.source.CurrentLTV(ctx, accountAddress)
	if err != nil {
		return Reply{}, core.LTVReading{}, fmt.Errorf("query ltv %s: %w", accountAddress, err)
	}
	record(action, OutcomeOK)
	return Reply{Outcome: OutcomeOK}, reading, nil
}

// ListOperators returns root and managed operator labels
func (s *Service) ListOperators(_ context.Context, caller Caller) (Reply, []string) {
	const action = access.ActionListOperators
	if outcome, ok := s.throttle(caller, action); !ok {
		return Reply{Outcome: outcome}, nil
	}
	record(action, OutcomeOK)
	return Reply{Outcome: OutcomeOK}, s.access.Labels()
}

// AddOperator adds a managed operator
func (s *Service) AddOperator(ctx context.Context, caller Caller, label string) (Reply, error) {
	const action = access.ActionAddOperator
	if outcome, ok := s.gate(caller, action); !ok {
		return Reply{Outcome: outcome}, nil
	}
	if core.NormalizeLabel(label) == "" {
		return rejected(action, errors.New("operator label is required")), nil
	}

	result, err := s.access.AddOperator(ctx, caller.Label, label)
	if err != nil {
		return Reply{}, fmt.Errorf("add operator %s: %w", label, err)
	}
	outcome := operatorOutcome(result)
	record(action, outcome)
	return Reply{Outcome: outcome}, nil
}

// RemoveOperator removes a managed operator and drops dedup state of the cascaded subscriptions
func (s *Service) RemoveOperator(ctx context.Context, caller Caller, label string) (Reply, []core.SubscriptionView, error) {
	const action = access.ActionRemoveOperator
	if outcome, ok := s.gate(caller, action); !ok {
		return Reply{Outcome: outcome}, nil, nil
	}
	if core.NormalizeLabel(label) == "" {
		return rejected(action, errors.New("operator label is required")), nil, nil
	}

	result, removed, err := s.access.RemoveOperator(ctx, caller.Label, label)
	if err != nil {
		return Reply{}, nil, fmt.Errorf("remove operator %s: %w", label, err)
	}
	for _, v := range removed.Subscriptions {
		s.invalidate(ctx, dedup.KeyFor(v.Subscription, s.cfg.DefaultThreshold))
	}
	outcome := operatorOutcome(result)
	record(action, outcome)
	return Reply{Outcome: outcome}, removed.Subscriptions, nil
}

// DeleteAddress drops a watched address and every subscription to it
func (s *Service) DeleteAddress(ctx context.Context, caller Caller, accountAddress string) (Reply, int, error) {
	const action = access.ActionDeleteAddress
	if outcome, ok := s.gate(caller, action); !ok {
		return Reply{Outcome: outcome}, 0, nil
	}
	if err := s.validator.ValidateAddress(accountAddress); err != nil {
		return rejected(action, err), 0, nil
	}

	addr, err := s.store.GetAddress(ctx, accountAddress)
	if errors.Is(err, core.ErrNotFound) {
		record(action, OutcomeNotFound)
		return Reply{Outcome: OutcomeNotFound}, 0, nil
	}
	if err != nil {
		return Reply{}, 0, fmt.Errorf("delete address %s: %w", accountAddress, err)
	}

	all, err := s.store.ListAllActiveSubscriptions(ctx)
	if err != nil {
		return Reply{}, 0, fmt.Errorf("delete address %s: %w", accountAddress, err)
	}
	deleted, err := s.store.DeleteAddress(ctx, addr.ID)
	if err != nil {
		return Reply{}, 0, fmt.Errorf("delete address %s: %w", accountAddress, err)
	}
	if !deleted {
		record(action, OutcomeNotFound)
		return Reply{Outcome: OutcomeNotFound}, 0, nil
	}

	var dropped int
	for _, v := range all {
		if v.WatchedAddressID == addr.ID {
			s.invalidate(ctx, dedup.KeyFor(v.Subscription, s.cfg.DefaultThreshold))
			dropped++
		}
	}
	log.Printf("🗑️  %s deleted %s (%d subscription(s))", core.NormalizeLabel(caller.Label), accountAddress, dropped)
	record(action, OutcomeRemoved)
	return Reply{Outcome: OutcomeRemoved}, dropped, nil
}

func (s *Service) invalidate(ctx context.Context, key dedup.Key) {
	if err := s.cache.Invalidate(ctx, key); err != nil {
		log.Printf("⚠️  Failed to invalidate dedup state %s: %v", key, err)
	}
}

func operatorOutcome(r access.OperatorResult) Outcome {
	switch r {
	case access.OperatorAdded:
		return OutcomeAdded
	case access.OperatorAlreadyExists:
		return OutcomeAlreadyExists
	case access.OperatorRemoved:
		return OutcomeRemoved
	case access.OperatorNotFound:
		return OutcomeNotFound
	case access.OperatorForbidden:
		return OutcomeForbidden
	default:
		return OutcomeUnauthorized
	}
}
