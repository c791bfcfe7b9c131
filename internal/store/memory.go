package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ltv-alert/internal/core"
)

type subKey struct {
	addressID    string
	protocol     string
	subscriberID string
}

// MemoryStore is an in-process Store with the same unique constraints as the MySQL schema
type MemoryStore struct {
	validator core.AddressValidator
	now       func() time.Time

	mu            sync.RWMutex
	addresses     map[string]core.WatchedAddress // by id
	addressByAcct map[string]string              // account address -> id
	subs          map[string]core.Subscription   // by id
	subByKey      map[subKey]string
	operators     map[string]core.Operator // by label
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(validator core.AddressValidator) *MemoryStore {
	return &MemoryStore{
		validator:     validator,
		now:           time.Now,
		addresses:     make(map[string]core.WatchedAddress),
		addressByAcct: make(map[string]string),
		subs:          make(map[string]core.Subscription),
		subByKey:      make(map[subKey]string),
		operators:     make(map[string]core.Operator),
	}
}

func (m *MemoryStore) FindOrCreateAddress(_ context.Context, accountAddress string) (core.WatchedAddress, error) {
	if err := m.validator.ValidateAddress(accountAddress); err != nil {
		return core.WatchedAddress{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.addressByAcct[accountAddress]; ok {
		return m.addresses[id], nil
	}
	addr := core.WatchedAddress{
		ID:             core.NewID(),
		AccountAddress: accountAddress,
		CreatedAt:      m.now().UTC(),
	}
	m.addresses[addr.ID] = addr
	m.addressByAcct[accountAddress] = addr.ID
	return addr, nil
}

func (m *MemoryStore) GetAddress(_ context.Context, accountAddress string) (core.WatchedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.addressByAcct[accountAddress]
	if !ok {
		return core.WatchedAddress{}, fmt.Errorf("address %s: %w", accountAddress, core.ErrNotFound)
	}
	return m.addresses[id], nil
}

func (m *MemoryStore) DeleteAddress(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.addresses[id]
	if !ok {
		return false, nil
	}
	for subID, sub := range m.subs {
		if sub.WatchedAddressID == id {
			m.deleteSubLocked(subID)
		}
	}
	delete(m.addresses, id)
	delete(m.addressByAcct, addr.AccountAddress)
	return true, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub core.Subscription) (UpsertOutcome, error) {
	if err := core.ValidateThreshold(sub.AlertThreshold); err != nil {
		return UpsertOutcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.addresses[sub.WatchedAddressID]; !ok {
		return UpsertOutcome{}, fmt.Errorf("watched address %s: %w", sub.WatchedAddressID, core.ErrNotFound)
	}

	key := subKey{sub.WatchedAddressID, sub.Protocol, sub.SubscriberID}
	now := m.now().UTC()

	if id, ok := m.subByKey[key]; ok {
		existing := m.subs[id]
		if core.SameThreshold(existing.AlertThreshold, sub.AlertThreshold) {
			return UpsertOutcome{Subscription: existing, Result: core.UpsertUnchanged, Previous: existing.AlertThreshold}, nil
		}
		previous := existing.AlertThreshold
		existing.AlertThreshold = copyThreshold(sub.AlertThreshold)
		existing.UpdatedAt = now
		m.subs[id] = existing
		return UpsertOutcome{Subscription: existing, Result: core.UpsertUpdated, Previous: previous}, nil
	}

	sub.ID = core.NewID()
	sub.AlertThreshold = copyThreshold(sub.AlertThreshold)
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.subs[sub.ID] = sub
	m.subByKey[key] = sub.ID
	return UpsertOutcome{Subscription: sub, Result: core.UpsertCreated}, nil
}

func (m *MemoryStore) RemoveSubscription(_ context.Context, addressID, protocol, subscriberID string) (core.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.subByKey[subKey{addressID, protocol, subscriberID}]
	if !ok {
		return core.Subscription{}, false, nil
	}
	sub := m.subs[id]
	m.deleteSubLocked(id)
	m.deleteIfOrphanLocked(addressID)
	return sub, true, nil
}

func (m *MemoryStore) ListSubscriptionsFor(_ context.Context, subscriberID string) ([]core.SubscriptionView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var views []core.SubscriptionView
	for _, sub := range m.subs {
		if sub.SubscriberID == subscriberID {
			views = append(views, core.SubscriptionView{Subscription: sub, Address: m.addresses[sub.WatchedAddressID]})
		}
	}
	sortViews(views)
	return views, nil
}

func (m *MemoryStore) ListAllActiveSubscriptions(_ context.Context) ([]core.SubscriptionView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]core.SubscriptionView, 0, len(m.subs))
	for _, sub := range m.subs {
		views = append(views, core.SubscriptionView{Subscription: sub, Address: m.addresses[sub.WatchedAddressID]})
	}
	sortViews(views)
	return views, nil
}

func (m *MemoryStore) ListOperators(_ context.Context) ([]core.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]core.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Label < ops[j].Label })
	return ops, nil
}

func (m *MemoryStore) AddOperator(_ context.Context, label string) (core.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operators[label]; ok {
		return core.Operator{}, fmt.Errorf("operator %s: %w", label, core.ErrDuplicate)
	}
	op := core.Operator{ID: core.NewID(), Label: label, CreatedAt: m.now().UTC()}
	m.operators[label] = op
	return op, nil
}

func (m *MemoryStore) RemoveOperator(_ context.Context, label string) (RemovedOperator, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operators[label]
	if !ok {
		return RemovedOperator{}, false, nil
	}
	delete(m.operators, label)

	removed := RemovedOperator{Operator: op}
	touched := make(map[string]struct{})
	for id, sub := range m.subs {
		if sub.SubscriberLabel != label {
			continue
		}
		removed.Subscriptions = append(removed.Subscriptions, core.SubscriptionView{
			Subscription: sub,
			Address:      m.addresses[sub.WatchedAddressID],
		})
		touched[sub.WatchedAddressID] = struct{}{}
		m.deleteSubLocked(id)
	}
	for addressID := range touched {
		m.deleteIfOrphanLocked(addressID)
	}
	sortViews(removed.Subscriptions)
	return removed, true, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) deleteSubLocked(id string) {
	sub, ok := m.subs[id]
	if !ok {
		return
	}
	delete(m.subs, id)
	delete(m.subByKey, subKey{sub.WatchedAddressID, sub.Protocol, sub.SubscriberID})
}

func (m *MemoryStore) deleteIfOrphanLocked(addressID string) {
	for _, sub := range m.subs {
		if sub.WatchedAddressID == addressID {
			return
		}
	}
	if addr, ok := m.addresses[addressID]; ok {
		delete(m.addresses, addressID)
		delete(m.addressByAcct, addr.AccountAddress)
	}
}

func copyThreshold(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func sortViews(views []core.SubscriptionView) {
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.Address.AccountAddress != b.Address.AccountAddress {
			return a.Address.AccountAddress < b.Address.AccountAddress
		}
		return a.Subscription.SubscriberID < b.Subscription.SubscriberID
	})
}
