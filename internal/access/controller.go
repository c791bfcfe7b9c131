package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"ltv-alert/internal/core"
	"ltv-alert/internal/store"
)

// OperatorStore is the part of the domain store the controller needs
type OperatorStore interface {
	ListOperators(ctx context.Context) ([]core.Operator, error)
	AddOperator(ctx context.Context, label string) (core.Operator, error)
	RemoveOperator(ctx context.Context, label string) (store.RemovedOperator, bool, error)
}

// OperatorResult is the outcome of an operator management command
type OperatorResult int

const (
	OperatorAdded OperatorResult = iota
	OperatorAlreadyExists
	OperatorRemoved
	OperatorNotFound
	OperatorUnauthorized
	OperatorForbidden // target is a root operator
)

// Controller authorizes operator-level commands against the root set and the stored operators
type Controller struct {
	store OperatorStore
	roots map[string]struct{}

	mu      sync.RWMutex
	managed map[string]struct{}
}

// NewController creates a controller. Root labels are normalized and fixed for the process lifetime.
func NewController(operators OperatorStore, roots []string) *Controller {
	c := &Controller{
		store:   operators,
		roots:   make(map[string]struct{}),
		managed: make(map[string]struct{}),
	}
	for _, r := range roots {
		if label := core.NormalizeLabel(r); label != "" {
			c.roots[label] = struct{}{}
		}
	}
	return c
}

// Reload rebuilds the managed operator set from the store
func (c *Controller) Reload(ctx context.Context) error {
	ops, err := c.store.ListOperators(ctx)
	if err != nil {
		return fmt.Errorf("load operators: %w", err)
	}

	managed := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		managed[op.Label] = struct{}{}
	}

	c.mu.Lock()
	c.managed = managed
	c.mu.Unlock()
	return nil
}

// IsRoot reports whether label is a root operator
func (c *Controller) IsRoot(label string) bool {
	_, ok := c.roots[core.NormalizeLabel(label)]
	return ok
}

// IsAuthorized reports whether label is a root or managed operator. An empty label is never authorized.
func (c *Controller) IsAuthorized(label string) bool {
	label = core.NormalizeLabel(label)
	if label == "" {
		return false
	}
	if _, ok := c.roots[label]; ok {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.managed[label]
	return ok
}

// Labels returns root and managed operator labels, sorted
func (c *Controller) Labels() []string {
	seen := make(map[string]struct{}, len(c.roots))
	for l := range c.roots {
		seen[l] = struct{}{}
	}
	c.mu.RLock()
	for l := range c.managed {
		seen[l] = struct{}{}
	}
	c.mu.RUnlock()

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// AddOperator stores label as a managed operator if caller is authorized
func (c *Controller) AddOperator(ctx context.Context, caller, label string) (OperatorResult, error) {
	if !c.IsAuthorized(caller) {
		return OperatorUnauthorized, nil
	}
	label = core.NormalizeLabel(label)
	if label == "" {
		return OperatorNotFound, nil
	}
	if _, ok := c.roots[label]; ok {
		return OperatorAlreadyExists, nil
	}

	_, err := c.store.AddOperator(ctx, label)
	if errors.Is(err, core.ErrDuplicate) {
		c.refresh(ctx, label, true)
		return OperatorAlreadyExists, nil
	}
	if err != nil {
		return 0, err
	}
	log.Printf("👮 Operator %s added by %s", label, core.NormalizeLabel(caller))
	c.refresh(ctx, label, true)
	return OperatorAdded, nil
}

// RemoveOperator deletes a managed operator if caller is authorized. Root operators cannot be removed.
func (c *Controller) RemoveOperator(ctx context.Context, caller, label string) (OperatorResult, store.RemovedOperator, error) {
	if !c.IsAuthorized(caller) {
		return OperatorUnauthorized, store.RemovedOperator{}, nil
	}
	label = core.NormalizeLabel(label)
	if _, ok := c.roots[label]; ok {
		return OperatorForbidden, store.RemovedOperator{}, nil
	}

	removed, ok, err := c.store.RemoveOperator(ctx, label)
	if err != nil {
		return 0, removed, err
	}
	if !ok {
		return OperatorNotFound, removed, nil
	}
	log.Printf("👮 Operator %s removed by %s (%d subscription(s) cascaded)", label, core.NormalizeLabel(caller), len(removed.Subscriptions))
	c.refresh(ctx, label, false)
	return OperatorRemoved, removed, nil
}

// refresh applies a mutation to the cached set, then rebuilds it from the store.
// The cached set is correct for label even when the rebuild fails.
func (c *Controller) refresh(ctx context.Context, label string, present bool) {
	c.mu.Lock()
	if present {
		c.managed[label] = struct{}{}
	} else {
		delete(c.managed, label)
	}
	c.mu.Unlock()

	if err := c.Reload(ctx); err != nil {
		log.Printf("⚠️  Operator cache reload failed: %v", err)
	}
}
