package store

import (
	"context"

	"ltv-alert/internal/core"
)

// UpsertOutcome is the result of UpsertSubscription. Previous holds the threshold
// the subscription had before an update so callers can drop dedup state keyed by it.
type UpsertOutcome struct {
	Subscription core.Subscription
	Result       core.UpsertResult
	Previous     *float64
}

// RemovedOperator is the result of a successful operator removal, including the
// subscriptions deleted by the label cascade.
type RemovedOperator struct {
	Operator      core.Operator
	Subscriptions []core.SubscriptionView
}

// Store is the domain model store. Every method is atomic at single-entity
// granularity; uniqueness is enforced by the backing storage.
type Store interface {
	// FindOrCreateAddress validates accountAddress and returns the existing row or a new one.
	FindOrCreateAddress(ctx context.Context, accountAddress string) (core.WatchedAddress, error)
	// GetAddress returns core.ErrNotFound when the address is not watched.
	GetAddress(ctx context.Context, accountAddress string) (core.WatchedAddress, error)
	// DeleteAddress removes an address and every subscription referencing it.
	DeleteAddress(ctx context.Context, id string) (bool, error)

	UpsertSubscription(ctx context.Context, sub core.Subscription) (UpsertOutcome, error)
	// RemoveSubscription deletes a subscription and, if it was the last one, its address.
	RemoveSubscription(ctx context.Context, addressID, protocol, subscriberID string) (core.Subscription, bool, error)
	ListSubscriptionsFor(ctx context.Context, subscriberID string) ([]core.SubscriptionView, error)
	ListAllActiveSubscriptions(ctx context.Context) ([]core.SubscriptionView, error)

	ListOperators(ctx context.Context) ([]core.Operator, error)
	// AddOperator returns core.ErrDuplicate when the label exists.
	AddOperator(ctx context.Context, label string) (core.Operator, error)
	// RemoveOperator deletes the operator, subscriptions carrying its label and orphaned addresses.
	RemoveOperator(ctx context.Context, label string) (RemovedOperator, bool, error)

	Close() error
}
