package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ltv-alert/internal/core"
)

// Key identifies the dedup state of one subscription under one threshold configuration
type Key struct {
	WatchedAddressID string
	Protocol         string
	SubscriberID     string
	Threshold        float64 // effective threshold used for the comparison
}

// KeyFor derives the dedup key of a subscription
func KeyFor(sub core.Subscription, protocolDefault float64) Key {
	return Key{
		WatchedAddressID: sub.WatchedAddressID,
		Protocol:         sub.Protocol,
		SubscriberID:     sub.SubscriberID,
		Threshold:        core.EffectiveThreshold(sub.AlertThreshold, protocolDefault),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("ltv:dedup:%s:%s:%s:%s",
		k.WatchedAddressID, k.Protocol, k.SubscriberID,
		strconv.FormatFloat(k.Threshold, 'f', -1, 64))
}

// Cache stores the last breach state per key with expiry.
// It is derived state: losing it can at most cause a repeat alert.
type Cache interface {
	GetLastState(ctx context.Context, key Key) (core.BreachState, bool, error)
	SetState(ctx context.Context, key Key, state core.BreachState, ttl time.Duration) error
	Invalidate(ctx context.Context, key Key) error
	Close() error
}
