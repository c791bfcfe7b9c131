package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Supported protocol tags
const (
	ProtocolAnchor = "anchor"
	ProtocolAaveV3 = "aave-v3"
)

// WatchedAddress is a borrower account that at least one subscriber watches
type WatchedAddress struct {
	ID             string
	AccountAddress string
	CreatedAt      time.Time
}

// Subscription links a subscriber to a watched address on one protocol.
// (WatchedAddressID, Protocol, SubscriberID) is unique.
type Subscription struct {
	ID               string
	WatchedAddressID string
	Protocol         string
	AlertThreshold   *float64 // nil = protocol default
	SubscriberID     string   // chat id the alerts are delivered to
	SubscriberLabel  string   // display name, used for operator cascades
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Operator is a managed (stored) operator identity
type Operator struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

// SubscriptionView is a subscription joined with its watched address
type SubscriptionView struct {
	Subscription
	Address WatchedAddress
}

// UpsertResult reports what UpsertSubscription did
type UpsertResult int

const (
	UpsertCreated UpsertResult = iota
	UpsertUpdated
	UpsertUnchanged
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	case UpsertUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// NewID returns a fresh entity identifier
func NewID() string {
	return uuid.NewString()
}

// NormalizeLabel strips a leading "@" and lower-cases an operator or subscriber label
// so that Telegram usernames compare equal regardless of how they were typed.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(label), "@"))
}
