package message

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"time"

	"ltv-alert/internal/core"
)

// ErrDeliveryFailed is returned when a notification could not be handed to the transport
var ErrDeliveryFailed = errors.New("delivery failed")

// Notifier delivers a text notification to one subscriber
type Notifier interface {
	Deliver(ctx context.Context, subscriberID, text string) error
}

// AlertNotifier is implemented by notifiers that carry the structured alert, not only its text
type AlertNotifier interface {
	DeliverAlert(ctx context.Context, alert Alert) error
}

// Alert is one LTV notification for one subscriber
type Alert struct {
	Kind            core.AlertKind
	SubscriberID    string
	SubscriberLabel string
	AccountAddress  string
	Protocol        string
	LTV             float64
	Threshold       float64
	Time            time.Time
}

// Send delivers alert through n, preferring the structured path when n supports it
func Send(ctx context.Context, n Notifier, alert Alert) error {
	if an, ok := n.(AlertNotifier); ok {
		return an.DeliverAlert(ctx, alert)
	}
	return n.Deliver(ctx, alert.SubscriberID, FormatLTVAlert(alert))
}

// FormatLTVAlert renders the HTML alert text sent to the subscriber
func FormatLTVAlert(a Alert) string {
	var title string
	switch a.Kind {
	case core.AlertCleared:
		title = "✅ <b>LTV Back Below Threshold</b>"
	case core.AlertRenotify:
		title = "🚨 <b>LTV Still Above Threshold</b>"
	default:
		title = "🚨 <b>LTV Alert Triggered</b>"
	}

	condition := ">="
	if a.Kind == core.AlertCleared {
		condition = "<"
	}

	return fmt.Sprintf(
		"%s\n\n"+
			"<b>Address:</b> <code>%s</code>\n"+
			"<b>Protocol:</b> %s\n"+
			"<b>Current LTV:</b> %s%%\n"+
			"<b>Threshold:</b> %s%%\n"+
			"<b>Condition:</b> LTV %s %s%%\n"+
			"<b>Time:</b> %s",
		title,
		html.EscapeString(a.AccountAddress),
		html.EscapeString(a.Protocol),
		FormatPercent(a.LTV),
		FormatPercent(a.Threshold),
		html.EscapeString(condition), FormatPercent(a.Threshold),
		a.Time.UTC().Format(time.RFC3339),
	)
}

// FormatPercent renders a percentage with at most two decimals
func FormatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
