package message

import "time"

// TopicLTVAlert is the Kafka topic carrying LTV alerts
const TopicLTVAlert = "alerts.ltv"

// LTVAlertEvent is the Kafka message payload for an LTV alert.
type LTVAlertEvent struct {
	Kind            string    `json:"kind"`
	SubscriberID    string    `json:"subscriber_id"`
	SubscriberLabel string    `json:"subscriber_label"`
	AccountAddress  string    `json:"account_address"`
	Protocol        string    `json:"protocol"`
	LTV             float64   `json:"ltv"`
	Threshold       float64   `json:"threshold"`
	Timestamp       time.Time `json:"timestamp"`
	Message         string    `json:"message"`
}

// NewLTVAlertEvent builds the event for alert with its rendered text
func NewLTVAlertEvent(alert Alert) LTVAlertEvent {
	return LTVAlertEvent{
		Kind:            string(alert.Kind),
		SubscriberID:    alert.SubscriberID,
		SubscriberLabel: alert.SubscriberLabel,
		AccountAddress:  alert.AccountAddress,
		Protocol:        alert.Protocol,
		LTV:             alert.LTV,
		Threshold:       alert.Threshold,
		Timestamp:       alert.Time,
		Message:         FormatLTVAlert(alert),
	}
}
