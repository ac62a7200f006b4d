package domain

import "time"

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeExpired   Outcome = "expired"
	OutcomeFailed    Outcome = "failed"
)

// DeliveryResult is what a transport reports for one endpoint.
type DeliveryResult struct {
	Outcome    Outcome
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Payload is the notification body sent to every endpoint of a recipient.
type Payload struct {
	NotificationID string `json:"notificationId"`
	ReminderKey    string `json:"reminderKey"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	URL            string `json:"url,omitempty"`
	ScheduledAt    string `json:"scheduledAt,omitempty"`
	FiredAt        string `json:"firedAt"`
}
