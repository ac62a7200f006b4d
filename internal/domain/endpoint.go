package domain

import "time"

// PushKeys are the client keys of a Web Push subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Endpoint is one delivery destination registered by a recipient.
// Endpoint URLs are unique within a recipient and identify the endpoint.
type Endpoint struct {
	URL       string    `json:"endpoint"`
	Keys      PushKeys  `json:"keys"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}
