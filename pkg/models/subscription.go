package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionAbsent   SubscriptionStatus = "absent"
	SubscriptionCreating SubscriptionStatus = "creating"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionRenewing SubscriptionStatus = "renewing"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionFailed   SubscriptionStatus = "failed"
)

// Subscription is the push source's registration with the notification
// provider, persisted so a restart can resume without re-registering.
type Subscription struct {
	ID              string             `json:"id"`
	Resource        string             `json:"resource"`
	NotificationURL string             `json:"notification_url"`
	ExpiresAt       time.Time          `json:"expires_at"`
	ClientState     string             `json:"client_state"`
	Status          SubscriptionStatus `json:"status"`
}

func (s *Subscription) Expired(now time.Time) bool {
	return s == nil || s.ID == "" || !s.ExpiresAt.After(now)
}

// StatusCode maps the status onto the subscription_state gauge.
func (s SubscriptionStatus) StatusCode() float64 {
	switch s {
	case SubscriptionCreating:
		return 1
	case SubscriptionActive:
		return 2
	case SubscriptionRenewing:
		return 3
	case SubscriptionExpired:
		return 4
	case SubscriptionFailed:
		return 5
	default:
		return 0
	}
}

// Notification is the provider's webhook delivery envelope.
type Notification struct {
	Value []NotificationItem `json:"value"`
}

type NotificationItem struct {
	SubscriptionID string       `json:"subscriptionId"`
	ClientState    string       `json:"clientState"`
	ChangeType     string       `json:"changeType"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
}

type ResourceData struct {
	ID string `json:"id"`
}
