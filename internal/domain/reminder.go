package domain

import (
	"fmt"
	"time"
)

// Reminder is the persisted reminder record. The CRUD surface owns creation,
// rule edits and deletion; the dispatch cycle owns LastTriggeredAt, BaseDate
// and NextTriggerAt.
type Reminder struct {
	Key         string `json:"key"`
	RecipientID string `json:"recipientId"`

	Title   string `json:"title"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`

	Rule     Rule   `json:"rule"`
	Timezone string `json:"timezone"` // IANA name, empty means UTC
	Paused   bool   `json:"paused"`

	BaseDate        *time.Time `json:"baseDate,omitempty"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	NextTriggerAt   *time.Time `json:"nextTriggerAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Location resolves the reminder's timezone.
func (r Reminder) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrRuleInvalid, r.Timezone, err)
	}
	return loc, nil
}

// Validate checks the fields the dispatch cycle depends on.
func (r Reminder) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrMalformed)
	}
	if r.RecipientID == "" {
		return fmt.Errorf("%w: reminder %s has no recipient", ErrMalformed, r.Key)
	}
	if err := r.Rule.Validate(); err != nil {
		return err
	}
	_, err := r.Location()
	return err
}

// Page is one keyset page of reminder records.
type Page struct {
	Reminders []Reminder
	// LastKey is the last key read, decodable or not. It is the cursor for
	// the next page and is empty when nothing was left after the cursor.
	LastKey string
	// Undecodable holds the keys on this page whose stored value could not
	// be decoded. They are not in Reminders.
	Undecodable []string
}

// Scanned is the number of keys the page covered.
func (p Page) Scanned() int {
	return len(p.Reminders) + len(p.Undecodable)
}
