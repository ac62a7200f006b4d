package api

import (
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
)

type CreateReminderRequest struct {
	Key         string      `json:"key,omitempty"` // generated when empty
	RecipientID string      `json:"recipientId"`
	Title       string      `json:"title"`
	Message     string      `json:"message"`
	URL         string      `json:"url,omitempty"`
	Rule        domain.Rule `json:"rule"`
	Timezone    string      `json:"timezone"`
	Paused      bool        `json:"paused"`

	// BaseDate anchors the schedule; defaults to now.
	BaseDate *time.Time `json:"baseDate,omitempty"`
}

type UpdateRuleRequest struct {
	Rule     domain.Rule `json:"rule"`
	Timezone string      `json:"timezone"`
}

type ReminderResponse struct {
	Key             string      `json:"key"`
	RecipientID     string      `json:"recipientId"`
	Title           string      `json:"title"`
	Message         string      `json:"message"`
	URL             string      `json:"url,omitempty"`
	Rule            domain.Rule `json:"rule"`
	Timezone        string      `json:"timezone"`
	Paused          bool        `json:"paused"`
	NextTriggerAt   string      `json:"nextTriggerAt,omitempty"`
	LastTriggeredAt string      `json:"lastTriggeredAt,omitempty"`
	CreatedAt       string      `json:"createdAt"`
}

type ListRemindersResponse struct {
	Reminders []ReminderResponse `json:"reminders"`
	// NextAfter is the cursor for the next page; empty on the last page.
	NextAfter string `json:"nextAfter,omitempty"`
}

type EndpointsRequest struct {
	Endpoints []domain.Endpoint `json:"endpoints"`
}

type EndpointsResponse struct {
	RecipientID string            `json:"recipientId"`
	Endpoints   []domain.Endpoint `json:"endpoints"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toReminderResponse(r domain.Reminder) ReminderResponse {
	resp := ReminderResponse{
		Key:         r.Key,
		RecipientID: r.RecipientID,
		Title:       r.Title,
		Message:     r.Message,
		URL:         r.URL,
		Rule:        r.Rule,
		Timezone:    r.Timezone,
		Paused:      r.Paused,
		CreatedAt:   formatTime(r.CreatedAt),
	}
	if r.NextTriggerAt != nil {
		resp.NextTriggerAt = formatTime(*r.NextTriggerAt)
	}
	if r.LastTriggeredAt != nil {
		resp.LastTriggeredAt = formatTime(*r.LastTriggeredAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
