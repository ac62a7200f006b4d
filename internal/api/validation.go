package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	maxKeyLength   = 200
	maxTitleLength = 500
	maxEndpoints   = 50
)

// validateCreateReminder checks request fields. Rule structure is checked by
// the reminder service.
func validateCreateReminder(req CreateReminderRequest) error {
	if req.RecipientID == "" {
		return fmt.Errorf("recipientId is required")
	}
	if err := validateKey("recipientId", req.RecipientID); err != nil {
		return err
	}
	if req.Key != "" {
		if err := validateKey("key", req.Key); err != nil {
			return err
		}
	}

	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(req.Title) > maxTitleLength {
		return fmt.Errorf("title exceeds %d characters", maxTitleLength)
	}

	if req.Timezone != "" {
		if err := validateTimezone(req.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}

	if req.URL != "" {
		if err := validateHTTPURL(req.URL); err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
	}

	return nil
}

func validateEndpoints(req EndpointsRequest) error {
	if len(req.Endpoints) > maxEndpoints {
		return fmt.Errorf("at most %d endpoints per recipient", maxEndpoints)
	}
	seen := make(map[string]bool, len(req.Endpoints))
	for i, ep := range req.Endpoints {
		if err := validateHTTPURL(ep.URL); err != nil {
			return fmt.Errorf("endpoints[%d]: invalid endpoint: %w", i, err)
		}
		if seen[ep.URL] {
			return fmt.Errorf("endpoints[%d]: duplicate endpoint", i)
		}
		seen[ep.URL] = true
		if ep.Keys.P256dh == "" || ep.Keys.Auth == "" {
			return fmt.Errorf("endpoints[%d]: keys.p256dh and keys.auth are required", i)
		}
	}
	return nil
}

func validateKey(field, key string) error {
	if len(key) > maxKeyLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxKeyLength)
	}
	if strings.ContainsAny(key, " /?#") {
		return fmt.Errorf("%s must not contain spaces, '/', '?' or '#'", field)
	}
	return nil
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

func validateHTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
