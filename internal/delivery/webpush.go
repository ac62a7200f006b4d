// Package delivery sends reminder payloads to Web Push endpoints.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultTTL     = 86400
)

// Breaker guards sends per push service host.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // contact URL or e-mail placed in the VAPID claim
	TTL             int    // seconds the push service keeps an undelivered message
	Timeout         time.Duration
	RatePerSecond   float64 // 0 disables rate limiting
}

// WebPushSender encrypts payloads for each subscription and posts them to
// the subscription's push service with VAPID authentication.
type WebPushSender struct {
	config  Config
	client  webpush.HTTPClient
	limiter *rate.Limiter
	breaker Breaker // optional, nil = disabled
	log     logrus.FieldLogger
}

func NewWebPushSender(config Config) *WebPushSender {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	s := &WebPushSender{
		config: config,
		client: &http.Client{},
		log:    logging.Component(logrus.StandardLogger(), "delivery"),
	}
	if config.RatePerSecond > 0 {
		burst := int(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return s
}

func (s *WebPushSender) WithBreaker(b Breaker) *WebPushSender {
	s.breaker = b
	return s
}

func (s *WebPushSender) WithHTTPClient(c webpush.HTTPClient) *WebPushSender {
	s.client = c
	return s
}

func (s *WebPushSender) WithLogger(l logrus.FieldLogger) *WebPushSender {
	s.log = logging.Component(l, "delivery")
	return s
}

// Send delivers one payload to one endpoint. It never returns an error:
// every problem is reported as a failed outcome.
func (s *WebPushSender) Send(ctx context.Context, ep domain.Endpoint, p domain.Payload) domain.DeliveryResult {
	start := time.Now()
	fail := func(err error) domain.DeliveryResult {
		return domain.DeliveryResult{Outcome: domain.OutcomeFailed, Err: err, Duration: time.Since(start)}
	}

	host := endpointHost(ep.URL)
	if host == "" {
		return fail(fmt.Errorf("invalid endpoint url %q", ep.URL))
	}

	if s.breaker != nil {
		if err := s.breaker.Allow(host); err != nil {
			return fail(fmt.Errorf("%s: %w", host, err))
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(sendCtx, body, &webpush.Subscription{
		Endpoint: ep.URL,
		Keys: webpush.Keys{
			Auth:   ep.Keys.Auth,
			P256dh: ep.Keys.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.config.Subscriber,
		TTL:             s.config.TTL,
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  s.config.VAPIDPublicKey,
		VAPIDPrivateKey: s.config.VAPIDPrivateKey,
	})
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure(host)
		}
		return fail(fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	outcome := Classify(resp.StatusCode)
	result := domain.DeliveryResult{Outcome: outcome, StatusCode: resp.StatusCode, Duration: time.Since(start)}

	if s.breaker != nil {
		if countsAgainstService(resp.StatusCode) {
			s.breaker.RecordFailure(host)
		} else {
			s.breaker.RecordSuccess(host)
		}
	}

	if outcome == domain.OutcomeFailed {
		result.Err = fmt.Errorf("push service %s responded %d", host, resp.StatusCode)
	}
	s.log.WithFields(logrus.Fields{
		"host":    host,
		"status":  resp.StatusCode,
		"outcome": outcome,
	}).Debug("push sent")
	return result
}

// Classify maps a push service response status to a delivery outcome.
// 404 and 410 mean the subscription is gone for good.
func Classify(status int) domain.Outcome {
	switch {
	case status >= 200 && status < 300:
		return domain.OutcomeDelivered
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.OutcomeExpired
	default:
		return domain.OutcomeFailed
	}
}

// countsAgainstService reports whether a response indicates the push service
// itself is unhealthy, as opposed to a problem with one subscription.
func countsAgainstService(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func endpointHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
