package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Ledger-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service manages subscriptions and fans governance events out to them.
type Service struct {
	store      Store
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewService creates a notification Service over the given store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a subscription with a generated HMAC secret. The
// secret is present on the returned subscription exactly once.
func (s *Service) Subscribe(ctx context.Context, owner string, req *CreateSubscriptionRequest) (*Subscription, error) {
	if owner == "" {
		return nil, fault.New(fault.KindValidation, "subscription owner required")
	}
	if len(req.Events) == 0 {
		return nil, fault.New(fault.KindValidation, "at least one event required")
	}
	for _, ev := range req.Events {
		if !knownEvent(ev) {
			return nil, fault.Newf(fault.KindValidation, "unknown event type %q", ev)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	sub := &Subscription{
		Owner:  owner,
		URL:    req.URL,
		Events: req.Events,
		Secret: secret,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe deletes a subscription, checking ownership.
func (s *Service) Unsubscribe(ctx context.Context, owner string, subID uuid.UUID) error {
	sub, err := s.store.GetByID(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Owner != owner {
		return fault.Newf(fault.KindAuthentication, "subscription %s is not owned by %s", subID, owner)
	}
	return s.store.Delete(ctx, subID)
}

// ListByOwner returns all subscriptions for an owner.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	return s.store.ListByOwner(ctx, owner)
}

// BindBus registers a listener for every known event topic so that bus
// emissions fan out to matching subscriptions.
func (s *Service) BindBus(bus *events.Bus) {
	if bus == nil {
		return
	}
	for _, name := range KnownEvents {
		name := name
		bus.On(name, func(ev events.Event) {
			s.Dispatch(context.Background(), name, toMap(ev.Payload))
		})
	}
}

// Dispatch fans an event out to all matching subscriptions.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]any) {
	subs, err := s.store.ListByEvent(ctx, eventType)
	if err != nil {
		s.logger.Error("notify: list subscribers", zap.Error(err))
		return
	}

	event := OutboundEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, sub := range subs {
		go s.deliver(ctx, sub, event)
	}
}

// deliver sends the event to a single subscription with retries.
// Backoff: 1s then 5s between the three attempts.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event OutboundEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("notify: marshal event", zap.Error(err))
		return
	}
	signature := signPayload(body, sub.Secret)

	delays := []time.Duration{0, 1 * time.Second, 5 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delays[attempt-1]):
			case <-ctx.Done():
				return
			}
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		delivery := &Delivery{
			SubscriptionID: sub.ID,
			EventType:      event.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
		}
		if recordErr := s.store.RecordDelivery(ctx, delivery); recordErr != nil {
			s.logger.Warn("notify: record delivery", zap.Error(recordErr))
		}
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("notify: delivery failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// VerifySignature reports whether sig is a valid signature of body
// under secret. Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, sig string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(sig))
}

func knownEvent(name string) bool {
	for _, ev := range KnownEvents {
		if ev == name {
			return true
		}
	}
	return false
}

// toMap flattens an arbitrary payload through JSON so receivers get a
// stable object shape regardless of the emitting package's types.
func toMap(payload any) map[string]any {
	b, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
