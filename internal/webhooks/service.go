package webhooks

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
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// subscriptionRepo is the storage surface the service needs. Satisfied
// by *Repository.
type subscriptionRepo interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Subscription, error)
	ListMatching(ctx context.Context, ownerID uuid.UUID, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, subID uuid.UUID, limit int) ([]*Delivery, error)
}

// Service manages subscriptions and delivers events to them.
type Service struct {
	repo       subscriptionRepo
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(repo subscriptionRepo, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a subscription with a generated HMAC secret. The
// plaintext secret appears only in the Subscribe response.
func (s *Service) Subscribe(ctx context.Context, ownerID uuid.UUID, req CreateSubscriptionRequest) (*Subscription, error) {
	for _, ev := range req.Events {
		if !knownEvent(ev) {
			return nil, apperr.E(apperr.KindInvalidInput, fmt.Sprintf("unknown event type %q", ev))
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sub := &Subscription{
		OwnerID: ownerID,
		URL:     req.URL,
		Events:  req.Events,
		Secret:  secret,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create subscription", err)
	}
	return sub, nil
}

// Unsubscribe deletes a subscription after an ownership check.
func (s *Service) Unsubscribe(ctx context.Context, ownerID, subID uuid.UUID) error {
	sub, err := s.repo.Get(ctx, subID)
	if err != nil {
		return apperr.E(apperr.KindNotFound, "subscription not found")
	}
	if sub.OwnerID != ownerID {
		return apperr.E(apperr.KindNotFound, "subscription not found")
	}
	if err := s.repo.Delete(ctx, subID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete subscription", err)
	}
	return nil
}

// ListByOwner returns an owner's subscriptions.
func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Subscription, error) {
	subs, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list subscriptions", err)
	}
	return subs, nil
}

// Deliveries returns recent delivery attempts for an owned subscription.
func (s *Service) Deliveries(ctx context.Context, ownerID, subID uuid.UUID, limit int) ([]*Delivery, error) {
	sub, err := s.repo.Get(ctx, subID)
	if err != nil || sub.OwnerID != ownerID {
		return nil, apperr.E(apperr.KindNotFound, "subscription not found")
	}
	out, err := s.repo.ListDeliveries(ctx, subID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list deliveries", err)
	}
	return out, nil
}

// Dispatch fans an event out to the owner's matching subscriptions.
// The payload must carry owner_id; events without one are dropped
// rather than broadcast across tenants. Delivery happens in background
// goroutines detached from the caller's deadline.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	ownerID, err := uuid.Parse(payload["owner_id"])
	if err != nil {
		s.logger.Warn("webhook: event without owner, dropping", zap.String("event", eventType))
		return
	}

	subs, err := s.repo.ListMatching(ctx, ownerID, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		go s.deliver(bg, sub, event)
	}
}

// deliver sends the event to one subscription with retries (1s, 5s, 25s).
func (s *Service) deliver(ctx context.Context, sub *Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}
	signature := signPayload(body, sub.Secret)

	delays := []time.Duration{0, time.Second, 5 * time.Second, 25 * time.Second}
	for attempt := 1; attempt <= len(delays); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delays[attempt-1]):
			}
		}

		success, statusCode, errMsg := s.post(ctx, sub.URL, body, signature)

		delivery := &Delivery{
			SubscriptionID: sub.ID,
			EventType:      event.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
		}
		if recordErr := s.repo.RecordDelivery(ctx, delivery); recordErr != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
		}
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg))
	}
}

func (s *Service) post(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentplane-Signature", signature)

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

// signPayload computes the HMAC-SHA256 signature subscribers verify.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func knownEvent(ev string) bool {
	for _, k := range KnownEvents {
		if k == ev {
			return true
		}
	}
	return false
}
