package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

type stubRepo struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Subscription
	deliveries []*Delivery
	matched    int
}

func newStubRepo() *stubRepo {
	return &stubRepo{subs: make(map[uuid.UUID]*Subscription)}
}

func (r *stubRepo) Create(_ context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = uuid.New()
	sub.Active = true
	r.subs[sub.ID] = sub
	return nil
}

func (r *stubRepo) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

func (r *stubRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *stubRepo) ListMatching(_ context.Context, ownerID uuid.UUID, eventType string) ([]*Subscription, error) {
	r.mu.Lock()
	r.matched++
	r.mu.Unlock()
	subs, _ := r.ListByOwner(context.Background(), ownerID)
	var out []*Subscription
	for _, s := range subs {
		for _, ev := range s.Events {
			if ev == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (r *stubRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func (r *stubRepo) RecordDelivery(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *stubRepo) ListDeliveries(_ context.Context, subID uuid.UUID, _ int) ([]*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Delivery
	for _, d := range r.deliveries {
		if d.SubscriptionID == subID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *stubRepo) recorded() []*Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Delivery(nil), r.deliveries...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSubscribe_RejectsUnknownEvent(t *testing.T) {
	svc := NewService(newStubRepo(), zap.NewNop())
	_, err := svc.Subscribe(context.Background(), uuid.New(), CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{"agent.exploded"},
	})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestUnsubscribe_CrossOwnerHidden(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, zap.NewNop())

	sub, err := svc.Subscribe(context.Background(), uuid.New(), CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{EventAgentArchived},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err = svc.Unsubscribe(context.Background(), uuid.New(), sub.ID)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if _, err := repo.Get(context.Background(), sub.ID); err != nil {
		t.Fatal("subscription should still exist after a foreign delete attempt")
	}
}

func TestDispatch_SignsPayload(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, zap.NewNop())
	owner := uuid.New()

	type received struct {
		body      []byte
		signature string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("X-Agentplane-Signature")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub, err := svc.Subscribe(context.Background(), owner, CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventDeploymentStatusChanged},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Dispatch(context.Background(), EventDeploymentStatusChanged, map[string]string{
		"owner_id":      owner.String(),
		"deployment_id": uuid.NewString(),
		"to":            "running",
	})

	var rec received
	select {
	case rec = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery received")
	}

	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(rec.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if rec.signature != want {
		t.Errorf("signature = %q, want %q", rec.signature, want)
	}

	waitFor(t, func() bool { return len(repo.recorded()) == 1 })
}

func TestDispatch_DropsEventWithoutOwner(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, zap.NewNop())

	svc.Dispatch(context.Background(), EventAgentArchived, map[string]string{
		"agent_id": uuid.NewString(),
	})

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.matched != 0 {
		t.Error("subscriptions should not be queried for an ownerless event")
	}
}

func TestDispatch_SkipsNonMatchingEvents(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, zap.NewNop())
	owner := uuid.New()

	calls := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := svc.Subscribe(context.Background(), owner, CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventAgentArchived},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Dispatch(context.Background(), EventDeploymentStatusChanged, map[string]string{
		"owner_id": owner.String(),
	})

	select {
	case <-calls:
		t.Error("subscriber received an event type it did not register for")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo, zap.NewNop())
	owner := uuid.New()

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := svc.Subscribe(context.Background(), owner, CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventEndpointUnhealthy},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Dispatch(context.Background(), EventEndpointUnhealthy, map[string]string{
		"owner_id": owner.String(),
	})

	waitFor(t, func() bool {
		ds := repo.recorded()
		return len(ds) == 2 && ds[1].Success
	})

	ds := repo.recorded()
	if ds[0].Success || ds[0].StatusCode != http.StatusBadGateway {
		t.Errorf("first delivery = %+v, want failed 502", ds[0])
	}
	if ds[1].Attempt != 2 {
		t.Errorf("second delivery attempt = %d, want 2", ds[1].Attempt)
	}
}
