package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"swabbr-live/internal/eligibility"
	"swabbr-live/internal/models"
	"swabbr-live/internal/notify"
	"swabbr-live/internal/pool"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/storage"
)

// tickMinute is a minute on which user-1 (daily limit 1, UTC offset 0) is
// deterministically selected.
var tickMinute = time.Date(2026, 3, 1, 13, 37, 0, 0, time.UTC)

type fakeProvider struct {
	mu         sync.Mutex
	created    int
	detailsErr error
}

func (f *fakeProvider) CreateResource(ctx context.Context) (provider.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return provider.Resource{ExternalID: fmt.Sprintf("ext-%d", f.created)}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, externalID string) error { return nil }
func (f *fakeProvider) Start(ctx context.Context, externalID string) error  { return nil }
func (f *fakeProvider) Stop(ctx context.Context, externalID string) error   { return nil }

func (f *fakeProvider) ConnectionDetails(ctx context.Context, externalID string) (provider.ConnectionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailsErr != nil {
		return provider.ConnectionDetails{}, f.detailsErr
	}
	return provider.ConnectionDetails{ExternalID: externalID, IngestURL: "rtmp://ingest/" + externalID, StreamKey: "key"}, nil
}

func (f *fakeProvider) QueryConnectionState(ctx context.Context, externalID string) (provider.ConnectionState, error) {
	return provider.ConnectionState{Connected: true}, nil
}

type fakeArmer struct {
	mu    sync.Mutex
	armed []models.TriggerContext
}

func (f *fakeArmer) Arm(ctx context.Context, trigger models.TriggerContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, trigger)
	return nil
}

func (f *fakeArmer) Cancel(ctx context.Context, resourceID string) error { return nil }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Dispatch(notification notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification)
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type erroringSource struct{ err error }

func (s erroringSource) GetEligibleUsers(ctx context.Context, minuteUTC time.Time) ([]models.EligibilityRecord, error) {
	return nil, s.err
}

type tickFixture struct {
	ticker   *Ticker
	store    *storage.Storage
	provider *fakeProvider
	armer    *fakeArmer
	notifier *fakeNotifier
	source   *eligibility.StaticSource
}

func newTickFixture(t *testing.T) *tickFixture {
	t.Helper()
	store, err := storage.New("")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	fake := &fakeProvider{}
	resourcePool, err := pool.New(pool.Config{Repository: store, Provider: fake})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	source := eligibility.NewStaticSource([]models.EligibilityRecord{
		{UserID: "user-1", DailyRequestLimit: 1},
	})
	armer := &fakeArmer{}
	notifier := &fakeNotifier{}
	ticker, err := NewTicker(Config{
		Repository:  store,
		Eligibility: source,
		Pool:        resourcePool,
		Provider:    fake,
		Timeouts:    armer,
		Notifier:    notifier,
		Now:         func() time.Time { return tickMinute },
	})
	if err != nil {
		t.Fatalf("NewTicker: %v", err)
	}
	return &tickFixture{ticker: ticker, store: store, provider: fake, armer: armer, notifier: notifier, source: source}
}

func TestTickSendsRecordRequest(t *testing.T) {
	fx := newTickFixture(t)

	if err := fx.ticker.Tick(context.Background(), tickMinute); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	resource, ok, _ := fx.store.ResourceOwnedBy(context.Background(), "user-1")
	if !ok {
		t.Fatal("no resource reserved for selected user")
	}
	if resource.Status != models.StatusPendingUser {
		t.Fatalf("status = %s, want %s", resource.Status, models.StatusPendingUser)
	}

	if len(fx.armer.armed) != 1 {
		t.Fatalf("armed deadlines = %d, want 1", len(fx.armer.armed))
	}
	trigger := fx.armer.armed[0]
	if trigger.ResourceID != resource.ID || trigger.UserID != "user-1" {
		t.Fatalf("trigger = %+v", trigger)
	}
	if trigger.ExpectedStatus != models.StatusPendingUser {
		t.Fatalf("expected status = %s", trigger.ExpectedStatus)
	}
	if !trigger.TimeoutDeadline.Equal(tickMinute.Add(defaultConnectTimeout)) {
		t.Fatalf("deadline = %v, want minute + connect timeout", trigger.TimeoutDeadline)
	}

	if fx.notifier.sentCount() != 1 {
		t.Fatalf("notifications = %d, want 1", fx.notifier.sentCount())
	}
	sent := fx.notifier.sent[0]
	if sent.Kind != notify.KindRecordRequest || sent.TargetUserID != "user-1" {
		t.Fatalf("notification = %+v", sent)
	}
	if sent.RecordRequest == nil || sent.RecordRequest.Connection.IngestURL == "" {
		t.Fatalf("record request payload missing connection details: %+v", sent.RecordRequest)
	}
}

func TestTickSelectsNobodyOffSlot(t *testing.T) {
	fx := newTickFixture(t)

	if err := fx.ticker.Tick(context.Background(), tickMinute.Add(time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fx.notifier.sentCount() != 0 {
		t.Fatalf("notifications = %d, want 0", fx.notifier.sentCount())
	}
}

func TestTickSkipsUserWithActiveResource(t *testing.T) {
	fx := newTickFixture(t)
	existing, err := fx.store.CreateResource(context.Background(), "ext-existing")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := fx.store.TransitionResource(context.Background(), existing.ID, storage.ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: storage.StringPtr(""),
		SetOwner:    storage.StringPtr("user-1"),
	}); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}

	if err := fx.ticker.Tick(context.Background(), tickMinute); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fx.notifier.sentCount() != 0 {
		t.Fatalf("notifications = %d, want 0 for already-active user", fx.notifier.sentCount())
	}
	if len(fx.armer.armed) != 0 {
		t.Fatalf("armed deadlines = %d, want 0", len(fx.armer.armed))
	}
}

func TestTickRollsBackReservationOnDetailsFailure(t *testing.T) {
	fx := newTickFixture(t)
	fx.provider.detailsErr = errors.New("provider down")

	if err := fx.ticker.Tick(context.Background(), tickMinute); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if fx.notifier.sentCount() != 0 {
		t.Fatalf("notifications = %d, want 0", fx.notifier.sentCount())
	}

	// The half-claimed resource must be recycled back to the idle pool.
	if _, ok, _ := fx.store.ResourceOwnedBy(context.Background(), "user-1"); ok {
		t.Fatal("user still holds resource after failed request")
	}
	idle, _ := fx.store.CountResources(context.Background(), models.StatusCreated)
	if idle != 1 {
		t.Fatalf("idle resources = %d, want recycled 1", idle)
	}
}

func TestTickPropagatesEligibilityFailure(t *testing.T) {
	fx := newTickFixture(t)
	store := fx.store
	resourcePool, err := pool.New(pool.Config{Repository: store, Provider: fx.provider})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	sourceErr := errors.New("user service down")
	ticker, err := NewTicker(Config{
		Repository:  store,
		Eligibility: erroringSource{err: sourceErr},
		Pool:        resourcePool,
		Provider:    fx.provider,
		Timeouts:    fx.armer,
		Notifier:    fx.notifier,
	})
	if err != nil {
		t.Fatalf("NewTicker: %v", err)
	}

	if err := ticker.Tick(context.Background(), tickMinute); !errors.Is(err, sourceErr) {
		t.Fatalf("err = %v, want wrapped source error", err)
	}
}
