package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swabbr-live/internal/models"
	"swabbr-live/internal/notify"
	"swabbr-live/internal/pool"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/storage"
)

// fakeProvider drives the manager with a controllable connection state.
type fakeProvider struct {
	mu        sync.Mutex
	connected bool
	stopErr   error
	stateErr  error
	stateHook func()
	stopped   []string
	deleted   []string
}

func (f *fakeProvider) CreateResource(ctx context.Context) (provider.Resource, error) {
	return provider.Resource{ExternalID: "ext-new"}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, externalID)
	return nil
}

func (f *fakeProvider) Start(ctx context.Context, externalID string) error { return nil }

func (f *fakeProvider) Stop(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, externalID)
	return nil
}

func (f *fakeProvider) ConnectionDetails(ctx context.Context, externalID string) (provider.ConnectionDetails, error) {
	return provider.ConnectionDetails{ExternalID: externalID}, nil
}

func (f *fakeProvider) QueryConnectionState(ctx context.Context, externalID string) (provider.ConnectionState, error) {
	f.mu.Lock()
	hook := f.stateHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return provider.ConnectionState{}, f.stateErr
	}
	return provider.ConnectionState{Connected: f.connected}, nil
}

type fakeArmer struct {
	mu        sync.Mutex
	armed     []models.TriggerContext
	cancelled []string
}

func (f *fakeArmer) Arm(ctx context.Context, trigger models.TriggerContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, trigger)
	return nil
}

func (f *fakeArmer) Cancel(ctx context.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, resourceID)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Dispatch(notification notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification)
}

type managerFixture struct {
	manager  *Manager
	store    *storage.Storage
	provider *fakeProvider
	armer    *fakeArmer
	notifier *fakeNotifier
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store, err := storage.New("")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	fake := &fakeProvider{connected: true}
	resourcePool, err := pool.New(pool.Config{Repository: store, Provider: fake})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	notifier := &fakeNotifier{}
	manager, err := New(Config{
		Repository: store,
		Provider:   fake,
		Pool:       resourcePool,
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	armer := &fakeArmer{}
	manager.SetTimeouts(armer)
	return &managerFixture{manager: manager, store: store, provider: fake, armer: armer, notifier: notifier}
}

// seedResource creates a tracked resource and walks it to the given status
// for userID.
func (fx *managerFixture) seedResource(t *testing.T, status models.ResourceStatus, userID string) models.LivestreamResource {
	t.Helper()
	ctx := context.Background()
	resource, err := fx.store.CreateResource(ctx, "ext-1")
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	steps := []struct {
		from, to models.ResourceStatus
		owner    *string
	}{
		{models.StatusCreated, models.StatusPendingUser, storage.StringPtr(userID)},
		{models.StatusPendingUser, models.StatusLive, nil},
	}
	for _, step := range steps {
		if resource.Status == status {
			break
		}
		resource, err = fx.store.TransitionResource(ctx, resource.ID, storage.ResourceTransition{
			From:     step.from,
			To:       step.to,
			SetOwner: step.owner,
		})
		if err != nil {
			t.Fatalf("seed transition %s -> %s: %v", step.from, step.to, err)
		}
	}
	if resource.Status != status {
		t.Fatalf("seed ended at %s, want %s", resource.Status, status)
	}
	return resource
}

func TestEncoderConnectedMovesResourceLive(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")
	eventTime := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	updated, err := fx.manager.EncoderConnected(context.Background(), resource.ExternalID, "user-1", eventTime)
	if err != nil {
		t.Fatalf("EncoderConnected: %v", err)
	}
	if updated.Status != models.StatusLive {
		t.Fatalf("status = %s, want %s", updated.Status, models.StatusLive)
	}
	if updated.OwnerUserID != "user-1" {
		t.Fatalf("owner = %q, want user-1", updated.OwnerUserID)
	}

	if len(fx.armer.armed) != 1 {
		t.Fatalf("armed deadlines = %d, want 1", len(fx.armer.armed))
	}
	trigger := fx.armer.armed[0]
	if trigger.ExpectedStatus != models.StatusLive {
		t.Fatalf("re-armed expected status = %s, want %s", trigger.ExpectedStatus, models.StatusLive)
	}
	if !trigger.TimeoutDeadline.Equal(eventTime.Add(10 * time.Minute)) {
		t.Fatalf("deadline = %v, want event time + max duration", trigger.TimeoutDeadline)
	}

	if len(fx.notifier.sent) != 1 || fx.notifier.sent[0].Kind != notify.KindProfileLive {
		t.Fatalf("notifications = %+v, want one profile-live", fx.notifier.sent)
	}
}

func TestEncoderConnectedRejectsWrongUser(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")

	_, err := fx.manager.EncoderConnected(context.Background(), resource.ExternalID, "user-2", time.Now())
	if !errors.Is(err, ErrOwnershipConflict) {
		t.Fatalf("err = %v, want ErrOwnershipConflict", err)
	}

	current, _, _ := fx.store.GetResource(context.Background(), resource.ID)
	if current.Status != models.StatusPendingUser {
		t.Fatalf("rejected event mutated status to %s", current.Status)
	}
}

func TestEncoderConnectedOwnerSwapDuringTransition(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")

	// Swap the owner after the pre-check but before the guarded transition.
	fx.provider.stateHook = func() {
		_, err := fx.store.TransitionResource(context.Background(), resource.ID, storage.ResourceTransition{
			From:     models.StatusPendingUser,
			To:       models.StatusPendingUser,
			SetOwner: storage.StringPtr("user-2"),
		})
		if err != nil {
			t.Errorf("owner swap: %v", err)
		}
	}

	_, err := fx.manager.EncoderConnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrOwnershipConflict) {
		t.Fatalf("err = %v, want ErrOwnershipConflict", err)
	}

	current, _, _ := fx.store.GetResource(context.Background(), resource.ID)
	if current.Status != models.StatusPendingUser || current.OwnerUserID != "user-2" {
		t.Fatalf("lost race mutated resource: %+v", current)
	}
}

func TestEncoderConnectedIgnoresStaleEvent(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")

	_, err := fx.manager.EncoderConnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("err = %v, want ErrStaleEvent", err)
	}
}

func TestEncoderConnectedRequiresActiveIngest(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")
	fx.provider.connected = false

	_, err := fx.manager.EncoderConnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrIngestStateMismatch) {
		t.Fatalf("err = %v, want ErrIngestStateMismatch", err)
	}
}

func TestEncoderConnectedUnknownResource(t *testing.T) {
	fx := newManagerFixture(t)

	_, err := fx.manager.EncoderConnected(context.Background(), "ext-missing", "", time.Now())
	if !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("err = %v, want ErrUnknownResource", err)
	}
}

func TestEncoderDisconnectedClosesAndDestroysResource(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")
	fx.provider.connected = false

	updated, err := fx.manager.EncoderDisconnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if err != nil {
		t.Fatalf("EncoderDisconnected: %v", err)
	}
	if updated.Status != models.StatusClosed {
		t.Fatalf("status = %s, want %s", updated.Status, models.StatusClosed)
	}
	if updated.OwnerUserID != "" {
		t.Fatalf("owner = %q, want cleared", updated.OwnerUserID)
	}

	if len(fx.armer.cancelled) != 1 || fx.armer.cancelled[0] != resource.ID {
		t.Fatalf("cancelled = %v, want [%s]", fx.armer.cancelled, resource.ID)
	}
	// Closed resources are destroyed on release.
	if _, ok, _ := fx.store.GetResource(context.Background(), resource.ID); ok {
		t.Fatal("closed resource still tracked")
	}
	if len(fx.provider.deleted) != 1 {
		t.Fatalf("provider deletes = %d, want 1", len(fx.provider.deleted))
	}
}

func TestEncoderDisconnectedStopFailureAbortsAndRecycles(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")
	fx.provider.connected = false
	fx.provider.stopErr = errors.New("provider down")

	updated, err := fx.manager.EncoderDisconnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if err != nil {
		t.Fatalf("EncoderDisconnected: %v", err)
	}
	if updated.Status != models.StatusAborted {
		t.Fatalf("status = %s, want %s", updated.Status, models.StatusAborted)
	}

	// Release retries the stop before recycling; with the provider still
	// failing the aborted resource is destroyed instead.
	if _, ok, _ := fx.store.GetResource(context.Background(), resource.ID); ok {
		t.Fatal("unstoppable resource still tracked")
	}
}

func TestEncoderDisconnectedOwnerSwapDuringTransition(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")
	fx.provider.connected = false
	fx.provider.stateHook = func() {
		_, err := fx.store.TransitionResource(context.Background(), resource.ID, storage.ResourceTransition{
			From:     models.StatusLive,
			To:       models.StatusLive,
			SetOwner: storage.StringPtr("user-2"),
		})
		if err != nil {
			t.Errorf("owner swap: %v", err)
		}
	}

	_, err := fx.manager.EncoderDisconnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrOwnershipConflict) {
		t.Fatalf("err = %v, want ErrOwnershipConflict", err)
	}
	if len(fx.provider.stopped) != 0 {
		t.Fatalf("lost race still stopped provider: %v", fx.provider.stopped)
	}
}

func TestEncoderDisconnectedIgnoresStaleEvent(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")
	fx.provider.connected = false

	_, err := fx.manager.EncoderDisconnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("err = %v, want ErrStaleEvent", err)
	}
}

func TestEncoderDisconnectedRequiresIngestGone(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")

	_, err := fx.manager.EncoderDisconnected(context.Background(), resource.ExternalID, "user-1", time.Now())
	if !errors.Is(err, ErrIngestStateMismatch) {
		t.Fatalf("err = %v, want ErrIngestStateMismatch", err)
	}
}

func TestHandleTimeoutAbortsUnansweredRequest(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")

	err := fx.manager.HandleTimeout(context.Background(), models.TriggerContext{
		ResourceID:     resource.ID,
		UserID:         "user-1",
		ExpectedStatus: models.StatusPendingUser,
	})
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	// Aborted resources are recycled back into the pool.
	current, ok, _ := fx.store.GetResource(context.Background(), resource.ID)
	if !ok {
		t.Fatal("resource destroyed, expected recycle")
	}
	if current.Status != models.StatusCreated || current.OwnerUserID != "" {
		t.Fatalf("resource not recycled: %+v", current)
	}
}

func TestHandleTimeoutIgnoresSettledResource(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusLive, "user-1")

	err := fx.manager.HandleTimeout(context.Background(), models.TriggerContext{
		ResourceID:     resource.ID,
		UserID:         "user-1",
		ExpectedStatus: models.StatusPendingUser,
	})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("err = %v, want ErrStaleEvent", err)
	}
	current, _, _ := fx.store.GetResource(context.Background(), resource.ID)
	if current.Status != models.StatusLive {
		t.Fatalf("stale timeout mutated status to %s", current.Status)
	}
}

func TestHandleTimeoutIgnoresRecycledResource(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-2")

	// Deadline armed for a previous owner must not touch the new booking.
	err := fx.manager.HandleTimeout(context.Background(), models.TriggerContext{
		ResourceID:     resource.ID,
		UserID:         "user-1",
		ExpectedStatus: models.StatusPendingUser,
	})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("err = %v, want ErrStaleEvent", err)
	}
}

func TestHandleTimeoutIsIdempotent(t *testing.T) {
	fx := newManagerFixture(t)
	resource := fx.seedResource(t, models.StatusPendingUser, "user-1")
	trigger := models.TriggerContext{
		ResourceID:     resource.ID,
		UserID:         "user-1",
		ExpectedStatus: models.StatusPendingUser,
	}

	if err := fx.manager.HandleTimeout(context.Background(), trigger); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if err := fx.manager.HandleTimeout(context.Background(), trigger); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("second fire err = %v, want ErrStaleEvent", err)
	}
}
