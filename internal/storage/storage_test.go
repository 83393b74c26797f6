package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"swabbr-live/internal/models"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := New(path, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return store
}

func mustCreateResource(t *testing.T, store *Storage, externalID string) models.LivestreamResource {
	t.Helper()
	resource, err := store.CreateResource(context.Background(), externalID)
	if err != nil {
		t.Fatalf("CreateResource %s: %v", externalID, err)
	}
	return resource
}

func TestCreateResourceRejectsDuplicateExternalID(t *testing.T) {
	store := newTestStore(t)
	mustCreateResource(t, store, "ext-1")

	if _, err := store.CreateResource(context.Background(), "ext-1"); err == nil {
		t.Fatal("expected duplicate external id to be rejected")
	}
}

func TestTransitionResourceAppliesGuardedUpdate(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")

	updated, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	})
	if err != nil {
		t.Fatalf("TransitionResource: %v", err)
	}
	if updated.Status != models.StatusPendingUser {
		t.Fatalf("status = %s, want %s", updated.Status, models.StatusPendingUser)
	}
	if updated.OwnerUserID != "user-1" {
		t.Fatalf("owner = %q, want user-1", updated.OwnerUserID)
	}
}

func TestTransitionResourceRefusesWrongStatus(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")

	_, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From: models.StatusLive,
		To:   models.StatusPendingClosure,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}

	current, ok, _ := store.GetResource(context.Background(), resource.ID)
	if !ok || current.Status != models.StatusCreated {
		t.Fatalf("resource mutated by refused transition: %+v", current)
	}
}

func TestTransitionResourceRefusesWrongOwner(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")
	if _, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusPendingUser,
		To:          models.StatusLive,
		ExpectOwner: StringPtr("user-2"),
	})
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("err = %v, want ErrOwnerMismatch", err)
	}
}

func TestTransitionResourceRefusesSecondActiveResourcePerUser(t *testing.T) {
	store := newTestStore(t)
	first := mustCreateResource(t, store, "ext-1")
	second := mustCreateResource(t, store, "ext-2")

	reserve := ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	}
	if _, err := store.TransitionResource(context.Background(), first.ID, reserve); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := store.TransitionResource(context.Background(), second.ID, reserve); !errors.Is(err, ErrOwnerBusy) {
		t.Fatalf("err = %v, want ErrOwnerBusy", err)
	}
}

func TestTransitionResourceAllowsReclaimAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	first := mustCreateResource(t, store, "ext-1")
	second := mustCreateResource(t, store, "ext-2")

	reserve := ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	}
	if _, err := store.TransitionResource(context.Background(), first.ID, reserve); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.TransitionResource(context.Background(), first.ID, ResourceTransition{
		From:        models.StatusPendingUser,
		To:          models.StatusAborted,
		ExpectOwner: StringPtr("user-1"),
		SetOwner:    StringPtr(""),
	}); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if _, err := store.TransitionResource(context.Background(), second.ID, reserve); err != nil {
		t.Fatalf("reserve after abort: %v", err)
	}
}

func TestTransitionResourcePersistFailureRollsBack(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	_, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	})
	if err == nil {
		t.Fatal("expected persist failure")
	}
	store.persistOverride = nil

	current, ok, _ := store.GetResource(context.Background(), resource.ID)
	if !ok || current.Status != models.StatusCreated || current.OwnerUserID != "" {
		t.Fatalf("transition not rolled back: %+v", current)
	}
}

func TestResourceOwnedByIgnoresTerminalStatuses(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")
	if _, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusCreated,
		To:          models.StatusPendingUser,
		ExpectOwner: StringPtr(""),
		SetOwner:    StringPtr("user-1"),
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, ok, _ := store.ResourceOwnedBy(context.Background(), "user-1"); !ok {
		t.Fatal("expected active resource for user-1")
	}

	if _, err := store.TransitionResource(context.Background(), resource.ID, ResourceTransition{
		From:        models.StatusPendingUser,
		To:          models.StatusAborted,
		ExpectOwner: StringPtr("user-1"),
		SetOwner:    StringPtr(""),
	}); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if _, ok, _ := store.ResourceOwnedBy(context.Background(), "user-1"); ok {
		t.Fatal("aborted resource still counted as owned")
	}
}

func TestFirstResourceWithStatusReturnsOldest(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store := newTestStore(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	first := mustCreateResource(t, store, "ext-1")
	mustCreateResource(t, store, "ext-2")

	got, ok, err := store.FirstResourceWithStatus(context.Background(), models.StatusCreated)
	if err != nil || !ok {
		t.Fatalf("FirstResourceWithStatus: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID {
		t.Fatalf("got %s, want oldest %s", got.ID, first.ID)
	}
}

func TestTimeoutsSurviveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resource := mustCreateResource(t, store, "ext-1")
	trigger := models.TriggerContext{
		ResourceID:      resource.ID,
		UserID:          "user-1",
		TriggerMinute:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TimeoutDeadline: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		ExpectedStatus:  models.StatusPendingUser,
	}
	if err := store.SaveTimeout(context.Background(), trigger); err != nil {
		t.Fatalf("SaveTimeout: %v", err)
	}
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	triggers, err := reloaded.ListTimeouts(context.Background())
	if err != nil {
		t.Fatalf("ListTimeouts: %v", err)
	}
	if len(triggers) != 1 || triggers[0].ResourceID != resource.ID {
		t.Fatalf("triggers = %+v, want one for %s", triggers, resource.ID)
	}
	if !triggers[0].TimeoutDeadline.Equal(trigger.TimeoutDeadline) {
		t.Fatalf("deadline = %v, want %v", triggers[0].TimeoutDeadline, trigger.TimeoutDeadline)
	}
}

func TestDeleteResourceCascadesTimeout(t *testing.T) {
	store := newTestStore(t)
	resource := mustCreateResource(t, store, "ext-1")
	if err := store.SaveTimeout(context.Background(), models.TriggerContext{
		ResourceID:     resource.ID,
		UserID:         "user-1",
		ExpectedStatus: models.StatusPendingUser,
	}); err != nil {
		t.Fatalf("SaveTimeout: %v", err)
	}

	if err := store.DeleteResource(context.Background(), resource.ID); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}

	triggers, _ := store.ListTimeouts(context.Background())
	if len(triggers) != 0 {
		t.Fatalf("timeouts left after delete: %+v", triggers)
	}
}

func TestDeleteTimeoutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteTimeout(context.Background(), "missing"); err != nil {
		t.Fatalf("DeleteTimeout on missing entry: %v", err)
	}
}
