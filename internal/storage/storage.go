package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"swabbr-live/internal/models"
)

type dataset struct {
	Resources map[string]models.LivestreamResource `json:"resources"`
	Timeouts  map[string]models.TriggerContext     `json:"timeouts"`
}

// Storage is the JSON-file-backed repository used for single-process
// deployments and tests. All mutations happen under one mutex, which makes
// every guarded transition a single atomic conditional write.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source used for resource timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func newDataset() dataset {
	return dataset{
		Resources: make(map[string]models.LivestreamResource),
		Timeouts:  make(map[string]models.TriggerContext),
	}
}

// New loads (or initialises) a Storage persisted at filePath. An empty
// filePath keeps the dataset in memory only.
func New(filePath string, opts ...Option) (*Storage, error) {
	s := &Storage{
		filePath: strings.TrimSpace(filePath),
		data:     newDataset(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filePath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read storage file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode storage file: %w", err)
	}
	if data.Resources == nil {
		data.Resources = make(map[string]models.LivestreamResource)
	}
	if data.Timeouts == nil {
		data.Timeouts = make(map[string]models.TriggerContext)
	}
	s.data = data
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write storage file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}

// Ping reports storage availability. The file-backed store is always ready.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close flushes the dataset to disk.
func (s *Storage) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// CreateResource persists a new resource row in the created status.
func (s *Storage) CreateResource(ctx context.Context, externalID string) (models.LivestreamResource, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return models.LivestreamResource{}, fmt.Errorf("external id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Resources {
		if existing.ExternalID == externalID {
			return models.LivestreamResource{}, fmt.Errorf("external id %s already tracked", externalID)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.LivestreamResource{}, err
	}
	now := s.now()
	resource := models.LivestreamResource{
		ID:         id,
		ExternalID: externalID,
		Status:     models.StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.Resources[id] = resource
	if err := s.persistLocked(); err != nil {
		delete(s.data.Resources, id)
		return models.LivestreamResource{}, err
	}
	return resource, nil
}

// GetResource returns the resource with the given internal id.
func (s *Storage) GetResource(ctx context.Context, id string) (models.LivestreamResource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.data.Resources[id]
	return resource, ok, nil
}

// ResourceByExternalID resolves a provider-side handle to the local row.
func (s *Storage) ResourceByExternalID(ctx context.Context, externalID string) (models.LivestreamResource, bool, error) {
	externalID = strings.TrimSpace(externalID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, resource := range s.data.Resources {
		if resource.ExternalID == externalID {
			return resource, true, nil
		}
	}
	return models.LivestreamResource{}, false, nil
}

// ResourceOwnedBy returns the non-terminal resource currently bound to userID.
func (s *Storage) ResourceOwnedBy(ctx context.Context, userID string) (models.LivestreamResource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, resource := range s.data.Resources {
		if resource.OwnerUserID == userID && resource.Status.Owned() {
			return resource, true, nil
		}
	}
	return models.LivestreamResource{}, false, nil
}

// FirstResourceWithStatus returns the oldest resource in the given status.
func (s *Storage) FirstResourceWithStatus(ctx context.Context, status models.ResourceStatus) (models.LivestreamResource, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := make([]models.LivestreamResource, 0)
	for _, resource := range s.data.Resources {
		if resource.Status == status {
			candidates = append(candidates, resource)
		}
	}
	if len(candidates) == 0 {
		return models.LivestreamResource{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true, nil
}

// CountResources counts rows currently in the given status.
func (s *Storage) CountResources(ctx context.Context, status models.ResourceStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, resource := range s.data.Resources {
		if resource.Status == status {
			count++
		}
	}
	return count, nil
}

// TransitionResource applies a guarded compare-and-set on the resource row.
// The status check, the owner check, and the mutation happen under one lock
// so concurrent callers observe exactly one winner.
func (s *Storage) TransitionResource(ctx context.Context, id string, change ResourceTransition) (models.LivestreamResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resource, ok := s.data.Resources[id]
	if !ok {
		return models.LivestreamResource{}, fmt.Errorf("resource %s: %w", id, ErrResourceNotFound)
	}
	if resource.Status != change.From {
		return resource, fmt.Errorf("resource %s is %s, expected %s: %w", id, resource.Status, change.From, ErrStatusConflict)
	}
	if change.ExpectOwner != nil && resource.OwnerUserID != *change.ExpectOwner {
		return resource, fmt.Errorf("resource %s owned by %q, expected %q: %w", id, resource.OwnerUserID, *change.ExpectOwner, ErrOwnerMismatch)
	}
	if change.SetOwner != nil && *change.SetOwner != "" {
		for otherID, other := range s.data.Resources {
			if otherID == id {
				continue
			}
			if other.OwnerUserID == *change.SetOwner && other.Status.Owned() {
				return resource, fmt.Errorf("user %s holds resource %s: %w", *change.SetOwner, otherID, ErrOwnerBusy)
			}
		}
	}

	previous := resource
	resource.Status = change.To
	if change.SetOwner != nil {
		resource.OwnerUserID = *change.SetOwner
	}
	resource.UpdatedAt = s.now()
	s.data.Resources[id] = resource
	if err := s.persistLocked(); err != nil {
		s.data.Resources[id] = previous
		return models.LivestreamResource{}, err
	}
	return resource, nil
}

// DeleteResource removes a resource row and any armed timeout bound to it.
func (s *Storage) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.data.Resources[id]
	if !ok {
		return fmt.Errorf("resource %s: %w", id, ErrResourceNotFound)
	}
	trigger, hadTimeout := s.data.Timeouts[id]
	delete(s.data.Resources, id)
	delete(s.data.Timeouts, id)
	if err := s.persistLocked(); err != nil {
		s.data.Resources[id] = resource
		if hadTimeout {
			s.data.Timeouts[id] = trigger
		}
		return err
	}
	return nil
}

// SaveTimeout records (or replaces) the armed deadline for a resource.
func (s *Storage) SaveTimeout(ctx context.Context, trigger models.TriggerContext) error {
	if strings.TrimSpace(trigger.ResourceID) == "" {
		return fmt.Errorf("trigger resource id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Timeouts[trigger.ResourceID]
	s.data.Timeouts[trigger.ResourceID] = trigger
	if err := s.persistLocked(); err != nil {
		if existed {
			s.data.Timeouts[trigger.ResourceID] = previous
		} else {
			delete(s.data.Timeouts, trigger.ResourceID)
		}
		return err
	}
	return nil
}

// DeleteTimeout drops the armed deadline for a resource, if any.
func (s *Storage) DeleteTimeout(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Timeouts[resourceID]
	if !existed {
		return nil
	}
	delete(s.data.Timeouts, resourceID)
	if err := s.persistLocked(); err != nil {
		s.data.Timeouts[resourceID] = previous
		return err
	}
	return nil
}

// ListTimeouts returns every armed deadline, ordered by deadline time.
func (s *Storage) ListTimeouts(ctx context.Context) ([]models.TriggerContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	triggers := make([]models.TriggerContext, 0, len(s.data.Timeouts))
	for _, trigger := range s.data.Timeouts {
		triggers = append(triggers, trigger)
	}
	sort.Slice(triggers, func(i, j int) bool {
		return triggers[i].TimeoutDeadline.Before(triggers[j].TimeoutDeadline)
	})
	return triggers, nil
}
