package storage

import (
	"context"
	"errors"

	"swabbr-live/internal/models"
)

var (
	// ErrResourceNotFound is returned when no resource row matches the key.
	ErrResourceNotFound = errors.New("livestream resource not found")
	// ErrStatusConflict is returned when a guarded transition finds the
	// resource in a status other than the expected one. This is routine
	// control flow for races and stale events, not a fault.
	ErrStatusConflict = errors.New("resource status conflict")
	// ErrOwnerMismatch is returned when a transition requires a specific
	// current owner and the stored owner differs.
	ErrOwnerMismatch = errors.New("resource owner mismatch")
	// ErrOwnerBusy is returned when assigning an owner that already holds
	// another resource in a non-terminal status.
	ErrOwnerBusy = errors.New("user already owns an active resource")
)

// ResourceTransition describes one guarded compare-and-set on a resource row.
// From is the status the row must currently hold; ExpectOwner, when non-nil,
// is the owner the row must currently carry (empty string means unowned);
// SetOwner, when non-nil, is the owner to store (empty string clears it).
type ResourceTransition struct {
	From        models.ResourceStatus
	To          models.ResourceStatus
	ExpectOwner *string
	SetOwner    *string
}

// Repository exposes the datastore operations required by the livestream
// pool, the lifecycle manager, and the timeout supervisor. Implementations
// must apply TransitionResource as a single conditional write: the status
// check and the mutation are never separated by an external call.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateResource(ctx context.Context, externalID string) (models.LivestreamResource, error)
	GetResource(ctx context.Context, id string) (models.LivestreamResource, bool, error)
	ResourceByExternalID(ctx context.Context, externalID string) (models.LivestreamResource, bool, error)
	ResourceOwnedBy(ctx context.Context, userID string) (models.LivestreamResource, bool, error)
	FirstResourceWithStatus(ctx context.Context, status models.ResourceStatus) (models.LivestreamResource, bool, error)
	CountResources(ctx context.Context, status models.ResourceStatus) (int, error)
	TransitionResource(ctx context.Context, id string, change ResourceTransition) (models.LivestreamResource, error)
	DeleteResource(ctx context.Context, id string) error

	SaveTimeout(ctx context.Context, trigger models.TriggerContext) error
	DeleteTimeout(ctx context.Context, resourceID string) error
	ListTimeouts(ctx context.Context) ([]models.TriggerContext, error)
}

// StringPtr is a convenience for building ResourceTransition owner fields.
func StringPtr(value string) *string {
	return &value
}

var _ Repository = (*Storage)(nil)
