package models

import (
	"fmt"
	"strings"
	"time"
)

// ResourceStatus tracks a livestream resource through its lifecycle. Status is
// the only field that gates transitions; every mutation is a conditional write
// keyed on the expected prior status.
type ResourceStatus string

const (
	StatusCreated        ResourceStatus = "created"
	StatusPendingUser    ResourceStatus = "pending_user"
	StatusLive           ResourceStatus = "live"
	StatusPendingClosure ResourceStatus = "pending_closure"
	StatusClosed         ResourceStatus = "closed"
	StatusAborted        ResourceStatus = "aborted"
)

// ParseResourceStatus normalizes a stored status value.
func ParseResourceStatus(value string) (ResourceStatus, error) {
	switch ResourceStatus(strings.ToLower(strings.TrimSpace(value))) {
	case StatusCreated:
		return StatusCreated, nil
	case StatusPendingUser:
		return StatusPendingUser, nil
	case StatusLive:
		return StatusLive, nil
	case StatusPendingClosure:
		return StatusPendingClosure, nil
	case StatusClosed:
		return StatusClosed, nil
	case StatusAborted:
		return StatusAborted, nil
	default:
		return "", fmt.Errorf("unknown resource status %q", value)
	}
}

// Terminal reports whether no further transition may leave the status.
func (s ResourceStatus) Terminal() bool {
	return s == StatusClosed || s == StatusAborted
}

// Owned reports whether the status requires a non-empty owner.
func (s ResourceStatus) Owned() bool {
	switch s {
	case StatusPendingUser, StatusLive, StatusPendingClosure:
		return true
	default:
		return false
	}
}

// LivestreamResource is one provider-side ingest/egress slot tracked locally.
// A resource in an owned status always carries OwnerUserID; a resource in
// created or a terminal status never does.
type LivestreamResource struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"externalId"`
	Status      ResourceStatus `json:"status"`
	OwnerUserID string         `json:"ownerUserId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TriggerContext captures one outstanding record request: who was selected,
// for which calendar minute, and when the request must be force-aborted if
// the expected signal never arrives.
type TriggerContext struct {
	ResourceID      string    `json:"resourceId"`
	UserID          string    `json:"userId"`
	TriggerMinute   time.Time `json:"triggerMinute"`
	TimeoutDeadline time.Time `json:"timeoutDeadline"`
	// ExpectedStatus is the status the resource must still hold for the
	// deadline to act: pending_user for the connect deadline, live for the
	// max-duration deadline.
	ExpectedStatus ResourceStatus `json:"expectedStatus"`
}

// EligibilityRecord is the read-only projection supplied by the eligibility
// source. UTCOffsetMinutes is minutes east of UTC at evaluation time.
type EligibilityRecord struct {
	UserID            string `json:"userId"`
	DailyRequestCount int    `json:"dailyRequestCount"`
	DailyRequestLimit int    `json:"dailyRequestLimit"`
	UTCOffsetMinutes  int    `json:"utcOffsetMinutes"`
}
