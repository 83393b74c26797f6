// Package provider talks to the external video-routing service that hosts
// the actual ingest/egress slots. The rest of the system only sees opaque
// external ids plus connection details for the recording device.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrProvisioning marks a provider-side failure while creating or
	// starting a resource. Callers may retry; the pool tears down any
	// half-created resource before surfacing it.
	ErrProvisioning = errors.New("provider provisioning failed")
	// ErrStop marks a provider-side failure while stopping a resource.
	ErrStop = errors.New("provider stop failed")
)

// Resource describes a freshly provisioned provider-side slot.
type Resource struct {
	ExternalID string `json:"externalId"`
}

// ConnectionDetails carries everything a recording device needs to push
// video into a reserved resource.
type ConnectionDetails struct {
	ExternalID  string `json:"externalId"`
	IngestURL   string `json:"ingestUrl"`
	StreamKey   string `json:"streamKey"`
	PlaybackURL string `json:"playbackUrl,omitempty"`
}

// ConnectionState reports whether an encoder is actively pushing into the
// resource right now.
type ConnectionState struct {
	Connected bool `json:"connected"`
}

// Client is the narrow surface of the video-routing provider used by the
// pool and the lifecycle manager.
type Client interface {
	CreateResource(ctx context.Context) (Resource, error)
	Delete(ctx context.Context, externalID string) error
	Start(ctx context.Context, externalID string) error
	Stop(ctx context.Context, externalID string) error
	ConnectionDetails(ctx context.Context, externalID string) (ConnectionDetails, error)
	QueryConnectionState(ctx context.Context, externalID string) (ConnectionState, error)
}
