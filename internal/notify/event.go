package notify

import (
	"errors"
	"fmt"
	"time"

	"swabbr-live/internal/provider"
)

// Kind enumerates the notification variants this subsystem emits.
type Kind string

const (
	// KindRecordRequest asks a user to start recording right now and
	// carries the connection parameters for the reserved resource.
	KindRecordRequest Kind = "vlog_record_request"
	// KindProfileLive tells followers that a profile just went live.
	KindProfileLive Kind = "followed_profile_live"
	// KindVlogLiked tells a vlog owner someone liked their vlog.
	KindVlogLiked Kind = "vlog_gained_like"
	// KindVlogReacted tells a vlog owner someone posted a reaction.
	KindVlogReacted Kind = "vlog_gained_reaction"
)

// RecordRequestPayload carries what a device needs to fulfil a record
// request.
type RecordRequestPayload struct {
	ResourceID       string                     `json:"resourceId"`
	RequestedAt      time.Time                  `json:"requestedAt"`
	ResponseDeadline time.Time                  `json:"responseDeadline"`
	Connection       provider.ConnectionDetails `json:"connection"`
}

// ProfileLivePayload announces a live vlogger to their followers. The
// gateway resolves the follower set; this subsystem only names the vlogger.
type ProfileLivePayload struct {
	VloggerID   string    `json:"vloggerId"`
	ResourceID  string    `json:"resourceId"`
	StartedAt   time.Time `json:"startedAt"`
	PlaybackURL string    `json:"playbackUrl,omitempty"`
}

// VlogLikedPayload notifies the vlog owner about a new like.
type VlogLikedPayload struct {
	VlogID      string `json:"vlogId"`
	LikedByID   string `json:"likedById"`
	LikedByName string `json:"likedByName,omitempty"`
}

// VlogReactedPayload notifies the vlog owner about a new reaction.
type VlogReactedPayload struct {
	VlogID       string `json:"vlogId"`
	ReactionID   string `json:"reactionId"`
	ReactedByID  string `json:"reactedById"`
	ReactionText string `json:"reactionText,omitempty"`
}

// Notification is the wire representation flowing through the dispatch
// queue. Exactly one payload pointer matches Kind.
type Notification struct {
	Kind          Kind                  `json:"kind"`
	TargetUserID  string                `json:"targetUserId"`
	RecordRequest *RecordRequestPayload `json:"recordRequest,omitempty"`
	ProfileLive   *ProfileLivePayload   `json:"profileLive,omitempty"`
	VlogLiked     *VlogLikedPayload     `json:"vlogLiked,omitempty"`
	VlogReacted   *VlogReactedPayload   `json:"vlogReacted,omitempty"`
	OccurredAt    time.Time             `json:"occurredAt"`
	Attempts      int                   `json:"attempts,omitempty"`
}

var errTargetRequired = errors.New("notification target user is required")

// Validate checks the kind/payload pairing before the notification enters
// the queue.
func (n Notification) Validate() error {
	if n.TargetUserID == "" {
		return errTargetRequired
	}
	switch n.Kind {
	case KindRecordRequest:
		if n.RecordRequest == nil {
			return fmt.Errorf("kind %s requires a record request payload", n.Kind)
		}
	case KindProfileLive:
		if n.ProfileLive == nil {
			return fmt.Errorf("kind %s requires a profile live payload", n.Kind)
		}
	case KindVlogLiked:
		if n.VlogLiked == nil {
			return fmt.Errorf("kind %s requires a liked payload", n.Kind)
		}
	case KindVlogReacted:
		if n.VlogReacted == nil {
			return fmt.Errorf("kind %s requires a reaction payload", n.Kind)
		}
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	return nil
}

// Payload returns the variant matching Kind as an opaque value for gateway
// serialisation.
func (n Notification) Payload() any {
	switch n.Kind {
	case KindRecordRequest:
		return n.RecordRequest
	case KindProfileLive:
		return n.ProfileLive
	case KindVlogLiked:
		return n.VlogLiked
	case KindVlogReacted:
		return n.VlogReacted
	default:
		return nil
	}
}
