package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
)

// EventKind is the closed classification of inbound events. It is produced
// once by the correlator and consumed by exhaustive matching in the stage
// machine; new kinds require a deliberate extension here, never ad hoc
// string comparisons deeper in the pipeline.
type EventKind string

const (
	EventPullRequestOpened  EventKind = "pull_request_opened"
	EventQualityLabelAdded  EventKind = "quality_label_added"
	EventReviewApproved     EventKind = "review_approved"
	EventFeedbackPosted     EventKind = "feedback_posted"
	EventImplementationPush EventKind = "implementation_push"
	EventMergeConfirmed     EventKind = "merge_confirmed"
)

// Forge delivery types understood by the webhook receiver.
const (
	DeliveryPullRequest = "pull_request"
	DeliveryLabel       = "label"
	DeliveryReview      = "review"
	DeliveryComment     = "comment"
	DeliveryPush        = "push"
)

// ForgeEventType is the wire schema for normalized forge webhook deliveries.
var ForgeEventType = message.Type{Domain: "pipeline", Category: "forge-event", Version: "v1"}

// ForgeEvent is a normalized inbound webhook delivery. The webhook receiver
// produces it; the correlator consumes it. It carries only the fields the
// correlator needs, independent of any forge's raw payload shape.
type ForgeEvent struct {
	// DeliveryID is the forge's delivery identifier, for tracing duplicates.
	DeliveryID string `json:"delivery_id,omitempty"`

	// Type is one of the Delivery* constants.
	Type string `json:"type"`

	// Action is the forge's action verb (opened, labeled, created, closed...).
	Action string `json:"action,omitempty"`

	PullRequest int `json:"pull_request,omitempty"`

	// Labels is the pull request's full label set at delivery time.
	Labels []string `json:"labels,omitempty"`

	// Label is the single label an action applied, for label deliveries.
	Label string `json:"label,omitempty"`

	// Branch is the head branch reference, for fallback correlation.
	Branch string `json:"branch,omitempty"`

	// ReviewState is set on review deliveries (approved, changes_requested).
	ReviewState string `json:"review_state,omitempty"`

	// CommentBody is set on comment deliveries.
	CommentBody string `json:"comment_body,omitempty"`

	// Sender is the identity the forge attributes the delivery to.
	Sender string `json:"sender,omitempty"`

	// Pusher is set on push deliveries.
	Pusher string `json:"pusher,omitempty"`

	// Merged is set on pull_request closed deliveries.
	Merged bool `json:"merged,omitempty"`
}

// Schema implements message.Payload.
func (e *ForgeEvent) Schema() message.Type {
	return ForgeEventType
}

// Validate implements message.Payload.
func (e *ForgeEvent) Validate() error {
	switch e.Type {
	case DeliveryPullRequest, DeliveryLabel, DeliveryReview, DeliveryComment, DeliveryPush:
		return nil
	default:
		return fmt.Errorf("unknown delivery type %q", e.Type)
	}
}

// MarshalJSON implements json.Marshaler.
func (e *ForgeEvent) MarshalJSON() ([]byte, error) {
	type Alias ForgeEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ForgeEvent) UnmarshalJSON(data []byte) error {
	type Alias ForgeEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// Event is a correlated, classified event ready for the stage machine.
type Event struct {
	Kind EventKind

	// Actor is the identity relevant to the kind: the reviewer for
	// ReviewApproved, the comment author for FeedbackPosted, the pusher for
	// ImplementationPush.
	Actor string

	// Body is the comment body for FeedbackPosted events.
	Body string
}

// EventSubject returns the JetStream subject a delivery type publishes to.
func EventSubject(deliveryType string) string {
	return "pipeline.events." + deliveryType
}

// EventsSubjectWildcard matches every pipeline event subject.
const EventsSubjectWildcard = "pipeline.events.>"
