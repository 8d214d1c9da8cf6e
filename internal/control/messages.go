// ABOUTME: Message types for the NATS feed control plane
// ABOUTME: Defines FeedCommand requests and FeedReply responses

package control

import (
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/config"
)

// Action is the operation a FeedCommand requests.
type Action string

// Supported actions.
const (
	// ActionRegister creates or replaces a feed schedule.
	ActionRegister Action = "register"

	// ActionDeregister removes a feed schedule.
	ActionDeregister Action = "deregister"

	// ActionRefresh runs a registered feed immediately.
	ActionRefresh Action = "refresh"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// FeedCommand is the message sent to change the set of scheduled feeds.
type FeedCommand struct {
	// Action to perform.
	Action Action `json:"action"`

	// Optional request ID for correlation.
	RequestID string `json:"request_id,omitempty"`

	// Feed is the full feed definition; required for register.
	Feed *config.FeedConfig `json:"feed,omitempty"`

	// FeedID names the target feed for deregister and refresh. When
	// empty, Feed.ID is used.
	FeedID string `json:"feed_id,omitempty"`
}

// TargetFeedID returns the feed the command applies to.
func (c FeedCommand) TargetFeedID() string {
	if c.FeedID != "" {
		return c.FeedID
	}
	if c.Feed != nil {
		return c.Feed.ID
	}
	return ""
}

// FeedReply is the response to a FeedCommand.
type FeedReply struct {
	// Request ID for correlation.
	RequestID string `json:"request_id,omitempty"`

	// Action that was handled.
	Action Action `json:"action"`

	// FeedID the action applied to.
	FeedID string `json:"feed_id,omitempty"`

	// Status is "ok" or "error".
	Status string `json:"status"`

	// Error message if status is "error".
	Error string `json:"error,omitempty"`

	// Existed reports, for deregister, whether a schedule was removed.
	Existed bool `json:"existed,omitempty"`

	// HandledAt is when the command was processed.
	HandledAt time.Time `json:"handled_at"`
}
