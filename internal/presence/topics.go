package presence

import (
	"time"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/pubsub"
)

// StatusUpdate is published whenever an identity's presence changes.
type StatusUpdate struct {
	IdentityID string        `json:"identity_id"`
	Tenant     string        `json:"tenant"`
	Status     domain.Status `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
}

// TopicUserStatus carries presence transitions (online, away, busy, offline).
var TopicUserStatus = pubsub.NewEvent[StatusUpdate]("presence.user.status")

// MetaTenant is the message metadata key holding the tenant scope of an update.
const MetaTenant = "tenant"
