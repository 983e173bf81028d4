package messaging

import (
	"encoding/json"

	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/pubsub"
)

// InjectRequest asks the pipeline to broadcast an already formed event into a
// room. File, voice and video subsystems publish these.
type InjectRequest struct {
	RoomID string          `json:"room_id"`
	Event  event.Kind      `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TopicRoomInject carries InjectRequests on the bus.
var TopicRoomInject = pubsub.NewEvent[InjectRequest]("room.event.inject")
