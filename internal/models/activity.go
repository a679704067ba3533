package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityLog records an administrative or security-relevant action.
type ActivityLog struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    *uuid.UUID      `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Metadata   json.RawMessage `json:"metadata"`
	IP         string          `json:"ip"`
	CreatedAt  time.Time       `json:"created_at"`
}
