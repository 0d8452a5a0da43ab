// Package audit emits records of committed access list changes to an external
// sink. Records describe what already happened: they are written after the
// transaction commits and never influence the outcome of a request.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names the kind of change a record describes.
type Action string

const (
	ActionListCreated        Action = "access_list_created"
	ActionListUpdated        Action = "access_list_updated"
	ActionListDeleted        Action = "access_list_deleted"
	ActionConnectionsChanged Action = "resource_connections_changed"
	ActionMembersChanged     Action = "members_changed"
)

// Record captures one committed change to one access list.
type Record struct {
	Action     Action    `json:"action"`
	ListID     uuid.UUID `json:"list_id"`
	Owner      string    `json:"owner"`
	Identifier string    `json:"identifier"`
	// Version is the list version after the change committed.
	Version   int64     `json:"version"`
	Events    int       `json:"events"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Sink receives audit records. Implementations must be safe for concurrent
// use.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}
