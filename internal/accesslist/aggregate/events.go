package aggregate

import (
	"time"

	"github.com/google/uuid"
)

// EventID is the store-assigned, globally monotonic sequence number of a
// committed event. Zero means the event has not been persisted yet.
type EventID int64

// Kind names an event variant. The set is closed; the store rejects rows with
// an unknown kind as corrupt.
type Kind string

const (
	KindCreated                          Kind = "created"
	KindUpdated                          Kind = "updated"
	KindDeleted                          Kind = "deleted"
	KindResourceConnectionCreated        Kind = "resource_connection_created"
	KindResourceConnectionActionsAdded   Kind = "resource_connection_actions_added"
	KindResourceConnectionActionsRemoved Kind = "resource_connection_actions_removed"
	KindResourceConnectionDeleted        Kind = "resource_connection_deleted"
	KindMembersAdded                     Kind = "members_added"
	KindMembersRemoved                   Kind = "members_removed"
)

// Event is one immutable fact about a past change to one access list. The
// interface is sealed with an unexported method: only the variants in this
// file implement it, so a type switch over all of them plus a panic default is
// a complete dispatch.
type Event interface {
	Kind() Kind
	ID() EventID
	AggregateID() uuid.UUID
	EventTime() time.Time

	// AssignID records the sequence id the store gave this event on insert.
	AssignID(id EventID)

	sealed()
}

// Header carries the fields shared by every variant. The store sets SeqID when
// it decodes a committed row or appends a pending event.
type Header struct {
	SeqID  EventID
	ListID uuid.UUID
	At     time.Time
}

func newHeader(listID uuid.UUID, at time.Time) Header {
	return Header{ListID: listID, At: at}
}

func (h *Header) ID() EventID            { return h.SeqID }
func (h *Header) AggregateID() uuid.UUID { return h.ListID }
func (h *Header) EventTime() time.Time   { return h.At }
func (h *Header) AssignID(id EventID)    { h.SeqID = id }
func (h *Header) sealed()                {}

// Created records the birth of an access list. Owner, identifier, name and
// description become the list's identity data.
type Created struct {
	Header
	Owner       string
	Identifier  string
	Name        string
	Description string
}

func (*Created) Kind() Kind { return KindCreated }

// Updated carries only the changed fields; nil means "no change".
type Updated struct {
	Header
	Identifier  *string
	Name        *string
	Description *string
}

func (*Updated) Kind() Kind { return KindUpdated }

// Deleted records removal of the list from current state. History stays.
type Deleted struct {
	Header
}

func (*Deleted) Kind() Kind { return KindDeleted }

// ResourceConnectionCreated records a new resource connection with its initial
// action set.
type ResourceConnectionCreated struct {
	Header
	ResourceID string
	Actions    []string
}

func (*ResourceConnectionCreated) Kind() Kind { return KindResourceConnectionCreated }

// ResourceConnectionActionsAdded carries only the actions that were actually
// added, never ones already present.
type ResourceConnectionActionsAdded struct {
	Header
	ResourceID string
	Actions    []string
}

func (*ResourceConnectionActionsAdded) Kind() Kind { return KindResourceConnectionActionsAdded }

// ResourceConnectionActionsRemoved carries only the actions that were actually
// removed.
type ResourceConnectionActionsRemoved struct {
	Header
	ResourceID string
	Actions    []string
}

func (*ResourceConnectionActionsRemoved) Kind() Kind { return KindResourceConnectionActionsRemoved }

// ResourceConnectionDeleted records removal of a whole resource connection.
type ResourceConnectionDeleted struct {
	Header
	ResourceID string
}

func (*ResourceConnectionDeleted) Kind() Kind { return KindResourceConnectionDeleted }

// MembersAdded carries the parties that actually joined; the event time is
// their membership-since timestamp.
type MembersAdded struct {
	Header
	Members []uuid.UUID
}

func (*MembersAdded) Kind() Kind { return KindMembersAdded }

// MembersRemoved carries the parties that actually left.
type MembersRemoved struct {
	Header
	Members []uuid.UUID
}

func (*MembersRemoved) Kind() Kind { return KindMembersRemoved }
