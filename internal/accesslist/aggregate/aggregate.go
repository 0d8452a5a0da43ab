// Package aggregate holds the event-sourced access list: the in-memory entity
// whose state is always the left-fold of its committed events, and whose
// business methods validate invariants and enqueue new events without
// persisting them.
//
// Invariants:
//   - Live mutation and replay share one apply function, so rebuilding a list
//     from its event stream reproduces the mutated state exactly.
//   - Name is never empty once the list is initialized.
//   - Sub-collection mutations are idempotent: they enqueue events only for
//     actual state changes, so a no-op never advances the version.
//   - After Delete, every further mutation fails.
package aggregate

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	dErrors "regledger/pkg/domain-errors"
	pstrings "regledger/pkg/platform/strings"
)

// ResourceConnection is the current state of one resource connection.
type ResourceConnection struct {
	ResourceID string
	Actions    []string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Membership is the current state of one party membership.
type Membership struct {
	MemberID uuid.UUID
	Since    time.Time
}

// AccessList is the aggregate root. A freshly constructed value is
// uninitialized until a Created event is applied; after that the owner and
// identifier become fixed identity data.
type AccessList struct {
	id          uuid.UUID
	owner       string
	identifier  string
	name        string
	description string
	createdAt   time.Time
	updatedAt   time.Time

	// version is the id of the last successfully persisted event, zero for a
	// brand-new list.
	version EventID

	connections map[string]*ResourceConnection
	members     map[uuid.UUID]time.Time

	pending     []Event
	initialized bool
	deleted     bool
}

// New returns an uninitialized list with the given identity. Call Initialize
// before any other mutation.
func New(id uuid.UUID) *AccessList {
	return &AccessList{
		id:          id,
		connections: make(map[string]*ResourceConnection),
		members:     make(map[uuid.UUID]time.Time),
	}
}

// Rehydrate folds an ordered, committed event stream back into a list. The
// stream must be ascending by sequence id and belong to one aggregate.
func Rehydrate(id uuid.UUID, events []Event) (*AccessList, error) {
	l := New(id)
	for _, ev := range events {
		if ev.ID() == 0 {
			return nil, dErrors.New(dErrors.CodeInternal, "cannot rehydrate from an uncommitted event")
		}
		if ev.AggregateID() != id {
			return nil, dErrors.New(dErrors.CodeInternal, "event stream contains a foreign aggregate id")
		}
		if ev.ID() <= l.version {
			return nil, dErrors.New(dErrors.CodeInternal, "event stream is not ascending by sequence id")
		}
		l.apply(ev)
		l.version = ev.ID()
	}
	return l, nil
}

func (l *AccessList) ID() uuid.UUID       { return l.id }
func (l *AccessList) Owner() string       { return l.owner }
func (l *AccessList) Identifier() string  { return l.identifier }
func (l *AccessList) Name() string        { return l.name }
func (l *AccessList) Description() string { return l.description }
func (l *AccessList) CreatedAt() time.Time { return l.createdAt }
func (l *AccessList) UpdatedAt() time.Time { return l.updatedAt }
func (l *AccessList) IsInitialized() bool { return l.initialized }
func (l *AccessList) IsDeleted() bool     { return l.deleted }

// Version is the committed version: the id of the last persisted event, zero
// for a list that has never been persisted.
func (l *AccessList) Version() EventID { return l.version }

// ResourceConnections returns the current connections sorted by resource id.
func (l *AccessList) ResourceConnections() []ResourceConnection {
	out := make([]ResourceConnection, 0, len(l.connections))
	for _, c := range l.connections {
		out = append(out, ResourceConnection{
			ResourceID: c.ResourceID,
			Actions:    slices.Clone(c.Actions),
			CreatedAt:  c.CreatedAt,
			ModifiedAt: c.ModifiedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// ResourceConnection returns the current state of one connection.
func (l *AccessList) ResourceConnection(resourceID string) (ResourceConnection, bool) {
	c, ok := l.connections[resourceID]
	if !ok {
		return ResourceConnection{}, false
	}
	return ResourceConnection{
		ResourceID: c.ResourceID,
		Actions:    slices.Clone(c.Actions),
		CreatedAt:  c.CreatedAt,
		ModifiedAt: c.ModifiedAt,
	}, true
}

// Memberships returns the current members sorted by member id.
func (l *AccessList) Memberships() []Membership {
	out := make([]Membership, 0, len(l.members))
	for id, since := range l.members {
		out = append(out, Membership{MemberID: id, Since: since})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MemberID.String() < out[j].MemberID.String()
	})
	return out
}

// HasMember reports current membership of one party.
func (l *AccessList) HasMember(id uuid.UUID) bool {
	_, ok := l.members[id]
	return ok
}

// UncommittedEvents returns the pending buffer in enqueue order. The store
// assigns sequence ids onto these events during ApplyChanges.
func (l *AccessList) UncommittedEvents() []Event {
	return slices.Clone(l.pending)
}

// Commit clears the pending buffer and advances the committed version to the
// last event's assigned id. Call it only after every pending event has been
// durably persisted and given a sequence id.
func (l *AccessList) Commit() error {
	if len(l.pending) == 0 {
		return nil
	}
	last := l.pending[len(l.pending)-1]
	if last.ID() == 0 {
		return dErrors.New(dErrors.CodeInternal, "commit called before sequence ids were assigned")
	}
	l.version = last.ID()
	l.pending = nil
	return nil
}

// Initialize turns an empty list into a live one. Fails if the list was
// already created.
func (l *AccessList) Initialize(owner, identifier, name, description string, now time.Time) error {
	if l.initialized {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list is already initialized")
	}
	if owner == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list owner cannot be empty")
	}
	if identifier == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list identifier cannot be empty")
	}
	if name == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list name cannot be empty")
	}
	l.record(&Created{
		Header:      newHeader(l.id, normalize(now)),
		Owner:       owner,
		Identifier:  identifier,
		Name:        name,
		Description: description,
	})
	return nil
}

// Update changes only the supplied fields; nil means keep the current value.
// The name can be changed but never cleared.
func (l *AccessList) Update(identifier, name, description *string, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	if name != nil && *name == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list name cannot be cleared")
	}
	if identifier != nil && *identifier == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list identifier cannot be cleared")
	}

	// Drop fields that match current state so a no-op update enqueues nothing.
	if identifier != nil && *identifier == l.identifier {
		identifier = nil
	}
	if name != nil && *name == l.name {
		name = nil
	}
	if description != nil && *description == l.description {
		description = nil
	}
	if identifier == nil && name == nil && description == nil {
		return nil
	}

	l.record(&Updated{
		Header:      newHeader(l.id, normalize(now)),
		Identifier:  identifier,
		Name:        name,
		Description: description,
	})
	return nil
}

// Delete removes the list from current state. History is preserved; any
// further mutation fails.
func (l *AccessList) Delete(now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	l.record(&Deleted{Header: newHeader(l.id, normalize(now))})
	return nil
}

// AddResourceConnection connects a resource with the given action set. If an
// identical connection already exists nothing is enqueued; if the connection
// exists with a different action set, delta events bring it to the requested
// set.
func (l *AccessList) AddResourceConnection(resourceID string, actions []string, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	if resourceID == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "resource identifier cannot be empty")
	}
	want := normalizeActions(actions)

	current, ok := l.connections[resourceID]
	if !ok {
		l.record(&ResourceConnectionCreated{
			Header:     newHeader(l.id, normalize(now)),
			ResourceID: resourceID,
			Actions:    want,
		})
		return nil
	}

	added := difference(want, current.Actions)
	removed := difference(current.Actions, want)
	if len(added) > 0 {
		l.record(&ResourceConnectionActionsAdded{
			Header:     newHeader(l.id, normalize(now)),
			ResourceID: resourceID,
			Actions:    added,
		})
	}
	if len(removed) > 0 {
		l.record(&ResourceConnectionActionsRemoved{
			Header:     newHeader(l.id, normalize(now)),
			ResourceID: resourceID,
			Actions:    removed,
		})
	}
	return nil
}

// AddResourceConnectionActions grants additional actions on an existing
// connection. Actions already present are ignored; if nothing is new, nothing
// is enqueued.
func (l *AccessList) AddResourceConnectionActions(resourceID string, actions []string, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	current, ok := l.connections[resourceID]
	if !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "no resource connection for %q", resourceID)
	}
	added := difference(normalizeActions(actions), current.Actions)
	if len(added) == 0 {
		return nil
	}
	l.record(&ResourceConnectionActionsAdded{
		Header:     newHeader(l.id, normalize(now)),
		ResourceID: resourceID,
		Actions:    added,
	})
	return nil
}

// RemoveResourceConnectionActions revokes actions on an existing connection.
// Actions not present are ignored; if nothing is removed, nothing is enqueued.
func (l *AccessList) RemoveResourceConnectionActions(resourceID string, actions []string, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	current, ok := l.connections[resourceID]
	if !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "no resource connection for %q", resourceID)
	}
	removed := intersection(normalizeActions(actions), current.Actions)
	if len(removed) == 0 {
		return nil
	}
	l.record(&ResourceConnectionActionsRemoved{
		Header:     newHeader(l.id, normalize(now)),
		ResourceID: resourceID,
		Actions:    removed,
	})
	return nil
}

// RemoveResourceConnection disconnects a resource entirely. Removing an absent
// connection is a no-op.
func (l *AccessList) RemoveResourceConnection(resourceID string, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	if _, ok := l.connections[resourceID]; !ok {
		return nil
	}
	l.record(&ResourceConnectionDeleted{
		Header:     newHeader(l.id, normalize(now)),
		ResourceID: resourceID,
	})
	return nil
}

// AddMembers adds parties with set-union semantics: parties already on the
// list do not reappear in the event, and an all-duplicate call enqueues
// nothing.
func (l *AccessList) AddMembers(ids []uuid.UUID, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	joined := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := l.members[id]; !ok {
			joined = append(joined, id)
		}
	}
	if len(joined) == 0 {
		return nil
	}
	sortUUIDs(joined)
	l.record(&MembersAdded{Header: newHeader(l.id, normalize(now)), Members: joined})
	return nil
}

// RemoveMembers removes parties with set-difference semantics: removing a
// non-member is a silent no-op.
func (l *AccessList) RemoveMembers(ids []uuid.UUID, now time.Time) error {
	if err := l.mutable(); err != nil {
		return err
	}
	left := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := l.members[id]; ok {
			left = append(left, id)
		}
	}
	if len(left) == 0 {
		return nil
	}
	sortUUIDs(left)
	l.record(&MembersRemoved{Header: newHeader(l.id, normalize(now)), Members: left})
	return nil
}

func (l *AccessList) mutable() error {
	if !l.initialized {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list is not initialized")
	}
	if l.deleted {
		return dErrors.New(dErrors.CodeInvariantViolation, "access list is deleted")
	}
	return nil
}

// record applies an accepted event to in-memory state and enqueues it.
func (l *AccessList) record(ev Event) {
	l.apply(ev)
	l.pending = append(l.pending, ev)
}

// apply folds one event into state. It is the single transition function used
// by both live mutation and replay; the match is exhaustive over the sealed
// event set and an unknown type is a programming error.
func (l *AccessList) apply(ev Event) {
	switch e := ev.(type) {
	case *Created:
		l.owner = e.Owner
		l.identifier = e.Identifier
		l.name = e.Name
		l.description = e.Description
		l.createdAt = e.EventTime()
		l.initialized = true
	case *Updated:
		if e.Identifier != nil {
			l.identifier = *e.Identifier
		}
		if e.Name != nil {
			l.name = *e.Name
		}
		if e.Description != nil {
			l.description = *e.Description
		}
	case *Deleted:
		l.deleted = true
	case *ResourceConnectionCreated:
		l.connections[e.ResourceID] = &ResourceConnection{
			ResourceID: e.ResourceID,
			Actions:    slices.Clone(e.Actions),
			CreatedAt:  e.EventTime(),
			ModifiedAt: e.EventTime(),
		}
	case *ResourceConnectionActionsAdded:
		c := l.connections[e.ResourceID]
		c.Actions = union(c.Actions, e.Actions)
		c.ModifiedAt = e.EventTime()
	case *ResourceConnectionActionsRemoved:
		c := l.connections[e.ResourceID]
		c.Actions = difference(c.Actions, e.Actions)
		c.ModifiedAt = e.EventTime()
	case *ResourceConnectionDeleted:
		delete(l.connections, e.ResourceID)
	case *MembersAdded:
		for _, id := range e.Members {
			if _, ok := l.members[id]; !ok {
				l.members[id] = e.EventTime()
			}
		}
	case *MembersRemoved:
		for _, id := range e.Members {
			delete(l.members, id)
		}
	default:
		panic("aggregate: unknown event type")
	}
	l.updatedAt = ev.EventTime()
}

// normalize pins event times to UTC microseconds so in-memory state compares
// equal to state reloaded through timestamptz columns.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeActions(actions []string) []string {
	out := pstrings.DedupeAndTrim(actions)
	sort.Strings(out)
	return out
}

// difference returns the elements of a not present in b, sorted.
func difference(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

// intersection returns the elements present in both a and b, sorted.
func intersection(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

// union merges two sorted action sets without duplicates.
func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, x := range b {
		if !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
