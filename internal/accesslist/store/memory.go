package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/metrics"
	"regledger/pkg/continuation"
	dErrors "regledger/pkg/domain-errors"
)

// InMemory is the test twin of the Postgres repository. It keeps the same
// observable semantics (optimistic concurrency, permanent event log, cascade
// on delete, version-pinned pagination) behind a single mutex.
type InMemory struct {
	mu      sync.RWMutex
	nextSeq aggregate.EventID
	log     []aggregate.Event

	state       map[uuid.UUID]*Info
	byOwner     map[ownerKey]uuid.UUID
	connections map[uuid.UUID]map[string]*aggregate.ResourceConnection
	members     map[uuid.UUID]map[uuid.UUID]time.Time

	metrics *metrics.Metrics
}

type ownerKey struct {
	owner, identifier string
}

// NewInMemory creates an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		nextSeq:     1,
		state:       make(map[uuid.UUID]*Info),
		byOwner:     make(map[ownerKey]uuid.UUID),
		connections: make(map[uuid.UUID]map[string]*aggregate.ResourceConnection),
		members:     make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

// Create initializes and persists a brand-new access list.
func (s *InMemory) Create(ctx context.Context, owner, identifier, name, description string) (*aggregate.AccessList, error) {
	list := aggregate.New(uuid.New())
	if err := list.Initialize(owner, identifier, name, description, time.Now()); err != nil {
		return nil, err
	}
	if _, err := s.ApplyChanges(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ApplyChanges appends the pending events and updates the projections
// atomically under the store lock, with the same compare-and-swap checks as
// the Postgres implementation.
func (s *InMemory) ApplyChanges(ctx context.Context, list *aggregate.AccessList) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	events := list.UncommittedEvents()
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// All conflict checks happen before any mutation, which stands in for the
	// all-or-nothing transaction of the Postgres store.
	if err := s.checkConflicts(list, events); err != nil {
		s.metrics.RecordConflict()
		return 0, err
	}

	for _, ev := range events {
		ev.AssignID(s.nextSeq)
		s.nextSeq++
		s.log = append(s.log, ev)
	}

	deleted := false
	for _, ev := range events {
		s.projectLocked(ev)
		if _, ok := ev.(*aggregate.Deleted); ok {
			deleted = true
		}
	}

	if !deleted {
		last := events[len(events)-1]
		row := s.state[list.ID()]
		row.Version = last.ID()
		row.UpdatedAt = last.EventTime()
	}

	if err := list.Commit(); err != nil {
		return 0, err
	}
	for _, ev := range events {
		s.metrics.RecordCommit(string(ev.Kind()))
	}
	return len(events), nil
}

func (s *InMemory) checkConflicts(list *aggregate.AccessList, events []aggregate.Event) error {
	if created, ok := events[0].(*aggregate.Created); ok {
		if _, exists := s.byOwner[ownerKey{created.Owner, created.Identifier}]; exists {
			return dErrors.New(dErrors.CodeConflict, "access list identifier already in use")
		}
		return nil
	}

	row, ok := s.state[list.ID()]
	if !ok {
		return dErrors.New(dErrors.CodeConflict, "access list disappeared since load")
	}
	if row.Version != list.Version() {
		return dErrors.New(dErrors.CodeConflict, "access list version moved since load")
	}

	// An identifier change can still collide with another list of the same owner.
	for _, ev := range events {
		if up, ok := ev.(*aggregate.Updated); ok && up.Identifier != nil {
			key := ownerKey{row.Owner, *up.Identifier}
			if other, exists := s.byOwner[key]; exists && other != list.ID() {
				return dErrors.New(dErrors.CodeConflict, "access list identifier already in use")
			}
		}
	}
	return nil
}

func (s *InMemory) projectLocked(ev aggregate.Event) {
	id := ev.AggregateID()
	switch e := ev.(type) {
	case *aggregate.Created:
		s.state[id] = &Info{
			ID:          id,
			Owner:       e.Owner,
			Identifier:  e.Identifier,
			Name:        e.Name,
			Description: e.Description,
			CreatedAt:   e.EventTime(),
			UpdatedAt:   e.EventTime(),
			Version:     0,
		}
		s.byOwner[ownerKey{e.Owner, e.Identifier}] = id
		s.connections[id] = make(map[string]*aggregate.ResourceConnection)
		s.members[id] = make(map[uuid.UUID]time.Time)
	case *aggregate.Updated:
		row := s.state[id]
		if e.Identifier != nil {
			delete(s.byOwner, ownerKey{row.Owner, row.Identifier})
			row.Identifier = *e.Identifier
			s.byOwner[ownerKey{row.Owner, row.Identifier}] = id
		}
		if e.Name != nil {
			row.Name = *e.Name
		}
		if e.Description != nil {
			row.Description = *e.Description
		}
	case *aggregate.Deleted:
		row := s.state[id]
		delete(s.byOwner, ownerKey{row.Owner, row.Identifier})
		delete(s.state, id)
		// cascade
		delete(s.connections, id)
		delete(s.members, id)
	case *aggregate.ResourceConnectionCreated:
		s.connections[id][e.ResourceID] = &aggregate.ResourceConnection{
			ResourceID: e.ResourceID,
			Actions:    append([]string(nil), e.Actions...),
			CreatedAt:  e.EventTime(),
			ModifiedAt: e.EventTime(),
		}
	case *aggregate.ResourceConnectionActionsAdded:
		c := s.connections[id][e.ResourceID]
		c.Actions = unionSorted(c.Actions, e.Actions)
		c.ModifiedAt = e.EventTime()
	case *aggregate.ResourceConnectionActionsRemoved:
		c := s.connections[id][e.ResourceID]
		c.Actions = subtract(c.Actions, e.Actions)
		c.ModifiedAt = e.EventTime()
	case *aggregate.ResourceConnectionDeleted:
		delete(s.connections[id], e.ResourceID)
	case *aggregate.MembersAdded:
		for _, m := range e.Members {
			if _, ok := s.members[id][m]; !ok {
				s.members[id][m] = e.EventTime()
			}
		}
	case *aggregate.MembersRemoved:
		for _, m := range e.Members {
			delete(s.members[id], m)
		}
	default:
		panic("store: unknown event type")
	}
}

// Load rebuilds an aggregate from its event stream.
func (s *InMemory) Load(ctx context.Context, ref Ref) (*aggregate.AccessList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.resolveLocked(ref)
	if err != nil {
		return nil, err
	}
	events := s.eventsLocked(id)
	if len(events) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	return aggregate.Rehydrate(id, events)
}

// History returns the committed event stream for one aggregate id.
func (s *InMemory) History(ctx context.Context, id uuid.UUID) ([]aggregate.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.eventsLocked(id)
	if len(events) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	return events, nil
}

// LookupInfo reads the summary projection.
func (s *InMemory) LookupInfo(ctx context.Context, ref Ref) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(ref)
}

// ListByOwner pages through an owner's lists in ascending identifier order.
func (s *InMemory) ListByOwner(ctx context.Context, owner, token string) (*InfoPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Info
	for _, row := range s.state {
		if row.Owner == owner && row.Identifier > cursor.ResumeKey {
			all = append(all, *row)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Identifier < all[j].Identifier })

	page := &InfoPage{}
	if len(all) > PageSize {
		all = all[:PageSize]
		page.NextToken = continuation.Encode(continuation.Token{ResumeKey: all[PageSize-1].Identifier})
	}
	page.Items = all
	return page, nil
}

// ListResourceConnections pages through a list's connections with the same
// version pinning as the Postgres store.
func (s *InMemory) ListResourceConnections(ctx context.Context, ref Ref, token string) (*ConnectionPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	if token != "" && cursor.Version != int64(info.Version) {
		s.metrics.RecordPreconditionFailure()
		return nil, dErrors.New(dErrors.CodePreconditionFailed, "access list changed during iteration")
	}

	var all []aggregate.ResourceConnection
	for _, c := range s.connections[info.ID] {
		if c.ResourceID > cursor.ResumeKey {
			all = append(all, aggregate.ResourceConnection{
				ResourceID: c.ResourceID,
				Actions:    append([]string(nil), c.Actions...),
				CreatedAt:  c.CreatedAt,
				ModifiedAt: c.ModifiedAt,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ResourceID < all[j].ResourceID })

	page := &ConnectionPage{}
	if len(all) > PageSize {
		all = all[:PageSize]
		page.NextToken = continuation.Encode(continuation.Token{
			ResumeKey: all[PageSize-1].ResourceID,
			Version:   int64(info.Version),
		})
	}
	page.Items = all
	return page, nil
}

// ListMemberships pages through a list's members in ascending member id order.
func (s *InMemory) ListMemberships(ctx context.Context, ref Ref, token string) (*MembershipPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	if token != "" && cursor.Version != int64(info.Version) {
		s.metrics.RecordPreconditionFailure()
		return nil, dErrors.New(dErrors.CodePreconditionFailed, "access list changed during iteration")
	}

	var all []aggregate.Membership
	for id, since := range s.members[info.ID] {
		if cursor.ResumeKey == "" || id.String() > cursor.ResumeKey {
			all = append(all, aggregate.Membership{MemberID: id, Since: since})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MemberID.String() < all[j].MemberID.String() })

	page := &MembershipPage{}
	if len(all) > PageSize {
		all = all[:PageSize]
		page.NextToken = continuation.Encode(continuation.Token{
			ResumeKey: all[PageSize-1].MemberID.String(),
			Version:   int64(info.Version),
		})
	}
	page.Items = all
	return page, nil
}

func (s *InMemory) lookupLocked(ref Ref) (*Info, error) {
	id, err := s.resolveLocked(ref)
	if err != nil {
		return nil, err
	}
	row, ok := s.state[id]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	out := *row
	return &out, nil
}

func (s *InMemory) resolveLocked(ref Ref) (uuid.UUID, error) {
	if ref.byID {
		return ref.id, nil
	}
	id, ok := s.byOwner[ownerKey{ref.owner, ref.identifier}]
	if !ok {
		return uuid.Nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	return id, nil
}

func (s *InMemory) eventsLocked(id uuid.UUID) []aggregate.Event {
	var out []aggregate.Event
	for _, ev := range s.log {
		if ev.AggregateID() == id {
			out = append(out, ev)
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, x := range b {
		found := false
		for _, y := range out {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
