// Package service orchestrates access list operations: it loads aggregates,
// applies domain mutations, persists the resulting events, and emits audit
// records for committed changes.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/audit"
	"regledger/internal/accesslist/store"
	dErrors "regledger/pkg/domain-errors"
	"regledger/pkg/requestcontext"
)

// createRetries bounds how many times CreateOrLoad races a concurrent
// create/delete before giving up.
const createRetries = 3

// Store is the persistence surface the service depends on. Both the Postgres
// store and its in-memory twin satisfy it.
type Store interface {
	Create(ctx context.Context, owner, identifier, name, description string) (*aggregate.AccessList, error)
	ApplyChanges(ctx context.Context, list *aggregate.AccessList) (int, error)
	Load(ctx context.Context, ref store.Ref) (*aggregate.AccessList, error)
	History(ctx context.Context, id uuid.UUID) ([]aggregate.Event, error)
	LookupInfo(ctx context.Context, ref store.Ref) (*store.Info, error)
	ListByOwner(ctx context.Context, owner, token string) (*store.InfoPage, error)
	ListResourceConnections(ctx context.Context, ref store.Ref, token string) (*store.ConnectionPage, error)
	ListMemberships(ctx context.Context, ref store.Ref, token string) (*store.MembershipPage, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, rec audit.Record) error
}

// UpdateRequest carries a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Identifier  *string
	Name        *string
	Description *string
}

// Service exposes the access list operations consumed by the HTTP layer.
type Service struct {
	store  Store
	logger *slog.Logger
	audit  AuditPublisher
	now    func() time.Time
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.audit = publisher
	}
}

// WithClock overrides the time source. Tests use this to pin event times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New constructs a Service.
func New(st Store, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrLoad creates a new access list, or returns the existing one when
// the (owner, identifier) pair is already taken. The boolean reports whether
// a new list was created. A concurrent create-then-delete can make both the
// create and the follow-up lookup fail, so the pair is retried a bounded
// number of times before the conflict is surfaced.
func (s *Service) CreateOrLoad(ctx context.Context, owner, identifier, name, description string) (*store.Info, bool, error) {
	owner = strings.TrimSpace(owner)
	identifier = strings.TrimSpace(identifier)
	name = strings.TrimSpace(name)
	if owner == "" || identifier == "" || name == "" {
		return nil, false, dErrors.New(dErrors.CodeValidation, "owner, identifier and name are required")
	}

	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		list, err := s.store.Create(ctx, owner, identifier, name, description)
		if err == nil {
			s.emitAudit(ctx, audit.ActionListCreated, list, 1)
			return infoOf(list), true, nil
		}
		if !dErrors.HasCode(err, dErrors.CodeConflict) {
			return nil, false, err
		}
		lastErr = err

		info, err := s.store.LookupInfo(ctx, store.ByOwner(owner, identifier))
		if err == nil {
			return info, false, nil
		}
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, false, err
		}
		// The conflicting list vanished between create and lookup; go again.
	}
	return nil, false, lastErr
}

// Get returns the summary projection of one access list.
func (s *Service) Get(ctx context.Context, owner, identifier string) (*store.Info, error) {
	return s.store.LookupInfo(ctx, store.ByOwner(owner, identifier))
}

// History returns the full ordered event log of one access list.
func (s *Service) History(ctx context.Context, owner, identifier string) ([]aggregate.Event, error) {
	info, err := s.store.LookupInfo(ctx, store.ByOwner(owner, identifier))
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, info.ID)
}

// Update applies a partial update. Fields matching the current state produce
// no event and no version change.
func (s *Service) Update(ctx context.Context, owner, identifier string, req UpdateRequest) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionListUpdated, func(list *aggregate.AccessList, now time.Time) error {
		return list.Update(req.Identifier, req.Name, req.Description, now)
	})
}

// Delete removes the access list. The event log survives; only the live
// projections go away.
func (s *Service) Delete(ctx context.Context, owner, identifier string) error {
	_, err := s.mutate(ctx, owner, identifier, audit.ActionListDeleted, func(list *aggregate.AccessList, now time.Time) error {
		return list.Delete(now)
	})
	return err
}

// PutResourceConnection creates the connection or reconciles its actions to
// exactly the given set.
func (s *Service) PutResourceConnection(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionConnectionsChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.AddResourceConnection(resourceID, actions, now)
	})
}

// AddResourceConnectionActions grants additional actions on an existing
// connection.
func (s *Service) AddResourceConnectionActions(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionConnectionsChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.AddResourceConnectionActions(resourceID, actions, now)
	})
}

// RemoveResourceConnectionActions revokes actions on an existing connection.
func (s *Service) RemoveResourceConnectionActions(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionConnectionsChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.RemoveResourceConnectionActions(resourceID, actions, now)
	})
}

// DeleteResourceConnection removes a connection; removing an absent one is a
// no-op.
func (s *Service) DeleteResourceConnection(ctx context.Context, owner, identifier, resourceID string) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionConnectionsChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.RemoveResourceConnection(resourceID, now)
	})
}

// AddMembers adds party members; already-present members are ignored.
func (s *Service) AddMembers(ctx context.Context, owner, identifier string, members []uuid.UUID) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionMembersChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.AddMembers(members, now)
	})
}

// RemoveMembers removes party members; absent members are ignored.
func (s *Service) RemoveMembers(ctx context.Context, owner, identifier string, members []uuid.UUID) (*store.Info, error) {
	return s.mutate(ctx, owner, identifier, audit.ActionMembersChanged, func(list *aggregate.AccessList, now time.Time) error {
		return list.RemoveMembers(members, now)
	})
}

// ListByOwner returns one page of an owner's access lists.
func (s *Service) ListByOwner(ctx context.Context, owner, token string) (*store.InfoPage, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "owner is required")
	}
	return s.store.ListByOwner(ctx, owner, token)
}

// ListResourceConnections returns one page of a list's resource connections.
func (s *Service) ListResourceConnections(ctx context.Context, owner, identifier, token string) (*store.ConnectionPage, error) {
	return s.store.ListResourceConnections(ctx, store.ByOwner(owner, identifier), token)
}

// ListMemberships returns one page of a list's members.
func (s *Service) ListMemberships(ctx context.Context, owner, identifier, token string) (*store.MembershipPage, error) {
	return s.store.ListMemberships(ctx, store.ByOwner(owner, identifier), token)
}

// mutate is the shared write path: load, apply the mutation, persist.
// Concurrency conflicts propagate to the caller; retrying would require
// re-validating the caller's intent against fresher state.
func (s *Service) mutate(ctx context.Context, owner, identifier string, action audit.Action, fn func(list *aggregate.AccessList, now time.Time) error) (*store.Info, error) {
	list, err := s.store.Load(ctx, store.ByOwner(owner, identifier))
	if err != nil {
		return nil, err
	}
	if err := fn(list, s.now()); err != nil {
		return nil, err
	}
	committed, err := s.store.ApplyChanges(ctx, list)
	if err != nil {
		return nil, err
	}
	if committed > 0 {
		s.emitAudit(ctx, action, list, committed)
	}
	return infoOf(list), nil
}

func (s *Service) emitAudit(ctx context.Context, action audit.Action, list *aggregate.AccessList, events int) {
	requestID := requestcontext.RequestID(ctx)
	s.logger.InfoContext(ctx, string(action),
		"list_id", list.ID(),
		"owner", list.Owner(),
		"version", int64(list.Version()),
		"events", events,
		"request_id", requestID,
		"log_type", "audit",
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, audit.Record{
		Action:     action,
		ListID:     list.ID(),
		Owner:      list.Owner(),
		Identifier: list.Identifier(),
		Version:    int64(list.Version()),
		Events:     events,
		RequestID:  requestID,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", action, "error", err)
	}
}

func infoOf(list *aggregate.AccessList) *store.Info {
	return &store.Info{
		ID:          list.ID(),
		Owner:       list.Owner(),
		Identifier:  list.Identifier(),
		Name:        list.Name(),
		Description: list.Description(),
		CreatedAt:   list.CreatedAt(),
		UpdatedAt:   list.UpdatedAt(),
		Version:     list.Version(),
	}
}
