// Package store persists access lists as an append-only event log plus
// synchronously-updated projection tables, and serves cursor-paginated
// listings over the projections.
//
// Two implementations exist: Postgres (production) and InMemory (test twin
// with the same optimistic-concurrency and pagination semantics).
package store

import (
	"time"

	"github.com/google/uuid"

	"regledger/internal/accesslist/aggregate"
)

// PageSize is the fixed number of items per listing page.
const PageSize = 100

// Ref identifies an access list either directly by aggregate id or by its
// owner-scoped identifier.
type Ref struct {
	id         uuid.UUID
	owner      string
	identifier string
	byID       bool
}

// ByID references a list by aggregate id. Works for deleted lists too, since
// the event log outlives the projection row.
func ByID(id uuid.UUID) Ref {
	return Ref{id: id, byID: true}
}

// ByOwner references a list by its unique (owner, identifier) pair.
func ByOwner(owner, identifier string) Ref {
	return Ref{owner: owner, identifier: identifier}
}

// Info is the flattened summary projection of one access list: everything a
// read path needs without replaying events.
type Info struct {
	ID          uuid.UUID
	Owner       string
	Identifier  string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     aggregate.EventID
}

// InfoPage is one page of an owner-scoped listing.
type InfoPage struct {
	Items []Info
	// NextToken resumes the listing; empty when the listing is exhausted.
	NextToken string
}

// ConnectionPage is one page of a resource connection listing.
type ConnectionPage struct {
	Items     []aggregate.ResourceConnection
	NextToken string
}

// MembershipPage is one page of a membership listing.
type MembershipPage struct {
	Items     []aggregate.Membership
	NextToken string
}
