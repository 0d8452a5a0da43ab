package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"regledger/internal/accesslist/aggregate"
	dErrors "regledger/pkg/domain-errors"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertEventSQL = `
	INSERT INTO access_list_events
		(event_time, kind, aggregate_id, owner, identifier, name, description, resource_identifier, actions, member_ids)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text[], $10::uuid[])
	RETURNING seq_id`

// insertEvent appends one event to the log and returns its assigned sequence
// id. The sparse variant columns stay NULL for kinds that do not use them.
func insertEvent(ctx context.Context, q execer, ev aggregate.Event) (aggregate.EventID, error) {
	var (
		owner, identifier, name, description sql.NullString
		resourceID                           sql.NullString
		actions                              []string
		memberIDs                            []string
	)

	switch e := ev.(type) {
	case *aggregate.Created:
		owner = sql.NullString{String: e.Owner, Valid: true}
		identifier = sql.NullString{String: e.Identifier, Valid: true}
		name = sql.NullString{String: e.Name, Valid: true}
		description = sql.NullString{String: e.Description, Valid: true}
	case *aggregate.Updated:
		identifier = nullable(e.Identifier)
		name = nullable(e.Name)
		description = nullable(e.Description)
	case *aggregate.Deleted:
		// header only
	case *aggregate.ResourceConnectionCreated:
		resourceID = sql.NullString{String: e.ResourceID, Valid: true}
		actions = e.Actions
	case *aggregate.ResourceConnectionActionsAdded:
		resourceID = sql.NullString{String: e.ResourceID, Valid: true}
		actions = e.Actions
	case *aggregate.ResourceConnectionActionsRemoved:
		resourceID = sql.NullString{String: e.ResourceID, Valid: true}
		actions = e.Actions
	case *aggregate.ResourceConnectionDeleted:
		resourceID = sql.NullString{String: e.ResourceID, Valid: true}
	case *aggregate.MembersAdded:
		memberIDs = uuidStrings(e.Members)
	case *aggregate.MembersRemoved:
		memberIDs = uuidStrings(e.Members)
	default:
		panic("store: unknown event type")
	}

	var seq int64
	err := q.QueryRowContext(ctx, insertEventSQL,
		ev.EventTime(), string(ev.Kind()), ev.AggregateID(),
		owner, identifier, name, description,
		resourceID, pq.Array(actions), pq.Array(memberIDs),
	).Scan(&seq)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "append event")
	}
	return aggregate.EventID(seq), nil
}

const selectEventsSQL = `
	SELECT seq_id, event_time, kind, aggregate_id, owner, identifier, name, description, resource_identifier, actions, member_ids
	FROM access_list_events
	WHERE aggregate_id = $1
	ORDER BY seq_id ASC`

// loadEvents streams the committed event log for one aggregate in ascending
// sequence order.
func loadEvents(ctx context.Context, q execer, aggregateID uuid.UUID) ([]aggregate.Event, error) {
	rows, err := q.QueryContext(ctx, selectEventsSQL, aggregateID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query event log")
	}
	defer rows.Close()

	var out []aggregate.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "iterate event log")
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (aggregate.Event, error) {
	var (
		seq                                  int64
		at                                   time.Time
		kind                                 string
		aggregateID                          uuid.UUID
		owner, identifier, name, description sql.NullString
		resourceID                           sql.NullString
		actions                              pq.StringArray
		memberIDs                            pq.StringArray
	)
	if err := rows.Scan(&seq, &at, &kind, &aggregateID,
		&owner, &identifier, &name, &description,
		&resourceID, &actions, &memberIDs); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "scan event row")
	}

	h := aggregate.Header{SeqID: aggregate.EventID(seq), ListID: aggregateID, At: at.UTC()}

	switch aggregate.Kind(kind) {
	case aggregate.KindCreated:
		return &aggregate.Created{
			Header:      h,
			Owner:       owner.String,
			Identifier:  identifier.String,
			Name:        name.String,
			Description: description.String,
		}, nil
	case aggregate.KindUpdated:
		return &aggregate.Updated{
			Header:      h,
			Identifier:  pointer(identifier),
			Name:        pointer(name),
			Description: pointer(description),
		}, nil
	case aggregate.KindDeleted:
		return &aggregate.Deleted{Header: h}, nil
	case aggregate.KindResourceConnectionCreated:
		return &aggregate.ResourceConnectionCreated{Header: h, ResourceID: resourceID.String, Actions: actions}, nil
	case aggregate.KindResourceConnectionActionsAdded:
		return &aggregate.ResourceConnectionActionsAdded{Header: h, ResourceID: resourceID.String, Actions: actions}, nil
	case aggregate.KindResourceConnectionActionsRemoved:
		return &aggregate.ResourceConnectionActionsRemoved{Header: h, ResourceID: resourceID.String, Actions: actions}, nil
	case aggregate.KindResourceConnectionDeleted:
		return &aggregate.ResourceConnectionDeleted{Header: h, ResourceID: resourceID.String}, nil
	case aggregate.KindMembersAdded:
		ids, err := parseUUIDs(memberIDs)
		if err != nil {
			return nil, err
		}
		return &aggregate.MembersAdded{Header: h, Members: ids}, nil
	case aggregate.KindMembersRemoved:
		ids, err := parseUUIDs(memberIDs)
		if err != nil {
			return nil, err
		}
		return &aggregate.MembersRemoved{Header: h, Members: ids}, nil
	default:
		// The kind column only ever holds values written by insertEvent, so an
		// unknown kind means a corrupt log or a skewed deployment.
		return nil, dErrors.Newf(dErrors.CodeInternal, "unknown event kind %q in event log", kind)
	}
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func pointer(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "parse member id in event log")
		}
		out[i] = id
	}
	return out, nil
}
