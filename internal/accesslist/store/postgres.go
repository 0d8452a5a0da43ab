package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/metrics"
	"regledger/pkg/continuation"
	dErrors "regledger/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

// Postgres persists access lists in PostgreSQL: an append-only event log plus
// projection tables updated in the same transaction, with version-based
// compare-and-swap guarding every conditional write.
type Postgres struct {
	db        *sql.DB
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	txTimeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed access list repository.
func NewPostgres(db *sql.DB, m *metrics.Metrics) *Postgres {
	return &Postgres{
		db:        db,
		metrics:   m,
		tracer:    otel.Tracer("regledger/internal/accesslist/store"),
		txTimeout: defaultTxTimeout,
	}
}

// runTx scopes one logical repository operation to a single transaction at
// Repeatable Read. Any error aborts the whole transaction, so a failing
// projection update also discards the event rows inserted earlier in the same
// operation.
func (s *Postgres) runTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  readOnly,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		if isConcurrentUpdate(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "transaction lost a concurrent write race")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConcurrentUpdate(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "transaction lost a concurrent write race")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit transaction")
	}
	return nil
}

// Create initializes and persists a brand-new access list. Duplicate
// (owner, identifier) pairs fail with a conflict; the unique constraint is the
// creation-time concurrency guard.
func (s *Postgres) Create(ctx context.Context, owner, identifier, name, description string) (*aggregate.AccessList, error) {
	list := aggregate.New(uuid.New())
	if err := list.Initialize(owner, identifier, name, description, time.Now()); err != nil {
		return nil, err
	}
	if _, err := s.ApplyChanges(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ApplyChanges appends the aggregate's uncommitted events to the log, applies
// each one to the projection tables, and bumps the summary row's version, all
// in one transaction. Returns the number of newly committed events.
func (s *Postgres) ApplyChanges(ctx context.Context, list *aggregate.AccessList) (int, error) {
	events := list.UncommittedEvents()
	if len(events) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "accesslist.store.ApplyChanges",
		trace.WithAttributes(
			attribute.String("accesslist.id", list.ID().String()),
			attribute.Int("accesslist.pending_events", len(events)),
		))
	defer span.End()
	start := time.Now()

	priorVersion := list.Version()

	err := s.runTx(ctx, false, func(tx *sql.Tx) error {
		for _, ev := range events {
			seq, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			ev.AssignID(seq)
		}

		deleted := false
		for _, ev := range events {
			if err := s.project(ctx, tx, ev, priorVersion); err != nil {
				return err
			}
			if _, ok := ev.(*aggregate.Deleted); ok {
				deleted = true
			}
		}

		if deleted {
			return nil
		}

		last := events[len(events)-1]
		res, err := tx.ExecContext(ctx, `
			UPDATE access_list_state SET modified = $2, version = $3
			WHERE aggregate_id = $1 AND version = $4`,
			list.ID(), last.EventTime(), int64(last.ID()), int64(priorVersion))
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "advance version")
		}
		return s.requireRow(res, "access list version moved since load")
	})
	if err != nil {
		// The transaction rolled back: the events keep their assigned ids in
		// memory but nothing was persisted, and the sequence numbers are burnt.
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			s.metrics.RecordConflict()
		}
		return 0, err
	}

	if err := list.Commit(); err != nil {
		return 0, err
	}
	for _, ev := range events {
		s.metrics.RecordCommit(string(ev.Kind()))
	}
	s.metrics.ObserveApply(time.Since(start).Seconds())
	return len(events), nil
}

// project applies one committed event to its projection table. Conditional
// writes that match zero rows mean another writer moved the aggregate since it
// was loaded.
func (s *Postgres) project(ctx context.Context, tx *sql.Tx, ev aggregate.Event, priorVersion aggregate.EventID) error {
	switch e := ev.(type) {
	case *aggregate.Created:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO access_list_state
				(aggregate_id, owner, identifier, name, description, created, modified, version)
			VALUES ($1, $2, $3, $4, $5, $6, $6, 0)`,
			e.AggregateID(), e.Owner, e.Identifier, e.Name, e.Description, e.EventTime())
		if isUniqueViolation(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "access list identifier already in use")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "insert summary row")
		}
		return nil

	case *aggregate.Updated:
		res, err := tx.ExecContext(ctx, `
			UPDATE access_list_state SET
				identifier  = COALESCE($2, identifier),
				name        = COALESCE($3, name),
				description = COALESCE($4, description)
			WHERE aggregate_id = $1`,
			e.AggregateID(), nullable(e.Identifier), nullable(e.Name), nullable(e.Description))
		if isUniqueViolation(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "access list identifier already in use")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "update summary row")
		}
		return s.requireRow(res, "access list disappeared since load")

	case *aggregate.Deleted:
		res, err := tx.ExecContext(ctx, `
			DELETE FROM access_list_state
			WHERE aggregate_id = $1 AND version = $2`,
			e.AggregateID(), int64(priorVersion))
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "delete summary row")
		}
		return s.requireRow(res, "access list version moved since load")

	case *aggregate.ResourceConnectionCreated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resource_connection_state
				(aggregate_id, resource_identifier, actions, created, modified)
			VALUES ($1, $2, $3::text[], $4, $4)`,
			e.AggregateID(), e.ResourceID, pq.Array(e.Actions), e.EventTime())
		if isUniqueViolation(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "resource connection created concurrently")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "insert resource connection")
		}
		return nil

	case *aggregate.ResourceConnectionActionsAdded:
		res, err := tx.ExecContext(ctx, `
			UPDATE resource_connection_state SET
				actions  = ARRAY(SELECT DISTINCT a FROM unnest(actions || $3::text[]) AS a ORDER BY a),
				modified = $4
			WHERE aggregate_id = $1 AND resource_identifier = $2`,
			e.AggregateID(), e.ResourceID, pq.Array(e.Actions), e.EventTime())
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "add connection actions")
		}
		return s.requireRow(res, "resource connection disappeared since load")

	case *aggregate.ResourceConnectionActionsRemoved:
		// Locking read-modify-write: without the row lock a concurrent removal
		// on the same connection could be lost.
		var current pq.StringArray
		err := tx.QueryRowContext(ctx, `
			SELECT actions FROM resource_connection_state
			WHERE aggregate_id = $1 AND resource_identifier = $2
			FOR UPDATE`,
			e.AggregateID(), e.ResourceID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return dErrors.New(dErrors.CodeConflict, "resource connection disappeared since load")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "lock connection actions")
		}
		remaining := subtract(current, e.Actions)
		res, err := tx.ExecContext(ctx, `
			UPDATE resource_connection_state SET actions = $3::text[], modified = $4
			WHERE aggregate_id = $1 AND resource_identifier = $2`,
			e.AggregateID(), e.ResourceID, pq.Array(remaining), e.EventTime())
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "remove connection actions")
		}
		return s.requireRow(res, "resource connection disappeared since load")

	case *aggregate.ResourceConnectionDeleted:
		res, err := tx.ExecContext(ctx, `
			DELETE FROM resource_connection_state
			WHERE aggregate_id = $1 AND resource_identifier = $2`,
			e.AggregateID(), e.ResourceID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "delete resource connection")
		}
		return s.requireRow(res, "resource connection disappeared since load")

	case *aggregate.MembersAdded:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO membership_state (aggregate_id, member_id, since)
			SELECT $1, m, $3 FROM unnest($2::uuid[]) AS m
			ON CONFLICT DO NOTHING`,
			e.AggregateID(), pq.Array(uuidStrings(e.Members)), e.EventTime())
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "insert memberships")
		}
		return nil

	case *aggregate.MembersRemoved:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM membership_state
			WHERE aggregate_id = $1 AND member_id = ANY($2::uuid[])`,
			e.AggregateID(), pq.Array(uuidStrings(e.Members)))
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "delete memberships")
		}
		return nil

	default:
		panic("store: unknown event type")
	}
}

func (s *Postgres) requireRow(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "rows affected")
	}
	if n == 0 {
		return dErrors.New(dErrors.CodeConflict, msg)
	}
	return nil
}

// Load rebuilds an aggregate by folding its full event stream. Use it when the
// caller intends to mutate; read paths should prefer LookupInfo.
func (s *Postgres) Load(ctx context.Context, ref Ref) (*aggregate.AccessList, error) {
	ctx, span := s.tracer.Start(ctx, "accesslist.store.Load")
	defer span.End()
	start := time.Now()

	var list *aggregate.AccessList
	err := s.runTx(ctx, true, func(tx *sql.Tx) error {
		id, err := s.resolveID(ctx, tx, ref)
		if err != nil {
			return err
		}
		events, err := loadEvents(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return dErrors.New(dErrors.CodeNotFound, "access list not found")
		}
		list, err = aggregate.Rehydrate(id, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveLoad(time.Since(start).Seconds())
	return list, nil
}

// History returns the raw committed event stream for one aggregate id, oldest
// first. Works for deleted lists: the log is permanent.
func (s *Postgres) History(ctx context.Context, id uuid.UUID) ([]aggregate.Event, error) {
	events, err := loadEvents(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	return events, nil
}

const selectInfoSQL = `
	SELECT aggregate_id, owner, identifier, name, description, created, modified, version
	FROM access_list_state`

// LookupInfo reads the flattened summary projection without replaying events.
func (s *Postgres) LookupInfo(ctx context.Context, ref Ref) (*Info, error) {
	return lookupInfo(ctx, s.db, ref)
}

func lookupInfo(ctx context.Context, q execer, ref Ref) (*Info, error) {
	var row *sql.Row
	if ref.byID {
		row = q.QueryRowContext(ctx, selectInfoSQL+` WHERE aggregate_id = $1`, ref.id)
	} else {
		row = q.QueryRowContext(ctx, selectInfoSQL+` WHERE owner = $1 AND identifier = $2`, ref.owner, ref.identifier)
	}

	var (
		info    Info
		version int64
	)
	err := row.Scan(&info.ID, &info.Owner, &info.Identifier, &info.Name, &info.Description,
		&info.CreatedAt, &info.UpdatedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "lookup summary row")
	}
	info.CreatedAt = info.CreatedAt.UTC()
	info.UpdatedAt = info.UpdatedAt.UTC()
	info.Version = aggregate.EventID(version)
	return &info, nil
}

func (s *Postgres) resolveID(ctx context.Context, q execer, ref Ref) (uuid.UUID, error) {
	if ref.byID {
		return ref.id, nil
	}
	var id uuid.UUID
	err := q.QueryRowContext(ctx,
		`SELECT aggregate_id FROM access_list_state WHERE owner = $1 AND identifier = $2`,
		ref.owner, ref.identifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, dErrors.New(dErrors.CodeNotFound, "access list not found")
	}
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve access list id")
	}
	return id, nil
}

// ListByOwner pages through an owner's lists in ascending identifier order.
func (s *Postgres) ListByOwner(ctx context.Context, owner, token string) (*InfoPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectInfoSQL+`
		WHERE owner = $1 AND identifier > $2
		ORDER BY identifier ASC
		LIMIT $3`,
		owner, cursor.ResumeKey, PageSize+1)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list by owner")
	}
	defer rows.Close()

	var items []Info
	for rows.Next() {
		var (
			info    Info
			version int64
		)
		if err := rows.Scan(&info.ID, &info.Owner, &info.Identifier, &info.Name, &info.Description,
			&info.CreatedAt, &info.UpdatedAt, &version); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "scan summary row")
		}
		info.CreatedAt = info.CreatedAt.UTC()
		info.UpdatedAt = info.UpdatedAt.UTC()
		info.Version = aggregate.EventID(version)
		items = append(items, info)
	}
	if err := rows.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "iterate summary rows")
	}

	page := &InfoPage{}
	if len(items) > PageSize {
		items = items[:PageSize]
		page.NextToken = continuation.Encode(continuation.Token{ResumeKey: items[PageSize-1].Identifier})
	}
	page.Items = items
	return page, nil
}

// ListResourceConnections pages through a list's resource connections in
// ascending resource identifier order. The continuation token pins the
// aggregate version of the first page; a mutation mid-iteration fails the next
// page with a precondition error.
func (s *Postgres) ListResourceConnections(ctx context.Context, ref Ref, token string) (*ConnectionPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}

	var page *ConnectionPage
	err = s.runTx(ctx, true, func(tx *sql.Tx) error {
		info, err := lookupInfo(ctx, tx, ref)
		if err != nil {
			return err
		}
		version, err := s.checkCursorVersion(token, cursor, info.Version)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT resource_identifier, actions, created, modified
			FROM resource_connection_state
			WHERE aggregate_id = $1 AND resource_identifier > $2
			ORDER BY resource_identifier ASC
			LIMIT $3`,
			info.ID, cursor.ResumeKey, PageSize+1)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list resource connections")
		}
		defer rows.Close()

		var items []aggregate.ResourceConnection
		for rows.Next() {
			var (
				conn    aggregate.ResourceConnection
				actions pq.StringArray
			)
			if err := rows.Scan(&conn.ResourceID, &actions, &conn.CreatedAt, &conn.ModifiedAt); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "scan resource connection")
			}
			conn.Actions = actions
			conn.CreatedAt = conn.CreatedAt.UTC()
			conn.ModifiedAt = conn.ModifiedAt.UTC()
			items = append(items, conn)
		}
		if err := rows.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "iterate resource connections")
		}

		page = &ConnectionPage{}
		if len(items) > PageSize {
			items = items[:PageSize]
			page.NextToken = continuation.Encode(continuation.Token{
				ResumeKey: items[PageSize-1].ResourceID,
				Version:   int64(version),
			})
		}
		page.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ListMemberships pages through a list's members in ascending member id order,
// with the same version-pinning as ListResourceConnections.
func (s *Postgres) ListMemberships(ctx context.Context, ref Ref, token string) (*MembershipPage, error) {
	cursor, err := continuation.Decode(token)
	if err != nil {
		return nil, err
	}
	var resume uuid.UUID
	if cursor.ResumeKey != "" {
		resume, err = uuid.Parse(cursor.ResumeKey)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "malformed continuation token")
		}
	}

	var page *MembershipPage
	err = s.runTx(ctx, true, func(tx *sql.Tx) error {
		info, err := lookupInfo(ctx, tx, ref)
		if err != nil {
			return err
		}
		version, err := s.checkCursorVersion(token, cursor, info.Version)
		if err != nil {
			return err
		}

		query := `
			SELECT member_id, since FROM membership_state
			WHERE aggregate_id = $1
			ORDER BY member_id ASC
			LIMIT $2`
		args := []any{info.ID, PageSize + 1}
		if cursor.ResumeKey != "" {
			query = `
				SELECT member_id, since FROM membership_state
				WHERE aggregate_id = $1 AND member_id > $2
				ORDER BY member_id ASC
				LIMIT $3`
			args = []any{info.ID, resume, PageSize + 1}
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list memberships")
		}
		defer rows.Close()

		var items []aggregate.Membership
		for rows.Next() {
			var m aggregate.Membership
			if err := rows.Scan(&m.MemberID, &m.Since); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "scan membership")
			}
			m.Since = m.Since.UTC()
			items = append(items, m)
		}
		if err := rows.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "iterate memberships")
		}

		page = &MembershipPage{}
		if len(items) > PageSize {
			items = items[:PageSize]
			page.NextToken = continuation.Encode(continuation.Token{
				ResumeKey: items[PageSize-1].MemberID.String(),
				Version:   int64(version),
			})
		}
		page.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// checkCursorVersion validates a sub-collection cursor against the aggregate's
// current version and returns the version to pin into the next token.
func (s *Postgres) checkCursorVersion(token string, cursor continuation.Token, current aggregate.EventID) (aggregate.EventID, error) {
	if token == "" {
		return current, nil
	}
	if cursor.Version != int64(current) {
		s.metrics.RecordPreconditionFailure()
		return 0, dErrors.New(dErrors.CodePreconditionFailed, "access list changed during iteration")
	}
	return current, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isConcurrentUpdate matches serialization failures and deadlocks, which under
// Repeatable Read are how the database reports a lost write race.
func isConcurrentUpdate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// subtract returns the elements of a not present in b, preserving a's order.
func subtract(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, x := range a {
		keep := true
		for _, y := range b {
			if x == y {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, x)
		}
	}
	return out
}
