//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/store"
	dErrors "regledger/pkg/domain-errors"
	"regledger/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB, nil)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order; events go last so sequence ids restart.
	err := s.postgres.TruncateTables(ctx,
		"membership_state", "resource_connection_state", "access_list_state", "access_list_events")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) create(owner, identifier, name string) *aggregate.AccessList {
	s.T().Helper()
	list, err := s.store.Create(context.Background(), owner, identifier, name, "")
	s.Require().NoError(err)
	return list
}

func (s *PostgresStoreSuite) TestCreateAndLookup() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")
	s.Equal(aggregate.EventID(1), list.Version())

	info, err := s.store.LookupInfo(ctx, store.ByOwner("974761076", "test1"))
	s.Require().NoError(err)
	s.Equal(list.ID(), info.ID)
	s.Equal("Test 1", info.Name)
	s.Equal(aggregate.EventID(1), info.Version)
}

func (s *PostgresStoreSuite) TestCreateDuplicateConflicts() {
	s.create("974761076", "test1", "Test 1")
	_, err := s.store.Create(context.Background(), "974761076", "test1", "Again", "")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *PostgresStoreSuite) TestReplayDeterminism() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")

	member := uuid.New()
	now := time.Now()
	s.Require().NoError(list.AddResourceConnection("resA", []string{"read", "write"}, now))
	newName := "Renamed"
	s.Require().NoError(list.Update(nil, &newName, nil, now))
	s.Require().NoError(list.AddMembers([]uuid.UUID{member}, now))
	s.Require().NoError(list.RemoveResourceConnectionActions("resA", []string{"write"}, now))
	_, err := s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	loaded, err := s.store.Load(ctx, store.ByOwner("974761076", "test1"))
	s.Require().NoError(err)

	s.Equal(list.Name(), loaded.Name())
	s.Equal(list.Version(), loaded.Version())
	s.Equal(list.ResourceConnections(), loaded.ResourceConnections())
	s.Equal(list.Memberships(), loaded.Memberships())
}

func (s *PostgresStoreSuite) TestOptimisticConcurrency() {
	ctx := context.Background()
	created := s.create("974761076", "test1", "Test 1")

	writer1, err := s.store.Load(ctx, store.ByID(created.ID()))
	s.Require().NoError(err)
	writer2, err := s.store.Load(ctx, store.ByID(created.ID()))
	s.Require().NoError(err)

	name1 := "Writer 1 wins"
	s.Require().NoError(writer1.Update(nil, &name1, nil, time.Now()))
	_, err = s.store.ApplyChanges(ctx, writer1)
	s.Require().NoError(err)

	name2 := "Writer 2 loses"
	s.Require().NoError(writer2.Update(nil, &name2, nil, time.Now()))
	_, err = s.store.ApplyChanges(ctx, writer2)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	info, err := s.store.LookupInfo(ctx, store.ByID(created.ID()))
	s.Require().NoError(err)
	s.Equal("Writer 1 wins", info.Name)
}

// TestAtomicMultiTableCommit: when the version CAS fails, the event rows
// inserted earlier in the same transaction must roll back with it.
func (s *PostgresStoreSuite) TestAtomicMultiTableCommit() {
	ctx := context.Background()
	created := s.create("974761076", "test1", "Test 1")

	stale, err := s.store.Load(ctx, store.ByID(created.ID()))
	s.Require().NoError(err)

	fresh, err := s.store.Load(ctx, store.ByID(created.ID()))
	s.Require().NoError(err)
	s.Require().NoError(fresh.AddResourceConnection("resA", []string{"read"}, time.Now()))
	_, err = s.store.ApplyChanges(ctx, fresh)
	s.Require().NoError(err)

	before, err := s.store.History(ctx, created.ID())
	s.Require().NoError(err)

	s.Require().NoError(stale.AddMembers([]uuid.UUID{uuid.New()}, time.Now()))
	_, err = s.store.ApplyChanges(ctx, stale)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict))

	after, err := s.store.History(ctx, created.ID())
	s.Require().NoError(err)
	s.Len(after, len(before), "rolled-back events must not be visible in the log")
}

func (s *PostgresStoreSuite) TestConcurrentWritersExactlyOneWins() {
	ctx := context.Background()
	created := s.create("974761076", "test1", "Test 1")
	const writers = 10

	loaded := make([]*aggregate.AccessList, writers)
	for i := range loaded {
		list, err := s.store.Load(ctx, store.ByID(created.ID()))
		s.Require().NoError(err)
		loaded[i] = list
	}

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i, list := range loaded {
		wg.Add(1)
		go func(i int, list *aggregate.AccessList) {
			defer wg.Done()
			name := fmt.Sprintf("writer %d", i)
			if err := list.Update(nil, &name, nil, time.Now()); err != nil {
				return
			}
			_, err := s.store.ApplyChanges(ctx, list)
			switch {
			case err == nil:
				wins.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			}
		}(i, list)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one writer commits")
	s.Equal(int32(writers-1), conflicts.Load(), "everyone else conflicts")
}

func (s *PostgresStoreSuite) TestPaginationStability() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")
	for i := 0; i < 222; i++ {
		s.Require().NoError(list.AddResourceConnection(fmt.Sprintf("res%03d", i), []string{"read"}, time.Now()))
	}
	_, err := s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	ref := store.ByOwner("974761076", "test1")
	var sizes []int
	var seen []string
	token := ""
	for {
		page, err := s.store.ListResourceConnections(ctx, ref, token)
		s.Require().NoError(err)
		sizes = append(sizes, len(page.Items))
		for _, item := range page.Items {
			seen = append(seen, item.ResourceID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	s.Equal([]int{100, 100, 22}, sizes)
	s.Require().Len(seen, 222)
	for i := range seen {
		s.Equal(fmt.Sprintf("res%03d", i), seen[i])
	}
}

func (s *PostgresStoreSuite) TestPaginationConflictDetection() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")
	for i := 0; i < 150; i++ {
		s.Require().NoError(list.AddResourceConnection(fmt.Sprintf("res%03d", i), []string{"read"}, time.Now()))
	}
	_, err := s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	ref := store.ByOwner("974761076", "test1")
	page1, err := s.store.ListResourceConnections(ctx, ref, "")
	s.Require().NoError(err)
	s.Require().NotEmpty(page1.NextToken)

	reloaded, err := s.store.Load(ctx, store.ByID(list.ID()))
	s.Require().NoError(err)
	newName := "Renamed mid-iteration"
	s.Require().NoError(reloaded.Update(nil, &newName, nil, time.Now()))
	_, err = s.store.ApplyChanges(ctx, reloaded)
	s.Require().NoError(err)

	_, err = s.store.ListResourceConnections(ctx, ref, page1.NextToken)
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func (s *PostgresStoreSuite) TestEndToEndExample() {
	ctx := context.Background()

	list, err := s.store.Create(ctx, "974761076", "test1", "Test 1", "")
	s.Require().NoError(err)

	s.Require().NoError(list.AddResourceConnection("resA", []string{"read"}, time.Now()))
	_, err = s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)
	s.Equal(aggregate.EventID(2), list.Version(), "create=1, connection=2")

	page, err := s.store.ListResourceConnections(ctx, store.ByOwner("974761076", "test1"), "")
	s.Require().NoError(err)
	s.Require().Len(page.Items, 1)
	s.Equal("resA", page.Items[0].ResourceID)
	s.Equal([]string{"read"}, page.Items[0].Actions)

	s.Require().NoError(list.Delete(time.Now()))
	_, err = s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	_, err = s.store.LookupInfo(ctx, store.ByOwner("974761076", "test1"))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	events, err := s.store.History(ctx, list.ID())
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(aggregate.KindCreated, events[0].Kind())
	s.Equal(aggregate.KindResourceConnectionCreated, events[1].Kind())
	s.Equal(aggregate.KindDeleted, events[2].Kind())
}

func (s *PostgresStoreSuite) TestDeleteCascadesProjections() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")
	s.Require().NoError(list.AddMembers([]uuid.UUID{uuid.New()}, time.Now()))
	s.Require().NoError(list.AddResourceConnection("resA", []string{"read"}, time.Now()))
	_, err := s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	s.Require().NoError(list.Delete(time.Now()))
	_, err = s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	var connections, members int
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx,
		"SELECT count(*) FROM resource_connection_state WHERE aggregate_id = $1", list.ID()).Scan(&connections))
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx,
		"SELECT count(*) FROM membership_state WHERE aggregate_id = $1", list.ID()).Scan(&members))
	s.Zero(connections)
	s.Zero(members)

	loaded, err := s.store.Load(ctx, store.ByID(list.ID()))
	s.Require().NoError(err)
	s.True(loaded.IsDeleted())
}

func (s *PostgresStoreSuite) TestUpdatedEventKeepsPartialFieldsOnReplay() {
	ctx := context.Background()
	list := s.create("974761076", "test1", "Test 1")

	desc := "described"
	s.Require().NoError(list.Update(nil, nil, &desc, time.Now()))
	_, err := s.store.ApplyChanges(ctx, list)
	s.Require().NoError(err)

	events, err := s.store.History(ctx, list.ID())
	s.Require().NoError(err)
	up, ok := events[1].(*aggregate.Updated)
	s.Require().True(ok)
	s.Nil(up.Identifier, "unchanged fields round-trip as NULL")
	s.Nil(up.Name)
	s.Require().NotNil(up.Description)
	s.Equal("described", *up.Description)
}
