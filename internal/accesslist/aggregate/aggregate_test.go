package aggregate

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "regledger/pkg/domain-errors"
)

var now = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

func newInitialized(t *testing.T) *AccessList {
	t.Helper()
	l := New(uuid.New())
	require.NoError(t, l.Initialize("974761076", "test1", "Test 1", "first list", now))
	return l
}

// commit simulates what the store does after persisting: assign ascending
// sequence ids and clear the buffer.
func commit(t *testing.T, l *AccessList, next EventID) EventID {
	t.Helper()
	for _, ev := range l.UncommittedEvents() {
		ev.AssignID(next)
		next++
	}
	require.NoError(t, l.Commit())
	return next
}

func TestInitialize(t *testing.T) {
	l := newInitialized(t)

	assert.True(t, l.IsInitialized())
	assert.Equal(t, "974761076", l.Owner())
	assert.Equal(t, "Test 1", l.Name())
	assert.Len(t, l.UncommittedEvents(), 1)
	assert.IsType(t, &Created{}, l.UncommittedEvents()[0])
	assert.Zero(t, l.Version(), "version advances only on commit")
}

func TestInitializeTwiceFails(t *testing.T) {
	l := newInitialized(t)
	err := l.Initialize("974761076", "test1", "Test 1", "", now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestInitializeRequiresNameOwnerIdentifier(t *testing.T) {
	for _, tc := range []struct{ owner, identifier, name string }{
		{"", "test1", "Test 1"},
		{"974761076", "", "Test 1"},
		{"974761076", "test1", ""},
	} {
		l := New(uuid.New())
		err := l.Initialize(tc.owner, tc.identifier, tc.name, "", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Empty(t, l.UncommittedEvents())
	}
}

func TestMutationBeforeInitializeFails(t *testing.T) {
	l := New(uuid.New())
	err := l.AddMembers([]uuid.UUID{uuid.New()}, now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestUpdatePartialFields(t *testing.T) {
	l := newInitialized(t)
	name := "Renamed"
	require.NoError(t, l.Update(nil, &name, nil, now.Add(time.Minute)))

	assert.Equal(t, "Renamed", l.Name())
	assert.Equal(t, "test1", l.Identifier(), "identifier untouched")
	assert.Equal(t, "first list", l.Description(), "description untouched")

	evs := l.UncommittedEvents()
	require.Len(t, evs, 2)
	up := evs[1].(*Updated)
	assert.Nil(t, up.Identifier)
	assert.Nil(t, up.Description)
	require.NotNil(t, up.Name)
	assert.Equal(t, "Renamed", *up.Name)
}

func TestUpdateCannotClearName(t *testing.T) {
	l := newInitialized(t)
	empty := ""
	err := l.Update(nil, &empty, nil, now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	assert.Equal(t, "Test 1", l.Name())
}

func TestUpdateNoEffectiveChangeEnqueuesNothing(t *testing.T) {
	l := newInitialized(t)
	same := "Test 1"
	require.NoError(t, l.Update(nil, &same, nil, now))
	assert.Len(t, l.UncommittedEvents(), 1, "only the Created event")
}

func TestDelete(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.Delete(now))
	assert.True(t, l.IsDeleted())

	err := l.Delete(now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), "double delete")

	name := "x"
	err = l.Update(nil, &name, nil, now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), "mutation after delete")
}

func TestAddResourceConnection(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"write", "read", "read"}, now))

	conn, ok := l.ResourceConnection("resA")
	require.True(t, ok)
	assert.Equal(t, []string{"read", "write"}, conn.Actions, "deduplicated and sorted")
}

func TestAddIdenticalConnectionIsNoop(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read"}, now))
	before := len(l.UncommittedEvents())

	require.NoError(t, l.AddResourceConnection("resA", []string{"read"}, now))
	assert.Len(t, l.UncommittedEvents(), before, "identical connection enqueues nothing")
}

func TestAddConnectionWithDifferentActionsProducesDeltas(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read", "write"}, now))
	require.NoError(t, l.AddResourceConnection("resA", []string{"read", "sign"}, now))

	conn, _ := l.ResourceConnection("resA")
	assert.Equal(t, []string{"read", "sign"}, conn.Actions)

	evs := l.UncommittedEvents()
	require.Len(t, evs, 4)
	added := evs[2].(*ResourceConnectionActionsAdded)
	assert.Equal(t, []string{"sign"}, added.Actions)
	removed := evs[3].(*ResourceConnectionActionsRemoved)
	assert.Equal(t, []string{"write"}, removed.Actions)
}

func TestAddActionsIdempotent(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read"}, now))
	before := len(l.UncommittedEvents())

	require.NoError(t, l.AddResourceConnectionActions("resA", []string{"read"}, now))
	assert.Len(t, l.UncommittedEvents(), before)

	require.NoError(t, l.AddResourceConnectionActions("resA", []string{"read", "write"}, now))
	evs := l.UncommittedEvents()
	require.Len(t, evs, before+1)
	assert.Equal(t, []string{"write"}, evs[len(evs)-1].(*ResourceConnectionActionsAdded).Actions,
		"event carries only the newly granted action")
}

func TestAddActionsOnMissingConnection(t *testing.T) {
	l := newInitialized(t)
	err := l.AddResourceConnectionActions("ghost", []string{"read"}, now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestRemoveActionsIdempotent(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read", "write"}, now))
	before := len(l.UncommittedEvents())

	require.NoError(t, l.RemoveResourceConnectionActions("resA", []string{"sign"}, now))
	assert.Len(t, l.UncommittedEvents(), before, "removing absent actions is a no-op")

	require.NoError(t, l.RemoveResourceConnectionActions("resA", []string{"write", "sign"}, now))
	evs := l.UncommittedEvents()
	require.Len(t, evs, before+1)
	assert.Equal(t, []string{"write"}, evs[len(evs)-1].(*ResourceConnectionActionsRemoved).Actions)

	conn, _ := l.ResourceConnection("resA")
	assert.Equal(t, []string{"read"}, conn.Actions)
}

func TestRemoveConnection(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read"}, now))
	require.NoError(t, l.RemoveResourceConnection("resA", now))

	_, ok := l.ResourceConnection("resA")
	assert.False(t, ok)

	before := len(l.UncommittedEvents())
	require.NoError(t, l.RemoveResourceConnection("resA", now))
	assert.Len(t, l.UncommittedEvents(), before, "removing an absent connection is a no-op")
}

func TestAddMembersSetUnion(t *testing.T) {
	l := newInitialized(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, l.AddMembers([]uuid.UUID{a, b, a}, now))
	assert.Len(t, l.Memberships(), 2)

	before := len(l.UncommittedEvents())
	require.NoError(t, l.AddMembers([]uuid.UUID{a}, now))
	assert.Len(t, l.UncommittedEvents(), before, "duplicate member enqueues nothing")

	c := uuid.New()
	require.NoError(t, l.AddMembers([]uuid.UUID{a, c}, now))
	evs := l.UncommittedEvents()
	require.Len(t, evs, before+1)
	assert.Equal(t, []uuid.UUID{c}, evs[len(evs)-1].(*MembersAdded).Members,
		"event carries only the party that actually joined")
}

func TestRemoveMembersSetDifference(t *testing.T) {
	l := newInitialized(t)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, l.AddMembers([]uuid.UUID{a}, now))
	before := len(l.UncommittedEvents())

	require.NoError(t, l.RemoveMembers([]uuid.UUID{b}, now))
	assert.Len(t, l.UncommittedEvents(), before, "removing a non-member is a no-op")

	require.NoError(t, l.RemoveMembers([]uuid.UUID{a, b}, now))
	evs := l.UncommittedEvents()
	require.Len(t, evs, before+1)
	assert.Equal(t, []uuid.UUID{a}, evs[len(evs)-1].(*MembersRemoved).Members)
	assert.False(t, l.HasMember(a))
}

func TestMembershipSinceIsFirstJoin(t *testing.T) {
	l := newInitialized(t)
	a := uuid.New()
	require.NoError(t, l.AddMembers([]uuid.UUID{a}, now))

	ms := l.Memberships()
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Since.Equal(now.UTC().Truncate(time.Microsecond)))
}

func TestCommit(t *testing.T) {
	l := newInitialized(t)
	require.NoError(t, l.AddResourceConnection("resA", []string{"read"}, now))

	err := l.Commit()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal), "commit before ids assigned")

	commit(t, l, 1)
	assert.Equal(t, EventID(2), l.Version())
	assert.Empty(t, l.UncommittedEvents())
}

// TestReplayDeterminism is the core correctness property: folding the
// committed event stream must reproduce the live-mutated state exactly.
func TestReplayDeterminism(t *testing.T) {
	id := uuid.New()
	a, b := uuid.New(), uuid.New()

	l := New(id)
	require.NoError(t, l.Initialize("974761076", "test1", "Test 1", "first", now))
	require.NoError(t, l.AddResourceConnection("resA", []string{"read", "write"}, now.Add(time.Second)))
	require.NoError(t, l.AddResourceConnection("resB", []string{"sign"}, now.Add(2*time.Second)))
	newName := "Renamed"
	require.NoError(t, l.Update(nil, &newName, nil, now.Add(3*time.Second)))
	require.NoError(t, l.AddMembers([]uuid.UUID{a, b}, now.Add(4*time.Second)))
	require.NoError(t, l.RemoveResourceConnectionActions("resA", []string{"write"}, now.Add(5*time.Second)))
	require.NoError(t, l.RemoveMembers([]uuid.UUID{b}, now.Add(6*time.Second)))
	require.NoError(t, l.RemoveResourceConnection("resB", now.Add(7*time.Second)))

	stream := l.UncommittedEvents()
	commit(t, l, 1)

	replayed, err := Rehydrate(id, stream)
	require.NoError(t, err)

	assert.Equal(t, l.Owner(), replayed.Owner())
	assert.Equal(t, l.Identifier(), replayed.Identifier())
	assert.Equal(t, l.Name(), replayed.Name())
	assert.Equal(t, l.Description(), replayed.Description())
	assert.Equal(t, l.Version(), replayed.Version())
	assert.Equal(t, l.ResourceConnections(), replayed.ResourceConnections())
	assert.Equal(t, l.Memberships(), replayed.Memberships())
	assert.Equal(t, l.IsDeleted(), replayed.IsDeleted())
	assert.True(t, l.UpdatedAt().Equal(replayed.UpdatedAt()))
}

func TestRehydrateRejectsBadStreams(t *testing.T) {
	id := uuid.New()

	uncommitted := &Created{Header: newHeader(id, now), Owner: "o", Identifier: "i", Name: "n"}
	_, err := Rehydrate(id, []Event{uncommitted})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal), "uncommitted event")

	foreign := &Created{Header: Header{SeqID: 1, ListID: uuid.New(), At: now}, Owner: "o", Identifier: "i", Name: "n"}
	_, err = Rehydrate(id, []Event{foreign})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal), "foreign aggregate id")

	first := &Created{Header: Header{SeqID: 5, ListID: id, At: now}, Owner: "o", Identifier: "i", Name: "n"}
	stale := &Deleted{Header: Header{SeqID: 4, ListID: id, At: now}}
	_, err = Rehydrate(id, []Event{first, stale})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal), "non-ascending stream")
}
