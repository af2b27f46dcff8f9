package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xhist/eventlog"
)

func openTestStore(t *testing.T, opts eventlog.Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func person(id string) eventlog.Event {
	return eventlog.MustEvent(&eventlog.PersonAdded{PersonID: id, Name: "Person " + id}, eventlog.Meta{UserID: "u1"})
}

func collect(t *testing.T, l eventlog.Log, after int64, order eventlog.Order) []eventlog.Event {
	t.Helper()
	var out []eventlog.Event
	for e, err := range l.Read(context.Background(), after, order) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func indices(events []eventlog.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Index
	}
	return out
}

func TestStore_AppendAndReplay(t *testing.T) {
	s := openTestStore(t, eventlog.Options{AppVersion: "test"})
	ctx := context.Background()

	got, err := s.Append(ctx, []eventlog.Event{person("a"), person("b"), person("c")})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, indices(got))

	replayed := collect(t, s, 0, eventlog.Chronological)
	require.Len(t, replayed, 3)
	for i := range got {
		assert.Equal(t, got[i].Index, replayed[i].Index)
		assert.Equal(t, got[i].Type, replayed[i].Type)
		assert.Equal(t, got[i].TransactionID, replayed[i].TransactionID)
		assert.Equal(t, "test", replayed[i].AppVersion)
		assert.Equal(t, "u1", replayed[i].UserID)
		assert.True(t, got[i].Timestamp.Equal(replayed[i].Timestamp))
		assert.JSONEq(t, string(got[i].Payload), string(replayed[i].Payload))
	}

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestStore_PagedReadAfterCursor(t *testing.T) {
	s := openTestStore(t, eventlog.Options{PageSize: 16})
	ctx := context.Background()

	for b := 0; b < 5; b++ {
		batch := make([]eventlog.Event, 20)
		for i := range batch {
			batch[i] = person(fmt.Sprintf("%d-%d", b, i))
		}
		_, err := s.Append(ctx, batch)
		require.NoError(t, err)
	}

	got := collect(t, s, 50, eventlog.Chronological)
	require.Len(t, got, 50)
	assert.Equal(t, int64(51), got[0].Index)
	assert.Equal(t, int64(100), got[49].Index)
}

func TestStore_PriorityOrder(t *testing.T) {
	s := openTestStore(t, eventlog.Options{PageSize: 2})
	ctx := context.Background()

	_, err := s.Append(ctx, []eventlog.Event{
		person("a"),
		person("b"),
		eventlog.MustEvent(&eventlog.EventAnnulled{AnnulledIndex: 1}, eventlog.Meta{}),
		person("c"),
		eventlog.MustEvent(&eventlog.EventAnnulled{AnnulledIndex: 2}, eventlog.Meta{}),
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 5, 1, 2, 4}, indices(collect(t, s, 0, eventlog.PriorityOrder)))
	assert.Equal(t, []int64{3, 5, 4}, indices(collect(t, s, 2, eventlog.PriorityOrder)))
}

func TestStore_ConflictRollsBackWholeBatch(t *testing.T) {
	s := openTestStore(t, eventlog.Options{})
	ctx := context.Background()

	first := person("a")
	first.TransactionID = "tx-1"
	_, err := s.Append(ctx, []eventlog.Event{first})
	require.NoError(t, err)

	dup := person("b")
	dup.TransactionID = "tx-1"
	_, err = s.Append(ctx, []eventlog.Event{person("c"), dup})
	require.ErrorIs(t, err, eventlog.ErrConflict)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	got, err := s.Append(ctx, []eventlog.Event{person("d")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got[0].Index)
}

func TestStore_ValidationErrors(t *testing.T) {
	s := openTestStore(t, eventlog.Options{})
	ctx := context.Background()

	_, err := s.Append(ctx, nil)
	assert.ErrorIs(t, err, eventlog.ErrEmptyBatch)

	_, err = s.Append(ctx, []eventlog.Event{{Type: "NOPE", Payload: []byte(`{}`)}})
	assert.ErrorIs(t, err, eventlog.ErrUnknownType)
}

func TestStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(ctx, path, eventlog.Options{})
	require.NoError(t, err)
	_, err = s.Append(ctx, []eventlog.Event{person("a"), person("b")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, eventlog.Options{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Append(ctx, []eventlog.Event{person("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got[0].Index)
	assert.Len(t, collect(t, s, 0, eventlog.Chronological), 3)
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nA\n", upSection("-- +migrate Up\nA\n-- +migrate Down\nB"))
	assert.Equal(t, "plain", upSection("plain"))
}
