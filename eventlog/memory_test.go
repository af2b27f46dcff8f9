package eventlog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person(id string) Event {
	return MustEvent(&PersonAdded{PersonID: id, Name: "Person " + id}, Meta{UserID: "u1"})
}

func annul(idx int64) Event {
	return MustEvent(&EventAnnulled{AnnulledIndex: idx, Reason: "duplicate"}, Meta{})
}

func collect(t *testing.T, l Log, after int64, order Order) []Event {
	t.Helper()
	var out []Event
	for e, err := range l.Read(context.Background(), after, order) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func indices(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Index
	}
	return out
}

func TestMemoryLog_AppendAssignsIndicesAndDefaults(t *testing.T) {
	log := NewMemoryLog(Options{AppVersion: "1.2.3"})
	ctx := context.Background()

	got, err := log.Append(ctx, []Event{person("a"), person("b"), person("c")})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, indices(got))
	for _, e := range got {
		assert.Equal(t, "1.2.3", e.AppVersion)
		assert.Equal(t, "u1", e.UserID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, got[0].TransactionID, e.TransactionID)
	}
	assert.NotEmpty(t, got[0].TransactionID)

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	// a chronological replay from 0 yields exactly the appended batch
	assert.Equal(t, got, collect(t, log, 0, Chronological))
}

func TestMemoryLog_IndicesContinueAcrossBatches(t *testing.T) {
	log := NewMemoryLog(Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, []Event{person("a"), person("b")})
	require.NoError(t, err)
	got, err := log.Append(ctx, []Event{person("c")})
	require.NoError(t, err)

	assert.Equal(t, []int64{3}, indices(got))
}

func TestMemoryLog_RejectsInvalidBatches(t *testing.T) {
	log := NewMemoryLog(Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	persisted := person("a")
	persisted.Index = 7
	_, err = log.Append(ctx, []Event{person("b"), persisted})
	assert.ErrorIs(t, err, ErrAlreadyPersisted)

	_, err = log.Append(ctx, []Event{{Type: "MOON_LANDED", Payload: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = log.Append(ctx, []Event{{Type: TypePersonAdded, Payload: []byte(`{"name":"x"}`)}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	head, _ := log.Head(ctx)
	assert.Zero(t, head, "failed batches must not be visible")
}

func TestMemoryLog_TransactionConflict(t *testing.T) {
	log := NewMemoryLog(Options{})
	ctx := context.Background()

	e := person("a")
	e.TransactionID = "tx-1"
	_, err := log.Append(ctx, []Event{e})
	require.NoError(t, err)

	again := person("b")
	again.TransactionID = "tx-1"
	_, err = log.Append(ctx, []Event{person("c"), again})
	assert.True(t, errors.Is(err, ErrConflict))

	head, _ := log.Head(ctx)
	assert.Equal(t, int64(1), head)
}

func TestMemoryLog_ReadAfterCursor(t *testing.T) {
	log := NewMemoryLog(Options{PageSize: 7})
	ctx := context.Background()

	batch := make([]Event, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, person(fmt.Sprint(i)))
	}
	_, err := log.Append(ctx, batch)
	require.NoError(t, err)

	got := collect(t, log, 40, Chronological)
	assert.Equal(t, []int64{41, 42, 43, 44, 45, 46, 47, 48, 49, 50}, indices(got))
	assert.Empty(t, collect(t, log, 50, Chronological))
	assert.Len(t, collect(t, log, -3, Chronological), 50)
}

func TestMemoryLog_ReadIsRestartable(t *testing.T) {
	log := NewMemoryLog(Options{})
	ctx := context.Background()
	_, err := log.Append(ctx, []Event{person("a"), person("b")})
	require.NoError(t, err)

	seq := log.Read(ctx, 0, Chronological)
	first := 0
	for range seq {
		first++
	}
	_, err = log.Append(ctx, []Event{person("c")})
	require.NoError(t, err)
	second := 0
	for range seq {
		second++
	}

	assert.Equal(t, 2, first)
	assert.Equal(t, 3, second)
}

func TestMemoryLog_PriorityOrder(t *testing.T) {
	log := NewMemoryLog(Options{})
	ctx := context.Background()

	_, err := log.Append(ctx, []Event{person("a"), person("b")})
	require.NoError(t, err)
	_, err = log.Append(ctx, []Event{annul(1)})
	require.NoError(t, err)
	_, err = log.Append(ctx, []Event{person("c"), annul(2)})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 5, 1, 2, 4}, indices(collect(t, log, 0, PriorityOrder)))
	assert.Equal(t, []int64{3, 5, 4}, indices(collect(t, log, 2, PriorityOrder)))
}

func TestMemoryLog_ReadStopsOnCancel(t *testing.T) {
	log := NewMemoryLog(Options{})
	_, err := log.Append(context.Background(), []Event{person("a")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range log.Read(ctx, 0, Chronological) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, Chronological, o)

	o, err = ParseOrder("Priority")
	require.NoError(t, err)
	assert.Equal(t, PriorityOrder, o)

	_, err = ParseOrder("random")
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestAppendIndexProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("indices grow by exactly one per event across batches", prop.ForAll(
		func(sizes []int) bool {
			log := NewMemoryLog(Options{})
			ctx := context.Background()
			var want int64
			for _, n := range sizes {
				batch := make([]Event, n)
				for i := range batch {
					batch[i] = person(fmt.Sprint(want + int64(i)))
				}
				got, err := log.Append(ctx, batch)
				if err != nil {
					return false
				}
				for _, e := range got {
					want++
					if e.Index != want {
						return false
					}
				}
			}
			n := int64(0)
			for e, err := range log.Read(ctx, 0, Chronological) {
				n++
				if err != nil || e.Index != n {
					return false
				}
			}
			return n == want
		},
		gen.SliceOf(gen.IntRange(1, 20)),
	))

	properties.TestingRun(t)
}
