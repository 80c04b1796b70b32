package logdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synckv/synckv/internal/clock"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.db")
	db, err := Open(path, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendAndFetchAfter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, k := range []string{"a", "b", "c"} {
		err := db.Append(ctx, Entry{
			Timestamp:       int64(100 + i),
			ParentTimestamp: clock.DistantPast,
			Key:             k,
			Blob:            []byte("v" + k),
		})
		require.NoError(t, err)
	}

	var got []Entry
	err := db.FetchAfter(ctx, clock.DistantPast, Descending, 10, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "c", got[0].Key)
	require.Equal(t, "a", got[2].Key)
}

func TestFetchAfterExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 10, ParentTimestamp: clock.DistantPast, Key: "x"}))
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 20, ParentTimestamp: clock.DistantPast, Key: "x"}))

	var got []Entry
	err := db.FetchAfter(ctx, 10, Ascending, 10, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(20), got[0].Timestamp)
}

func TestFetchLatestForKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 100, ParentTimestamp: clock.DistantPast, Key: "k", Blob: []byte("old")}))
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 200, ParentTimestamp: 100, Key: "k", Blob: []byte("new")}))

	e, ok, err := db.FetchLatestForKey(ctx, "k", clock.DistantFuture)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(e.Blob))
	require.Equal(t, int64(100), e.ParentTimestamp)

	e, ok, err = db.FetchLatestForKey(ctx, "k", 150)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", string(e.Blob))

	_, ok, err = db.FetchLatestForKey(ctx, "missing", clock.DistantFuture)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFetchRange(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, db.Append(ctx, Entry{Timestamp: i, ParentTimestamp: clock.DistantPast, Key: "k"}))
	}
	entries, err := db.FetchRange(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(1), entries[0].Timestamp)
	require.Equal(t, int64(3), entries[2].Timestamp)
}

func TestMaxTimestampEmptyLog(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.MaxTimestamp(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMaxTimestamp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 5, ParentTimestamp: clock.DistantPast, Key: "k"}))
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 50, ParentTimestamp: clock.DistantPast, Key: "k2"}))
	ts, ok, err := db.MaxTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(50), ts)
}

func TestHasRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 5, ParentTimestamp: clock.DistantPast, Key: "k"}))

	has, err := db.HasRow(ctx, 5, "k")
	require.NoError(t, err)
	require.True(t, has)

	has, err = db.HasRow(ctx, 5, "other")
	require.NoError(t, err)
	require.False(t, has)
}

func TestReadonlyRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	rw, err := Open(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := Open(path, true, nil)
	require.NoError(t, err)
	defer ro.Close()

	err = ro.Append(context.Background(), Entry{Timestamp: 1, ParentTimestamp: clock.DistantPast, Key: "k"})
	require.Error(t, err)
}

func TestAppendBatchSingleTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	entries := []Entry{
		{Timestamp: 1, ParentTimestamp: clock.DistantPast, Key: "a", Blob: []byte("1")},
		{Timestamp: 2, ParentTimestamp: clock.DistantPast, Key: "b", Blob: []byte("2")},
		{Timestamp: 3, ParentTimestamp: clock.DistantPast, Key: "c", Blob: []byte("3")},
	}
	require.NoError(t, db.AppendBatch(ctx, entries))

	got, err := db.FetchRange(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestAppendBatchEmptyIsNoop(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AppendBatch(context.Background(), nil))
}

func TestNeighbors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, ts := range []int64{10, 20, 30} {
		require.NoError(t, db.Append(ctx, Entry{Timestamp: ts, ParentTimestamp: clock.DistantPast, Key: "k"}))
	}

	before, ok, err := db.NeighborBefore(ctx, "k", 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), before.Timestamp)

	after, ok, err := db.NeighborAfter(ctx, "k", 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(30), after.Timestamp)

	_, ok, err = db.NeighborBefore(ctx, "k", 10)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = db.NeighborAfter(ctx, "k", 30)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseThenReopenLazily(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Append(ctx, Entry{Timestamp: 1, ParentTimestamp: clock.DistantPast, Key: "k", Blob: []byte("v")}))
	require.NoError(t, db.Close())

	e, ok, err := db.FetchLatestForKey(ctx, "k", clock.DistantFuture)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(e.Blob))
}
