package synckv

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	evts []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evts {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func openStore(t *testing.T, root, deviceID string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(root, deviceID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.TearDownNow(context.Background())
		s.Close()
	})
	return s
}

func TestStoreLoadSetGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := openStore(t, root, "A")

	require.NoError(t, s.LoadNow(ctx))
	require.NoError(t, s.Set(ctx, "name", "synckv"))

	val, ok, err := s.Get(ctx, "name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "synckv", val)
}

func TestStoreTwoDeviceSync(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	a := openStore(t, root, "A")
	b := openStore(t, root, "B")

	require.NoError(t, a.LoadNow(ctx))
	require.NoError(t, b.LoadNow(ctx))

	require.NoError(t, a.Set(ctx, "title", "hello"))
	require.NoError(t, a.SaveNow(ctx))

	require.NoError(t, b.SyncNow(ctx))
	require.NoError(t, b.WaitUntilFinished(ctx))

	val, ok, err := b.Get(ctx, "title")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", val)
}

func TestStoreEventsDeliveredInOrder(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := openStore(t, root, "A")

	rec := &recorder{}
	s.Subscribe(rec.record)

	require.NoError(t, s.LoadNow(ctx))
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.WaitUntilFinished(ctx))

	require.Equal(t, 1, rec.count(DidLoad))
	require.Equal(t, 1, rec.count(DidChange))
}

func TestStoreReentrantMisuseClassified(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := openStore(t, root, "A")
	require.NoError(t, s.LoadNow(ctx))

	err := s.RunTransaction(ctx, func(tx *Tx) error {
		return s.SyncNow(ctx)
	})
	require.Error(t, err)
	require.True(t, IsReentrantMisuse(err))
}

func TestStoreDeletedClassified(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := openStore(t, root, "A")
	require.NoError(t, s.LoadNow(ctx))

	require.NoError(t, os.RemoveAll(root))

	err := s.SyncNow(ctx)
	require.Error(t, err)
	require.True(t, IsDeleted(err))
	require.True(t, s.Deleted(ctx))
}

func TestTypedKeyRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := openStore(t, root, "A")
	require.NoError(t, s.LoadNow(ctx))

	count := NewTypedKey[int64]("count")
	require.NoError(t, count.Set(ctx, s, 42))

	val, ok, err := count.Get(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), val)
}

func TestStoreMergeAdoptsForeignDeviceThenReloads(t *testing.T) {
	aRoot := t.TempDir()
	bRoot := t.TempDir()
	ctx := context.Background()

	a := openStore(t, aRoot, "A")
	require.NoError(t, a.LoadNow(ctx))
	require.NoError(t, a.Set(ctx, "from-a", "yes"))
	require.NoError(t, a.SaveNow(ctx))

	b := openStore(t, bRoot, "B")
	require.NoError(t, b.LoadNow(ctx))
	require.NoError(t, b.Set(ctx, "from-b", "yes"))
	require.NoError(t, b.SaveNow(ctx))

	rec := &recorder{}
	b.Subscribe(rec.record)

	require.NoError(t, b.Merge(ctx, aRoot, nil))
	require.NoError(t, b.WaitUntilFinished(ctx))

	require.Equal(t, 1, rec.count(DidTearDown))
	require.Equal(t, 1, rec.count(DidLoad))

	val, ok, err := b.Get(ctx, "from-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", val)

	val, ok, err = b.Get(ctx, "from-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", val)
}

func TestKeySetProjectionOmitsOtherKeys(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	a := openStore(t, root, "A")
	require.NoError(t, a.LoadNow(ctx))
	require.NoError(t, a.Set(ctx, "wanted", "yes"))
	require.NoError(t, a.Set(ctx, "unwanted", "no"))
	require.NoError(t, a.SaveNow(ctx))

	b := openStore(t, root, "B", WithProjection(KeySet{"wanted": {}}))
	require.NoError(t, b.LoadNow(ctx))

	val, ok, err := b.Get(ctx, "wanted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", val)

	_, ok, err = b.Get(ctx, "unwanted")
	require.NoError(t, err)
	require.False(t, ok)
}
