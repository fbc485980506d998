package store

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"walstore/pkg/codec"
	"walstore/pkg/dberrors"
	"walstore/pkg/metrics"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

func storePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "records.db")
}

func openStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()
	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	_, err = io.Copy(out, in)
	require.NoError(t, err)
}

// crashCopy captures the main file and its log exactly as they are on disk,
// which is what a process killed at this point would leave behind.
func crashCopy(t *testing.T, path string) string {
	t.Helper()
	dst := storePath(t)
	copyFile(t, path, dst)

	matches, err := filepath.Glob(path + ".wal.*")
	require.NoError(t, err)
	for _, m := range matches {
		copyFile(t, m, dst+strings.TrimPrefix(m, path))
	}
	return dst
}

func body(seed, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(seed))).Read(b)
	return b
}

func TestStore_ReadsOwnWritesBeforeCommit(t *testing.T) {
	s := openStore(t, storePath(t), Options{})

	recid, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), recid)

	got, err := s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, s.Commit())

	got, err = s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestStore_RecordSizes(t *testing.T) {
	path := storePath(t)
	s, err := Open(path, Options{})
	require.NoError(t, err)

	bodies := [][]byte{nil, {}, body(1, 10), body(2, maxChunkSize), body(3, maxChunkSize+1), body(4, 1_000_000)}
	recids := make([]uint64, len(bodies))
	for i, b := range bodies {
		recids[i], err = s.Put(b)
		require.NoError(t, err)
	}

	check := func(s *Store, stage string) {
		for i, b := range bodies {
			got, err := s.Get(recids[i])
			require.NoError(t, err, "%s: recid %d", stage, recids[i])
			if b == nil {
				assert.Nil(t, got, "%s: null record", stage)
				continue
			}
			require.NotNil(t, got, "%s: recid %d", stage, recids[i])
			assert.True(t, bytes.Equal(b, got), "%s: body of %d bytes", stage, len(b))
		}
	}

	check(s, "pending")
	require.NoError(t, s.Commit())
	check(s, "committed")
	require.NoError(t, s.Close())

	s = openStore(t, path, Options{})
	check(s, "reopened")
}

func TestStore_RollbackRestoresCommittedState(t *testing.T) {
	path := storePath(t)
	s, err := Open(path, Options{})
	require.NoError(t, err)

	a, err := s.Put([]byte("a1"))
	require.NoError(t, err)
	b, err := s.Put([]byte("b1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	require.NoError(t, s.Update(a, []byte("a2 is longer than before")))
	require.NoError(t, s.Delete(b))
	c, err := s.Put([]byte("c1"))
	require.NoError(t, err)

	_, err = s.Get(b)
	assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)

	require.NoError(t, s.Rollback())

	verify := func(s *Store) {
		got, err := s.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("a1"), got)
		got, err = s.Get(b)
		require.NoError(t, err)
		assert.Equal(t, []byte("b1"), got)
		_, err = s.Get(c)
		assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)
	}
	verify(s)
	require.NoError(t, s.Close())

	s = openStore(t, path, Options{})
	verify(s)
}

func TestStore_UpdateInPlaceOrRelocate(t *testing.T) {
	s := openStore(t, "", Options{})

	recid, err := s.Put(body(1, 100))
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	before := s.index.get(recid)

	// 100 and 110 bytes share the same 16 byte rounded footprint
	require.NoError(t, s.Update(recid, body(2, 110)))
	require.NoError(t, s.Commit())
	assert.Equal(t, indexOffset(before), indexOffset(s.index.get(recid)))
	assert.Equal(t, 110, indexSize(s.index.get(recid)))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.GarbageBytes)

	require.NoError(t, s.Update(recid, body(3, 500)))
	require.NoError(t, s.Commit())
	assert.NotEqual(t, indexOffset(before), indexOffset(s.index.get(recid)))

	stats, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, round16(110), stats.GarbageBytes)

	got, err := s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, body(3, 500), got)
}

func TestStore_DeletedRecidIsReused(t *testing.T) {
	path := storePath(t)
	s, err := Open(path, Options{})
	require.NoError(t, err)

	first, err := s.Put([]byte("first"))
	require.NoError(t, err)
	second, err := s.Put([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	require.NoError(t, s.Delete(first))
	assert.ErrorIs(t, s.Delete(first), dberrors.ErrRecordNotFound)
	assert.ErrorIs(t, s.Update(first, []byte("x")), dberrors.ErrRecordNotFound)

	// a recid deleted in the open transaction is not handed out yet
	third, err := s.Put([]byte("third"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third)
	require.NoError(t, s.Commit())

	_, err = s.Get(first)
	assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)
	require.NoError(t, s.Close())

	// the free list is rebuilt from tombstones on open
	s = openStore(t, path, Options{})
	reused, err := s.Put([]byte("reused"))
	require.NoError(t, err)
	assert.Equal(t, first, reused)

	got, err := s.Get(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_Preallocate(t *testing.T) {
	s := openStore(t, storePath(t), Options{})

	recid, err := s.Preallocate()
	require.NoError(t, err)

	got, err := s.Get(recid)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, s.Commit())

	got, err = s.Get(recid)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Update(recid, []byte("filled")))
	require.NoError(t, s.Commit())

	got, err = s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, []byte("filled"), got)
}

func TestStore_UnknownRecids(t *testing.T) {
	s := openStore(t, "", Options{})

	for _, recid := range []uint64{0, 1, 77, MaxRecid + 1} {
		_, err := s.Get(recid)
		assert.ErrorIs(t, err, dberrors.ErrRecordNotFound, "recid %d", recid)
		assert.ErrorIs(t, s.Update(recid, []byte("x")), dberrors.ErrRecordNotFound)
		assert.ErrorIs(t, s.Delete(recid), dberrors.ErrRecordNotFound)
	}
}

func TestStore_CommitSurvivesCrashBeforeApply(t *testing.T) {
	path := storePath(t)
	var crashed string
	s := openStore(t, path, Options{afterCommitMarker: func() error {
		crashed = crashCopy(t, path)
		return nil
	}})

	recid, err := s.Put([]byte("committed"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	require.NotEmpty(t, crashed)

	logger, hook := test.NewNullLogger()
	m := metrics.New(nil)
	recovered := openStore(t, crashed, Options{Logger: logger, Metrics: m})

	got, err := recovered.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), got)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReplayedTx))

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "recovered from write-ahead log")

	_, err = os.Stat(wal.FileName(crashed, "0"))
	assert.True(t, os.IsNotExist(err), "replayed log is removed")
}

func TestStore_UncommittedWritesAreLostOnCrash(t *testing.T) {
	path := storePath(t)
	s := openStore(t, path, Options{})

	kept, err := s.Put([]byte("kept"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	require.NoError(t, s.Update(kept, []byte("overwritten")))
	lost, err := s.Put([]byte("lost"))
	require.NoError(t, err)

	recovered := openStore(t, crashCopy(t, path), Options{})

	got, err := recovered.Get(kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
	_, err = recovered.Get(lost)
	assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)
}

type modelValue struct {
	data    []byte
	deleted bool
}

// TestStore_ReplayMixedTransactions drives random transactions against a
// model and checks a crash copy taken at the last commit marker.
func TestStore_ReplayMixedTransactions(t *testing.T) {
	path := storePath(t)
	crashAtCommit := false
	s := openStore(t, path, Options{
		WALMaxFileSize: 64 << 10,
		afterCommitMarker: func() error {
			if crashAtCommit {
				path = crashCopy(t, path)
			}
			return nil
		},
	})
	rng := rand.New(rand.NewSource(7))

	committed := map[uint64]modelValue{}
	sizes := []int{0, 1, 15, 16, 17, 300, 4000, maxChunkSize + 100}

	for txn := 0; txn < 30; txn++ {
		current := make(map[uint64]modelValue, len(committed))
		for k, v := range committed {
			current[k] = v
		}

		for op := 0; op < 12; op++ {
			var live []uint64
			for k, v := range current {
				if !v.deleted {
					live = append(live, k)
				}
			}

			switch r := rng.Intn(10); {
			case r < 5 || len(live) == 0:
				data := body(rng.Int(), sizes[rng.Intn(len(sizes))])
				recid, err := s.Put(data)
				require.NoError(t, err)
				current[recid] = modelValue{data: data}
			case r < 8:
				recid := live[rng.Intn(len(live))]
				data := body(rng.Int(), sizes[rng.Intn(len(sizes))])
				require.NoError(t, s.Update(recid, data))
				current[recid] = modelValue{data: data}
			default:
				recid := live[rng.Intn(len(live))]
				require.NoError(t, s.Delete(recid))
				current[recid] = modelValue{deleted: true}
			}
		}

		last := txn == 29
		if last || rng.Intn(3) > 0 {
			crashAtCommit = last
			require.NoError(t, s.Commit())
			committed = current
		} else {
			require.NoError(t, s.Rollback())
		}
	}

	for _, st := range []*Store{s, openStore(t, path, Options{})} {
		for recid, want := range committed {
			got, err := st.Get(recid)
			if want.deleted {
				assert.ErrorIs(t, err, dberrors.ErrRecordNotFound, "recid %d", recid)
				continue
			}
			require.NoError(t, err, "recid %d", recid)
			assert.True(t, bytes.Equal(want.data, got), "recid %d", recid)
		}
	}
}

func TestStore_CorruptHeader(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, dataStart+100), 0o600))

	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, dberrors.ErrCorruptHeader)
}

type flakyVolume struct {
	volume.Volume
	failSync atomic.Bool
}

func (v *flakyVolume) Sync() error {
	if v.failSync.Load() {
		return errors.New("injected sync failure")
	}
	return v.Volume.Sync()
}

func TestStore_SyncFailurePoisons(t *testing.T) {
	path := storePath(t)
	var flaky *flakyVolume
	s, err := Open(path, Options{Factory: func(p string) (volume.Volume, error) {
		f, err := volume.OpenFile(p)
		if err != nil {
			return nil, err
		}
		flaky = &flakyVolume{Volume: f}
		return flaky, nil
	}})
	require.NoError(t, err)

	recid, err := s.Put([]byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	require.NoError(t, s.Update(recid, []byte("v2")))
	flaky.failSync.Store(true)
	assert.ErrorIs(t, s.Commit(), dberrors.ErrPoisoned)

	_, err = s.Get(recid)
	assert.ErrorIs(t, err, dberrors.ErrPoisoned)
	_, err = s.Put([]byte("more"))
	assert.ErrorIs(t, err, dberrors.ErrPoisoned)
	_ = s.Close()

	// the commit marker was durable, so reopening applies v2 again
	s = openStore(t, path, Options{})
	got, err := s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestStore_FailedAppendPoisons(t *testing.T) {
	path := storePath(t)
	var armed, failed atomic.Bool
	s, err := Open(path, Options{
		WALMaxFileSize: 1024,
		WALFactory: func(p string) (volume.Volume, error) {
			if armed.Load() && strings.HasSuffix(p, ".wal.1") && failed.CompareAndSwap(false, true) {
				return nil, errors.New("no space left on device")
			}
			return volume.OpenSequentialFile(p)
		},
	})
	require.NoError(t, err)

	committed := bytes.Repeat([]byte("a"), 100)
	recid, err := s.Put(committed)
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	armed.Store(true)

	_, err = s.Put(body(1, 500))
	require.NoError(t, err)

	// the relocated body needs a second segment; its index patch is
	// already in the first one
	err = s.Update(recid, body(2, 900))
	require.ErrorIs(t, err, dberrors.ErrPoisoned)
	require.True(t, failed.Load())

	assert.ErrorIs(t, s.Commit(), dberrors.ErrPoisoned)
	_, err = s.Get(recid)
	assert.ErrorIs(t, err, dberrors.ErrPoisoned)
	_ = s.Close()

	s = openStore(t, path, Options{})
	got, err := s.Get(recid)
	require.NoError(t, err)
	assert.Equal(t, committed, got)

	_, err = s.Get(recid + 1)
	assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open("", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Put([]byte("x"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = s.Get(1)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Commit(), dberrors.ErrClosed)
}

func TestStore_CloseRollsBackOpenTransaction(t *testing.T) {
	path := storePath(t)
	s, err := Open(path, Options{})
	require.NoError(t, err)

	recid, err := s.Put([]byte("never committed"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(wal.FileName(path, "0"))
	assert.True(t, os.IsNotExist(err))

	s = openStore(t, path, Options{})
	_, err = s.Get(recid)
	assert.ErrorIs(t, err, dberrors.ErrRecordNotFound)
}

func TestStore_VolumeKinds(t *testing.T) {
	for _, kind := range []volume.Kind{volume.KindFile, volume.KindMapped} {
		t.Run(string(kind), func(t *testing.T) {
			path := storePath(t)
			s, err := Open(path, Options{Volume: kind})
			require.NoError(t, err)

			recid, err := s.Put(body(1, 100_000))
			require.NoError(t, err)
			require.NoError(t, s.Commit())
			require.NoError(t, s.Close())

			s = openStore(t, path, Options{Volume: kind})
			got, err := s.Get(recid)
			require.NoError(t, err)
			assert.Equal(t, body(1, 100_000), got)
		})
	}
}

func TestStore_Values(t *testing.T) {
	s := openStore(t, "", Options{})

	type user struct {
		Name  string `msgpack:"name"`
		Email string `msgpack:"email"`
	}
	users := codec.Msgpack[user]{}

	recid, err := PutValue[user](s, users, user{Name: "ann", Email: "ann@example.com"})
	require.NoError(t, err)
	require.NoError(t, UpdateValue[user](s, users, recid, user{Name: "ann", Email: "ann@example.org"}))
	require.NoError(t, s.Commit())

	got, err := GetValue[user](s, users, recid)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.org", got.Email)

	n, err := PutValue[int64](s, codec.Int64{}, -5)
	require.NoError(t, err)
	v, err := GetValue[int64](s, codec.Int64{}, n)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v)

	empty, err := PutValue[string](s, codec.String{}, "")
	require.NoError(t, err)
	str, err := GetValue[string](s, codec.String{}, empty)
	require.NoError(t, err)
	assert.Equal(t, "", str)
}

func TestStore_Stats(t *testing.T) {
	m := metrics.New(nil)
	s := openStore(t, "", Options{Metrics: m})

	a, err := s.Put([]byte("a"))
	require.NoError(t, err)
	_, err = s.Put(body(1, 100))
	require.NoError(t, err)
	_, err = s.Preallocate()
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Delete(a))
	require.NoError(t, s.Commit())

	_, err = s.Put([]byte("pending"))
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Tombstones)
	assert.Equal(t, 1, stats.Preallocated)
	assert.Equal(t, uint64(3), stats.MaxRecid)
	assert.Equal(t, round16(100), stats.LiveBytes)
	assert.Equal(t, round16(1), stats.GarbageBytes)
	assert.Equal(t, 1, stats.PendingWrites)
	assert.Equal(t, 1, stats.WALSegments)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Commits))
}

func TestStore_ConcurrentReadersDuringCommits(t *testing.T) {
	s := openStore(t, storePath(t), Options{})

	var recids []uint64
	for i := 0; i < 50; i++ {
		recid, err := s.Put(body(i, 64))
		require.NoError(t, err)
		recids = append(recids, recid)
	}
	require.NoError(t, s.Commit())

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if _, err := s.Put(body(1000+i, 200)); err != nil {
				return err
			}
			if err := s.Commit(); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				idx := i % len(recids)
				got, err := s.Get(recids[idx])
				if err != nil {
					return err
				}
				if !bytes.Equal(body(idx, 64), got) {
					return errors.Errorf("recid %d changed", recids[idx])
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
