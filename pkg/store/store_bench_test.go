package store

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
)

func newBenchStore(b testing.TB) *Store {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"), Options{})
	if err != nil {
		b.Fatalf("failed to open store: %v", err)
	}
	b.Cleanup(func() {
		if err := s.Close(); err != nil {
			b.Fatalf("failed to close store: %v", err)
		}
	})
	return s
}

func BenchmarkStorePutCommit(b *testing.B) {
	s := newBenchStore(b)
	value := make([]byte, 128)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.Put(value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		if i%100 == 99 {
			if err := s.Commit(); err != nil {
				b.Fatalf("Commit failed: %v", err)
			}
		}
	}
	if err := s.Commit(); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}
}

func BenchmarkStoreGet(b *testing.B) {
	s := newBenchStore(b)

	const preloaded = 10_000
	recids := make([]uint64, preloaded)
	value := make([]byte, 128)
	for i := range recids {
		recid, err := s.Put(value)
		if err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		recids[i] = recid
	}
	if err := s.Commit(); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()

	rng := rand.New(rand.NewSource(42))

	for i := 0; i < b.N; i++ {
		if _, err := s.Get(recids[rng.Intn(preloaded)]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkStoreCompact(b *testing.B) {
	s := newBenchStore(b)

	recids := make([]uint64, 2_000)
	for i := range recids {
		recid, err := s.Put(make([]byte, 256))
		if err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		recids[i] = recid
	}
	if err := s.Commit(); err != nil {
		b.Fatalf("Commit failed: %v", err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for _, recid := range recids {
			if err := s.Update(recid, make([]byte, 256+16*(i%2+1))); err != nil {
				b.Fatalf("Update failed: %v", err)
			}
		}
		if err := s.Commit(); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
		b.StartTimer()

		if err := s.Compact(context.Background()); err != nil {
			b.Fatalf("Compact failed: %v", err)
		}
	}
}
