// Package store is a transactional record store. Records are byte slices
// addressed by recids; every change goes through the write-ahead log first
// and reaches the main file only after its transaction committed.
package store

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"walstore/pkg/dberrors"
	"walstore/pkg/listener"
	"walstore/pkg/metrics"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

const (
	DefaultGarbageRatio    = 0.5
	DefaultMinGarbageBytes = 1 << 20
)

type Options struct {
	// Volume selects the main file implementation. Memory stores keep
	// their log in memory too.
	Volume volume.Kind
	// Factory overrides Volume for the main file.
	Factory volume.Factory

	WALMaxFileSize int64
	// WALFactory overrides how log segment files are opened.
	WALFactory volume.Factory

	// AutoCompact runs a compaction in the background once GarbageBytes
	// reaches MinGarbageBytes and GarbageRatio of the data area.
	AutoCompact     bool
	GarbageRatio    float64
	MinGarbageBytes int64

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// afterCommitMarker runs between the durable commit marker and the
	// apply. Only tests set it, to copy the files of a store that crashed
	// at that point.
	afterCommitMarker func() error
}

func (o *Options) setDefaults() {
	if o.Volume == "" {
		o.Volume = volume.KindFile
	}
	if o.GarbageRatio <= 0 {
		o.GarbageRatio = DefaultGarbageRatio
	}
	if o.MinGarbageBytes <= 0 {
		o.MinGarbageBytes = DefaultMinGarbageBytes
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
}

type Stats struct {
	Records       int    `json:"records"`
	Tombstones    int    `json:"tombstones"`
	Preallocated  int    `json:"preallocated"`
	Unmodified    int    `json:"unmodified"`
	MaxRecid      uint64 `json:"max_recid"`
	FreePointer   int64  `json:"free_pointer"`
	FileSize      int64  `json:"file_size"`
	LiveBytes     int64  `json:"live_bytes"`
	GarbageBytes  int64  `json:"garbage_bytes"`
	WALSegments   int    `json:"wal_segments"`
	PendingWrites int    `json:"pending_writes"`
}

// Store is safe for concurrent use. There is a single open transaction:
// writes from all goroutines join it until Commit or Rollback.
//
// Lock order: compactMu, commitLock, txMu, mu. commitLock serializes commit
// and rollback; txMu guards the open transaction; mu is the structural lock
// over the main volume and the committed index.
type Store struct {
	path    string
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	factory volume.Factory

	compactMu  sync.Mutex
	commitLock sync.Mutex
	txMu       sync.Mutex
	mu         sync.RWMutex

	vol   volume.Volume
	index *indexTable
	// free holds committed tombstones available for reuse
	free []uint64
	wal  *wal.WAL

	tx      *txState
	pending *pendingSet

	garbage atomic.Int64
	tracker atomic.Pointer[changeTracker]

	compactions chan struct{}
	compactor   *listener.Listener[struct{}]

	closed   atomic.Bool
	poisoned atomic.Pointer[poison]
}

type poison struct {
	cause error
}

// Open opens or creates the store at path. An empty path gives a memory
// store. Log content left by an unclean shutdown is replayed before Open
// returns, and a sealed compaction result is adopted.
func Open(path string, opts Options) (*Store, error) {
	opts.setDefaults()

	s := &Store{
		path:    path,
		opts:    opts,
		logger:  opts.Logger.WithField("component", "store"),
		metrics: opts.Metrics,
		factory: opts.Factory,
	}

	if path == "" || opts.Volume == volume.KindMemory {
		s.path = ""
		if s.factory == nil {
			s.factory, _ = volume.FactoryFor(volume.KindMemory)
		}
	}
	if s.factory == nil {
		factory, err := volume.FactoryFor(opts.Volume)
		if err != nil {
			return nil, errors.Wrap(dberrors.ErrInvalidArgument, err.Error())
		}
		s.factory = factory
	}

	adopted := false
	if s.path != "" {
		var err error
		if adopted, err = recoverCompaction(s.path, s.logger); err != nil {
			return nil, err
		}
	}

	vol, err := s.factory(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open main file")
	}
	s.vol = vol

	if vol.Length() == 0 {
		if err := initHeader(vol); err != nil {
			_ = vol.Close()
			return nil, err
		}
		if err := vol.Sync(); err != nil {
			_ = vol.Close()
			return nil, err
		}
	}
	if s.index, err = loadIndex(vol); err != nil {
		_ = vol.Close()
		return nil, err
	}

	mode := wal.ReplayAuto
	if adopted {
		mode = wal.ReplayNone
	}
	s.wal, err = wal.Open(s.path, mode, wal.Options{
		MaxFileSize: opts.WALMaxFileSize,
		Factory:     opts.WALFactory,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		_ = vol.Close()
		return nil, err
	}

	if err := s.recover(); err != nil {
		_ = s.wal.Close()
		_ = vol.Close()
		return nil, err
	}

	s.free = s.index.tombstones()
	s.resetTx()

	if opts.AutoCompact {
		s.startCompactor()
	}

	s.logger.WithFields(logrus.Fields{
		"action":    "store_open",
		"file":      s.path,
		"max_recid": s.index.maxRecid,
	}).Info("store opened")
	return s, nil
}

// recover applies committed transactions left in the log and discards it.
func (s *Store) recover() error {
	if !s.wal.HasSegments() {
		return nil
	}

	start := time.Now()
	a := s.newApplier()
	if err := s.wal.Replay(a.handle); err != nil {
		return errors.Wrap(err, "replay write-ahead log")
	}
	if err := s.vol.Sync(); err != nil {
		return errors.Wrap(err, "sync recovered main file")
	}
	if err := s.wal.Destroy(); err != nil {
		return errors.Wrap(err, "discard replayed log")
	}

	s.metrics.Replayed(a.commits)
	s.logger.WithFields(logrus.Fields{
		"action":    "store_recover",
		"commits":   a.commits,
		"rollbacks": a.rollbacks,
		"dropped":   a.dropped,
		"took":      time.Since(start),
	}).Info("recovered from write-ahead log")
	return nil
}

func (s *Store) newApplier() *applier {
	return &applier{
		vol:    s.vol,
		index:  s.index,
		logger: s.logger,
		onSlot: s.trackChange,
	}
}

func (s *Store) resetTx() {
	s.tx = newTxState(s.index, s.free)
	s.pending = newPendingSet()
}

func (s *Store) usable() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if p := s.poisoned.Load(); p != nil {
		return errors.Wrap(dberrors.ErrPoisoned, p.cause.Error())
	}
	return nil
}

// fail poisons the store after a durability failure. Only reopening
// recovers from it.
func (s *Store) fail(cause error) error {
	s.poisoned.CompareAndSwap(nil, &poison{cause: cause})
	s.logger.WithField("action", "store_poisoned").
		WithError(cause).
		Error("durability failure, store must be reopened")
	return errors.Wrap(dberrors.ErrPoisoned, cause.Error())
}

func notFound(recid uint64) error {
	return errors.Wrapf(dberrors.ErrRecordNotFound, "recid %d", recid)
}

// Get returns the body of recid as the open transaction sees it. Null and
// preallocated records yield nil.
func (s *Store) Get(recid uint64) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if recid == 0 || recid > MaxRecid {
		return nil, notFound(recid)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if pw, ok := s.pending.Load(recid); ok {
		return s.readPending(recid, pw)
	}

	val := s.index.get(recid)
	switch {
	case !live(val):
		return nil, notFound(recid)
	case isNull(val):
		return nil, nil
	}
	return readBody(s.vol, val)
}

// readBody reads a committed body, following chunk links.
func readBody(v volume.Volume, val uint64) ([]byte, error) {
	if !linked(val) {
		return volume.GetData(v, indexOffset(val), indexSize(val))
	}

	var bodies [][]byte
	for {
		b, err := volume.GetData(v, indexOffset(val), indexSize(val))
		if err != nil {
			return nil, errors.Wrap(err, "read record chunk")
		}
		bodies = append(bodies, b)
		if !linked(val) {
			break
		}
		if len(b) < linkSize {
			return nil, errors.Errorf("linked chunk of %d bytes", len(b))
		}
		val = order.Uint64(b)
	}
	return joinChunks(bodies), nil
}

// Put stores data under a new recid. A nil data stores a null record.
func (s *Store) Put(data []byte) (uint64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	recid, err := s.allocRecid()
	if err != nil {
		return 0, err
	}
	if err := s.writeRecord(recid, data); err != nil {
		return 0, err
	}
	return recid, nil
}

// Update replaces the body of a live recid.
func (s *Store) Update(recid uint64, data []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if recid == 0 || recid > MaxRecid {
		return notFound(recid)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if !live(s.slot(recid)) {
		return notFound(recid)
	}
	return s.writeRecord(recid, data)
}

// Delete turns recid into a tombstone. Once committed the recid may be
// handed out again by Put.
func (s *Store) Delete(recid uint64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if recid == 0 || recid > MaxRecid {
		return notFound(recid)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if !live(s.slot(recid)) {
		return notFound(recid)
	}
	return s.writeTombstone(recid)
}

// Preallocate reserves a recid whose value reads as nil until updated.
func (s *Store) Preallocate() (uint64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	recid, err := s.allocRecid()
	if err != nil {
		return 0, err
	}
	if err := s.writePreallocate(recid); err != nil {
		return 0, err
	}
	return recid, nil
}

// Commit makes the open transaction durable and applies it to the main
// file. A failure after the commit marker poisons the store.
func (s *Store) Commit() error {
	if err := s.usable(); err != nil {
		return err
	}

	s.commitLock.Lock()
	defer s.commitLock.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := s.tx
	if !tx.dirty {
		return nil
	}
	start := time.Now()

	if err := s.wal.PutLong(offFreePointer, uint64(tx.freePointer)); err != nil {
		return s.failAppend(errors.Wrap(err, "log free pointer"))
	}
	if err := s.wal.PutLong(offMaxRecid, tx.maxRecid); err != nil {
		return s.failAppend(errors.Wrap(err, "log max recid"))
	}
	if err := s.wal.Commit(); err != nil {
		return s.fail(errors.Wrap(err, "write commit marker"))
	}
	if s.opts.afterCommitMarker != nil {
		if err := s.opts.afterCommitMarker(); err != nil {
			return s.fail(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.newApplier()
	if err := s.wal.Replay(a.handle); err != nil {
		return s.fail(errors.Wrap(err, "apply transaction"))
	}
	if a.commits != 1 {
		return s.fail(errors.Errorf("log replay found %d commits, want 1", a.commits))
	}
	if err := s.vol.Sync(); err != nil {
		return s.fail(errors.Wrap(err, "sync main file"))
	}
	if err := s.wal.Destroy(); err != nil {
		return s.fail(errors.Wrap(err, "discard applied log"))
	}

	s.free = append(tx.free, tx.deleted...)
	s.garbage.Add(tx.garbage)
	s.resetTx()

	s.metrics.Committed(time.Since(start))
	s.requestCompactionIfNeeded()
	return nil
}

// Rollback discards the open transaction.
func (s *Store) Rollback() error {
	if err := s.usable(); err != nil {
		return err
	}

	s.commitLock.Lock()
	defer s.commitLock.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if !s.tx.dirty {
		return nil
	}

	err := s.wal.Rollback()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		return s.fail(errors.Wrap(err, "write rollback marker"))
	}
	if err := s.wal.Destroy(); err != nil {
		return s.fail(errors.Wrap(err, "discard rolled back log"))
	}
	s.resetTx()

	s.metrics.RolledBack()
	return nil
}

// Close releases the store. An open transaction is rolled back; a poisoned
// store keeps its log for the next Open to replay.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.compactor != nil {
		s.compactor.Stop()
	}

	s.commitLock.Lock()
	defer s.commitLock.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	healthy := s.poisoned.Load() == nil

	if healthy && s.tx.dirty {
		if err := s.wal.Rollback(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "roll back open transaction"))
		} else if err := s.wal.Destroy(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "discard log"))
		}
	}
	if err := s.wal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if healthy {
		if err := s.vol.Sync(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "sync main file"))
		}
	}
	if err := s.vol.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close main file"))
	}

	s.logger.WithField("action", "store_close").Info("store closed")
	return result.ErrorOrNil()
}

// Stats summarizes the committed index and the open transaction.
func (s *Store) Stats() (Stats, error) {
	if err := s.usable(); err != nil {
		return Stats{}, err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		MaxRecid:      s.index.maxRecid,
		FreePointer:   s.index.freePointer,
		FileSize:      s.vol.Length(),
		GarbageBytes:  s.garbage.Load(),
		WALSegments:   s.wal.SegmentCount(),
		PendingWrites: s.pending.Len(),
	}
	for recid := uint64(1); recid <= s.index.maxRecid; recid++ {
		val := s.index.get(recid)
		switch {
		case val == 0:
		case !live(val):
			st.Tombstones++
		case isNull(val):
			st.Preallocated++
		default:
			st.Records++
			if val&flagUnmodified != 0 {
				st.Unmodified++
			}
			n, err := chainFootprint(s.vol, val)
			if err != nil {
				return Stats{}, err
			}
			st.LiveBytes += n
		}
	}
	return st, nil
}

func (s *Store) startCompactor() {
	s.compactions = make(chan struct{}, 1)
	s.compactor = listener.New[struct{}](s.compactions, func(ctx context.Context, _ struct{}) error {
		return s.Compact(ctx)
	}, func(err error) {
		if errors.Is(err, dberrors.ErrCompactionRunning) || errors.Is(err, dberrors.ErrClosed) {
			return
		}
		s.logger.WithField("action", "compaction_auto").WithError(err).Warn("background compaction failed")
	})
	s.compactor.Start(context.Background())
}

func (s *Store) requestCompactionIfNeeded() {
	if s.compactions == nil {
		return
	}
	garbage := s.garbage.Load()
	area := s.index.freePointer - dataStart
	if garbage < s.opts.MinGarbageBytes || float64(garbage) < s.opts.GarbageRatio*float64(area) {
		return
	}
	select {
	case s.compactions <- struct{}{}:
	default:
	}
}
