package engine

import (
	"errors"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"

	"msgstore/pkg/logger"
)

// Options configures Open.
type Options struct {
	Path         string
	CacheSize    int64
	MemTableSize uint64
	DisableWAL   bool
	ReadOnly     bool
	// SyncWrites fsyncs each read-write transaction on commit.
	SyncWrites bool
}

// DB is a pebble store exposing YapDatabase-style transactions: snapshot
// reads that may run concurrently, and one read-write transaction at a time.
type DB struct {
	pdb   *pebble.DB
	cache *pebble.Cache
	opts  Options

	// lifeMu is held shared by every transaction and exclusively by Close.
	lifeMu sync.RWMutex
	closed bool

	// writeMu serializes read-write transactions and extension registration.
	writeMu sync.Mutex

	// extMu guards the extensions map pointer. The map itself is replaced,
	// never mutated, so transactions can keep the one they started with.
	extMu      sync.RWMutex
	extensions map[string]*extension

	// dormant holds registrations persisted by an earlier process that this
	// one has not registered yet. Guarded by writeMu.
	dormant map[string]struct{}
}

// reader is the read surface shared by pebble snapshots and indexed batches.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, errors.New("engine: empty path")
	}
	po := &pebble.Options{
		DisableWAL: opts.DisableWAL,
		ReadOnly:   opts.ReadOnly,
	}
	var cache *pebble.Cache
	if opts.CacheSize > 0 {
		cache = pebble.NewCache(opts.CacheSize)
		po.Cache = cache
	}
	if opts.MemTableSize > 0 {
		po.MemTableSize = opts.MemTableSize
	}
	if opts.DisableWAL {
		logger.Warn("durability_disabled", "path", opts.Path, "reason", "pebble WAL disabled")
	}

	pdb, err := pebble.Open(opts.Path, po)
	if cache != nil {
		// pebble holds its own reference once opened.
		cache.Unref()
	}
	if err != nil {
		logger.Error("pebble_open_failed", "path", opts.Path, "error", err)
		return nil, storageErr("open", err)
	}
	dormant, err := storedRegistrations(pdb)
	if err != nil {
		_ = pdb.Close()
		logger.Error("pebble_open_failed", "path", opts.Path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", opts.Path, "read_only", opts.ReadOnly, "stored_extensions", len(dormant))
	return &DB{
		pdb:        pdb,
		opts:       opts,
		extensions: map[string]*extension{},
		dormant:    dormant,
	}, nil
}

func storedRegistrations(pdb *pebble.DB) (map[string]struct{}, error) {
	prefix := []byte(extMetaPrefix)
	iter, err := pdb.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, storageErr("iter", err)
	}
	out := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		out[string(iter.Key()[len(prefix):])] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, storageErr("iter", err)
	}
	if err := iter.Close(); err != nil {
		return nil, storageErr("iter", err)
	}
	return out, nil
}

// Close waits for in-flight transactions and closes pebble.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.lifeMu.Lock()
	defer db.lifeMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if err := db.pdb.Close(); err != nil {
		logger.Error("pebble_close_failed", "path", db.opts.Path, "error", err)
		return storageErr("close", err)
	}
	logger.Info("pebble_closed", "path", db.opts.Path)
	return nil
}

func (db *DB) Path() string { return db.opts.Path }

func (db *DB) ReadOnly() bool { return db.opts.ReadOnly }

func (db *DB) writeOpts() *pebble.WriteOptions {
	if db.opts.SyncWrites && !db.opts.DisableWAL {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (db *DB) currentExtensions() map[string]*extension {
	db.extMu.RLock()
	defer db.extMu.RUnlock()
	return db.extensions
}

// Read runs fn against an immutable snapshot taken when Read is called.
func (db *DB) Read(fn func(tx *ReadTx) error) error {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	db.extMu.RLock()
	snap := db.pdb.NewSnapshot()
	exts := db.extensions
	db.extMu.RUnlock()
	defer snap.Close()

	return fn(&ReadTx{r: snap, exts: exts})
}

// ReadWrite runs fn in the single read-write transaction. Writes are visible
// to fn's own reads immediately and to other transactions once fn returns
// nil and the batch commits. An error or panic from fn discards everything.
func (db *DB) ReadWrite(fn func(tx *ReadWriteTx) error) error {
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	batch := db.pdb.NewIndexedBatch()
	defer batch.Close()

	tx := &ReadWriteTx{ReadTx: ReadTx{r: batch, exts: db.currentExtensions()}, batch: batch}
	if err := fn(tx); err != nil {
		logger.Debug("read_write_rolled_back", "error", err)
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := db.invalidateDormant(batch); err != nil {
		return err
	}
	if err := batch.Commit(db.writeOpts()); err != nil {
		logger.Error("batch_commit_failed", "error", err)
		return storageErr("commit", err)
	}
	if len(db.dormant) > 0 {
		for name := range db.dormant {
			logger.Info("extension_marked_stale", "name", name)
		}
		db.dormant = map[string]struct{}{}
	}
	return nil
}

// invalidateDormant drops the stored registration of every extension that
// is persisted but not registered, so registering it again rebuilds it.
// Registrations do not record their collection filter, so any write counts.
func (db *DB) invalidateDormant(batch *pebble.Batch) error {
	for name := range db.dormant {
		if err := batch.Delete(extMetaKey(name), nil); err != nil {
			return storageErr("delete", err)
		}
	}
	return nil
}

// Flush writes the memtable out to an sstable.
func (db *DB) Flush() error {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return nil
	}
	if err := db.pdb.Flush(); err != nil {
		return storageErr("flush", err)
	}
	return nil
}

// Compact compacts the whole keyspace.
func (db *DB) Compact() error {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	iter, err := db.pdb.NewIter(nil)
	if err != nil {
		return storageErr("compact", err)
	}
	var first, last []byte
	if iter.First() {
		first = append(first, iter.Key()...)
	}
	if iter.Last() {
		last = append(last, iter.Key()...)
	}
	if err := iter.Close(); err != nil {
		return storageErr("compact", err)
	}
	if first == nil {
		return nil
	}
	if err := db.pdb.Compact(first, append(last, 0), true); err != nil {
		return storageErr("compact", err)
	}
	return nil
}

// Metrics returns pebble's metrics, or nil once closed.
func (db *DB) Metrics() *pebble.Metrics {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return nil
	}
	return db.pdb.Metrics()
}

func (db *DB) DiskUsage() uint64 {
	if m := db.Metrics(); m != nil {
		return m.DiskSpaceUsage()
	}
	return 0
}

func (db *DB) L0Files() int64 {
	if m := db.Metrics(); m != nil {
		return m.Levels[0].NumFiles
	}
	return 0
}

func (db *DB) MemTableSize() uint64 {
	if m := db.Metrics(); m != nil {
		return m.MemTable.Size
	}
	return 0
}

func (db *DB) ExtensionCount() int {
	return len(db.currentExtensions())
}
