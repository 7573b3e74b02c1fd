package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cockroachdb/pebble"

	"msgstore/pkg/logger"
)

// ExtensionKind tags the runtime type of a registered extension.
type ExtensionKind int

const (
	OrderedView ExtensionKind = iota + 1
	AutoView
	SecondaryIndex
	FullTextIndex
)

func (k ExtensionKind) String() string {
	switch k {
	case OrderedView:
		return "ordered_view"
	case AutoView:
		return "auto_view"
	case SecondaryIndex:
		return "secondary_index"
	case FullTextIndex:
		return "full_text_index"
	default:
		return fmt.Sprintf("extension_kind(%d)", int(k))
	}
}

// Extension is a handle to a registered extension, bound to one transaction.
type Extension interface {
	Name() string
	Kind() ExtensionKind
}

// Grouping places a record in a view. ok=false leaves it out.
type Grouping func(g Getter, collection, key string, value []byte) (group, sortKey string, ok bool)

// IndexFunc returns the column values a record is indexed under.
type IndexFunc func(g Getter, collection, key string, value []byte) map[string]string

// TextFunc returns the text a record is searchable by.
type TextFunc func(g Getter, collection, key string, value []byte) (string, bool)

// Definition describes an extension to RegisterExtension. Bump Version
// whenever the callback's output changes so existing entries get rebuilt.
type Definition interface {
	build() *extension
}

// OrderedViewDefinition groups and sorts records.
type OrderedViewDefinition struct {
	Name        string
	Version     int
	Collections []string
	Grouping    Grouping
}

// AutoViewDefinition is an ordered view whose kind is AutoView.
type AutoViewDefinition OrderedViewDefinition

type SecondaryIndexDefinition struct {
	Name        string
	Version     int
	Collections []string
	Index       IndexFunc
}

type FullTextDefinition struct {
	Name        string
	Version     int
	Collections []string
	Text        TextFunc
}

func (d OrderedViewDefinition) build() *extension {
	return newExtension(d.Name, OrderedView, d.Version, d.Collections, viewEntries(d.Grouping))
}

func (d AutoViewDefinition) build() *extension {
	return newExtension(d.Name, AutoView, d.Version, d.Collections, viewEntries(d.Grouping))
}

func (d SecondaryIndexDefinition) build() *extension {
	fn := d.Index
	return newExtension(d.Name, SecondaryIndex, d.Version, d.Collections, func(g Getter, c, k string, v []byte) [][]string {
		cols := fn(g, c, k, v)
		out := make([][]string, 0, len(cols))
		for col, val := range cols {
			out = append(out, []string{col, val})
		}
		return out
	})
}

func (d FullTextDefinition) build() *extension {
	fn := d.Text
	return newExtension(d.Name, FullTextIndex, d.Version, d.Collections, func(g Getter, c, k string, v []byte) [][]string {
		text, ok := fn(g, c, k, v)
		if !ok {
			return nil
		}
		tokens := Tokenize(text)
		out := make([][]string, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, []string{t})
		}
		return out
	})
}

func viewEntries(fn Grouping) func(Getter, string, string, []byte) [][]string {
	return func(g Getter, c, k string, v []byte) [][]string {
		group, sortKey, ok := fn(g, c, k, v)
		if !ok {
			return nil
		}
		return [][]string{{group, sortKey}}
	}
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit. Duplicates are dropped, first occurrence wins.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

type extension struct {
	name        string
	kind        ExtensionKind
	version     int
	collections map[string]struct{}
	entries     func(g Getter, collection, key string, value []byte) [][]string
}

func newExtension(name string, kind ExtensionKind, version int, collections []string, entries func(Getter, string, string, []byte) [][]string) *extension {
	e := &extension{name: name, kind: kind, version: version, entries: entries}
	if len(collections) > 0 {
		e.collections = make(map[string]struct{}, len(collections))
		for _, c := range collections {
			e.collections[c] = struct{}{}
		}
	}
	return e
}

func (e *extension) covers(collection string) bool {
	if e.collections == nil {
		return true
	}
	_, ok := e.collections[collection]
	return ok
}

func (e *extension) meta() string {
	return fmt.Sprintf("%s:%d", e.kind, e.version)
}

// recordingGetter keeps the first storage error a callback ran into, since
// callbacks have no error return of their own.
type recordingGetter struct {
	g   Getter
	err error
}

func (r *recordingGetter) Get(collection, key string) ([]byte, bool, error) {
	v, ok, err := r.g.Get(collection, key)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v, ok, err
}

// reindex replaces the entries owned by (collection, key).
func (e *extension) reindex(tx *ReadWriteTx, collection, key string, value []byte, present bool) error {
	rk := reverseKey(e.name, collection, key)
	old, ok, err := tx.getRaw(rk)
	if err != nil {
		return err
	}
	if ok {
		for _, ek := range decodeEntryList(old) {
			if err := tx.batch.Delete(ek, nil); err != nil {
				return storageErr("delete", err)
			}
		}
	}
	if !present {
		if ok {
			if err := tx.batch.Delete(rk, nil); err != nil {
				return storageErr("delete", err)
			}
		}
		return nil
	}

	g := &recordingGetter{g: &tx.ReadTx}
	parts := e.entries(g, collection, key, value)
	if g.err != nil {
		return g.err
	}
	keys := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if !allValid(p) {
			logger.Warn("extension_entry_skipped", "extension", e.name, "collection", collection, "key", key, "reason", "NUL in entry")
			continue
		}
		ek := entryKey(e.name, p, collection, key)
		if err := tx.batch.Set(ek, nil, nil); err != nil {
			return storageErr("set", err)
		}
		keys = append(keys, ek)
	}
	if len(keys) == 0 {
		if ok {
			if err := tx.batch.Delete(rk, nil); err != nil {
				return storageErr("delete", err)
			}
		}
		return nil
	}
	if err := tx.batch.Set(rk, encodeEntryList(keys), nil); err != nil {
		return storageErr("set", err)
	}
	return nil
}

func allValid(parts []string) bool {
	for _, p := range parts {
		if !validPart(p) {
			return false
		}
	}
	return true
}

func encodeEntryList(keys [][]byte) []byte {
	var out []byte
	for _, k := range keys {
		out = binary.AppendUvarint(out, uint64(len(k)))
		out = append(out, k...)
	}
	return out
}

func decodeEntryList(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n, w := binary.Uvarint(b)
		if w <= 0 || uint64(len(b)-w) < n {
			return out
		}
		b = b[w:]
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

// RegisterExtension attaches def to the database. When the persisted
// registration under the same name has another kind or version, its entries
// are dropped and rebuilt from every record the extension covers.
func (db *DB) RegisterExtension(def Definition) error {
	ext := def.build()
	if !validName(ext.name) {
		return ErrInvalidKey
	}
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	stored, err := db.getMeta(ext.name)
	if err != nil {
		return err
	}
	rebuilt := false
	if stored != ext.meta() {
		if db.opts.ReadOnly {
			logger.Error("extension_register_failed", "name", ext.name, "kind", ext.kind.String(), "stored", stored, "error", ErrReadOnly)
			return fmt.Errorf("register %s: %w", ext.name, ErrReadOnly)
		}
		if err := db.rebuild(ext); err != nil {
			logger.Error("extension_rebuild_failed", "name", ext.name, "kind", ext.kind.String(), "error", err)
			return err
		}
		rebuilt = true
	}

	delete(db.dormant, ext.name)

	db.extMu.Lock()
	next := make(map[string]*extension, len(db.extensions)+1)
	for n, e := range db.extensions {
		next[n] = e
	}
	next[ext.name] = ext
	db.extensions = next
	db.extMu.Unlock()

	logger.Info("extension_registered", "name", ext.name, "kind", ext.kind.String(), "version", ext.version, "rebuilt", rebuilt)
	return nil
}

// UnregisterExtension detaches name and drops its entries.
func (db *DB) UnregisterExtension(name string) error {
	if !validName(name) {
		return ErrInvalidKey
	}
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

	batch := db.pdb.NewBatch()
	defer batch.Close()
	if err := dropEntries(batch, name); err != nil {
		return err
	}
	if err := batch.Delete(extMetaKey(name), nil); err != nil {
		return storageErr("delete", err)
	}
	if err := batch.Commit(db.writeOpts()); err != nil {
		return storageErr("commit", err)
	}
	delete(db.dormant, name)

	db.extMu.Lock()
	next := make(map[string]*extension, len(db.extensions))
	for n, e := range db.extensions {
		if n != name {
			next[n] = e
		}
	}
	db.extensions = next
	db.extMu.Unlock()

	logger.Info("extension_unregistered", "name", name)
	return nil
}

func (db *DB) getMeta(name string) (string, error) {
	v, closer, err := db.pdb.Get(extMetaKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", storageErr("get", err)
	}
	defer closer.Close()
	return string(v), nil
}

func dropEntries(batch *pebble.Batch, name string) error {
	for _, p := range [][]byte{entryNamePrefix(name), reverseNamePrefix(name)} {
		if err := batch.DeleteRange(p, prefixEnd(p), nil); err != nil {
			return storageErr("delete_range", err)
		}
	}
	return nil
}

func (db *DB) rebuild(ext *extension) error {
	batch := db.pdb.NewIndexedBatch()
	defer batch.Close()
	if err := dropEntries(batch, ext.name); err != nil {
		return err
	}

	tx := &ReadWriteTx{ReadTx: ReadTx{r: batch, exts: map[string]*extension{ext.name: ext}}, batch: batch}
	prefix := []byte(recordPrefix)
	iter, err := db.pdb.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return storageErr("iter", err)
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		c, k, ok := parseRecordKey(iter.Key())
		if !ok || !ext.covers(c) {
			continue
		}
		if err := ext.reindex(tx, c, k, append([]byte{}, iter.Value()...), true); err != nil {
			_ = iter.Close()
			return err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return storageErr("iter", err)
	}
	if err := iter.Close(); err != nil {
		return storageErr("iter", err)
	}

	if err := batch.Set(extMetaKey(ext.name), []byte(ext.meta()), nil); err != nil {
		return storageErr("set", err)
	}
	if err := batch.Commit(db.writeOpts()); err != nil {
		return storageErr("commit", err)
	}
	logger.Info("extension_rebuilt", "name", ext.name, "kind", ext.kind.String(), "records", n)
	return nil
}
