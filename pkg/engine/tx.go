package engine

import (
	"errors"
	"sort"

	"github.com/cockroachdb/pebble"
)

// Getter is the minimal read surface handed to extension callbacks.
type Getter interface {
	Get(collection, key string) ([]byte, bool, error)
}

// ReadTx is a read-only view of the store. It must not be used from more
// than one goroutine at a time, nor after the Read callback returns.
type ReadTx struct {
	r    reader
	exts map[string]*extension
}

// Get returns a copy of the value stored at (collection, key).
func (tx *ReadTx) Get(collection, key string) ([]byte, bool, error) {
	if !validName(collection) || !validPart(key) {
		return nil, false, ErrInvalidKey
	}
	return tx.getRaw(recordKey(collection, key))
}

func (tx *ReadTx) getRaw(k []byte) ([]byte, bool, error) {
	v, closer, err := tx.r.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, storageErr("get", err)
	}
	out := append([]byte{}, v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, true, nil
}

func (tx *ReadTx) Has(collection, key string) (bool, error) {
	_, ok, err := tx.Get(collection, key)
	return ok, err
}

// scan calls fn for every key with the given prefix in order. fn returns
// false to stop.
func (tx *ReadTx) scan(prefix []byte, fn func(k, v []byte) bool) error {
	iter, err := tx.r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return storageErr("iter", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return storageErr("iter", err)
	}
	if err := iter.Close(); err != nil {
		return storageErr("iter", err)
	}
	return nil
}

// EnumerateKeys walks the keys of a collection in byte order.
func (tx *ReadTx) EnumerateKeys(collection string, fn func(key string) bool) error {
	return tx.EnumerateKeysAndValues(collection, func(key string, _ []byte) bool { return fn(key) })
}

// EnumerateKeysAndValues walks a collection in key order. The value slice is
// only valid during the callback.
func (tx *ReadTx) EnumerateKeysAndValues(collection string, fn func(key string, value []byte) bool) error {
	if !validName(collection) {
		return ErrInvalidKey
	}
	p := collectionPrefix(collection)
	return tx.scan(p, func(k, v []byte) bool {
		return fn(string(k[len(p):]), v)
	})
}

func (tx *ReadTx) Count(collection string) (int, error) {
	n := 0
	err := tx.EnumerateKeys(collection, func(string) bool { n++; return true })
	return n, err
}

// Collections lists every non-empty collection.
func (tx *ReadTx) Collections() ([]string, error) {
	prefix := []byte(recordPrefix)
	iter, err := tx.r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, storageErr("iter", err)
	}
	var out []string
	for valid := iter.First(); valid; {
		c, _, ok := parseRecordKey(iter.Key())
		if !ok {
			valid = iter.Next()
			continue
		}
		out = append(out, c)
		valid = iter.SeekGE(prefixEnd(collectionPrefix(c)))
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

// Extension returns the handle registered under name, if any.
func (tx *ReadTx) Extension(name string) (Extension, bool) {
	ext, ok := tx.exts[name]
	if !ok {
		return nil, false
	}
	return ext.handle(tx), true
}

// ExtensionNames lists registered extensions in name order.
func (tx *ReadTx) ExtensionNames() []string {
	names := make([]string, 0, len(tx.exts))
	for n := range tx.exts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadWriteTx adds mutation to ReadTx. Every write keeps the registered
// extensions in step with the record it touches.
type ReadWriteTx struct {
	ReadTx
	batch *pebble.Batch
}

func (tx *ReadWriteTx) Set(collection, key string, value []byte) error {
	if !validName(collection) || !validPart(key) {
		return ErrInvalidKey
	}
	if err := tx.batch.Set(recordKey(collection, key), value, nil); err != nil {
		return storageErr("set", err)
	}
	for _, ext := range tx.exts {
		if !ext.covers(collection) {
			continue
		}
		if err := ext.reindex(tx, collection, key, value, true); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes (collection, key). Removing a missing key is not an error.
func (tx *ReadWriteTx) Remove(collection, key string) error {
	if !validName(collection) || !validPart(key) {
		return ErrInvalidKey
	}
	if err := tx.batch.Delete(recordKey(collection, key), nil); err != nil {
		return storageErr("delete", err)
	}
	for _, ext := range tx.exts {
		if !ext.covers(collection) {
			continue
		}
		if err := ext.reindex(tx, collection, key, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll deletes every key in collection.
func (tx *ReadWriteTx) RemoveAll(collection string) error {
	var keys []string
	if err := tx.EnumerateKeys(collection, func(k string) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Remove(collection, k); err != nil {
			return err
		}
	}
	return nil
}
