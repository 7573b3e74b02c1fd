package engine

import (
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
)

func (e *extension) handle(tx *ReadTx) Extension {
	switch e.kind {
	case OrderedView, AutoView:
		return &ViewTx{ext: e, tx: tx}
	case SecondaryIndex:
		return &SecondaryIndexTx{ext: e, tx: tx}
	case FullTextIndex:
		return &FullTextTx{ext: e, tx: tx}
	default:
		return nil
	}
}

// ViewTx reads an ordered view or auto-view within one transaction. Items in
// a group are ordered by sort key, then collection, then key.
type ViewTx struct {
	ext *extension
	tx  *ReadTx
}

func (v *ViewTx) Name() string        { return v.ext.name }
func (v *ViewTx) Kind() ExtensionKind { return v.ext.kind }

// Groups lists the non-empty groups in order.
func (v *ViewTx) Groups() ([]string, error) {
	var out []string
	err := v.tx.scan(entryNamePrefix(v.ext.name), func(k, _ []byte) bool {
		parts, _, _, ok := parseEntryKey(v.ext.name, k)
		if !ok || len(parts) != 2 {
			return true
		}
		if n := len(out); n == 0 || out[n-1] != parts[0] {
			out = append(out, parts[0])
		}
		return true
	})
	return out, err
}

func (v *ViewTx) NumberOfItemsInGroup(group string) (int, error) {
	n := 0
	err := v.EnumerateKeysInGroup(group, func(string, string, int) bool { n++; return true })
	return n, err
}

// EnumerateKeysInGroup calls fn for each item with its position in the group.
func (v *ViewTx) EnumerateKeysInGroup(group string, fn func(collection, key string, index int) bool) error {
	if !validPart(group) {
		return ErrInvalidKey
	}
	i := 0
	return v.tx.scan(entryPartsPrefix(v.ext.name, group), func(k, _ []byte) bool {
		_, c, key, ok := parseEntryKey(v.ext.name, k)
		if !ok {
			return true
		}
		cont := fn(c, key, i)
		i++
		return cont
	})
}

// EnumerateKeysAndValuesInGroup is EnumerateKeysInGroup plus the record value.
func (v *ViewTx) EnumerateKeysAndValuesInGroup(group string, fn func(collection, key string, value []byte, index int) bool) error {
	type item struct {
		c, k string
	}
	var items []item
	if err := v.EnumerateKeysInGroup(group, func(c, k string, _ int) bool {
		items = append(items, item{c, k})
		return true
	}); err != nil {
		return err
	}
	for i, it := range items {
		val, ok, err := v.tx.Get(it.c, it.k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(it.c, it.k, val, i) {
			return nil
		}
	}
	return nil
}

func (v *ViewTx) FirstKeyInGroup(group string) (collection, key string, ok bool, err error) {
	err = v.EnumerateKeysInGroup(group, func(c, k string, _ int) bool {
		collection, key, ok = c, k, true
		return false
	})
	return collection, key, ok, err
}

func (v *ViewTx) LastKeyInGroup(group string) (collection, key string, ok bool, err error) {
	if !validPart(group) {
		return "", "", false, ErrInvalidKey
	}
	p := entryPartsPrefix(v.ext.name, group)
	iter, ierr := v.tx.r.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
	if ierr != nil {
		return "", "", false, storageErr("iter", ierr)
	}
	defer iter.Close()
	if iter.Last() {
		_, collection, key, ok = parseEntryKey(v.ext.name, iter.Key())
	}
	if ierr := iter.Error(); ierr != nil {
		return "", "", false, storageErr("iter", ierr)
	}
	return collection, key, ok, nil
}

// SecondaryIndexTx queries a secondary index within one transaction.
type SecondaryIndexTx struct {
	ext *extension
	tx  *ReadTx
}

func (s *SecondaryIndexTx) Name() string        { return s.ext.name }
func (s *SecondaryIndexTx) Kind() ExtensionKind { return s.ext.kind }

// EnumerateKeysMatching calls fn for every record indexed with column=value.
func (s *SecondaryIndexTx) EnumerateKeysMatching(column, value string, fn func(collection, key string) bool) error {
	if !validPart(column) || !validPart(value) {
		return ErrInvalidKey
	}
	return s.tx.scan(entryPartsPrefix(s.ext.name, column, value), func(k, _ []byte) bool {
		_, c, key, ok := parseEntryKey(s.ext.name, k)
		if !ok {
			return true
		}
		return fn(c, key)
	})
}

func (s *SecondaryIndexTx) CountMatching(column, value string) (int, error) {
	n := 0
	err := s.EnumerateKeysMatching(column, value, func(string, string) bool { n++; return true })
	return n, err
}

// FullTextTx queries a full-text index within one transaction.
type FullTextTx struct {
	ext *extension
	tx  *ReadTx
}

func (f *FullTextTx) Name() string        { return f.ext.name }
func (f *FullTextTx) Kind() ExtensionKind { return f.ext.kind }

type hit struct {
	collection, key string
}

// EnumerateKeysMatching reports each record containing every token of query
// once, ordered by collection and key. A token ending in '*' matches as a
// prefix.
func (f *FullTextTx) EnumerateKeysMatching(query string, fn func(collection, key string) bool) error {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}
	var result map[hit]struct{}
	for _, t := range terms {
		found, err := f.match(t)
		if err != nil {
			return err
		}
		if result == nil {
			result = found
		} else {
			for h := range result {
				if _, ok := found[h]; !ok {
					delete(result, h)
				}
			}
		}
		if len(result) == 0 {
			return nil
		}
	}
	hits := make([]hit, 0, len(result))
	for h := range result {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].collection != hits[j].collection {
			return hits[i].collection < hits[j].collection
		}
		return hits[i].key < hits[j].key
	})
	for _, h := range hits {
		if !fn(h.collection, h.key) {
			return nil
		}
	}
	return nil
}

func (f *FullTextTx) match(t term) (map[hit]struct{}, error) {
	p := entryPartsPrefix(f.ext.name, t.token)
	if t.prefix {
		// drop the trailing separator so longer tokens match too
		p = p[:len(p)-1]
	}
	found := map[hit]struct{}{}
	err := f.tx.scan(p, func(k, _ []byte) bool {
		_, c, key, ok := parseEntryKey(f.ext.name, k)
		if ok {
			found[hit{c, key}] = struct{}{}
		}
		return true
	})
	return found, err
}

type term struct {
	token  string
	prefix bool
}

func queryTerms(query string) []term {
	var out []term
	for _, word := range strings.Fields(query) {
		toks := Tokenize(word)
		for i, tok := range toks {
			prefix := i == len(toks)-1 && strings.HasSuffix(word, "*")
			out = append(out, term{token: tok, prefix: prefix})
		}
	}
	return out
}
