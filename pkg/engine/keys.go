package engine

import (
	"strings"
)

// Key layout. Every component is separated by sep, so no collection, key,
// extension name or entry part may contain it.
//
//	c:<collection>\x00<key>                          record
//	x:<ext>\x00<part>...\x00<collection>\x00<key>    extension entry
//	r:<ext>\x00<collection>\x00<key>                 entries owned by a record
//	m:ext\x00<ext>                                   extension registration
const (
	sep = "\x00"

	recordPrefix  = "c:"
	entryPrefix   = "x:"
	reversePrefix = "r:"
	extMetaPrefix = "m:ext" + sep
)

func validPart(s string) bool {
	return !strings.Contains(s, sep)
}

func validName(s string) bool {
	return s != "" && validPart(s)
}

func recordKey(collection, key string) []byte {
	return []byte(recordPrefix + collection + sep + key)
}

func collectionPrefix(collection string) []byte {
	return []byte(recordPrefix + collection + sep)
}

// parseRecordKey splits a record key back into collection and key.
func parseRecordKey(k []byte) (collection, key string, ok bool) {
	s := string(k)
	if !strings.HasPrefix(s, recordPrefix) {
		return "", "", false
	}
	collection, key, ok = strings.Cut(s[len(recordPrefix):], sep)
	return collection, key, ok
}

func entryNamePrefix(name string) []byte {
	return []byte(entryPrefix + name + sep)
}

func entryPartsPrefix(name string, parts ...string) []byte {
	var b strings.Builder
	b.WriteString(entryPrefix)
	b.WriteString(name)
	b.WriteString(sep)
	for _, p := range parts {
		b.WriteString(p)
		b.WriteString(sep)
	}
	return []byte(b.String())
}

func entryKey(name string, parts []string, collection, key string) []byte {
	all := append(append([]string{}, parts...), collection, key)
	return []byte(entryPrefix + name + sep + strings.Join(all, sep))
}

// parseEntryKey returns the parts, collection and key of an entry for name.
func parseEntryKey(name string, k []byte) (parts []string, collection, key string, ok bool) {
	p := string(entryNamePrefix(name))
	s := string(k)
	if !strings.HasPrefix(s, p) {
		return nil, "", "", false
	}
	fields := strings.Split(s[len(p):], sep)
	if len(fields) < 2 {
		return nil, "", "", false
	}
	n := len(fields)
	return fields[:n-2], fields[n-2], fields[n-1], true
}

func reverseNamePrefix(name string) []byte {
	return []byte(reversePrefix + name + sep)
}

func reverseKey(name, collection, key string) []byte {
	return []byte(reversePrefix + name + sep + collection + sep + key)
}

func extMetaKey(name string) []byte {
	return []byte(extMetaPrefix + name)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
