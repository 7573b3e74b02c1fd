package kv

import (
	"errors"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Dictionary payloads are CBOR maps. CBOR keeps strings, byte strings,
// booleans, float64 and nesting as they are; every other Go type is wrapped
// in a private tag so it decodes back to the same type.
const (
	tagInt uint64 = 65100 + iota
	tagInt8
	tagInt16
	tagInt32
	tagInt64
	tagUint
	tagUint8
	tagUint16
	tagUint32
	tagUint64
	tagFloat32
	tagTime
	tagStrings
)

var (
	dictEnc cbor.EncMode
	dictDec cbor.DecMode
)

func init() {
	var err error
	dictEnc, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	dictDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func appendDictionary(out []byte, d map[string]any) ([]byte, error) {
	wrapped, err := wrapMap(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	b, err := dictEnc.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return append(out, b...), nil
}

func decodeDictionary(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := dictDec.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("not a map")
	}
	return unwrapMap(raw)
}

func wrapMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("key %q is not valid UTF-8", k)
		}
		w, err := wrap(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

func wrap(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64:
		return t, nil
	case string:
		if !utf8.ValidString(t) {
			return nil, fmt.Errorf("string is not valid UTF-8")
		}
		return t, nil
	case []byte:
		if t == nil {
			return []byte{}, nil
		}
		return t, nil
	case int:
		return cbor.Tag{Number: tagInt, Content: int64(t)}, nil
	case int8:
		return cbor.Tag{Number: tagInt8, Content: int64(t)}, nil
	case int16:
		return cbor.Tag{Number: tagInt16, Content: int64(t)}, nil
	case int32:
		return cbor.Tag{Number: tagInt32, Content: int64(t)}, nil
	case int64:
		return cbor.Tag{Number: tagInt64, Content: t}, nil
	case uint:
		return cbor.Tag{Number: tagUint, Content: uint64(t)}, nil
	case uint8:
		return cbor.Tag{Number: tagUint8, Content: uint64(t)}, nil
	case uint16:
		return cbor.Tag{Number: tagUint16, Content: uint64(t)}, nil
	case uint32:
		return cbor.Tag{Number: tagUint32, Content: uint64(t)}, nil
	case uint64:
		return cbor.Tag{Number: tagUint64, Content: t}, nil
	case float32:
		return cbor.Tag{Number: tagFloat32, Content: float64(t)}, nil
	case time.Time:
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return cbor.Tag{Number: tagTime, Content: b}, nil
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			if !utf8.ValidString(s) {
				return nil, fmt.Errorf("string is not valid UTF-8")
			}
			items[i] = s
		}
		return cbor.Tag{Number: tagStrings, Content: items}, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			w, err := wrap(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		return wrapMap(t)
	default:
		return nil, fmt.Errorf("unsupported dictionary value %T", v)
	}
}

func unwrapMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		u, err := unwrap(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = u
	}
	return out, nil
}

func unwrap(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64, string, []byte:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			u, err := unwrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case map[string]any:
		return unwrapMap(t)
	case cbor.Tag:
		return unwrapTag(t)
	default:
		return nil, fmt.Errorf("untagged %T", v)
	}
}

func unwrapTag(t cbor.Tag) (any, error) {
	switch t.Number {
	case tagInt, tagInt8, tagInt16, tagInt32, tagInt64:
		i, ok := signed(t.Content)
		if !ok {
			return nil, fmt.Errorf("tag %d: bad content %T", t.Number, t.Content)
		}
		switch t.Number {
		case tagInt:
			return int(i), nil
		case tagInt8:
			return int8(i), nil
		case tagInt16:
			return int16(i), nil
		case tagInt32:
			return int32(i), nil
		}
		return i, nil
	case tagUint, tagUint8, tagUint16, tagUint32, tagUint64:
		u, ok := t.Content.(uint64)
		if !ok {
			return nil, fmt.Errorf("tag %d: bad content %T", t.Number, t.Content)
		}
		switch t.Number {
		case tagUint:
			return uint(u), nil
		case tagUint8:
			return uint8(u), nil
		case tagUint16:
			return uint16(u), nil
		case tagUint32:
			return uint32(u), nil
		}
		return u, nil
	case tagFloat32:
		f, ok := t.Content.(float64)
		if !ok {
			return nil, fmt.Errorf("tag %d: bad content %T", t.Number, t.Content)
		}
		return float32(f), nil
	case tagTime:
		b, ok := t.Content.([]byte)
		if !ok {
			return nil, fmt.Errorf("tag %d: bad content %T", t.Number, t.Content)
		}
		var tm time.Time
		if err := tm.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return tm, nil
	case tagStrings:
		items, ok := t.Content.([]any)
		if !ok {
			return nil, fmt.Errorf("tag %d: bad content %T", t.Number, t.Content)
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("tag %d: item %d is %T", t.Number, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown tag %d", t.Number)
	}
}

// signed accepts both CBOR integer major types; non-negative values decode
// as uint64.
func signed(content any) (int64, bool) {
	switch c := content.(type) {
	case int64:
		return c, true
	case uint64:
		if c > 1<<63-1 {
			return 0, false
		}
		return int64(c), true
	}
	return 0, false
}
