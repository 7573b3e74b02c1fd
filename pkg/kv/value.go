package kv

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"msgstore/pkg/models"
)

// Kind is the discriminant recorded with every stored value.
type Kind byte

const (
	KindBool Kind = iota + 1
	KindInt
	KindDate
	KindDictionary
	KindString
	KindData
	KindKeyPair
	KindPreKeyRecord
	KindSignedPreKeyRecord
)

var kindNames = map[Kind]string{
	KindBool:               "bool",
	KindInt:                "int",
	KindDate:               "date",
	KindDictionary:         "dictionary",
	KindString:             "string",
	KindData:               "data",
	KindKeyPair:            "key_pair",
	KindPreKeyRecord:       "pre_key_record",
	KindSignedPreKeyRecord: "signed_pre_key_record",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Kinds lists every kind in discriminant order.
func Kinds() []Kind {
	return []Kind{KindBool, KindInt, KindDate, KindDictionary, KindString, KindData, KindKeyPair, KindPreKeyRecord, KindSignedPreKeyRecord}
}

// Value is one decoded stored value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	BoolValue               bool
	IntValue                int32
	DateValue               time.Time
	DictionaryValue         map[string]any
	StringValue             string
	DataValue               []byte
	KeyPairValue            models.KeyPair
	PreKeyRecordValue       models.PreKeyRecord
	SignedPreKeyRecordValue models.SignedPreKeyRecord
)

func (BoolValue) Kind() Kind               { return KindBool }
func (IntValue) Kind() Kind                { return KindInt }
func (DateValue) Kind() Kind               { return KindDate }
func (DictionaryValue) Kind() Kind         { return KindDictionary }
func (StringValue) Kind() Kind             { return KindString }
func (DataValue) Kind() Kind               { return KindData }
func (KeyPairValue) Kind() Kind            { return KindKeyPair }
func (PreKeyRecordValue) Kind() Kind       { return KindPreKeyRecord }
func (SignedPreKeyRecordValue) Kind() Kind { return KindSignedPreKeyRecord }

func (BoolValue) isValue()               {}
func (IntValue) isValue()                {}
func (DateValue) isValue()               {}
func (DictionaryValue) isValue()         {}
func (StringValue) isValue()             {}
func (DataValue) isValue()               {}
func (KeyPairValue) isValue()            {}
func (PreKeyRecordValue) isValue()       {}
func (SignedPreKeyRecordValue) isValue() {}

var (
	// ErrMalformed reports a stored blob that is not a well-formed value.
	ErrMalformed = errors.New("kv: malformed stored value")
	// ErrInvalidValue reports a value that cannot be encoded.
	ErrInvalidValue = errors.New("kv: invalid value")
)

// envelope: magic, kind, payload
const magic byte = 0xA7

// Encode produces the stored form of v.
func Encode(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrInvalidValue)
	}
	out := []byte{magic, byte(v.Kind())}
	switch t := v.(type) {
	case BoolValue:
		if t {
			return append(out, 1), nil
		}
		return append(out, 0), nil
	case IntValue:
		return binary.BigEndian.AppendUint32(out, uint32(t)), nil
	case DateValue:
		tm := time.Time(t)
		out = binary.BigEndian.AppendUint64(out, uint64(tm.Unix()))
		return binary.BigEndian.AppendUint32(out, uint32(tm.Nanosecond())), nil
	case StringValue:
		if !utf8.ValidString(string(t)) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
		}
		return append(out, string(t)...), nil
	case DataValue:
		return append(out, t...), nil
	case DictionaryValue:
		if t == nil {
			return nil, fmt.Errorf("%w: nil dictionary", ErrInvalidValue)
		}
		return appendDictionary(out, map[string]any(t))
	case KeyPairValue:
		if !keyPairSized(models.KeyPair(t)) {
			return nil, fmt.Errorf("%w: key pair keys must be %d bytes", ErrInvalidValue, models.KeySize)
		}
		return appendJSON(out, models.KeyPair(t))
	case PreKeyRecordValue:
		if !keyPairSized(t.KeyPair) {
			return nil, fmt.Errorf("%w: pre-key %d has a bad key pair", ErrInvalidValue, t.ID)
		}
		return appendJSON(out, models.PreKeyRecord(t))
	case SignedPreKeyRecordValue:
		if !keyPairSized(t.KeyPair) {
			return nil, fmt.Errorf("%w: signed pre-key %d has a bad key pair", ErrInvalidValue, t.ID)
		}
		return appendJSON(out, models.SignedPreKeyRecord(t))
	default:
		return nil, fmt.Errorf("%w: unsupported %T", ErrInvalidValue, v)
	}
}

func appendJSON(out []byte, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return append(out, b...), nil
}

func keyPairSized(k models.KeyPair) bool {
	return len(k.PublicKey) == models.KeySize && len(k.PrivateKey) == models.KeySize
}

// Decode parses a stored blob. It fails with ErrMalformed for anything that
// was not produced by Encode.
func Decode(b []byte) (Value, error) {
	if len(b) < 2 || b[0] != magic {
		return nil, fmt.Errorf("%w: missing envelope", ErrMalformed)
	}
	kind, payload := Kind(b[1]), b[2:]
	switch kind {
	case KindBool:
		if len(payload) != 1 || payload[0] > 1 {
			return nil, malformed(kind)
		}
		return BoolValue(payload[0] == 1), nil
	case KindInt:
		if len(payload) != 4 {
			return nil, malformed(kind)
		}
		return IntValue(int32(binary.BigEndian.Uint32(payload))), nil
	case KindDate:
		if len(payload) != 12 {
			return nil, malformed(kind)
		}
		nsec := binary.BigEndian.Uint32(payload[8:])
		if nsec >= 1e9 {
			return nil, malformed(kind)
		}
		return DateValue(time.Unix(int64(binary.BigEndian.Uint64(payload[:8])), int64(nsec)).UTC()), nil
	case KindString:
		if !utf8.Valid(payload) {
			return nil, malformed(kind)
		}
		return StringValue(payload), nil
	case KindData:
		return DataValue(append([]byte{}, payload...)), nil
	case KindDictionary:
		m, err := decodeDictionary(payload)
		if err != nil {
			return nil, malformed(kind)
		}
		return DictionaryValue(m), nil
	case KindKeyPair:
		var k models.KeyPair
		if err := json.Unmarshal(payload, &k); err != nil || !keyPairSized(k) {
			return nil, malformed(kind)
		}
		return KeyPairValue(k), nil
	case KindPreKeyRecord:
		var r models.PreKeyRecord
		if err := json.Unmarshal(payload, &r); err != nil || !keyPairSized(r.KeyPair) {
			return nil, malformed(kind)
		}
		return PreKeyRecordValue(r), nil
	case KindSignedPreKeyRecord:
		var r models.SignedPreKeyRecord
		if err := json.Unmarshal(payload, &r); err != nil || !keyPairSized(r.KeyPair) {
			return nil, malformed(kind)
		}
		return SignedPreKeyRecordValue(r), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, byte(kind))
	}
}

func malformed(k Kind) error {
	return fmt.Errorf("%w: bad %s payload", ErrMalformed, k)
}
