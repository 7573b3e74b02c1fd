package kv

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"msgstore/pkg/models"
)

// Format renders v for display.
func Format(v Value) string {
	switch t := v.(type) {
	case BoolValue:
		return strconv.FormatBool(bool(t))
	case IntValue:
		return strconv.FormatInt(int64(t), 10)
	case DateValue:
		return time.Time(t).UTC().Format(time.RFC3339Nano)
	case StringValue:
		return string(t)
	case DataValue:
		return hex.EncodeToString(t)
	case DictionaryValue:
		return jsonString(map[string]any(t))
	case KeyPairValue:
		return jsonString(models.KeyPair(t))
	case PreKeyRecordValue:
		return jsonString(models.PreKeyRecord(t))
	case SignedPreKeyRecordValue:
		return jsonString(models.SignedPreKeyRecord(t))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unprintable: %v>", err)
	}
	return string(b)
}

// Parse is the inverse of Format for the given kind.
func Parse(kind Kind, text string) (Value, error) {
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return BoolValue(b), nil
	case KindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return IntValue(int32(i)), nil
	case KindDate:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return DateValue(t), nil
	case KindString:
		return StringValue(text), nil
	case KindData:
		b, err := hex.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return DataValue(b), nil
	case KindDictionary:
		var m map[string]any
		if err := json.Unmarshal([]byte(text), &m); err != nil || m == nil {
			return nil, fmt.Errorf("%w: dictionary must be a JSON object", ErrInvalidValue)
		}
		return DictionaryValue(m), nil
	case KindKeyPair:
		var k models.KeyPair
		if err := json.Unmarshal([]byte(text), &k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return KeyPairValue(k), nil
	case KindPreKeyRecord:
		var r models.PreKeyRecord
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return PreKeyRecordValue(r), nil
	case KindSignedPreKeyRecord:
		var r models.SignedPreKeyRecord
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return SignedPreKeyRecordValue(r), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidValue, kind)
	}
}
