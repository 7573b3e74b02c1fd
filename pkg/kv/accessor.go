package kv

import (
	"errors"
	"fmt"
	"time"

	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/telemetry"
)

// Getter is the read surface of a transaction. engine.ReadTx and
// engine.ReadWriteTx satisfy it, as does anything else keyed the same way.
type Getter interface {
	Get(collection, key string) ([]byte, bool, error)
}

// Reader adds collection enumeration.
type Reader interface {
	Getter
	EnumerateKeysAndValues(collection string, fn func(key string, value []byte) bool) error
}

// Writer is the read-write transaction surface.
type Writer interface {
	Reader
	Set(collection, key string, value []byte) error
	Remove(collection, key string) error
}

// Lookup decodes (key, collection) without masking. It reports absence with
// ok=false and returns ErrMalformed or the engine's error otherwise.
func Lookup(tx Getter, key, collection string) (Value, bool, error) {
	raw, ok, err := tx.Get(collection, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// lookupKind is the masking read shared by every Get* accessor. Anything
// other than a present, well-formed value of kind want reads as absent.
func lookupKind(tx Getter, key, collection string, want Kind) (Value, bool) {
	v, ok, err := Lookup(tx, key, collection)
	switch {
	case err != nil && errors.Is(err, ErrMalformed):
		mask(want, telemetry.ReasonMalformed, key, collection, "error", err)
		return nil, false
	case err != nil:
		mask(want, telemetry.ReasonStorage, key, collection, "error", err)
		return nil, false
	case !ok:
		telemetry.MaskedReads.WithLabelValues(want.String(), telemetry.ReasonMissing).Inc()
		return nil, false
	case v.Kind() != want:
		mask(want, telemetry.ReasonKindMismatch, key, collection, "stored", v.Kind().String())
		return nil, false
	}
	return v, true
}

func mask(want Kind, reason, key, collection string, args ...any) {
	telemetry.MaskedReads.WithLabelValues(want.String(), reason).Inc()
	logger.Debug("typed_read_masked", append([]any{"kind", want.String(), "reason", reason, "collection", collection, "key", key}, args...)...)
}

func get[T Value](tx Getter, key, collection string, kind Kind) (T, bool) {
	var zero T
	v, ok := lookupKind(tx, key, collection, kind)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// GetBool returns def when the key is absent or not a bool.
func GetBool(tx Getter, key, collection string, def bool) bool {
	if v, ok := get[BoolValue](tx, key, collection, KindBool); ok {
		return bool(v)
	}
	return def
}

// GetInt returns def when the key is absent or not an int.
func GetInt(tx Getter, key, collection string, def int32) int32 {
	if v, ok := get[IntValue](tx, key, collection, KindInt); ok {
		return int32(v)
	}
	return def
}

func GetDate(tx Getter, key, collection string) (time.Time, bool) {
	v, ok := get[DateValue](tx, key, collection, KindDate)
	return time.Time(v), ok
}

func GetDictionary(tx Getter, key, collection string) (map[string]any, bool) {
	v, ok := get[DictionaryValue](tx, key, collection, KindDictionary)
	return map[string]any(v), ok
}

func GetString(tx Getter, key, collection string) (string, bool) {
	v, ok := get[StringValue](tx, key, collection, KindString)
	return string(v), ok
}

func GetData(tx Getter, key, collection string) ([]byte, bool) {
	v, ok := get[DataValue](tx, key, collection, KindData)
	return []byte(v), ok
}

func GetKeyPair(tx Getter, key, collection string) (models.KeyPair, bool) {
	v, ok := get[KeyPairValue](tx, key, collection, KindKeyPair)
	return models.KeyPair(v), ok
}

func GetPreKeyRecord(tx Getter, key, collection string) (models.PreKeyRecord, bool) {
	v, ok := get[PreKeyRecordValue](tx, key, collection, KindPreKeyRecord)
	return models.PreKeyRecord(v), ok
}

func GetSignedPreKeyRecord(tx Getter, key, collection string) (models.SignedPreKeyRecord, bool) {
	v, ok := get[SignedPreKeyRecordValue](tx, key, collection, KindSignedPreKeyRecord)
	return models.SignedPreKeyRecord(v), ok
}

// SetValue encodes v and writes it at (key, collection).
func SetValue(tx Writer, key, collection string, v Value) error {
	b, err := Encode(v)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, key, err)
	}
	if err := tx.Set(collection, key, b); err != nil {
		logger.Error("typed_write_failed", "kind", v.Kind().String(), "collection", collection, "key", key, "error", err)
		return fmt.Errorf("set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Remove deletes (key, collection).
func Remove(tx Writer, key, collection string) error {
	if err := tx.Remove(collection, key); err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, key, err)
	}
	return nil
}

func SetBool(tx Writer, key, collection string, v bool) error {
	return SetValue(tx, key, collection, BoolValue(v))
}

func SetInt(tx Writer, key, collection string, v int32) error {
	return SetValue(tx, key, collection, IntValue(v))
}

func SetDate(tx Writer, key, collection string, v time.Time) error {
	return SetValue(tx, key, collection, DateValue(v))
}

func SetString(tx Writer, key, collection string, v string) error {
	return SetValue(tx, key, collection, StringValue(v))
}

// SetDictionary removes the key when v is nil.
func SetDictionary(tx Writer, key, collection string, v map[string]any) error {
	if v == nil {
		return Remove(tx, key, collection)
	}
	return SetValue(tx, key, collection, DictionaryValue(v))
}

// SetData removes the key when v is nil.
func SetData(tx Writer, key, collection string, v []byte) error {
	if v == nil {
		return Remove(tx, key, collection)
	}
	return SetValue(tx, key, collection, DataValue(v))
}

func SetKeyPair(tx Writer, key, collection string, v models.KeyPair) error {
	return SetValue(tx, key, collection, KeyPairValue(v))
}

// SetPreKeyRecord removes the key when v is nil.
func SetPreKeyRecord(tx Writer, key, collection string, v *models.PreKeyRecord) error {
	if v == nil {
		return Remove(tx, key, collection)
	}
	return SetValue(tx, key, collection, PreKeyRecordValue(*v))
}

// SetSignedPreKeyRecord removes the key when v is nil.
func SetSignedPreKeyRecord(tx Writer, key, collection string, v *models.SignedPreKeyRecord) error {
	if v == nil {
		return Remove(tx, key, collection)
	}
	return SetValue(tx, key, collection, SignedPreKeyRecordValue(*v))
}
