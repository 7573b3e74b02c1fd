package interaction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
	"msgstore/pkg/telemetry"
)

const (
	// HeaderCollection holds one Dictionary header per interaction.
	HeaderCollection = "TSInteraction"
	// FieldCollection holds every persisted field at "<uniqueId>/<field>".
	FieldCollection = "TSInteraction.fields"

	metaCollection = "TSInteraction.meta"
	lastSortIDKey  = "lastSortId"

	hRecordType    = "recordType"
	hSchemaVersion = "schemaVersion"
	hVariantSchema = "variantSchemaVersion"
	hFields        = "fields"
)

// decode failure reasons, as counted
const (
	reasonUnknownRecordType = "unknown_record_type"
	reasonFutureVersion     = "future_version"
	reasonInconsistent      = "inconsistent"
	reasonStorage           = "storage"
)

func fieldKey(id, name string) string { return id + "/" + name }

// Save writes m at the current schema versions and returns the value as
// stored. A zero SortID is assigned from the store's counter, a zero
// ReceivedAtTimestamp is taken from Timestamp.
func Save(tx kv.Writer, m Message) (Message, error) {
	return save(tx, m, true)
}

// Upgrade rewrites a decoded message at the current schema versions. Unlike
// Save it keeps a zero SortID, so legacy records keep their place in thread
// order.
func Upgrade(tx kv.Writer, m Message) (Message, error) {
	return save(tx, m, false)
}

func save(tx kv.Writer, m Message, assignSortID bool) (Message, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidEntity)
	}
	enc, ok := m.(encodable)
	if !ok {
		if m.RecordType().Deprecated() {
			return nil, fmt.Errorf("save %s: %w", m.RecordType(), ErrDeprecatedVariant)
		}
		return nil, fmt.Errorf("save %s: %w", m.RecordType(), ErrInvalidEntity)
	}
	base := withDefaults(m.Base())
	if base.UniqueID == "" || strings.Contains(base.UniqueID, "/") {
		return nil, fmt.Errorf("%w: bad unique id %q", ErrInvalidEntity, base.UniqueID)
	}
	if base.SortID == 0 && assignSortID {
		id, err := nextSortID(tx)
		if err != nil {
			return nil, err
		}
		base.SortID = id
	}

	out := enc.stamped(base)
	vals := baseValues(base)
	for name, v := range out.(encodable).variantValues() {
		vals[name] = v
	}

	// drop columns a previous write of this id left behind
	if prev, ok := headerFields(tx, base.UniqueID); ok {
		for _, name := range prev {
			if _, keep := vals[name]; keep {
				continue
			}
			if err := kv.Remove(tx, fieldKey(base.UniqueID, name), FieldCollection); err != nil {
				return nil, err
			}
		}
	}

	bv, sv := out.SchemaVersions()
	if err := writeRecord(tx, base.UniqueID, out.RecordType(), bv, sv, vals); err != nil {
		return nil, err
	}
	return out, nil
}

// writeRecord writes the fields and then the header. Extensions index the
// header, so they see a complete record.
func writeRecord(tx kv.Writer, id string, rt RecordType, bv, sv uint32, vals map[string]kv.Value) error {
	names := make([]string, 0, len(vals))
	for name, v := range vals {
		if err := kv.SetValue(tx, fieldKey(id, name), FieldCollection, v); err != nil {
			return fmt.Errorf("write %s field %s: %w", id, name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	header := map[string]any{
		hRecordType:    uint32(rt),
		hSchemaVersion: bv,
		hVariantSchema: sv,
		hFields:        list,
	}
	if err := kv.SetDictionary(tx, id, HeaderCollection, header); err != nil {
		return fmt.Errorf("write %s header: %w", id, err)
	}
	return nil
}

func nextSortID(tx kv.Writer) (uint64, error) {
	var last uint64
	if b, ok := kv.GetData(tx, lastSortIDKey, metaCollection); ok && len(b) == 8 {
		last = binary.BigEndian.Uint64(b)
	}
	next := last + 1
	if err := kv.SetValue(tx, lastSortIDKey, metaCollection, uint64Value(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// headerFields returns the field list of a readable header.
func headerFields(tx kv.Getter, id string) ([]string, bool) {
	v, ok, err := kv.Lookup(tx, id, HeaderCollection)
	if err != nil || !ok {
		return nil, false
	}
	d, ok := v.(kv.DictionaryValue)
	if !ok {
		return nil, false
	}
	return stringList(d[hFields])
}

func stringList(raw any) ([]string, bool) {
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func headerNumber(d kv.DictionaryValue, name string) (uint32, bool) {
	n, ok := d[name].(uint32)
	return n, ok
}

func decodeFailure(id string, rt RecordType, reason string, sentinel error, format string, args ...any) *DecodeError {
	return &DecodeError{
		UniqueID:   id,
		RecordType: rt,
		Reason:     fmt.Sprintf(format, args...),
		Err:        sentinel,
		cause:      reason,
	}
}

func report(err *DecodeError) {
	label := err.RecordType.String()
	if _, known := schemas[err.RecordType]; !known {
		label = "unknown"
	}
	telemetry.DecodeFailures.WithLabelValues(label, err.cause).Inc()
	logger.Warn("interaction_decode_failed", "id", err.UniqueID, "record_type", label, "reason", err.Reason, "error", err.Err)
}

// Fetch decodes the interaction stored under id. A missing header is
// (nil, false, nil). Every failure is a *DecodeError: the record is never
// partially decoded.
func Fetch(tx kv.Getter, id string) (Message, bool, error) {
	m, ok, derr := decode(tx, id)
	if derr != nil {
		report(derr)
		return nil, false, derr
	}
	return m, ok, nil
}

// decode is Fetch without the failure count and log.
func decode(tx kv.Getter, id string) (Message, bool, *DecodeError) {
	v, ok, err := kv.Lookup(tx, id, HeaderCollection)
	switch {
	case err != nil && errors.Is(err, kv.ErrMalformed):
		return nil, false, decodeFailure(id, 0, reasonInconsistent, ErrInconsistent, "header: %v", err)
	case err != nil:
		return nil, false, decodeFailure(id, 0, reasonStorage, fmt.Errorf("%w: %w", ErrStorage, err), "header read")
	case !ok:
		return nil, false, nil
	}
	header, ok := v.(kv.DictionaryValue)
	if !ok {
		return nil, false, decodeFailure(id, 0, reasonInconsistent, ErrInconsistent, "header is %s, not dictionary", v.Kind())
	}
	rtRaw, ok := headerNumber(header, hRecordType)
	if !ok {
		return nil, false, decodeFailure(id, 0, reasonInconsistent, ErrInconsistent, "header lacks %s", hRecordType)
	}
	rt := RecordType(rtRaw)
	bv, okB := headerNumber(header, hSchemaVersion)
	sv, okS := headerNumber(header, hVariantSchema)
	if !okB || !okS {
		return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent, "header lacks schema versions")
	}
	s, known := schemas[rt]
	if !known {
		return nil, false, decodeFailure(id, rt, reasonUnknownRecordType, ErrUnknownRecordType, "record type %d", rtRaw)
	}
	if bv > BaseSchemaVersion || sv > s.current {
		return nil, false, decodeFailure(id, rt, reasonFutureVersion, ErrFutureVersion,
			"stored (%d, %d), newest readable (%d, %d)", bv, sv, BaseSchemaVersion, s.current)
	}

	recorded, ok := stringList(header[hFields])
	if !ok {
		return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent, "header field list is not a string list")
	}
	expected := s.expectedFields(bv, sv)
	names := make([]string, len(expected))
	for i, f := range expected {
		names[i] = f.name
	}
	sorted := slices.Clone(recorded)
	sort.Strings(sorted)
	if !slices.Equal(sorted, names) {
		return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent,
			"fields %v do not match (%d, %d) layout %v", recorded, bv, sv, names)
	}

	r := make(fieldReader, len(expected))
	for _, f := range expected {
		fv, ok, err := kv.Lookup(tx, fieldKey(id, f.name), FieldCollection)
		switch {
		case err != nil && errors.Is(err, kv.ErrMalformed):
			return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent, "field %s: %v", f.name, err)
		case err != nil:
			return nil, false, decodeFailure(id, rt, reasonStorage, fmt.Errorf("%w: %w", ErrStorage, err), "field %s read", f.name)
		case !ok:
			return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent, "field %s missing", f.name)
		case fv.Kind() != f.kind:
			return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent,
				"field %s is %s, want %s", f.name, fv.Kind(), f.kind)
		case !checkShape(f, fv):
			return nil, false, decodeFailure(id, rt, reasonInconsistent, ErrInconsistent, "field %s has a bad payload", f.name)
		}
		r[f.name] = fv
	}

	return s.build(decodeBase(id, r), r, versions{bv, sv}), true, nil
}

// Remove deletes the interaction and every field it recorded.
func Remove(tx kv.Writer, id string) error {
	names, _ := headerFields(tx, id)
	for _, name := range names {
		if err := kv.Remove(tx, fieldKey(id, name), FieldCollection); err != nil {
			return err
		}
	}
	return kv.Remove(tx, id, HeaderCollection)
}

// EnumerateIDs visits every stored interaction id in key order.
func EnumerateIDs(tx kv.Reader, fn func(id string) bool) error {
	return tx.EnumerateKeysAndValues(HeaderCollection, func(key string, _ []byte) bool {
		return fn(key)
	})
}

// Enumerate decodes every stored interaction. Decode failures are passed to
// fn with a nil message and do not stop the walk.
func Enumerate(tx kv.Reader, fn func(id string, m Message, err error) bool) error {
	var ids []string
	if err := EnumerateIDs(tx, func(id string) bool {
		ids = append(ids, id)
		return true
	}); err != nil {
		return err
	}
	for _, id := range ids {
		m, ok, err := Fetch(tx, id)
		if err == nil && !ok {
			continue
		}
		if !fn(id, m, err) {
			return nil
		}
	}
	return nil
}

// Versions reports the schema versions recorded in id's header without
// decoding the record.
func Versions(tx kv.Getter, id string) (rt RecordType, base, variant uint32, ok bool) {
	v, found, err := kv.Lookup(tx, id, HeaderCollection)
	if err != nil || !found {
		return 0, 0, 0, false
	}
	d, isDict := v.(kv.DictionaryValue)
	if !isDict {
		return 0, 0, 0, false
	}
	r, ok1 := headerNumber(d, hRecordType)
	b, ok2 := headerNumber(d, hSchemaVersion)
	s, ok3 := headerNumber(d, hVariantSchema)
	if !ok1 || !ok2 || !ok3 {
		return 0, 0, 0, false
	}
	return RecordType(r), b, s, true
}
