package interaction

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"msgstore/pkg/kv"
	"msgstore/pkg/models"
)

// Conversions between entity fields and typed stored values. Timestamps are
// milliseconds since the epoch and travel as Date values.

func dateValue(ms uint64) kv.Value {
	return kv.DateValue(time.UnixMilli(int64(ms)))
}

func uint32Value(v uint32) kv.Value {
	return kv.IntValue(int32(v))
}

func uint64Value(v uint64) kv.Value {
	return kv.DataValue(binary.BigEndian.AppendUint64(nil, v))
}

func stringsValue(items []string) kv.Value {
	list := make([]any, len(items))
	for i, s := range items {
		list[i] = s
	}
	return kv.DictionaryValue{"items": list}
}

func dataValue(b []byte) kv.Value {
	if b == nil {
		return kv.DataValue{}
	}
	return kv.DataValue(b)
}

func stickerValue(s *models.MessageSticker) kv.Value {
	if s == nil {
		return kv.DictionaryValue{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return kv.DictionaryValue{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return kv.DictionaryValue{}
	}
	return kv.DictionaryValue(m)
}

// fieldReader holds the decoded columns of one record. Every accessor takes
// the default used when the column predates the record.
type fieldReader map[string]kv.Value

func (r fieldReader) date(name string, def uint64) uint64 {
	if v, ok := r[name].(kv.DateValue); ok {
		return uint64(time.Time(v).UnixMilli())
	}
	return def
}

func (r fieldReader) uint32(name string, def uint32) uint32 {
	if v, ok := r[name].(kv.IntValue); ok {
		return uint32(int32(v))
	}
	return def
}

func (r fieldReader) uint64(name string, def uint64) uint64 {
	if v, ok := r[name].(kv.DataValue); ok && len(v) == 8 {
		return binary.BigEndian.Uint64(v)
	}
	return def
}

func (r fieldReader) str(name string, def string) string {
	if v, ok := r[name].(kv.StringValue); ok {
		return string(v)
	}
	return def
}

func (r fieldReader) boolean(name string, def bool) bool {
	if v, ok := r[name].(kv.BoolValue); ok {
		return bool(v)
	}
	return def
}

func (r fieldReader) data(name string) []byte {
	if v, ok := r[name].(kv.DataValue); ok && len(v) > 0 {
		return []byte(v)
	}
	return nil
}

func (r fieldReader) strings(name string) []string {
	v, ok := r[name].(kv.DictionaryValue)
	if !ok {
		return nil
	}
	list, _ := v["items"].([]any)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r fieldReader) sticker(name string) *models.MessageSticker {
	v, ok := r[name].(kv.DictionaryValue)
	if !ok || len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]any(v))
	if err != nil {
		return nil
	}
	var s models.MessageSticker
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return &s
}

// checkShape reports whether a column's payload has the layout the codec
// writes. The kind itself is checked by the caller.
func checkShape(f field, v kv.Value) bool {
	switch f.name {
	case fSortID:
		d, _ := v.(kv.DataValue)
		return len(d) == 8
	case fAttachmentIDs:
		d, _ := v.(kv.DictionaryValue)
		list, ok := d["items"].([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	case fMessageSticker:
		d, _ := v.(kv.DictionaryValue)
		if len(d) == 0 {
			return true
		}
		b, err := json.Marshal(map[string]any(d))
		if err != nil {
			return false
		}
		var s models.MessageSticker
		return json.Unmarshal(b, &s) == nil
	}
	return true
}

func baseValues(b Interaction) map[string]kv.Value {
	return map[string]kv.Value{
		fTimestamp:           dateValue(b.Timestamp),
		fUniqueThreadID:      kv.StringValue(b.UniqueThreadID),
		fAttachmentIDs:       stringsValue(b.AttachmentIDs),
		fBody:                kv.StringValue(b.Body),
		fExpiresInSeconds:    uint32Value(b.ExpiresInSeconds),
		fExpireStartedAt:     dateValue(b.ExpireStartedAt),
		fExpiresAt:           dateValue(b.ExpiresAt),
		fQuotedMessage:       dataValue(b.QuotedMessage),
		fContactShare:        dataValue(b.ContactShare),
		fReceivedAtTimestamp: dateValue(b.ReceivedAtTimestamp),
		fLinkPreview:         dataValue(b.LinkPreview),
		fSortID:              uint64Value(b.SortID),
		fMessageSticker:      stickerValue(b.MessageSticker),
	}
}

// decodeBase backfills base columns newer than the record.
func decodeBase(id string, r fieldReader) Interaction {
	ts := r.date(fTimestamp, 0)
	return Interaction{
		UniqueID:            id,
		Timestamp:           ts,
		ReceivedAtTimestamp: r.date(fReceivedAtTimestamp, ts),
		SortID:              r.uint64(fSortID, 0),
		UniqueThreadID:      r.str(fUniqueThreadID, ""),
		AttachmentIDs:       r.strings(fAttachmentIDs),
		Body:                r.str(fBody, ""),
		ExpiresInSeconds:    r.uint32(fExpiresInSeconds, 0),
		ExpireStartedAt:     r.date(fExpireStartedAt, 0),
		ExpiresAt:           r.date(fExpiresAt, 0),
		QuotedMessage:       r.data(fQuotedMessage),
		ContactShare:        r.data(fContactShare),
		LinkPreview:         r.data(fLinkPreview),
		MessageSticker:      r.sticker(fMessageSticker),
	}
}
