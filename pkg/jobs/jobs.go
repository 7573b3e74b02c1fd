// Package jobs persists durable job records: work a job queue must finish
// even across restarts. Each record is one Dictionary carrying its record
// type and schema version, decoded fail-closed like interactions.
package jobs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
	"msgstore/pkg/telemetry"
)

const (
	// Collection holds one Dictionary per job record, keyed by unique id.
	Collection = "SSKJobRecord"

	metaCollection = "SSKJobRecord.meta"
	lastSortIDKey  = "lastSortId"
)

// SchemaVersion is the newest record layout this build reads and writes.
// v1 added invisibleMessage to message sender jobs.
const SchemaVersion uint32 = 1

// RecordType is the persisted discriminant of a job record.
type RecordType uint32

const (
	RecordTypeJobRecord              RecordType = 1
	RecordTypeSessionResetJobRecord  RecordType = 2
	RecordTypeMessageSenderJobRecord RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeJobRecord:
		return "job_record"
	case RecordTypeSessionResetJobRecord:
		return "session_reset_job_record"
	case RecordTypeMessageSenderJobRecord:
		return "message_sender_job_record"
	default:
		return fmt.Sprintf("job_record_type(%d)", uint32(t))
	}
}

// Status is where a job is in its lifecycle.
type Status uint32

const (
	StatusUnknown Status = iota
	StatusReady
	StatusRunning
	StatusPermanentlyFailed
	StatusObsolete
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusPermanentlyFailed:
		return "permanently_failed"
	case StatusObsolete:
		return "obsolete"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusUnknown; st <= StatusObsolete; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

var (
	ErrUnknownRecordType = errors.New("jobs: unknown record type")
	ErrFutureVersion     = errors.New("jobs: schema version is newer than this build")
	ErrInconsistent      = errors.New("jobs: persisted record contradicts its schema version")
	ErrStorage           = errors.New("jobs: storage fault")
	ErrInvalidRecord     = errors.New("jobs: invalid record")
	ErrNotFound          = errors.New("jobs: no such record")
	ErrIllegalTransition = errors.New("jobs: illegal status transition")
	ErrIndexUnavailable  = errors.New("jobs: required extension is not registered")
)

// Job holds the fields every job record has.
type Job struct {
	UniqueID     string
	Label        string
	Status       Status
	FailureCount uint64
	// SortID orders jobs by insertion. Save assigns it.
	SortID uint64
}

// Record is a decoded job record. Implementations are value types.
type Record interface {
	RecordType() RecordType
	Base() Job
	withBase(Job) Record
	fields() map[string]any
}

type JobRecord struct {
	Job
}

func (JobRecord) RecordType() RecordType   { return RecordTypeJobRecord }
func (r JobRecord) Base() Job              { return r.Job }
func (r JobRecord) fields() map[string]any { return map[string]any{} }

func (r JobRecord) withBase(j Job) Record {
	r.Job = j
	return r
}

// SessionResetJobRecord resets the session with a contact thread.
type SessionResetJobRecord struct {
	Job
	ContactThreadID string
}

func (SessionResetJobRecord) RecordType() RecordType { return RecordTypeSessionResetJobRecord }
func (r SessionResetJobRecord) Base() Job            { return r.Job }

func (r SessionResetJobRecord) withBase(j Job) Record {
	r.Job = j
	return r
}

func (r SessionResetJobRecord) fields() map[string]any {
	return map[string]any{fContactThreadID: r.ContactThreadID}
}

// MessageSenderJobRecord sends one outgoing message. A saved message is
// referenced by MessageID; a message that is never saved travels inline as
// InvisibleMessage.
type MessageSenderJobRecord struct {
	Job
	MessageID                 string
	ThreadID                  string
	InvisibleMessage          []byte
	RemoveMessageAfterSending bool
}

func (MessageSenderJobRecord) RecordType() RecordType { return RecordTypeMessageSenderJobRecord }
func (r MessageSenderJobRecord) Base() Job            { return r.Job }

func (r MessageSenderJobRecord) withBase(j Job) Record {
	r.Job = j
	return r
}

func (r MessageSenderJobRecord) fields() map[string]any {
	out := map[string]any{fRemoveMessageAfterSending: r.RemoveMessageAfterSending}
	if r.MessageID != "" {
		out[fMessageID] = r.MessageID
	}
	if r.ThreadID != "" {
		out[fThreadID] = r.ThreadID
	}
	if len(r.InvisibleMessage) > 0 {
		out[fInvisibleMessage] = r.InvisibleMessage
	}
	return out
}

func newJob(label string) Job {
	return Job{UniqueID: uuid.NewString(), Label: label, Status: StatusReady}
}

func NewJobRecord(label string) JobRecord {
	return JobRecord{Job: newJob(label)}
}

func NewSessionResetJobRecord(label, contactThreadID string) SessionResetJobRecord {
	return SessionResetJobRecord{Job: newJob(label), ContactThreadID: contactThreadID}
}

func NewMessageSenderJobRecord(label, messageID, threadID string, invisibleMessage []byte, removeAfterSending bool) MessageSenderJobRecord {
	return MessageSenderJobRecord{
		Job:                       newJob(label),
		MessageID:                 messageID,
		ThreadID:                  threadID,
		InvisibleMessage:          invisibleMessage,
		RemoveMessageAfterSending: removeAfterSending,
	}
}

// Persisted keys.
const (
	hRecordType    = "recordType"
	hSchemaVersion = "schemaVersion"

	fLabel                     = "label"
	fStatus                    = "status"
	fFailureCount              = "failureCount"
	fSortID                    = "sortId"
	fContactThreadID           = "contactThreadId"
	fMessageID                 = "messageId"
	fThreadID                  = "threadId"
	fInvisibleMessage          = "invisibleMessage"
	fRemoveMessageAfterSending = "removeMessageAfterSending"
)

func validate(r Record) error {
	b := r.Base()
	switch {
	case b.UniqueID == "":
		return fmt.Errorf("%w: empty unique id", ErrInvalidRecord)
	case b.Label == "":
		return fmt.Errorf("%w: %s has no label", ErrInvalidRecord, b.UniqueID)
	case b.Status > StatusObsolete:
		return fmt.Errorf("%w: %s has status %d", ErrInvalidRecord, b.UniqueID, uint32(b.Status))
	}
	switch t := r.(type) {
	case JobRecord:
	case SessionResetJobRecord:
		if t.ContactThreadID == "" {
			return fmt.Errorf("%w: %s has no contact thread", ErrInvalidRecord, b.UniqueID)
		}
	case MessageSenderJobRecord:
		if (t.MessageID == "") == (len(t.InvisibleMessage) == 0) {
			return fmt.Errorf("%w: %s needs exactly one of message id and invisible message", ErrInvalidRecord, b.UniqueID)
		}
	default:
		return fmt.Errorf("%w: unsupported %T", ErrInvalidRecord, r)
	}
	return nil
}

// Save writes r at the current schema version. A zero SortID is assigned
// the next one. The saved record is returned.
func Save(tx kv.Writer, r Record) (Record, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := validate(r); err != nil {
		return nil, err
	}
	b := r.Base()
	if b.SortID == 0 {
		next, err := nextSortID(tx)
		if err != nil {
			return nil, fmt.Errorf("assign sort id for job %s: %w", b.UniqueID, err)
		}
		b.SortID = next
		r = r.withBase(b)
	}
	d := r.fields()
	d[hRecordType] = uint32(r.RecordType())
	d[hSchemaVersion] = SchemaVersion
	d[fLabel] = b.Label
	d[fStatus] = uint32(b.Status)
	d[fFailureCount] = b.FailureCount
	d[fSortID] = b.SortID
	if err := kv.SetDictionary(tx, b.UniqueID, Collection, d); err != nil {
		return nil, fmt.Errorf("write job %s: %w", b.UniqueID, err)
	}
	return r, nil
}

func nextSortID(tx kv.Writer) (uint64, error) {
	var last uint64
	if b, ok := kv.GetData(tx, lastSortIDKey, metaCollection); ok && len(b) == 8 {
		last = binary.BigEndian.Uint64(b)
	}
	next := last + 1
	if err := kv.SetData(tx, lastSortIDKey, metaCollection, binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return 0, err
	}
	return next, nil
}

// Remove deletes the job record. Removing a missing record is not an error.
func Remove(tx kv.Writer, id string) error {
	return kv.Remove(tx, id, Collection)
}

// decodeError carries the telemetry reason alongside the wrapped sentinel.
type decodeError struct {
	id     string
	rt     RecordType
	reason string
	err    error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode job %s (%s): %v", e.id, e.rt, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

func failure(id string, rt RecordType, reason string, sentinel error, format string, args ...any) *decodeError {
	return &decodeError{id: id, rt: rt, reason: reason, err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

func report(e *decodeError) {
	label := e.rt.String()
	if _, known := variantSpecs[e.rt]; !known {
		label = "unknown"
	}
	telemetry.DecodeFailures.WithLabelValues(label, e.reason).Inc()
	logger.Warn("job_record_decode_failed", "id", e.id, "record_type", label, "reason", e.reason, "error", e.err)
}

// Fetch decodes the job record stored under id. A missing record is
// (nil, false, nil); anything that does not match its recorded schema
// version is an error wrapping one of the decode sentinels.
func Fetch(tx kv.Getter, id string) (Record, bool, error) {
	r, ok, derr := decode(tx, id)
	if derr != nil {
		report(derr)
		return nil, false, derr
	}
	return r, ok, nil
}

// fieldSpec is one persisted field: its Go type check and the version that
// introduced it. Required fields must be present from that version on.
type fieldSpec struct {
	since    uint32
	required bool
	check    func(any) bool
}

func is[T any](v any) bool {
	_, ok := v.(T)
	return ok
}

var baseSpec = map[string]fieldSpec{
	hRecordType:    {0, true, is[uint32]},
	hSchemaVersion: {0, true, is[uint32]},
	fLabel:         {0, true, is[string]},
	fStatus:        {0, true, is[uint32]},
	fFailureCount:  {0, true, is[uint64]},
	fSortID:        {0, true, is[uint64]},
}

var variantSpecs = map[RecordType]map[string]fieldSpec{
	RecordTypeJobRecord: {},
	RecordTypeSessionResetJobRecord: {
		fContactThreadID: {0, true, is[string]},
	},
	RecordTypeMessageSenderJobRecord: {
		fMessageID:                 {0, false, is[string]},
		fThreadID:                  {0, false, is[string]},
		fRemoveMessageAfterSending: {0, true, is[bool]},
		fInvisibleMessage:          {1, false, is[[]byte]},
	},
}

func decode(tx kv.Getter, id string) (Record, bool, *decodeError) {
	v, ok, err := kv.Lookup(tx, id, Collection)
	switch {
	case err != nil && errors.Is(err, kv.ErrMalformed):
		return nil, false, failure(id, 0, reasonInconsistent, ErrInconsistent, "%v", err)
	case err != nil:
		return nil, false, failure(id, 0, reasonStorage, ErrStorage, "%v", err)
	case !ok:
		return nil, false, nil
	}
	d, ok := v.(kv.DictionaryValue)
	if !ok {
		return nil, false, failure(id, 0, reasonInconsistent, ErrInconsistent, "record is %s, not dictionary", v.Kind())
	}
	rtRaw, ok := d[hRecordType].(uint32)
	if !ok {
		return nil, false, failure(id, 0, reasonInconsistent, ErrInconsistent, "record lacks %s", hRecordType)
	}
	rt := RecordType(rtRaw)
	version, ok := d[hSchemaVersion].(uint32)
	if !ok {
		return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "record lacks %s", hSchemaVersion)
	}
	variant, known := variantSpecs[rt]
	if !known {
		return nil, false, failure(id, rt, reasonUnknownRecordType, ErrUnknownRecordType, "record type %d", rtRaw)
	}
	if version > SchemaVersion {
		return nil, false, failure(id, rt, reasonFutureVersion, ErrFutureVersion, "stored v%d, newest readable v%d", version, SchemaVersion)
	}

	for name, val := range d {
		spec, ok := baseSpec[name]
		if !ok {
			spec, ok = variant[name]
		}
		switch {
		case !ok:
			return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "unexpected field %s", name)
		case spec.since > version:
			return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "field %s postdates v%d", name, version)
		case !spec.check(val):
			return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "field %s has type %T", name, val)
		}
	}
	for _, specs := range []map[string]fieldSpec{baseSpec, variant} {
		for name, spec := range specs {
			if _, present := d[name]; spec.required && spec.since <= version && !present {
				return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "field %s missing", name)
			}
		}
	}

	status := Status(d[fStatus].(uint32))
	if status > StatusObsolete {
		return nil, false, failure(id, rt, reasonInconsistent, ErrInconsistent, "status %d", uint32(status))
	}
	base := Job{
		UniqueID:     id,
		Label:        d[fLabel].(string),
		Status:       status,
		FailureCount: d[fFailureCount].(uint64),
		SortID:       d[fSortID].(uint64),
	}
	str := func(name string) string {
		s, _ := d[name].(string)
		return s
	}

	switch rt {
	case RecordTypeSessionResetJobRecord:
		return SessionResetJobRecord{Job: base, ContactThreadID: str(fContactThreadID)}, true, nil
	case RecordTypeMessageSenderJobRecord:
		invisible, _ := d[fInvisibleMessage].([]byte)
		return MessageSenderJobRecord{
			Job:                       base,
			MessageID:                 str(fMessageID),
			ThreadID:                  str(fThreadID),
			InvisibleMessage:          invisible,
			RemoveMessageAfterSending: d[fRemoveMessageAfterSending].(bool),
		}, true, nil
	default:
		return JobRecord{Job: base}, true, nil
	}
}

const (
	reasonUnknownRecordType = "unknown_record_type"
	reasonFutureVersion     = "future_version"
	reasonInconsistent      = "inconsistent"
	reasonStorage           = "storage"
)

// update applies fn to the stored record and saves the result.
func update(tx kv.Writer, id string, fn func(*Job) error) (Record, error) {
	r, ok, err := Fetch(tx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b := r.Base()
	if err := fn(&b); err != nil {
		return nil, err
	}
	return Save(tx, r.withBase(b))
}

// MarkStarted moves a ready job to running.
func MarkStarted(tx kv.Writer, id string) (Record, error) {
	return update(tx, id, func(j *Job) error {
		if j.Status != StatusReady {
			return fmt.Errorf("%w: %s is %s, not ready", ErrIllegalTransition, id, j.Status)
		}
		j.Status = StatusRunning
		return nil
	})
}

// AddFailure counts a failed attempt of a running job.
func AddFailure(tx kv.Writer, id string) (Record, error) {
	return update(tx, id, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: %s is %s, not running", ErrIllegalTransition, id, j.Status)
		}
		if j.FailureCount < 1<<63-1 {
			j.FailureCount++
		}
		return nil
	})
}

func MarkPermanentlyFailed(tx kv.Writer, id string) (Record, error) {
	return update(tx, id, func(j *Job) error {
		j.Status = StatusPermanentlyFailed
		return nil
	})
}

func MarkObsolete(tx kv.Writer, id string) (Record, error) {
	return update(tx, id, func(j *Job) error {
		j.Status = StatusObsolete
		return nil
	})
}
