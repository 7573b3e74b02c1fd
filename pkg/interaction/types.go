package interaction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"msgstore/pkg/models"
)

// RecordType is the persisted discriminant of a Message.
type RecordType uint32

const (
	RecordTypeIncomingMessage RecordType = 1
	RecordTypeOutgoingMessage RecordType = 2
	RecordTypeErrorMessage    RecordType = 3
	RecordTypeInfoMessage     RecordType = 4

	// Deprecated variants. Kept so rows written by old clients still decode.
	RecordTypeInvalidIdentityKeySendingErrorMessage RecordType = 5
	RecordTypeAddToProfileWhitelistOfferMessage     RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeIncomingMessage:
		return "incoming_message"
	case RecordTypeOutgoingMessage:
		return "outgoing_message"
	case RecordTypeErrorMessage:
		return "error_message"
	case RecordTypeInfoMessage:
		return "info_message"
	case RecordTypeInvalidIdentityKeySendingErrorMessage:
		return "invalid_identity_key_sending_error_message"
	case RecordTypeAddToProfileWhitelistOfferMessage:
		return "add_to_profile_whitelist_offer_message"
	default:
		return fmt.Sprintf("record_type(%d)", uint32(t))
	}
}

// Deprecated reports whether t may only be decoded.
func (t RecordType) Deprecated() bool {
	s, ok := schemas[t]
	return ok && s.deprecated
}

// BaseSchemaVersion versions the fields shared by every variant.
const BaseSchemaVersion uint32 = 2

// Interaction holds the fields shared by every message variant.
//
// Introduced in base v1: ReceivedAtTimestamp (defaults to Timestamp) and
// LinkPreview (nil). Introduced in base v2: SortID (0) and MessageSticker
// (nil). Everything else has been there since v0.
type Interaction struct {
	UniqueID            string
	Timestamp           uint64
	ReceivedAtTimestamp uint64
	SortID              uint64
	UniqueThreadID      string
	AttachmentIDs       []string
	Body                string
	ExpiresInSeconds    uint32
	ExpireStartedAt     uint64
	ExpiresAt           uint64
	QuotedMessage       []byte
	ContactShare        []byte
	LinkPreview         []byte
	MessageSticker      *models.MessageSticker
}

// Message is a decoded interaction. Implementations are value types: to
// change one, build a new value and Save it.
type Message interface {
	RecordType() RecordType
	Base() Interaction
	// SchemaVersions returns the base and variant versions the value was
	// built under.
	SchemaVersions() (base, variant uint32)
	isMessage()
}

type versions struct {
	base, variant uint32
}

func (v versions) SchemaVersions() (uint32, uint32) { return v.base, v.variant }

// NewUniqueID returns a fresh interaction id.
func NewUniqueID() string {
	return uuid.NewString()
}

var (
	ErrUnknownRecordType = errors.New("interaction: unknown record type")
	ErrFutureVersion     = errors.New("interaction: schema version is newer than this build")
	ErrInconsistent      = errors.New("interaction: persisted fields contradict recorded schema versions")
	ErrStorage           = errors.New("interaction: storage fault")
	ErrDeprecatedVariant = errors.New("interaction: deprecated variants cannot be written")
	ErrInvalidEntity     = errors.New("interaction: invalid entity")
	ErrIndexUnavailable  = errors.New("interaction: required extension is not registered")
)

// DecodeError is returned by every failed decode. It unwraps to one of
// ErrUnknownRecordType, ErrFutureVersion, ErrInconsistent or ErrStorage.
type DecodeError struct {
	UniqueID   string
	RecordType RecordType
	Reason     string
	Err        error

	cause string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode interaction %s (%s): %s: %v", e.UniqueID, e.RecordType, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
