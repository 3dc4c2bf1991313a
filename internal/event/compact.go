package event

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// RecordSize is the exact length of a serialized CompactWorkflowEvent.
const RecordSize = 32

// FormatVersion identifies the record layout: little-endian, fields in
// declaration order, no padding.
const FormatVersion = 1

// ErrRecordSize is returned when a record is not exactly RecordSize bytes.
var ErrRecordSize = errors.New("compact record must be 32 bytes")

// Flags is a bit set of event attributes. Bits are only ever added.
type Flags uint16

const (
	FlagPrivacyProtected Flags = 1 << iota
	FlagUserModified
	FlagComplianceRelevant
	FlagHighPriority
	FlagRequiresAudit
	FlagTemporalAnomaly
)

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// With returns the set with f added.
func (fl Flags) With(f Flags) Flags { return fl | f }

// CompactWorkflowEvent is the fixed-size, identity-free form of a UserAction.
// Identifiers are keyed hashes; nothing in it can be reversed to the raw ids.
type CompactWorkflowEvent struct {
	Timestamp  uint32
	UserID     uint64
	ActionType EventType
	DocumentID uint64
	TemplateID uint32
	Flags      Flags
	Reserved   uint32
}

func (e CompactWorkflowEvent) IsPrivacyProtected() bool   { return e.Flags.Has(FlagPrivacyProtected) }
func (e CompactWorkflowEvent) HasUserModification() bool  { return e.Flags.Has(FlagUserModified) }
func (e CompactWorkflowEvent) IsComplianceRelevant() bool { return e.Flags.Has(FlagComplianceRelevant) }
func (e CompactWorkflowEvent) IsHighPriority() bool       { return e.Flags.Has(FlagHighPriority) }
func (e CompactWorkflowEvent) RequiresAudit() bool        { return e.Flags.Has(FlagRequiresAudit) }
func (e CompactWorkflowEvent) IsTemporalAnomaly() bool    { return e.Flags.Has(FlagTemporalAnomaly) }

// WithFlag returns a copy with f set. The hashed identifiers carry over as-is.
func (e CompactWorkflowEvent) WithFlag(f Flags) CompactWorkflowEvent {
	e.Flags = e.Flags.With(f)
	return e
}

// Marshal returns the 32-byte record.
func (e CompactWorkflowEvent) Marshal() []byte {
	buf := make([]byte, RecordSize)
	e.MarshalTo(buf)
	return buf
}

// MarshalTo writes the record into buf, which must hold at least RecordSize bytes.
func (e CompactWorkflowEvent) MarshalTo(buf []byte) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], e.Timestamp)
	binary.LittleEndian.PutUint64(buf[4:12], e.UserID)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(e.ActionType))
	binary.LittleEndian.PutUint64(buf[14:22], e.DocumentID)
	binary.LittleEndian.PutUint32(buf[22:26], e.TemplateID)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(e.Flags))
	binary.LittleEndian.PutUint32(buf[28:32], e.Reserved)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(buf []byte) (CompactWorkflowEvent, error) {
	if len(buf) != RecordSize {
		return CompactWorkflowEvent{}, fmt.Errorf("%w: got %d", ErrRecordSize, len(buf))
	}
	return CompactWorkflowEvent{
		Timestamp:  binary.LittleEndian.Uint32(buf[0:4]),
		UserID:     binary.LittleEndian.Uint64(buf[4:12]),
		ActionType: EventType(binary.LittleEndian.Uint16(buf[12:14])),
		DocumentID: binary.LittleEndian.Uint64(buf[14:22]),
		TemplateID: binary.LittleEndian.Uint32(buf[22:26]),
		Flags:      Flags(binary.LittleEndian.Uint16(buf[26:28])),
		Reserved:   binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

var (
	domainUser     = []byte("veil.user.v1")
	domainDocument = []byte("veil.document.v1")
	domainTemplate = []byte("veil.template.v1")
)

// Encoder turns UserActions into compact records. Identifiers are hashed
// with keyed BLAKE3; the key is derived from a salt so the same salt yields
// the same hashes across runs.
type Encoder struct {
	mu     sync.Mutex
	hasher *blake3.Hasher
}

// NewEncoder derives the hashing key from salt.
func NewEncoder(salt []byte) (*Encoder, error) {
	if len(salt) == 0 {
		return nil, errors.New("encoder salt must not be empty")
	}
	key := blake3.Sum256(salt)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init keyed hasher: %w", err)
	}
	return &Encoder{hasher: hasher}, nil
}

// NewEphemeralEncoder uses a random key, so hashes are only comparable
// within the lifetime of the process.
func NewEphemeralEncoder() (*Encoder, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return NewEncoder(salt)
}

// Encode builds a compact record. It never fails: timestamps outside the
// 32-bit seconds range are clamped and an empty templateID encodes as zero.
func (enc *Encoder) Encode(a UserAction, userID, templateID string, flags Flags) CompactWorkflowEvent {
	var tmpl uint32
	if templateID != "" {
		tmpl = uint32(enc.sum(domainTemplate, templateID))
	}
	return CompactWorkflowEvent{
		Timestamp:  clampSeconds(a.Timestamp.Unix()),
		UserID:     enc.sum(domainUser, userID),
		ActionType: a.Type,
		DocumentID: enc.sum(domainDocument, a.DocumentID),
		TemplateID: tmpl,
		Flags:      flags,
	}
}

// HashUser returns the 64-bit identifier Encode would store for userID.
func (enc *Encoder) HashUser(userID string) uint64 {
	return enc.sum(domainUser, userID)
}

func (enc *Encoder) sum(domain []byte, value string) uint64 {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	enc.hasher.Reset()
	enc.hasher.Write(domain)
	enc.hasher.Write([]byte(value))
	return binary.LittleEndian.Uint64(enc.hasher.Sum(nil)[:8])
}

func clampSeconds(s int64) uint32 {
	switch {
	case s < 0:
		return 0
	case s > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(s)
	}
}

// Action expands a record back into a UserAction. Identifiers come back as
// their hex hashes, never as the raw values.
func (e CompactWorkflowEvent) Action() UserAction {
	return UserAction{
		Type:       e.ActionType,
		DocumentID: fmt.Sprintf("%016x", e.DocumentID),
		Timestamp:  time.Unix(int64(e.Timestamp), 0).UTC(),
		Metadata:   map[string]string{UserKey: fmt.Sprintf("%016x", e.UserID)},
	}
}
