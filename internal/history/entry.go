package history

import (
	"fmt"
	"strings"
)

// Tag is the one-character operation prefix of an OperationKey.
type Tag byte

// Operation tags.
const (
	TagWatched   Tag = 'w'
	TagUnwatched Tag = 'n'
)

// VideoIDLength is the length of a platform video identifier.
const VideoIDLength = 11

// packSeparator splits an operation key from its timestamp token.
const packSeparator = ":"

// Valid reports whether t is one of the known operation tags.
func (t Tag) Valid() bool {
	return t == TagWatched || t == TagUnwatched
}

// Sibling returns the opposite tag. Only meaningful for valid tags.
func (t Tag) Sibling() Tag {
	if t == TagWatched {
		return TagUnwatched
	}

	return TagWatched
}

func (t Tag) String() string {
	switch t {
	case TagWatched:
		return "watched"
	case TagUnwatched:
		return "unwatched"
	default:
		return fmt.Sprintf("Tag(%q)", byte(t))
	}
}

// OperationKey is a tag followed by a video identifier, e.g. "wdQw4w9WgXcQ".
type OperationKey string

// NewOperationKey joins tag and videoID. It does not validate.
func NewOperationKey(tag Tag, videoID string) OperationKey {
	return OperationKey(string(tag) + videoID)
}

// ParseOperationKey validates s as an operation key: a known tag followed by
// an identifier of VideoIDLength characters that cannot collide with the
// packed form's separator.
func ParseOperationKey(s string) (OperationKey, bool) {
	if len(s) != 1+VideoIDLength || !Tag(s[0]).Valid() {
		return "", false
	}

	if strings.Contains(s, packSeparator) {
		return "", false
	}

	return OperationKey(s), true
}

// ValidVideoID reports whether id has the shape of a platform video identifier.
func ValidVideoID(id string) bool {
	_, ok := ParseOperationKey(string(TagWatched) + id)
	return ok
}

// Tag returns the operation tag.
func (k OperationKey) Tag() Tag { return Tag(k[0]) }

// VideoID returns the identifier part.
func (k OperationKey) VideoID() string { return string(k[1:]) }

// Sibling returns the key with the opposite tag for the same video.
func (k OperationKey) Sibling() OperationKey {
	return NewOperationKey(k.Tag().Sibling(), k.VideoID())
}

// Entry is one watch-history log entry.
type Entry struct {
	Key       OperationKey `json:"key"`
	Timestamp int64        `json:"timestamp"`
}

// UnpackStatus classifies the outcome of Unpack.
type UnpackStatus int

// Unpack outcomes.
const (
	// UnpackOK is a current-format entry with a decoded timestamp.
	UnpackOK UnpackStatus = iota
	// UnpackLegacy is a bare operation key with no timestamp (wire version 1).
	UnpackLegacy
	// UnpackFallback is a current-format entry whose timestamp was missing or
	// undecodable; the fallback timestamp was used.
	UnpackFallback
	// UnpackSkipped is input that cannot be an entry at all and must not be
	// persisted.
	UnpackSkipped
)

func (s UnpackStatus) String() string {
	switch s {
	case UnpackOK:
		return "ok"
	case UnpackLegacy:
		return "legacy"
	case UnpackFallback:
		return "fallback"
	case UnpackSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("UnpackStatus(%d)", int(s))
	}
}

// Unpacked is the typed result of Unpack. Timestamp is zero for legacy and
// skipped results.
type Unpacked struct {
	Key       OperationKey
	Timestamp int64
	Status    UnpackStatus
	Reason    string
}

// Pack renders an entry in wire form: the operation key, a colon, and the
// base-36 seconds token.
func Pack(key OperationKey, ms int64) string {
	return string(key) + packSeparator + EncodeTimestamp(ms)
}

// Unpack parses a wire value. Non-strings and strings whose key part is not
// an operation key are skipped. A string without a colon is the legacy form.
// A colon-suffixed entry whose timestamp is absent or malformed keeps its key
// and takes fallback as its timestamp, favouring availability over precision.
func Unpack(v any, fallback int64) Unpacked {
	s, ok := v.(string)
	if !ok {
		return Unpacked{Status: UnpackSkipped, Reason: fmt.Sprintf("entry is %T, not a string", v)}
	}

	keyPart, token, hasToken := strings.Cut(s, packSeparator)

	key, ok := ParseOperationKey(keyPart)
	if !ok {
		return Unpacked{Status: UnpackSkipped, Reason: fmt.Sprintf("invalid operation key %q", keyPart)}
	}

	if !hasToken {
		return Unpacked{Key: key, Status: UnpackLegacy}
	}

	ts, err := DecodeTimestamp(token)
	if err != nil {
		return Unpacked{Key: key, Timestamp: fallback, Status: UnpackFallback, Reason: "missing or malformed timestamp"}
	}

	return Unpacked{Key: key, Timestamp: ts, Status: UnpackOK}
}
