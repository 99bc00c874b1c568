package document

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidAuthorID indicates that an author identifier is empty or exceeds storage bounds.
	ErrInvalidAuthorID = errors.New("document: invalid author id")
	// ErrInvalidUpdateID indicates that an update identifier is invalid.
	ErrInvalidUpdateID = errors.New("document: invalid update id")
	// ErrInvalidVersion indicates that a snapshot version value is invalid.
	ErrInvalidVersion = errors.New("document: invalid version")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// AuthorID represents a validated author identifier.
type AuthorID string

// NewAuthorID validates raw input and returns an AuthorID.
func NewAuthorID(rawInput string) (AuthorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAuthorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAuthorID, maxIdentifierLength)
	}
	return AuthorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AuthorID) String() string {
	return string(id)
}

// UpdateID represents a validated durable update identifier.
type UpdateID int64

// NewUpdateID validates the value and returns an UpdateID.
func NewUpdateID(value int64) (UpdateID, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUpdateID, value)
	}
	return UpdateID(value), nil
}

// Int64 returns the update identifier as an int64.
func (id UpdateID) Int64() int64 {
	return int64(id)
}

// Version represents a validated snapshot version.
type Version int64

// NewVersion validates the value and returns a Version.
func NewVersion(value int64) (Version, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, value)
	}
	return Version(value), nil
}

// Int64 returns the version as an int64.
func (v Version) Int64() int64 {
	return int64(v)
}

// SessionID identifies one live editing session. Sessions are ephemeral
// and never persisted.
type SessionID string

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// Session captures the ephemeral state registered for one connected editor.
type Session struct {
	ID         SessionID
	DocumentID DocumentID
	UserID     AuthorID
	LastSeenAt time.Time
}

// SnapshotSource enumerates how a stored snapshot was produced.
type SnapshotSource string

const (
	// SnapshotSourceLive marks a snapshot materialized from the live update log.
	SnapshotSourceLive SnapshotSource = "live"
	// SnapshotSourceFallback marks an empty snapshot produced for a document without history.
	SnapshotSourceFallback SnapshotSource = "fallback"
	// SnapshotSourceMigrated marks a snapshot written through the autosave gateway.
	SnapshotSourceMigrated SnapshotSource = "migrated"
	// SnapshotSourceCompacted marks a snapshot refreshed during log compaction.
	SnapshotSourceCompacted SnapshotSource = "compacted"
)

// Snapshot is the materialized, structured view of a document at a version.
type Snapshot struct {
	DocumentID    DocumentID
	Blocks        []Block
	Version       Version
	SchemaVersion int64
	Source        SnapshotSource
	GeneratedAt   time.Time
	Checksum      string
	UpdateSeen    UpdateID
}
