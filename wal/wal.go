// Package wal defines the write-ahead log port a consensus group persists its
// entries through, with a file-backed and an in-memory implementation.
//
// A WAL has a single writer (the owning group) and any number of readers.
// Ids are contiguous: Append only accepts LastLogID()+1. Entries below
// FirstLogID() have been compacted away and reading them yields ErrLogGone.
package wal

import "errors"

var (
	// ErrNonContiguous is returned when an append would leave a gap.
	ErrNonContiguous = errors.New("wal: non-contiguous log id")

	// ErrLogGone is returned when reading an id that has been compacted.
	ErrLogGone = errors.New("wal: log id compacted")

	// ErrNotFound is returned when reading past the last id.
	ErrNotFound = errors.New("wal: log id not found")

	// ErrCorrupted is returned when a record fails its checksum.
	ErrCorrupted = errors.New("wal: record corrupted")

	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal: closed")
)

// Entry is one persisted log slot.
type Entry struct {
	ID      int64
	Term    int64
	Type    uint8
	Payload []byte
}

// WAL is the persistent log of one consensus group.
type WAL interface {
	// Append writes e at LastLogID()+1.
	Append(e Entry) error

	// Read returns the entry with the given id.
	Read(id int64) (Entry, error)

	// ReadRange returns entries in [from, to], stopping early once maxBytes of
	// payload have been collected (at least one entry is always returned).
	// maxBytes <= 0 means unbounded.
	ReadRange(from, to int64, maxBytes int) ([]Entry, error)

	// TermAt returns the term of id. TermAt(FirstLogID()-1) is the term of the
	// last compacted entry, 0 for an uncompacted log.
	TermAt(id int64) (int64, error)

	// TruncateAfter drops every entry with id greater than the given one.
	TruncateAfter(id int64) error

	// CompactBefore drops every entry with id lower than the given one.
	CompactBefore(id int64) error

	// Flush makes appended entries durable.
	Flush() error

	FirstLogID() int64
	LastLogID() int64
	LastLogTerm() int64

	Close() error
}
