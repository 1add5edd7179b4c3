package wal

import "sync"

// MemoryWAL keeps entries in a slice. Flush is a no-op.
type MemoryWAL struct {
	mu            sync.RWMutex
	entries       []Entry
	first         int64
	compactedTerm int64
	closed        bool
}

// NewMemoryWAL returns an empty log whose first id is 1.
func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{first: 1}
}

func (w *MemoryWAL) lastLocked() int64 {
	return w.first + int64(len(w.entries)) - 1
}

// Append implements WAL.
func (w *MemoryWAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if e.ID != w.lastLocked()+1 {
		return ErrNonContiguous
	}
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	e.Payload = payload
	w.entries = append(w.entries, e)
	return nil
}

// Read implements WAL.
func (w *MemoryWAL) Read(id int64) (Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if id < w.first {
		return Entry{}, ErrLogGone
	}
	if id > w.lastLocked() {
		return Entry{}, ErrNotFound
	}
	return w.entries[id-w.first], nil
}

// ReadRange implements WAL.
func (w *MemoryWAL) ReadRange(from, to int64, maxBytes int) ([]Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if from < w.first {
		return nil, ErrLogGone
	}
	if last := w.lastLocked(); to > last {
		to = last
	}
	var (
		out  []Entry
		size int
	)
	for id := from; id <= to; id++ {
		e := w.entries[id-w.first]
		if maxBytes > 0 && len(out) > 0 && size+len(e.Payload) > maxBytes {
			break
		}
		size += len(e.Payload)
		out = append(out, e)
	}
	return out, nil
}

// TermAt implements WAL.
func (w *MemoryWAL) TermAt(id int64) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch {
	case id == w.first-1:
		return w.compactedTerm, nil
	case id < w.first:
		return 0, ErrLogGone
	case id > w.lastLocked():
		return 0, ErrNotFound
	}
	return w.entries[id-w.first].Term, nil
}

// TruncateAfter implements WAL.
func (w *MemoryWAL) TruncateAfter(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id >= w.lastLocked() {
		return nil
	}
	if id < w.first-1 {
		return ErrLogGone
	}
	w.entries = w.entries[:id-w.first+1]
	return nil
}

// CompactBefore implements WAL.
func (w *MemoryWAL) CompactBefore(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last := w.lastLocked(); id > last+1 {
		id = last + 1
	}
	if id <= w.first {
		return nil
	}
	drop := id - w.first
	w.compactedTerm = w.entries[drop-1].Term
	w.entries = append([]Entry(nil), w.entries[drop:]...)
	w.first = id
	return nil
}

// Flush implements WAL.
func (w *MemoryWAL) Flush() error { return nil }

// FirstLogID implements WAL.
func (w *MemoryWAL) FirstLogID() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.first
}

// LastLogID implements WAL.
func (w *MemoryWAL) LastLogID() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastLocked()
}

// LastLogTerm implements WAL.
func (w *MemoryWAL) LastLogTerm() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.entries) == 0 {
		return w.compactedTerm
	}
	return w.entries[len(w.entries)-1].Term
}

// Close implements WAL.
func (w *MemoryWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
