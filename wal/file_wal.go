package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("raftex/wal")

const fileName = "wal.log"

// indexItem locates one record inside the log file.
type indexItem struct {
	id     int64
	term   int64
	offset int64
	size   int64
}

func (i indexItem) Less(than btree.Item) bool {
	return i.id < than.(indexItem).id
}

// FileWAL stores every record of one group in a single append-only file and
// keeps an id -> offset index in memory.
type FileWAL struct {
	mu   sync.RWMutex
	dir  string
	sync bool

	file  *os.File
	size  int64
	index *btree.BTree

	first         int64
	last          int64
	lastTerm      int64
	compactedTerm int64

	closed bool
}

// OpenFileWAL opens (or creates) the log in dir and rebuilds its index. A torn
// or corrupted tail is cut off. With syncOnFlush, Flush fsyncs the file.
func OpenFileWAL(dir string, syncOnFlush bool) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	w := &FileWAL{
		dir:   dir,
		sync:  syncOnFlush,
		file:  f,
		index: btree.New(32),
		first: 1,
	}
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recover scans the file from the start, rebuilding the index.
func (w *FileWAL) recover() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(w.file)

	var offset int64
	for {
		e, n, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("wal %s: dropping tail at offset %d: %v", w.dir, offset, err)
			if err := w.file.Truncate(offset); err != nil {
				return err
			}
			break
		}

		if e.Type == typeCompactMarker && offset == 0 {
			w.first = e.ID + 1
			w.last = e.ID
			w.compactedTerm = e.Term
			w.lastTerm = e.Term
			offset += int64(n)
			continue
		}
		if e.ID != w.last+1 {
			log.Warnf("wal %s: id %d follows %d, dropping tail at offset %d", w.dir, e.ID, w.last, offset)
			if err := w.file.Truncate(offset); err != nil {
				return err
			}
			break
		}

		w.index.ReplaceOrInsert(indexItem{id: e.ID, term: e.Term, offset: offset, size: int64(n)})
		w.last = e.ID
		w.lastTerm = e.Term
		offset += int64(n)
	}
	w.size = offset
	return nil
}

// Append implements WAL.
func (w *FileWAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if e.ID != w.last+1 {
		return ErrNonContiguous
	}

	rec := encodeRecord(e)
	if _, err := w.file.Write(rec); err != nil {
		return fmt.Errorf("wal: append %d: %w", e.ID, err)
	}
	w.index.ReplaceOrInsert(indexItem{id: e.ID, term: e.Term, offset: w.size, size: int64(len(rec))})
	w.size += int64(len(rec))
	w.last = e.ID
	w.lastTerm = e.Term
	return nil
}

func (w *FileWAL) lookup(id int64) (indexItem, error) {
	if id < w.first {
		return indexItem{}, ErrLogGone
	}
	if id > w.last {
		return indexItem{}, ErrNotFound
	}
	item := w.index.Get(indexItem{id: id})
	if item == nil {
		return indexItem{}, ErrNotFound
	}
	return item.(indexItem), nil
}

func (w *FileWAL) readAt(item indexItem) (Entry, error) {
	buf := make([]byte, item.size)
	if _, err := w.file.ReadAt(buf, item.offset); err != nil {
		return Entry{}, err
	}
	e, _, err := decodeRecord(bytes.NewReader(buf))
	return e, err
}

// Read implements WAL.
func (w *FileWAL) Read(id int64) (Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return Entry{}, ErrClosed
	}
	item, err := w.lookup(id)
	if err != nil {
		return Entry{}, err
	}
	return w.readAt(item)
}

// ReadRange implements WAL.
func (w *FileWAL) ReadRange(from, to int64, maxBytes int) ([]Entry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}
	if from < w.first {
		return nil, ErrLogGone
	}
	if to > w.last {
		to = w.last
	}

	var (
		out     []Entry
		size    int
		readErr error
	)
	w.index.AscendRange(indexItem{id: from}, indexItem{id: to + 1}, func(i btree.Item) bool {
		e, err := w.readAt(i.(indexItem))
		if err != nil {
			readErr = err
			return false
		}
		if maxBytes > 0 && len(out) > 0 && size+len(e.Payload) > maxBytes {
			return false
		}
		size += len(e.Payload)
		out = append(out, e)
		return true
	})
	return out, readErr
}

// TermAt implements WAL.
func (w *FileWAL) TermAt(id int64) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if id == w.first-1 {
		return w.compactedTerm, nil
	}
	item, err := w.lookup(id)
	if err != nil {
		return 0, err
	}
	return item.term, nil
}

// TruncateAfter implements WAL.
func (w *FileWAL) TruncateAfter(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if id >= w.last {
		return nil
	}
	if id < w.first-1 {
		return ErrLogGone
	}

	cut, err := w.lookup(id + 1)
	if err != nil {
		return err
	}
	if err := w.file.Truncate(cut.offset); err != nil {
		return fmt.Errorf("wal: truncate after %d: %w", id, err)
	}

	var drop []btree.Item
	w.index.AscendGreaterOrEqual(indexItem{id: id + 1}, func(i btree.Item) bool {
		drop = append(drop, i)
		return true
	})
	for _, i := range drop {
		w.index.Delete(i)
	}

	w.size = cut.offset
	w.last = id
	if id == w.first-1 {
		w.lastTerm = w.compactedTerm
	} else {
		w.lastTerm = w.index.Get(indexItem{id: id}).(indexItem).term
	}
	return nil
}

// CompactBefore implements WAL. The file is rewritten with a marker record
// followed by the surviving entries.
func (w *FileWAL) CompactBefore(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if id > w.last+1 {
		id = w.last + 1
	}
	if id <= w.first {
		return nil
	}

	markerTerm := w.index.Get(indexItem{id: id - 1}).(indexItem).term

	tmpPath := filepath.Join(w.dir, fileName+".compact")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(encodeRecord(Entry{ID: id - 1, Term: markerTerm, Type: typeCompactMarker})); err != nil {
		tmp.Close()
		return err
	}
	var copyErr error
	w.index.AscendGreaterOrEqual(indexItem{id: id}, func(i btree.Item) bool {
		buf := make([]byte, i.(indexItem).size)
		if _, err := w.file.ReadAt(buf, i.(indexItem).offset); err != nil {
			copyErr = err
			return false
		}
		if _, err := bw.Write(buf); err != nil {
			copyErr = err
			return false
		}
		return true
	})
	if copyErr == nil {
		copyErr = bw.Flush()
	}
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: compact before %d: %w", id, copyErr)
	}

	path := filepath.Join(w.dir, fileName)
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	w.file.Close()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = f
	w.index = btree.New(32)
	w.first = 1
	w.last = 0
	w.lastTerm = 0
	w.compactedTerm = 0
	return w.recover()
}

// Flush implements WAL.
func (w *FileWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.sync {
		return nil
	}
	return w.file.Sync()
}

// FirstLogID implements WAL.
func (w *FileWAL) FirstLogID() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.first
}

// LastLogID implements WAL.
func (w *FileWAL) LastLogID() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// LastLogTerm implements WAL.
func (w *FileWAL) LastLogTerm() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastTerm
}

// Close implements WAL.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.sync {
		if err := w.file.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
			w.file.Close()
			return err
		}
	}
	return w.file.Close()
}
