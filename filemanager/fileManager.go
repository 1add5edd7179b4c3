package filemanager

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("raftex/filemanager")

// FileManager keeps track of all the files a host writes under its data dir.
// Paths handed to it are relative to that root.
type FileManager struct {
	mutex sync.Mutex
	root  string
	// line counts of files appended through this manager
	lines map[string]int
}

// NewFileManager creates the root directory if needed.
func NewFileManager(root string) (*FileManager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("filemanager: create %s: %w", root, err)
	}
	return &FileManager{root: root, lines: make(map[string]int)}, nil
}

// Root returns the absolute data directory.
func (fm *FileManager) Root() string {
	return fm.root
}

// Path resolves a relative path under the root.
func (fm *FileManager) Path(relPath string) string {
	return path.Join(fm.root, relPath)
}

// AddFolder creates a directory (and parents) under the root.
func (fm *FileManager) AddFolder(relPath string) (string, error) {
	full := fm.Path(relPath)
	if err := os.MkdirAll(full, 0755); err != nil {
		return "", err
	}
	return full, nil
}

// RemoveFolder deletes a directory tree under the root.
func (fm *FileManager) RemoveFolder(relPath string) error {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()

	full := fm.Path(relPath)
	for name := range fm.lines {
		if rel, err := filepath.Rel(full, fm.Path(name)); err == nil && !startsWithDotDot(rel) {
			delete(fm.lines, name)
		}
	}
	return os.RemoveAll(full)
}

// AddFile creates an empty file if it does not exist yet.
func (fm *FileManager) AddFile(relPath string) error {
	if _, err := fm.AddFolder(path.Dir(relPath)); err != nil {
		return err
	}
	f, err := os.OpenFile(fm.Path(relPath), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// CountLines counts the lines in a file.
func (fm *FileManager) CountLines(relPath string) (int, error) {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()
	return fm.countLines(relPath)
}

func (fm *FileManager) countLines(relPath string) (int, error) {
	if n, ok := fm.lines[relPath]; ok {
		return n, nil
	}
	f, err := os.Open(fm.Path(relPath))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	fm.lines[relPath] = n
	return n, nil
}

// Append writes text as one line and returns its 1-based line number.
func (fm *FileManager) Append(relPath string, text []byte) (int, error) {
	fm.mutex.Lock()
	defer fm.mutex.Unlock()

	n, err := fm.countLines(relPath)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(fm.Path(relPath), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		log.Errorf("append to %s failed: %v", relPath, err)
		return 0, err
	}
	fm.lines[relPath] = n + 1
	return n + 1, nil
}

// FetchLines calls cb for every line at or after the 1-based line number.
func (fm *FileManager) FetchLines(relPath string, fromLine int, cb func(line int, data []byte)) error {
	f, err := os.Open(fm.Path(relPath))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 1
	for scanner.Scan() {
		if line >= fromLine {
			cb(line, scanner.Bytes())
		}
		line++
	}
	return scanner.Err()
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".."
}
