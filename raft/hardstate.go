package raft

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

var hardStateBucket = []byte("raft_hardstate")

// HardState is the part of a group's state that must survive restarts.
type HardState struct {
	Term     TermID
	VotedFor HostAddr
}

// HardStateStore persists one group's HardState. Save must be durable when it
// returns.
type HardStateStore interface {
	Load() (HardState, error)
	Save(hs HardState) error
}

// OpenHardStateDB opens the bolt file shared by every group on a host.
func OpenHardStateDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("raft: open hard state db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hardStateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// BoltHardStateStore keeps a group's hard state under the key "space/part".
type BoltHardStateStore struct {
	db  *bolt.DB
	key []byte
}

func NewBoltHardStateStore(db *bolt.DB, space, part int) *BoltHardStateStore {
	return &BoltHardStateStore{db: db, key: []byte(fmt.Sprintf("%d/%d", space, part))}
}

func (s *BoltHardStateStore) Load() (HardState, error) {
	var hs HardState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(hardStateBucket).Get(s.key)
		if v == nil {
			return nil
		}
		if len(v) < 8 {
			return fmt.Errorf("raft: hard state for %s is %d bytes", s.key, len(v))
		}
		hs.Term = TermID(binary.BigEndian.Uint64(v[:8]))
		hs.VotedFor = HostAddr(v[8:])
		return nil
	})
	return hs, err
}

func (s *BoltHardStateStore) Save(hs HardState) error {
	buf := make([]byte, 8+len(hs.VotedFor))
	binary.BigEndian.PutUint64(buf[:8], uint64(hs.Term))
	copy(buf[8:], hs.VotedFor)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hardStateBucket).Put(s.key, buf)
	})
}

// Delete drops the group's record.
func (s *BoltHardStateStore) Delete() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hardStateBucket).Delete(s.key)
	})
}

// MemoryHardStateStore keeps hard state in memory.
type MemoryHardStateStore struct {
	mu sync.Mutex
	hs HardState
}

func (s *MemoryHardStateStore) Load() (HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs, nil
}

func (s *MemoryHardStateStore) Save(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}
