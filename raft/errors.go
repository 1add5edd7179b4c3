package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a write is submitted to a non-leader. The
	// concrete error is a *NotLeaderError carrying the known leader.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrDemoted resolves futures whose entries were not committed before the
	// local host lost leadership.
	ErrDemoted = errors.New("raft: leadership lost before commit")

	ErrLogMismatch = errors.New("raft: log mismatch")

	// ErrLogGone is returned when catch-up needs entries that were compacted.
	ErrLogGone = errors.New("raft: log entries compacted")

	ErrStaleTerm       = errors.New("raft: stale term")
	ErrPeerUnreachable = errors.New("raft: peer unreachable")

	// ErrStorage marks a group that failed to persist its log or hard state.
	ErrStorage = errors.New("raft: storage failure")

	ErrStopped             = errors.New("raft: group stopped")
	ErrConfigChangePending = errors.New("raft: membership change pending")
	ErrUnknownMember       = errors.New("raft: unknown member")
	ErrMemberExists        = errors.New("raft: member exists")
	ErrNotVoter            = errors.New("raft: not a voter")
	ErrUnknownPart         = errors.New("raft: unknown partition")
)

// NotLeaderError is returned by writes on a non-leader.
type NotLeaderError struct {
	Leader HostAddr
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return "raft: not leader, leader unknown"
	}
	return fmt.Sprintf("raft: not leader, leader is %s", e.Leader)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// ErrorCode is carried by rpc responses.
type ErrorCode int

const (
	ErrCodeSucceeded ErrorCode = iota
	ErrCodeStaleTerm
	ErrCodeLogMismatch
	ErrCodeLogGone
	ErrCodeNotVoter
	ErrCodeUnknownPart
	ErrCodeStopped
	ErrCodeStorage
)

var codeErrors = map[ErrorCode]error{
	ErrCodeStaleTerm:   ErrStaleTerm,
	ErrCodeLogMismatch: ErrLogMismatch,
	ErrCodeLogGone:     ErrLogGone,
	ErrCodeNotVoter:    ErrNotVoter,
	ErrCodeUnknownPart: ErrUnknownPart,
	ErrCodeStopped:     ErrStopped,
	ErrCodeStorage:     ErrStorage,
}

// Err maps a code to its sentinel error, nil for ErrCodeSucceeded.
func (c ErrorCode) Err() error {
	if c == ErrCodeSucceeded {
		return nil
	}
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return fmt.Errorf("raft: unknown error code %d", int(c))
}

func (c ErrorCode) String() string {
	if c == ErrCodeSucceeded {
		return "succeeded"
	}
	return c.Err().Error()
}
