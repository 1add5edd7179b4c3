package raft

import "github.com/gwDistSys20/raftex/wal"

// TermID is a logical election epoch.
type TermID int64

// LogID identifies a slot in a group's log. 0 means "no entry".
type LogID int64

// HostAddr is the "ip:port" a host serves raft rpcs on.
type HostAddr string

// EntryType tells the apply loop how to treat a log entry.
type EntryType uint8

const (
	// EntryNormal carries an application command.
	EntryNormal EntryType = iota
	// EntryMembership carries an encoded MembershipChange.
	EntryMembership
	// EntryNoop is appended by every new leader.
	EntryNoop
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "normal"
	case EntryMembership:
		return "membership"
	case EntryNoop:
		return "noop"
	}
	return "unknown"
}

// LogEntry is one replicated log slot.
type LogEntry struct {
	ID      LogID
	Term    TermID
	Type    EntryType
	Payload []byte
}

func fromWAL(e wal.Entry) LogEntry {
	return LogEntry{ID: LogID(e.ID), Term: TermID(e.Term), Type: EntryType(e.Type), Payload: e.Payload}
}

func (e LogEntry) toWAL() wal.Entry {
	return wal.Entry{ID: int64(e.ID), Term: int64(e.Term), Type: uint8(e.Type), Payload: e.Payload}
}

// StateMachine consumes committed entries. OnCommit is called exactly once per
// id, in increasing order, on every member.
type StateMachine interface {
	OnCommit(e LogEntry) error
	// LastCommittedLogID is the highest id the state machine has durably
	// applied. It is read once when the group starts.
	LastCommittedLogID() LogID
}

// AppendLogRequest is sent by a leader to replicate entries and as heartbeat.
type AppendLogRequest struct {
	Space int
	Part  int

	Term           TermID
	Leader         HostAddr
	PrevLogID      LogID
	PrevLogTerm    TermID
	CommittedLogID LogID
	Entries        []LogEntry
}

// AppendLogResponse answers an AppendLogRequest.
type AppendLogResponse struct {
	Code ErrorCode
	Term TermID
	// LastMatchedID is the highest id known to match the leader's log.
	LastMatchedID  LogID
	LastLogID      LogID
	CommittedLogID LogID
}

// AskForVoteRequest is sent by a candidate.
type AskForVoteRequest struct {
	Space int
	Part  int

	Term        TermID
	Candidate   HostAddr
	LastLogID   LogID
	LastLogTerm TermID
}

// AskForVoteResponse answers an AskForVoteRequest.
type AskForVoteResponse struct {
	Code    ErrorCode
	Term    TermID
	Granted bool
}

// Progress is the leader's view of one peer's replication.
type Progress struct {
	Next  LogID
	Match LogID
	// CaughtUp is set once Match reaches the log end seen at send time and
	// cleared while Match trails the log by more than CatchUpBatchSize.
	CaughtUp bool
	// Err is set when replication to the peer stopped for good, e.g. ErrLogGone.
	Err error `json:"-"`
}

// PeerStatus is one member of a GroupState.
type PeerStatus struct {
	Addr      HostAddr
	IsLearner bool
	Progress  *Progress
}

// GroupState is a point-in-time snapshot of a consensus group.
type GroupState struct {
	Space          int
	Part           int
	Role           Role
	Term           TermID
	VotedFor       HostAddr
	Leader         HostAddr
	CurrLogID      LogID
	CommittedLogID LogID
	LastApplied    LogID
	Peers          []PeerStatus
}
