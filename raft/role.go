package raft

// Role of a host inside one consensus group.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Learner
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Learner:
		return "learner"
	}
	return "unknown"
}

// roleState holds the role-specific part of a group. Only the become*
// methods of RaftPart replace it.
type roleState interface {
	role() Role
}

type followerState struct{}

func (followerState) role() Role { return Follower }

type candidateState struct {
	votes map[HostAddr]bool
}

func (candidateState) role() Role { return Candidate }

type leaderState struct {
	progress map[HostAddr]*Progress
	links    map[HostAddr]*Peer
}

func (*leaderState) role() Role { return Leader }

type learnerState struct{}

func (learnerState) role() Role { return Learner }
