package raft

import (
	"fmt"
	"sort"

	"github.com/thoas/go-funk"
)

// MembershipOp is the kind of a membership change.
type MembershipOp uint8

const (
	OpAddLearner MembershipOp = iota + 1
	OpPromote
	OpRemove
)

func (op MembershipOp) String() string {
	switch op {
	case OpAddLearner:
		return "add-learner"
	case OpPromote:
		return "promote"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// MembershipChange is the payload of an EntryMembership entry.
type MembershipChange struct {
	Op   MembershipOp
	Host HostAddr
}

// Encode returns the payload form: [op:1][host].
func (c MembershipChange) Encode() []byte {
	buf := make([]byte, 0, 1+len(c.Host))
	buf = append(buf, byte(c.Op))
	return append(buf, c.Host...)
}

// DecodeMembership parses the payload of an EntryMembership entry.
func DecodeMembership(payload []byte) (MembershipChange, error) {
	if len(payload) < 2 {
		return MembershipChange{}, fmt.Errorf("raft: membership payload too short (%d bytes)", len(payload))
	}
	c := MembershipChange{Op: MembershipOp(payload[0]), Host: HostAddr(payload[1:])}
	if c.Op < OpAddLearner || c.Op > OpRemove {
		return MembershipChange{}, fmt.Errorf("raft: unknown membership op %d", payload[0])
	}
	return c, nil
}

// membership is the applied member set of a group.
type membership struct {
	voters   map[HostAddr]struct{}
	learners map[HostAddr]struct{}
}

func newMembership(local HostAddr, peers []HostAddr, asLearner bool) *membership {
	m := &membership{
		voters:   make(map[HostAddr]struct{}),
		learners: make(map[HostAddr]struct{}),
	}
	for _, p := range peers {
		if p != local {
			m.voters[p] = struct{}{}
		}
	}
	if asLearner {
		m.learners[local] = struct{}{}
	} else {
		m.voters[local] = struct{}{}
	}
	return m
}

func (m *membership) isVoter(h HostAddr) bool {
	_, ok := m.voters[h]
	return ok
}

func (m *membership) isLearner(h HostAddr) bool {
	_, ok := m.learners[h]
	return ok
}

func (m *membership) contains(h HostAddr) bool {
	return m.isVoter(h) || m.isLearner(h)
}

// validate checks that c can be applied to the current member set.
func (m *membership) validate(c MembershipChange) error {
	switch c.Op {
	case OpAddLearner:
		if m.contains(c.Host) {
			return ErrMemberExists
		}
	case OpPromote:
		if !m.isLearner(c.Host) {
			return ErrUnknownMember
		}
	case OpRemove:
		if !m.contains(c.Host) {
			return ErrUnknownMember
		}
	}
	return nil
}

// changesVoters reports whether applying c alters the voter set.
func (m *membership) changesVoters(c MembershipChange) bool {
	switch c.Op {
	case OpPromote:
		return true
	case OpAddLearner, OpRemove:
		return m.isVoter(c.Host)
	}
	return false
}

// apply is idempotent: replaying a change that is already reflected is a no-op.
// Adding a voter as learner demotes it.
func (m *membership) apply(c MembershipChange) {
	switch c.Op {
	case OpAddLearner:
		delete(m.voters, c.Host)
		m.learners[c.Host] = struct{}{}
	case OpPromote:
		delete(m.learners, c.Host)
		m.voters[c.Host] = struct{}{}
	case OpRemove:
		delete(m.learners, c.Host)
		delete(m.voters, c.Host)
	}
}

func (m *membership) clone() *membership {
	c := &membership{
		voters:   make(map[HostAddr]struct{}, len(m.voters)),
		learners: make(map[HostAddr]struct{}, len(m.learners)),
	}
	for h := range m.voters {
		c.voters[h] = struct{}{}
	}
	for h := range m.learners {
		c.learners[h] = struct{}{}
	}
	return c
}

func sortedHosts(set map[HostAddr]struct{}) []HostAddr {
	hosts := funk.Keys(set).([]HostAddr)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i] < hosts[j] })
	return hosts
}

func (m *membership) voterList() []HostAddr {
	return sortedHosts(m.voters)
}

func (m *membership) learnerList() []HostAddr {
	return sortedHosts(m.learners)
}

// others lists every member but local, voters first.
func (m *membership) others(local HostAddr) []HostAddr {
	all := append(m.voterList(), m.learnerList()...)
	return funk.Filter(all, func(h HostAddr) bool { return h != local }).([]HostAddr)
}

// quorum is the number of voters forming a strict majority.
func (m *membership) quorum() int {
	return len(m.voters)/2 + 1
}
