package raft

import (
	"context"
	"time"
)

// armElectionTimer (re)starts the election timer of a voter.
func (r *RaftPart) armElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
		r.electionTimer = nil
	}
	if r.stopped || r.failed != nil || !r.members.isVoter(r.local) {
		return
	}
	r.electionTimeout = r.cfg.randomElectionTimeout(r.rnd)
	r.electionTimer = r.sched.AfterFunc(r.electionTimeout, r.onElectionTimeout)
}

func (r *RaftPart) onElectionTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.failed != nil {
		return
	}
	switch r.role.(type) {
	case followerState, candidateState:
	default:
		return
	}
	if !r.members.isVoter(r.local) {
		return
	}

	elapsed := time.Since(r.lastContact)
	if elapsed < r.electionTimeout {
		r.electionTimer = r.sched.AfterFunc(r.electionTimeout-elapsed, r.onElectionTimeout)
		return
	}
	log.Infof("%s no leader for %v, starting election", r.idStr, elapsed.Round(time.Millisecond))
	r.campaign()
}

// campaign starts an election for term+1.
func (r *RaftPart) campaign() {
	if !r.becomeCandidate() {
		return
	}
	cand := r.role.(candidateState)
	if len(cand.votes) >= r.members.quorum() {
		r.becomeLeader()
		return
	}

	req := &AskForVoteRequest{
		Space:       r.space,
		Part:        r.part,
		Term:        r.term,
		Candidate:   r.local,
		LastLogID:   LogID(r.wal.LastLogID()),
		LastLogTerm: TermID(r.wal.LastLogTerm()),
	}
	policy := RetryPolicy{Timeout: r.cfg.Retry.Timeout, MaxAttempts: 1}
	for _, peer := range r.members.voterList() {
		if peer == r.local {
			continue
		}
		peer := peer
		r.sched.Submit(func() {
			var resp *AskForVoteResponse
			err := policy.Do(r.ctx, func(ctx context.Context) error {
				var err error
				resp, err = r.client.AskForVote(ctx, peer, req)
				return err
			})
			if err != nil {
				log.Debugf("%s vote request to %s: %v", r.idStr, peer, err)
				return
			}
			r.handleVoteResponse(peer, req.Term, resp)
		})
	}
}

func (r *RaftPart) handleVoteResponse(from HostAddr, term TermID, resp *AskForVoteResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.failed != nil {
		return
	}
	if resp.Term > r.term {
		log.Infof("%s saw term %d from %s while campaigning", r.idStr, resp.Term, from)
		r.becomeFollower(resp.Term, "")
		return
	}
	cand, ok := r.role.(candidateState)
	if !ok || r.term != term || !resp.Granted {
		return
	}
	cand.votes[from] = true
	log.Debugf("%s got vote from %s (%d/%d)", r.idStr, from, len(cand.votes), r.members.quorum())
	if len(cand.votes) >= r.members.quorum() {
		r.becomeLeader()
	}
}

// OnAskForVote handles a vote request from a candidate.
func (r *RaftPart) OnAskForVote(req *AskForVoteRequest) *AskForVoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &AskForVoteResponse{Term: r.term}
	switch {
	case r.stopped:
		resp.Code = ErrCodeStopped
		return resp
	case r.failed != nil:
		resp.Code = ErrCodeStorage
		return resp
	case req.Term < r.term:
		resp.Code = ErrCodeStaleTerm
		return resp
	case !r.members.isVoter(r.local):
		resp.Code = ErrCodeNotVoter
		return resp
	case !r.members.isVoter(req.Candidate):
		log.Debugf("%s ignored vote request from non-voter %s", r.idStr, req.Candidate)
		resp.Code = ErrCodeNotVoter
		return resp
	}

	if req.Term > r.term {
		r.becomeFollower(req.Term, "")
		if r.failed != nil {
			resp.Code = ErrCodeStorage
			return resp
		}
	}
	resp.Term = r.term

	lastID, lastTerm := LogID(r.wal.LastLogID()), TermID(r.wal.LastLogTerm())
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogID >= lastID)
	canVote := r.votedFor == "" || r.votedFor == req.Candidate
	if !upToDate || !canVote {
		log.Debugf("%s denied vote to %s for term %d (voted for %q, up to date %v)",
			r.idStr, req.Candidate, req.Term, r.votedFor, upToDate)
		return resp
	}

	r.votedFor = req.Candidate
	if err := r.persistHardState(); err != nil {
		resp.Code = ErrCodeStorage
		return resp
	}
	r.lastContact = time.Now()
	resp.Granted = true
	log.Infof("%s voted for %s in term %d", r.idStr, req.Candidate, r.term)
	return resp
}

// becomeFollower moves to term, which must not be lower than the current
// one. A leader stepping down fails the futures of uncommitted entries.
func (r *RaftPart) becomeFollower(term TermID, leader HostAddr) {
	prev := r.role.role()
	if lead, ok := r.role.(*leaderState); ok {
		for _, p := range lead.links {
			p.close()
		}
		r.role = followerState{}
		r.failFutures(r.committed, ErrDemoted)
		r.notifyProgress()
	}

	if term > r.term {
		r.term = term
		r.votedFor = ""
		if err := r.persistHardState(); err != nil {
			return
		}
	}
	r.leader = leader
	if r.members.isLearner(r.local) {
		r.role = learnerState{}
	} else {
		r.role = followerState{}
	}
	r.lastContact = time.Now()
	r.armElectionTimer()

	if prev != r.role.role() {
		log.Infof("%s became %s in term %d, leader %q", r.idStr, r.role.role(), r.term, leader)
	}
}

// becomeCandidate bumps the term and votes for itself. The new term is
// persisted before any vote request goes out.
func (r *RaftPart) becomeCandidate() bool {
	r.term++
	r.votedFor = r.local
	if err := r.persistHardState(); err != nil {
		return false
	}
	r.leader = ""
	r.role = candidateState{votes: map[HostAddr]bool{r.local: true}}
	r.lastContact = time.Now()
	r.armElectionTimer()
	log.Infof("%s became candidate in term %d", r.idStr, r.term)
	return true
}

// becomeLeader takes over the group and appends a no-op of the new term so
// entries of older terms can commit.
func (r *RaftPart) becomeLeader() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
		r.electionTimer = nil
	}
	lead := &leaderState{
		progress: make(map[HostAddr]*Progress),
		links:    make(map[HostAddr]*Peer),
	}
	r.role = lead
	r.leader = r.local

	for _, h := range r.members.others(r.local) {
		r.addLink(lead, h)
	}
	log.Infof("%s became leader in term %d, log ends at %d, committed %d",
		r.idStr, r.term, r.wal.LastLogID(), r.committed)

	if _, err := r.appendLocal(EntryNoop, nil); err != nil {
		return
	}
	r.broadcast()
	r.advanceCommit()
}

// addLink starts replicating to h from the end of the log. The first reply
// tells the leader where h's log really ends.
func (r *RaftPart) addLink(lead *leaderState, h HostAddr) {
	if _, ok := lead.links[h]; ok || r.stopped {
		return
	}
	lead.progress[h] = &Progress{Next: LogID(r.wal.LastLogID()) + 1}
	p := newPeer(r, h)
	lead.links[h] = p
	r.wg.Add(1)
	go p.run()
	p.wakeup()
}

// broadcast wakes every peer link.
func (r *RaftPart) broadcast() {
	if lead, ok := r.role.(*leaderState); ok {
		for _, p := range lead.links {
			p.wakeup()
		}
	}
}

// Tick is driven by the host heartbeat timer. A leader sends AppendLog to
// every peer, which doubles as heartbeat and commit propagation.
func (r *RaftPart) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.broadcast()
}
