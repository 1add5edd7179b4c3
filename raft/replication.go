package raft

import (
	"errors"
	"sort"
	"time"

	"github.com/gwDistSys20/raftex/wal"
)

// appendCall is one AppendLog built by a peer link.
type appendCall struct {
	req *AppendLogRequest
	// log end at build time; a reply matching it means the peer is caught up
	curr LogID
}

// prepareAppend builds the next request for p from its progress. It returns
// false when there is nothing to send to p any more.
func (r *RaftPart) prepareAppend(p *Peer) (appendCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lead, ok := r.role.(*leaderState)
	if !ok || r.stopped || lead.links[p.addr] != p {
		return appendCall{}, false
	}
	pr := lead.progress[p.addr]
	if pr == nil || pr.Err != nil {
		return appendCall{}, false
	}

	curr := LogID(r.wal.LastLogID())
	if pr.Next > curr+1 {
		pr.Next = curr + 1
	}
	if pr.Next < LogID(r.wal.FirstLogID()) {
		r.logGone(p.addr, pr)
		return appendCall{}, false
	}

	prev := pr.Next - 1
	prevTerm, err := r.wal.TermAt(int64(prev))
	if errors.Is(err, wal.ErrLogGone) {
		r.logGone(p.addr, pr)
		return appendCall{}, false
	}
	if err != nil {
		log.Errorf("%s term of %d: %v", r.idStr, prev, err)
		return appendCall{}, false
	}

	var entries []LogEntry
	if pr.Next <= curr {
		to := pr.Next + LogID(r.cfg.CatchUpBatchSize) - 1
		if to > curr {
			to = curr
		}
		wes, err := r.wal.ReadRange(int64(pr.Next), int64(to), r.cfg.MaxBatchBytes)
		if errors.Is(err, wal.ErrLogGone) {
			r.logGone(p.addr, pr)
			return appendCall{}, false
		}
		if err != nil {
			log.Errorf("%s read [%d, %d] for %s: %v", r.idStr, pr.Next, to, p.addr, err)
			return appendCall{}, false
		}
		entries = make([]LogEntry, 0, len(wes))
		for _, we := range wes {
			entries = append(entries, fromWAL(we))
		}
	}

	return appendCall{
		req: &AppendLogRequest{
			Space:          r.space,
			Part:           r.part,
			Term:           r.term,
			Leader:         r.local,
			PrevLogID:      prev,
			PrevLogTerm:    TermID(prevTerm),
			CommittedLogID: r.committed,
			Entries:        entries,
		},
		curr: curr,
	}, true
}

// logGone stops replication to a peer whose next entry was compacted.
func (r *RaftPart) logGone(addr HostAddr, pr *Progress) {
	log.Warnf("%s %s needs %d but the log starts at %d, replication stopped",
		r.idStr, addr, pr.Next, r.wal.FirstLogID())
	pr.Err = ErrLogGone
	r.notifyProgress()
}

// handleAppendResponse applies a peer's reply. It returns true when the link
// should send again right away.
func (r *RaftPart) handleAppendResponse(p *Peer, call appendCall, resp *AppendLogResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.failed != nil {
		return false
	}
	if resp.Term > r.term {
		log.Infof("%s saw term %d from %s, stepping down", r.idStr, resp.Term, p.addr)
		r.becomeFollower(resp.Term, "")
		return false
	}
	lead, ok := r.role.(*leaderState)
	if !ok || r.term != call.req.Term || lead.links[p.addr] != p {
		return false
	}
	pr := lead.progress[p.addr]
	if pr == nil {
		return false
	}

	switch resp.Code {
	case ErrCodeSucceeded:
		if resp.LastMatchedID > pr.Match {
			pr.Match = resp.LastMatchedID
		}
		pr.Next = pr.Match + 1
		curr := LogID(r.wal.LastLogID())
		switch {
		case !pr.CaughtUp && pr.Match >= call.curr:
			pr.CaughtUp = true
			log.Infof("%s %s caught up at %d", r.idStr, p.addr, pr.Match)
			r.notifyProgress()
		case pr.CaughtUp && curr-pr.Match > LogID(r.cfg.CatchUpBatchSize):
			pr.CaughtUp = false
			log.Infof("%s %s fell behind at %d, log ends at %d", r.idStr, p.addr, pr.Match, curr)
			r.notifyProgress()
		}
		r.advanceCommit()
		return pr.Next <= curr

	case ErrCodeLogMismatch:
		next := pr.Next - 1
		if hint := resp.LastLogID + 1; hint < next {
			next = hint
		}
		if next <= pr.Match {
			next = pr.Match + 1
		}
		if next < 1 {
			next = 1
		}
		log.Debugf("%s %s rejected prev %d, retrying from %d", r.idStr, p.addr, call.req.PrevLogID, next)
		pr.Next = next
		return true

	default:
		log.Debugf("%s %s answered %s", r.idStr, p.addr, resp.Code)
		return false
	}
}

// advanceCommit moves committed to the highest id matched by a voter
// majority, provided that entry is of the current term.
func (r *RaftPart) advanceCommit() {
	lead, ok := r.role.(*leaderState)
	if !ok {
		return
	}
	voters := r.members.voterList()
	if len(voters) == 0 {
		return
	}

	curr := LogID(r.wal.LastLogID())
	matched := make([]LogID, 0, len(voters))
	for _, v := range voters {
		if v == r.local {
			matched = append(matched, curr)
			continue
		}
		if pr, ok := lead.progress[v]; ok {
			matched = append(matched, pr.Match)
		} else {
			matched = append(matched, 0)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	n := matched[r.members.quorum()-1]
	if n <= r.committed {
		return
	}
	term, err := r.wal.TermAt(int64(n))
	if err != nil || TermID(term) != r.term {
		return
	}
	log.Debugf("%s committed %d -> %d", r.idStr, r.committed, n)
	r.committed = n
	r.signalCommit()
}

// OnAppendLog handles replication and heartbeats from a leader.
func (r *RaftPart) OnAppendLog(req *AppendLogRequest) *AppendLogResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &AppendLogResponse{Term: r.term}
	fill := func(code ErrorCode) *AppendLogResponse {
		resp.Code = code
		resp.Term = r.term
		resp.LastLogID = LogID(r.wal.LastLogID())
		resp.CommittedLogID = r.committed
		return resp
	}

	switch {
	case r.stopped:
		return fill(ErrCodeStopped)
	case r.failed != nil:
		return fill(ErrCodeStorage)
	case req.Term < r.term:
		log.Debugf("%s rejected append from %s with stale term %d", r.idStr, req.Leader, req.Term)
		return fill(ErrCodeStaleTerm)
	}

	if req.Term > r.term || r.role.role() == Candidate || r.role.role() == Leader {
		r.becomeFollower(req.Term, req.Leader)
		if r.failed != nil {
			return fill(ErrCodeStorage)
		}
	}
	if r.leader != req.Leader {
		log.Infof("%s following %s in term %d", r.idStr, req.Leader, r.term)
		r.leader = req.Leader
	}
	r.lastContact = time.Now()

	last := LogID(r.wal.LastLogID())
	first := LogID(r.wal.FirstLogID())
	if req.PrevLogID > last {
		return fill(ErrCodeLogMismatch)
	}
	// entries at or below first-1 are compacted, hence committed and matching
	if req.PrevLogID >= first-1 {
		term, err := r.wal.TermAt(int64(req.PrevLogID))
		if err != nil {
			r.fail(err)
			return fill(ErrCodeStorage)
		}
		if TermID(term) != req.PrevLogTerm {
			log.Debugf("%s prev %d has term %d, leader says %d", r.idStr, req.PrevLogID, term, req.PrevLogTerm)
			return fill(ErrCodeLogMismatch)
		}
	}

	appended := false
	for _, e := range req.Entries {
		if e.ID < first {
			continue
		}
		if e.ID <= last {
			term, err := r.wal.TermAt(int64(e.ID))
			if err != nil {
				r.fail(err)
				return fill(ErrCodeStorage)
			}
			if TermID(term) == e.Term {
				continue
			}
			if e.ID <= r.committed {
				log.Errorf("%s leader %s conflicts with committed entry %d", r.idStr, req.Leader, e.ID)
				return fill(ErrCodeLogMismatch)
			}
			log.Infof("%s truncating conflicting log after %d", r.idStr, e.ID-1)
			if err := r.wal.TruncateAfter(int64(e.ID - 1)); err != nil {
				r.fail(err)
				return fill(ErrCodeStorage)
			}
			last = e.ID - 1
		}
		if err := r.wal.Append(e.toWAL()); err != nil {
			r.fail(err)
			return fill(ErrCodeStorage)
		}
		last = e.ID
		appended = true
	}
	if appended {
		if err := r.wal.Flush(); err != nil {
			r.fail(err)
			return fill(ErrCodeStorage)
		}
	}

	matched := req.PrevLogID + LogID(len(req.Entries))
	if commit := minLogID(req.CommittedLogID, matched); commit > r.committed {
		r.committed = commit
		r.signalCommit()
	}

	fill(ErrCodeSucceeded)
	resp.LastMatchedID = matched
	return resp
}

func minLogID(a, b LogID) LogID {
	if a < b {
		return a
	}
	return b
}
