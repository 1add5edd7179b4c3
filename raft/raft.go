// Package raft implements one consensus group of a multi-partition replicated
// log. A host runs one RaftPart per (space, part). Voters elect a leader and
// form the commit quorum; learners receive the log but never vote.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/gwDistSys20/raftex/wal"
)

var log = logging.Logger("raftex/raft")

// PartOptions wires a RaftPart to its collaborators.
type PartOptions struct {
	Space int
	Part  int
	Local HostAddr

	WAL          wal.WAL
	HardState    HardStateStore
	StateMachine StateMachine
	Client       Client
	Scheduler    Scheduler
	Config       Config
}

// RaftPart is one consensus group. All of its state is guarded by mu; rpcs
// to other hosts are never made while holding it.
type RaftPart struct {
	mu sync.Mutex

	space int
	part  int
	local HostAddr
	idStr string
	cfg   Config
	rnd   *rand.Rand

	wal    wal.WAL
	hs     HardStateStore
	sm     StateMachine
	client Client
	sched  Scheduler

	term     TermID
	votedFor HostAddr
	leader   HostAddr
	role     roleState
	members  *membership

	committed   LogID
	lastApplied LogID

	futures map[LogID]*LogFuture

	lastContact     time.Time
	electionTimeout time.Duration
	electionTimer   Timer

	// closed and replaced whenever a peer's catch-up state changes
	progressCh chan struct{}

	commitReady chan struct{}
	started     bool
	stopped     bool
	failed      error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRaftPart builds a stopped group.
func NewRaftPart(opts PartOptions) (*RaftPart, error) {
	if opts.WAL == nil || opts.HardState == nil || opts.StateMachine == nil ||
		opts.Client == nil || opts.Scheduler == nil || opts.Local == "" {
		return nil, errors.New("raft: incomplete part options")
	}
	if opts.Config.CatchUpBatchSize <= 0 {
		return nil, fmt.Errorf("raft: catch-up batch size must be positive, got %d", opts.Config.CatchUpBatchSize)
	}
	if opts.Config.ElectionTimeoutMin <= 0 {
		return nil, errors.New("raft: election timeout must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RaftPart{
		space:       opts.Space,
		part:        opts.Part,
		local:       opts.Local,
		idStr:       fmt.Sprintf("[%d:%d %s]", opts.Space, opts.Part, opts.Local),
		cfg:         opts.Config,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		wal:         opts.WAL,
		hs:          opts.HardState,
		sm:          opts.StateMachine,
		client:      opts.Client,
		sched:       opts.Scheduler,
		role:        followerState{},
		futures:     make(map[LogID]*LogFuture),
		progressCh:  make(chan struct{}),
		commitReady: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start loads persisted state and joins the group. peers are the voters the
// host knows of besides itself. A host started as learner only listens until
// a leader replicates to it.
func (r *RaftPart) Start(peers []HostAddr, asLearner bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("raft: part already started")
	}

	hs, err := r.hs.Load()
	if err != nil {
		return fmt.Errorf("%w: load hard state: %v", ErrStorage, err)
	}
	r.term = hs.Term
	r.votedFor = hs.VotedFor

	applied := r.sm.LastCommittedLogID()
	if last := LogID(r.wal.LastLogID()); applied > last {
		log.Warnf("%s state machine is at %d but the log ends at %d", r.idStr, applied, last)
		applied = last
	}
	if first := LogID(r.wal.FirstLogID()); applied < first-1 {
		return fmt.Errorf("%w: state machine at %d is behind compacted log starting at %d", ErrLogGone, applied, first)
	}
	r.committed = applied
	r.lastApplied = applied

	r.members = newMembership(r.local, peers, asLearner)
	if err := r.replayMembership(applied); err != nil {
		return err
	}

	r.started = true
	r.lastContact = time.Now()
	if r.members.isLearner(r.local) {
		r.role = learnerState{}
	} else {
		r.role = followerState{}
		r.armElectionTimer()
	}

	log.Infof("%s started as %s, term %d, log [%d, %d], committed %d, voters %v, learners %v",
		r.idStr, r.role.role(), r.term, r.wal.FirstLogID(), r.wal.LastLogID(), r.committed,
		r.members.voterList(), r.members.learnerList())

	r.wg.Add(1)
	go r.applyLoop()

	// a lone voter needs nobody's vote
	if r.members.isVoter(r.local) && len(r.members.voters) == 1 {
		r.campaign()
	}
	return nil
}

// replayMembership re-applies the membership entries up to id.
func (r *RaftPart) replayMembership(upTo LogID) error {
	from := LogID(r.wal.FirstLogID())
	for from <= upTo {
		entries, err := r.wal.ReadRange(int64(from), int64(upTo), 0)
		if err != nil {
			return fmt.Errorf("%w: replay membership: %v", ErrStorage, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if EntryType(e.Type) != EntryMembership {
				continue
			}
			c, err := DecodeMembership(e.Payload)
			if err != nil {
				log.Errorf("%s skipping bad membership entry %d: %v", r.idStr, e.ID, err)
				continue
			}
			r.members.apply(c)
		}
		from = LogID(entries[len(entries)-1].ID) + 1
	}
	return nil
}

// Stop leaves the group. Pending futures fail with ErrStopped and the WAL is
// closed.
func (r *RaftPart) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	if lead, ok := r.role.(*leaderState); ok {
		for _, p := range lead.links {
			p.close()
		}
		r.role = followerState{}
	}
	r.failFutures(0, ErrStopped)
	r.notifyProgress()
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	if err := r.wal.Close(); err != nil {
		log.Warnf("%s close wal: %v", r.idStr, err)
	}
	log.Infof("%s stopped", r.idStr)
}

// Space returns the graph space of the group.
func (r *RaftPart) Space() int { return r.space }

// Part returns the partition id of the group.
func (r *RaftPart) Part() int { return r.part }

// Address returns the local host.
func (r *RaftPart) Address() HostAddr { return r.local }

func (r *RaftPart) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role.role() == Leader
}

func (r *RaftPart) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role.role()
}

func (r *RaftPart) Term() TermID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

// Leader returns the last known leader, empty if unknown.
func (r *RaftPart) Leader() HostAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

func (r *RaftPart) CurrLogID() LogID {
	return LogID(r.wal.LastLogID())
}

func (r *RaftPart) CommittedLogID() LogID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Status returns a snapshot of the group.
func (r *RaftPart) Status() GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs := GroupState{
		Space:          r.space,
		Part:           r.part,
		Role:           r.role.role(),
		Term:           r.term,
		VotedFor:       r.votedFor,
		Leader:         r.leader,
		CurrLogID:      LogID(r.wal.LastLogID()),
		CommittedLogID: r.committed,
		LastApplied:    r.lastApplied,
	}
	lead, _ := r.role.(*leaderState)
	for _, h := range r.members.others(r.local) {
		ps := PeerStatus{Addr: h, IsLearner: r.members.isLearner(h)}
		if lead != nil {
			if pr, ok := lead.progress[h]; ok {
				cp := *pr
				ps.Progress = &cp
			}
		}
		gs.Peers = append(gs.Peers, ps)
	}
	return gs
}

// Voters lists the voting members, local host included if it votes.
func (r *RaftPart) Voters() []HostAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.voterList()
}

// Learners lists the learners.
func (r *RaftPart) Learners() []HostAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.learnerList()
}

// AppendAsync submits payload. The future resolves with the entry's id once
// it is committed and applied locally.
func (r *RaftPart) AppendAsync(payload []byte) *LogFuture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.propose(EntryNormal, payload)
}

// AddLearnerAsync adds host as a non-voting member.
func (r *RaftPart) AddLearnerAsync(host HostAddr) *LogFuture {
	return r.changeMembership(MembershipChange{Op: OpAddLearner, Host: host})
}

// PromoteAsync turns learner host into a voter.
func (r *RaftPart) PromoteAsync(host HostAddr) *LogFuture {
	return r.changeMembership(MembershipChange{Op: OpPromote, Host: host})
}

// RemoveMemberAsync removes a learner or voter.
func (r *RaftPart) RemoveMemberAsync(host HostAddr) *LogFuture {
	return r.changeMembership(MembershipChange{Op: OpRemove, Host: host})
}

func (r *RaftPart) changeMembership(c MembershipChange) *LogFuture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return failedFuture(err)
	}
	view, voterChange, err := r.pendingMembership()
	if err != nil {
		return failedFuture(r.fail(fmt.Errorf("scan pending membership: %w", err)))
	}
	if err := view.validate(c); err != nil {
		return failedFuture(fmt.Errorf("%s %s: %w", c.Op, c.Host, err))
	}
	// learner changes leave the quorum alone and may pipeline
	if view.changesVoters(c) && voterChange != 0 {
		return failedFuture(ErrConfigChangePending)
	}
	f := r.propose(EntryMembership, c.Encode())
	log.Infof("%s proposed %s %s", r.idStr, c.Op, c.Host)
	return f
}

// pendingMembership returns the member set with every unapplied membership
// entry of the log applied on top, and the id of the newest such entry that
// changes the voters, 0 if none does.
func (r *RaftPart) pendingMembership() (*membership, LogID, error) {
	view := r.members.clone()
	var voterChange LogID
	from, last := r.lastApplied+1, LogID(r.wal.LastLogID())
	for from <= last {
		entries, err := r.wal.ReadRange(int64(from), int64(last), r.cfg.MaxBatchBytes)
		if err != nil {
			return nil, 0, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if EntryType(e.Type) != EntryMembership {
				continue
			}
			c, err := DecodeMembership(e.Payload)
			if err != nil {
				continue
			}
			if view.changesVoters(c) {
				voterChange = LogID(e.ID)
			}
			view.apply(c)
		}
		from = LogID(entries[len(entries)-1].ID) + 1
	}
	return view, voterChange, nil
}

// writable returns why the group cannot accept a write, nil if it can.
func (r *RaftPart) writable() error {
	if r.stopped {
		return ErrStopped
	}
	if r.failed != nil {
		return r.failed
	}
	if r.role.role() != Leader {
		return &NotLeaderError{Leader: r.leader}
	}
	return nil
}

// propose appends an entry of the current term and kicks replication.
func (r *RaftPart) propose(typ EntryType, payload []byte) *LogFuture {
	if err := r.writable(); err != nil {
		return failedFuture(err)
	}
	id, err := r.appendLocal(typ, payload)
	if err != nil {
		return failedFuture(err)
	}
	f := newLogFuture()
	r.futures[id] = f
	r.broadcast()
	r.advanceCommit()
	return f
}

// appendLocal writes one leader entry and flushes it.
func (r *RaftPart) appendLocal(typ EntryType, payload []byte) (LogID, error) {
	e := LogEntry{ID: LogID(r.wal.LastLogID()) + 1, Term: r.term, Type: typ, Payload: payload}
	if err := r.wal.Append(e.toWAL()); err != nil {
		return 0, r.fail(fmt.Errorf("append %d: %w", e.ID, err))
	}
	if err := r.wal.Flush(); err != nil {
		return 0, r.fail(fmt.Errorf("flush %d: %w", e.ID, err))
	}
	return e.ID, nil
}

// fail marks the group unusable after a storage error.
func (r *RaftPart) fail(cause error) error {
	err := fmt.Errorf("%w: %v", ErrStorage, cause)
	if r.failed != nil {
		return err
	}
	log.Errorf("%s storage failure, group disabled: %v", r.idStr, cause)
	r.failed = err
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	if lead, ok := r.role.(*leaderState); ok {
		for _, p := range lead.links {
			p.close()
		}
		r.role = followerState{}
		r.leader = ""
	}
	r.failFutures(0, err)
	r.notifyProgress()
	return err
}

// failFutures resolves every future above id with err.
func (r *RaftPart) failFutures(above LogID, err error) {
	for id, f := range r.futures {
		if id > above {
			f.resolve(0, err)
			delete(r.futures, id)
		}
	}
}

func (r *RaftPart) persistHardState() error {
	if err := r.hs.Save(HardState{Term: r.term, VotedFor: r.votedFor}); err != nil {
		return r.fail(fmt.Errorf("save hard state: %w", err))
	}
	return nil
}

func (r *RaftPart) signalCommit() {
	select {
	case r.commitReady <- struct{}{}:
	default:
	}
}

// applyLoop hands committed entries to the state machine in id order.
func (r *RaftPart) applyLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.commitReady:
		}

		for {
			r.mu.Lock()
			from, to := r.lastApplied+1, r.committed
			broken := r.failed != nil
			r.mu.Unlock()
			if broken || from > to {
				break
			}

			entries, err := r.wal.ReadRange(int64(from), int64(to), r.cfg.MaxBatchBytes)
			if err != nil {
				r.mu.Lock()
				r.fail(fmt.Errorf("read committed [%d, %d]: %w", from, to, err))
				r.mu.Unlock()
				return
			}
			for _, we := range entries {
				if !r.apply(fromWAL(we)) {
					return
				}
			}
		}
	}
}

// apply delivers one committed entry. It returns false if the loop must stop.
func (r *RaftPart) apply(e LogEntry) bool {
	if e.Type == EntryMembership {
		r.mu.Lock()
		r.applyMembership(e)
		r.mu.Unlock()
	}

	if err := r.sm.OnCommit(e); err != nil {
		r.mu.Lock()
		r.fail(fmt.Errorf("state machine rejected %d: %w", e.ID, err))
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.lastApplied = e.ID
	f := r.futures[e.ID]
	delete(r.futures, e.ID)
	stopped := r.stopped
	r.mu.Unlock()

	if f != nil {
		f.resolve(e.ID, nil)
	}
	return !stopped
}

// applyMembership changes the member set when its entry is applied.
func (r *RaftPart) applyMembership(e LogEntry) {
	c, err := DecodeMembership(e.Payload)
	if err != nil {
		log.Errorf("%s bad membership entry %d: %v", r.idStr, e.ID, err)
		return
	}
	r.members.apply(c)
	log.Infof("%s applied %s %s at %d, voters %v, learners %v",
		r.idStr, c.Op, c.Host, e.ID, r.members.voterList(), r.members.learnerList())

	lead, isLeader := r.role.(*leaderState)
	if c.Host == r.local {
		switch {
		case c.Op == OpPromote && r.role.role() == Learner:
			r.becomeFollower(r.term, r.leader)
		case c.Op == OpAddLearner && r.role.role() != Learner:
			// demoted: becomeFollower settles on the learner role and
			// leaves the election timer stopped
			leader := r.leader
			if isLeader {
				leader = ""
			}
			r.becomeFollower(r.term, leader)
		case c.Op == OpRemove && isLeader:
			r.becomeFollower(r.term, "")
		}
		return
	}
	if !isLeader {
		return
	}

	switch c.Op {
	case OpAddLearner:
		r.addLink(lead, c.Host)
	case OpRemove:
		if p, ok := lead.links[c.Host]; ok {
			p.close()
		}
		delete(lead.links, c.Host)
		delete(lead.progress, c.Host)
		r.notifyProgress()
	}
	r.advanceCommit()
}
