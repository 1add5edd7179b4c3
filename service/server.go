// Package service hosts many consensus groups in one process. It owns the
// partition registry, the rpc endpoint every group shares, the outbound
// client pool and the scheduler that drives group timers and heartbeats.
package service

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sort"
	"sync"

	"github.com/boltdb/bolt"
	logging "github.com/ipfs/go-log"

	"github.com/gwDistSys20/raftex/config"
	"github.com/gwDistSys20/raftex/filemanager"
	"github.com/gwDistSys20/raftex/raft"
	"github.com/gwDistSys20/raftex/wal"
)

var log = logging.Logger("raftex/service")

var (
	ErrPartExists = errors.New("service: partition already exists")
	ErrNotStarted = errors.New("service: not started")
)

type partKey struct {
	space int
	part  int
}

// RaftexService is the group host of one process.
type RaftexService struct {
	cfg config.Config

	fm     *filemanager.FileManager
	db     *bolt.DB
	sched  *Scheduler
	client *RPCClient

	rpcServer *rpc.Server
	listener  net.Listener
	addr      raft.HostAddr

	mutex sync.RWMutex
	parts map[partKey]*raft.RaftPart
	conns map[net.Conn]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRaftexService prepares the host's data dir and hard state db. Nothing
// listens until Start.
func NewRaftexService(cfg config.Config) (*RaftexService, error) {
	if err := cfg.Raft.Validate(); err != nil {
		return nil, err
	}
	fm, err := filemanager.NewFileManager(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := raft.OpenHardStateDB(fm.Path("raft.db"))
	if err != nil {
		return nil, err
	}

	s := &RaftexService{
		cfg:       cfg,
		fm:        fm,
		db:        db,
		client:    NewRPCClient(),
		rpcServer: rpc.NewServer(),
		parts:     make(map[partKey]*raft.RaftPart),
		conns:     make(map[net.Conn]struct{}),
		quit:      make(chan struct{}),
	}
	if err := s.rpcServer.RegisterName("Raftex", &Raftex{svc: s}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Start listens on the configured raft address and starts the heartbeat.
func (s *RaftexService) Start() error {
	l, err := net.Listen("tcp", s.cfg.RaftAddr)
	if err != nil {
		return fmt.Errorf("service: listen %s: %w", s.cfg.RaftAddr, err)
	}
	s.listener = l
	s.addr = raft.HostAddr(l.Addr().String())
	s.sched = NewScheduler(s.cfg.Raft.Workers)
	s.sched.Every(s.cfg.Raft.HeartbeatInterval, s.tick)

	s.wg.Add(1)
	go s.serve()
	log.Infof("raftex service listening on %s, data in %s", s.addr, s.fm.Root())
	return nil
}

func (s *RaftexService) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Errorf("accept: %v", err)
			continue
		}
		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rpcServer.ServeConn(conn)
			s.mutex.Lock()
			delete(s.conns, conn)
			s.mutex.Unlock()
		}()
	}
}

func (s *RaftexService) tick() {
	for _, p := range s.Parts() {
		p.Tick()
	}
}

// Addr is the address peers reach this host at.
func (s *RaftexService) Addr() raft.HostAddr {
	return s.addr
}

// FileManager returns the host's data dir helper.
func (s *RaftexService) FileManager() *filemanager.FileManager {
	return s.fm
}

// AddPartition creates, starts and registers the group for (space, part).
func (s *RaftexService) AddPartition(space, part int, sm raft.StateMachine, peers []raft.HostAddr, asLearner bool) (*raft.RaftPart, error) {
	if s.listener == nil {
		return nil, ErrNotStarted
	}
	key := partKey{space, part}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.parts[key]; ok {
		return nil, fmt.Errorf("%w: %d:%d", ErrPartExists, space, part)
	}

	dir, err := s.fm.AddFolder(fmt.Sprintf("wal/%d/%d", space, part))
	if err != nil {
		return nil, err
	}
	w, err := wal.OpenFileWAL(dir, s.cfg.Raft.SyncWAL)
	if err != nil {
		return nil, err
	}
	rp, err := raft.NewRaftPart(raft.PartOptions{
		Space:        space,
		Part:         part,
		Local:        s.addr,
		WAL:          w,
		HardState:    raft.NewBoltHardStateStore(s.db, space, part),
		StateMachine: sm,
		Client:       s.client,
		Scheduler:    s.sched,
		Config:       raftConfig(s.cfg.Raft),
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := rp.Start(peers, asLearner); err != nil {
		w.Close()
		return nil, err
	}
	s.parts[key] = rp
	return rp, nil
}

// RemovePartition stops the group and forgets it. Its data stays on disk.
func (s *RaftexService) RemovePartition(space, part int) error {
	key := partKey{space, part}
	s.mutex.Lock()
	rp, ok := s.parts[key]
	delete(s.parts, key)
	s.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d:%d", raft.ErrUnknownPart, space, part)
	}
	rp.Stop()
	log.Infof("removed partition %d:%d", space, part)
	return nil
}

// DropPartition removes the group and deletes its log and hard state, so a
// later AddPartition of the same pair starts from an empty log at term 0.
func (s *RaftexService) DropPartition(space, part int) error {
	if err := s.RemovePartition(space, part); err != nil {
		return err
	}
	if err := raft.NewBoltHardStateStore(s.db, space, part).Delete(); err != nil {
		return fmt.Errorf("drop hard state of %d:%d: %w", space, part, err)
	}
	if err := s.fm.RemoveFolder(fmt.Sprintf("wal/%d/%d", space, part)); err != nil {
		return err
	}
	log.Infof("dropped partition %d:%d", space, part)
	return nil
}

// FindPart returns the group for (space, part), nil if unknown.
func (s *RaftexService) FindPart(space, part int) *raft.RaftPart {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.parts[partKey{space, part}]
}

// Parts lists the registered groups ordered by space and part.
func (s *RaftexService) Parts() []*raft.RaftPart {
	s.mutex.RLock()
	out := make([]*raft.RaftPart, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	s.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Space() != out[j].Space() {
			return out[i].Space() < out[j].Space()
		}
		return out[i].Part() < out[j].Part()
	})
	return out
}

// Stop shuts down every group and the endpoint.
func (s *RaftexService) Stop() {
	s.once.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mutex.Lock()
		parts := s.parts
		s.parts = make(map[partKey]*raft.RaftPart)
		for conn := range s.conns {
			conn.Close()
		}
		s.mutex.Unlock()
		s.wg.Wait()
		for _, p := range parts {
			p.Stop()
		}

		if s.sched != nil {
			s.sched.Stop()
		}
		s.client.Close()
		if err := s.db.Close(); err != nil {
			log.Warnf("close hard state db: %v", err)
		}
		log.Infof("raftex service on %s stopped", s.addr)
	})
}

func raftConfig(c config.RaftConfig) raft.Config {
	cfg := raft.DefaultConfig()
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.ElectionTimeoutMin = c.ElectionTimeoutMin
	cfg.ElectionTimeoutMax = c.ElectionTimeoutMax
	cfg.CatchUpBatchSize = c.CatchUpBatchSize
	cfg.Retry = raft.RetryPolicy{
		Timeout:     c.RPCTimeout,
		MaxAttempts: c.MaxRetries,
		Backoff:     c.RetryBackoff,
	}
	return cfg
}

// Raftex is the rpc receiver. It routes each request to its group.
type Raftex struct {
	svc *RaftexService
}

func (h *Raftex) AppendLog(req *raft.AppendLogRequest, resp *raft.AppendLogResponse) error {
	p := h.svc.FindPart(req.Space, req.Part)
	if p == nil {
		resp.Code = raft.ErrCodeUnknownPart
		return nil
	}
	*resp = *p.OnAppendLog(req)
	return nil
}

func (h *Raftex) AskForVote(req *raft.AskForVoteRequest, resp *raft.AskForVoteResponse) error {
	p := h.svc.FindPart(req.Space, req.Part)
	if p == nil {
		resp.Code = raft.ErrCodeUnknownPart
		return nil
	}
	*resp = *p.OnAskForVote(req)
	return nil
}
