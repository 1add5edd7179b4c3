package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/raftex/wal"
)

var errUnreachable = errors.New("memnet: unreachable")

type goScheduler struct{}

func (goScheduler) Submit(fn func()) { go fn() }

func (goScheduler) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// memNetwork delivers rpcs by calling the target part directly.
type memNetwork struct {
	mu    sync.Mutex
	parts map[HostAddr]*RaftPart
	down  map[HostAddr]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{parts: make(map[HostAddr]*RaftPart), down: make(map[HostAddr]bool)}
}

func (n *memNetwork) route(from, to HostAddr) (*RaftPart, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[from] || n.down[to] {
		return nil, errUnreachable
	}
	p, ok := n.parts[to]
	if !ok {
		return nil, errUnreachable
	}
	return p, nil
}

func (n *memNetwork) setDown(h HostAddr, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[h] = down
}

type memClient struct {
	net  *memNetwork
	from HostAddr
}

func (c memClient) AppendLog(ctx context.Context, to HostAddr, req *AppendLogRequest) (*AppendLogResponse, error) {
	p, err := c.net.route(c.from, to)
	if err != nil {
		return nil, err
	}
	return p.OnAppendLog(req), nil
}

func (c memClient) AskForVote(ctx context.Context, to HostAddr, req *AskForVoteRequest) (*AskForVoteResponse, error) {
	p, err := c.net.route(c.from, to)
	if err != nil {
		return nil, err
	}
	return p.OnAskForVote(req), nil
}

// memSM records normal payloads and checks that ids arrive in order.
type memSM struct {
	mu       sync.Mutex
	last     LogID
	payloads []string
	ids      []LogID
}

func (m *memSM) OnCommit(e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID != m.last+1 {
		return fmt.Errorf("out of order commit %d after %d", e.ID, m.last)
	}
	m.last = e.ID
	if e.Type == EntryNormal {
		m.payloads = append(m.payloads, string(e.Payload))
		m.ids = append(m.ids, e.ID)
	}
	return nil
}

func (m *memSM) LastCommittedLogID() LogID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *memSM) Payloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.payloads...)
}

func (m *memSM) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:  20 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		CatchUpBatchSize:   8,
		Retry: RetryPolicy{
			Timeout:     100 * time.Millisecond,
			MaxAttempts: 2,
			Backoff:     5 * time.Millisecond,
		},
	}
}

type testCluster struct {
	t     *testing.T
	net   *memNetwork
	cfg   Config
	parts map[HostAddr]*RaftPart
	sms   map[HostAddr]*memSM
	wals  map[HostAddr]wal.WAL
	done  chan struct{}
}

func newTestCluster(t *testing.T, voters, learners []HostAddr) *testCluster {
	c := &testCluster{
		t:     t,
		net:   newMemNetwork(),
		cfg:   testConfig(),
		parts: make(map[HostAddr]*RaftPart),
		sms:   make(map[HostAddr]*memSM),
		wals:  make(map[HostAddr]wal.WAL),
		done:  make(chan struct{}),
	}
	for _, h := range voters {
		c.start(h, voters, false)
	}
	for _, h := range learners {
		c.start(h, voters, true)
	}

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			}
			c.net.mu.Lock()
			parts := make([]*RaftPart, 0, len(c.net.parts))
			for _, p := range c.net.parts {
				parts = append(parts, p)
			}
			c.net.mu.Unlock()
			for _, p := range parts {
				p.Tick()
			}
		}
	}()

	t.Cleanup(func() {
		close(c.done)
		for _, p := range c.parts {
			p.Stop()
		}
	})
	return c
}

func (c *testCluster) start(h HostAddr, voters []HostAddr, asLearner bool) *RaftPart {
	sm := &memSM{}
	w := wal.NewMemoryWAL()
	p, err := NewRaftPart(PartOptions{
		Space:        1,
		Part:         1,
		Local:        h,
		WAL:          w,
		HardState:    &MemoryHardStateStore{},
		StateMachine: sm,
		Client:       memClient{net: c.net, from: h},
		Scheduler:    goScheduler{},
		Config:       c.cfg,
	})
	require.NoError(c.t, err)

	c.net.mu.Lock()
	c.net.parts[h] = p
	c.net.mu.Unlock()
	c.parts[h] = p
	c.sms[h] = sm
	c.wals[h] = w
	require.NoError(c.t, p.Start(voters, asLearner))
	return p
}

// leader waits for exactly one reachable leader.
func (c *testCluster) leader() *RaftPart {
	var leader *RaftPart
	require.Eventually(c.t, func() bool {
		leader = nil
		for h, p := range c.parts {
			c.net.mu.Lock()
			down := c.net.down[h]
			c.net.mu.Unlock()
			if down || !p.IsLeader() {
				continue
			}
			if leader != nil {
				return false
			}
			leader = p
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func (c *testCluster) appendN(p *RaftPart, from, to int) {
	for i := from; i <= to; i++ {
		_, err := p.AppendAsync([]byte(fmt.Sprintf("msg-%d", i))).Result()
		require.NoError(c.t, err)
	}
}

func (c *testCluster) waitCount(h HostAddr, n int) {
	require.Eventually(c.t, func() bool {
		return c.sms[h].count() == n
	}, 5*time.Second, 10*time.Millisecond, "%s never applied %d entries", h, n)
}

func expectedPayloads(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("msg-%d", i))
	}
	return out
}
