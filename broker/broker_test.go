package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/raftex/config"
	"github.com/gwDistSys20/raftex/raft"
	"github.com/gwDistSys20/raftex/service"
)

func testBrokerConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RaftAddr = "127.0.0.1:0"
	cfg.MaxFileLines = 4
	cfg.Raft.HeartbeatInterval = 50 * time.Millisecond
	cfg.Raft.ElectionTimeoutMin = 300 * time.Millisecond
	cfg.Raft.ElectionTimeoutMax = 600 * time.Millisecond
	cfg.Raft.RPCTimeout = 200 * time.Millisecond
	cfg.Raft.MaxRetries = 2
	cfg.Raft.RetryBackoff = 10 * time.Millisecond
	cfg.Raft.SyncWAL = false
	return cfg
}

func startService(t *testing.T) (*service.RaftexService, config.Config) {
	cfg := testBrokerConfig(t)
	svc, err := service.NewRaftexService(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)
	return svc, cfg
}

func waitLeaders(t *testing.T, topic *Topic) {
	require.Eventually(t, func() bool {
		for _, p := range topic.Partitions() {
			if !p.Group().IsLeader() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTopicManagerSingleBroker(t *testing.T) {
	svc, cfg := startService(t)
	tm := NewTopicManager(svc, cfg.MaxFileLines, nil, false)

	topic, err := tm.CreateTopic("orders", 2)
	require.NoError(t, err)
	_, err = tm.CreateTopic("orders", 2)
	assert.ErrorIs(t, err, ErrTopicExists)
	assert.Equal(t, []string{"orders"}, tm.getTopics())
	waitLeaders(t, topic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// no key: round robin over the partitions
	counts := map[int]int{}
	for i := 0; i < 6; i++ {
		part, id, err := tm.Publish(ctx, "orders", Message{Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Greater(t, int64(id), int64(0))
		counts[part]++
	}
	assert.Equal(t, map[int]int{0: 3, 1: 3}, counts)

	// a key pins the partition
	first, _, err := tm.Publish(ctx, "orders", Message{Body: "k1", Key: "user-1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		part, _, err := tm.Publish(ctx, "orders", Message{Body: "k", Key: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, first, part)
	}

	total := 0
	for part := 0; part < 2; part++ {
		msgs, err := tm.Read("orders", part, 0, 0)
		require.NoError(t, err)
		total += len(msgs)
	}
	assert.Equal(t, 10, total)

	_, _, err = tm.Publish(ctx, "missing", Message{Body: "x"})
	assert.ErrorIs(t, err, ErrUnknownTopic)
	_, err = tm.Read("orders", 5, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownPartition)

	status, err := tm.Status("orders")
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, raft.Leader, status[0].Role)
}

func TestDeleteTopic(t *testing.T) {
	svc, cfg := startService(t)
	tm := NewTopicManager(svc, cfg.MaxFileLines, nil, false)

	topic, err := tm.CreateTopic("audit", 2)
	require.NoError(t, err)
	waitLeaders(t, topic)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		_, _, err := tm.Publish(ctx, "audit", Message{Body: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}
	dir := svc.FileManager().Path(topic.Partitions()[0].dir)
	require.DirExists(t, dir)

	require.NoError(t, tm.DeleteTopic("audit"))
	assert.Empty(t, tm.getTopics())
	assert.NoDirExists(t, dir)
	assert.Nil(t, svc.FindPart(topic.space, 0))
	_, err = tm.Read("audit", 0, 0, 0)
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.ErrorIs(t, tm.DeleteTopic("audit"), ErrUnknownTopic)

	// the name is free again and the new groups start empty
	topic, err = tm.CreateTopic("audit", 2)
	require.NoError(t, err)
	waitLeaders(t, topic)
	for _, p := range topic.Partitions() {
		assert.Equal(t, raft.TermID(1), p.Group().Term())
		assert.Zero(t, p.GetNumLogs())
	}
}

func TestSubscribeAndConsume(t *testing.T) {
	svc, cfg := startService(t)
	tm := NewTopicManager(svc, cfg.MaxFileLines, nil, false)
	topic, err := tm.CreateTopic("events", 1)
	require.NoError(t, err)
	waitLeaders(t, topic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 6; i++ {
		_, _, err := tm.Publish(ctx, "events", Message{Body: fmt.Sprintf("e%d", i)})
		require.NoError(t, err)
	}

	ids, err := tm.Subscribe("events", "billing", 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	_, err = tm.Subscribe("events", "billing", 1)
	assert.ErrorIs(t, err, ErrAllAssigned)

	msgs, err := tm.Consume("events", ids[0], 4)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e4", msgs[0].Body)
	assert.Equal(t, "e5", msgs[1].Body)

	_, err = tm.Consume("events", "nobody", 0)
	assert.ErrorIs(t, err, ErrNoSubscription)
}

// A second broker joins a topic as a learner and receives its messages.
func TestLearnerBrokerReplicates(t *testing.T) {
	leaderSvc, cfg := startService(t)
	learnerSvc, _ := startService(t)

	leaderTM := NewTopicManager(leaderSvc, cfg.MaxFileLines, nil, false)
	learnerTM := NewTopicManager(learnerSvc, cfg.MaxFileLines, []string{string(leaderSvc.Addr())}, true)

	topic, err := leaderTM.CreateTopic("logs", 1)
	require.NoError(t, err)
	waitLeaders(t, topic)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		_, _, err := leaderTM.Publish(ctx, "logs", Message{Body: fmt.Sprintf("l%d", i)})
		require.NoError(t, err)
	}

	copyTopic, err := learnerTM.CreateTopic("logs", 1)
	require.NoError(t, err)
	require.NoError(t, leaderTM.AddLearner(ctx, "logs", 0, learnerSvc.Addr()))

	_, _, err = learnerTM.Publish(ctx, "logs", Message{Body: "nope"})
	assert.ErrorIs(t, err, ErrNoLocalLeader)

	learnerPart := copyTopic.Partitions()[0]
	require.Eventually(t, func() bool { return learnerPart.GetNumLogs() == 5 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, raft.Learner, learnerPart.Group().Role())

	msgs, err := learnerTM.Read("logs", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "l0", msgs[0].Body)
	assert.Equal(t, "l4", msgs[4].Body)
}

type lineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *lineClient) do(t *testing.T, line string, v interface{}) {
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	resp, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp, v), string(resp))
}

func TestServerCommands(t *testing.T) {
	svc, cfg := startService(t)
	tm := NewTopicManager(svc, cfg.MaxFileLines, nil, false)
	srv := NewServer("127.0.0.1:0", tm)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	c := &lineClient{conn: conn, r: bufio.NewReader(conn)}

	var res Res
	c.do(t, "CRTP news 1", &res)
	require.True(t, res.Ok)

	var bad ErrorRes
	c.do(t, "CRTP news 1", &bad)
	assert.False(t, bad.Ok)
	assert.Contains(t, bad.Error, "already exists")

	topic, err := tm.getSingleTopic("news")
	require.NoError(t, err)
	waitLeaders(t, topic)

	var pub ResPublished
	c.do(t, `PUBS news {"Header":"h","Body":"hello"}`, &pub)
	require.True(t, pub.Ok)
	assert.Equal(t, 0, pub.Partition)
	assert.Greater(t, pub.LogID, int64(0))

	var msgs ResMessages
	c.do(t, "READ news 0 0", &msgs)
	require.True(t, msgs.Ok)
	require.Len(t, msgs.Data, 1)
	assert.Equal(t, "hello", msgs.Data[0].Body)

	var subs ResSubscriptions
	c.do(t, "SUBS news readers", &subs)
	require.True(t, subs.Ok)
	require.Len(t, subs.Data, 1)
	c.do(t, "CONS news "+subs.Data[0]+" 0", &msgs)
	require.Len(t, msgs.Data, 1)

	var status struct {
		Ok   bool
		Data []raft.GroupState
	}
	c.do(t, "STAT news", &status)
	require.True(t, status.Ok)
	require.Len(t, status.Data, 1)
	assert.Equal(t, raft.Leader, status.Data[0].Role)

	c.do(t, "RMEM news 0 127.0.0.1:1", &bad)
	assert.False(t, bad.Ok)

	c.do(t, "NOPE", &bad)
	assert.False(t, bad.Ok)

	var deleted Res
	c.do(t, "DELT news", &deleted)
	assert.True(t, deleted.Ok)
	c.do(t, "READ news 0 0", &bad)
	assert.False(t, bad.Ok)
	assert.Contains(t, bad.Error, "topic not found")

	c.do(t, "DISC", &res)
	assert.True(t, res.Ok)
}
