package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/raftex/config"
)

func parse(args ...string) (config.Config, error) {
	fs := flag.NewFlagSet("raftex", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values, err := parseCommandLineArgs(fs, args)
	if err != nil {
		return config.Config{}, err
	}
	return config.NewConfig(values)
}

func TestDefaultFlags(t *testing.T) {
	c, err := parse("-brokerId", "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", c.ID)
	assert.Equal(t, "127.0.0.1:7070", c.RaftAddr)
	assert.Equal(t, config.DefaultRaft(), c.Raft)
	assert.Equal(t, config.Default().MaxFileLines, c.MaxFileLines)
}

func TestRaftTuningFlags(t *testing.T) {
	c, err := parse(
		"-brokerId", "b2",
		"-raftport", "7071",
		"-peers", "127.0.0.1:7070,127.0.0.1:7072",
		"-learner",
		"-heartbeat", "50ms",
		"-electionMin", "150ms",
		"-electionMax", "300ms",
		"-rpcTimeout", "100ms",
		"-catchUpBatch", "16",
		"-maxRetries", "5",
		"-workers", "8",
		"-maxFileLines", "50",
	)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7071", c.RaftAddr)
	assert.Equal(t, []string{"127.0.0.1:7070", "127.0.0.1:7072"}, c.Peers)
	assert.True(t, c.Learner)
	assert.Equal(t, 50*time.Millisecond, c.Raft.HeartbeatInterval)
	assert.Equal(t, 150*time.Millisecond, c.Raft.ElectionTimeoutMin)
	assert.Equal(t, 300*time.Millisecond, c.Raft.ElectionTimeoutMax)
	assert.Equal(t, 100*time.Millisecond, c.Raft.RPCTimeout)
	assert.Equal(t, 16, c.Raft.CatchUpBatchSize)
	assert.Equal(t, 5, c.Raft.MaxRetries)
	assert.Equal(t, 8, c.Raft.Workers)
	assert.Equal(t, 50, c.MaxFileLines)
}

func TestBadFlags(t *testing.T) {
	_, err := parse("-heartbeat", "soon")
	assert.Error(t, err)

	_, err = parse("-brokerId", "b3", "-electionMin", "2s", "-electionMax", "1s")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
