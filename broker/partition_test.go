package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/raftex/filemanager"
	"github.com/gwDistSys20/raftex/raft"
)

func messageEntry(t *testing.T, id raft.LogID, body string) raft.LogEntry {
	m := Message{Body: body, Timestamp: int64(id)}
	data, err := m.encodeMessage()
	require.NoError(t, err)
	return raft.LogEntry{ID: id, Term: 1, Type: raft.EntryNormal, Payload: data}
}

func testPartition(t *testing.T, maxLines int) (*Partition, *filemanager.FileManager) {
	fm, err := filemanager.NewFileManager(t.TempDir())
	require.NoError(t, err)
	p, err := newPartition(fm, "orders", 0, maxLines)
	require.NoError(t, err)
	return p, fm
}

func TestPartitionStoresCommittedMessages(t *testing.T) {
	p, _ := testPartition(t, 100)

	require.NoError(t, p.OnCommit(raft.LogEntry{ID: 1, Term: 1, Type: raft.EntryNoop}))
	require.NoError(t, p.OnCommit(messageEntry(t, 2, "a")))
	require.NoError(t, p.OnCommit(raft.LogEntry{ID: 3, Term: 1, Type: raft.EntryMembership,
		Payload: raft.MembershipChange{Op: raft.OpAddLearner, Host: "127.0.0.1:9"}.Encode()}))
	require.NoError(t, p.OnCommit(messageEntry(t, 4, "b")))

	assert.Equal(t, raft.LogID(4), p.LastCommittedLogID())
	assert.Equal(t, 2, p.GetNumLogs())

	m, ok := p.GetLogMsg(4)
	require.True(t, ok)
	assert.Equal(t, "b", m.Body)
	_, ok = p.GetLogMsg(3)
	assert.False(t, ok)

	// replays below the watermark are ignored
	require.NoError(t, p.OnCommit(messageEntry(t, 2, "a")))
	assert.Equal(t, 2, p.GetNumLogs())

	bodies := func(ms []Message) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.Body)
		}
		return out
	}
	assert.Equal(t, []string{"b"}, bodies(p.Messages(1)))
	assert.Nil(t, p.Messages(2))
}

func TestPartitionRejectsGarbage(t *testing.T) {
	p, _ := testPartition(t, 100)
	err := p.OnCommit(raft.LogEntry{ID: 1, Term: 1, Type: raft.EntryNormal, Payload: []byte("not json")})
	assert.Error(t, err)
	assert.Equal(t, raft.LogID(0), p.LastCommittedLogID())
}

func TestPartitionRollsSegments(t *testing.T) {
	p, fm := testPartition(t, 3)
	for i := 1; i <= 8; i++ {
		require.NoError(t, p.OnCommit(messageEntry(t, raft.LogID(i), fmt.Sprintf("m%d", i))))
	}

	assert.Equal(t, 2, p.activeSegment)
	for seg, want := range []int{3, 3, 2} {
		logFile, indexFile := p.segmentFiles(seg)
		n, err := fm.CountLines(logFile)
		require.NoError(t, err)
		assert.Equal(t, want, n, "segment %d", seg)
		n, err = fm.CountLines(indexFile)
		require.NoError(t, err)
		assert.Equal(t, want, n, "index %d", seg)
	}

	_, indexFile := p.segmentFiles(1)
	var rows []string
	require.NoError(t, fm.FetchLines(indexFile, 1, func(_ int, data []byte) {
		rows = append(rows, string(data))
	}))
	assert.Equal(t, []string{"3,1", "4,2", "5,3"}, rows)

	msgs, err := p.ReadFrom(2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i+3), m.Body)
	}

	msgs, err = p.ReadFrom(1, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "m2", msgs[0].Body)
	assert.Equal(t, "m5", msgs[3].Body)

	msgs, err = p.ReadFrom(8, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNewPartitionDropsOldSegments(t *testing.T) {
	p, fm := testPartition(t, 100)
	require.NoError(t, p.OnCommit(messageEntry(t, 1, "old")))

	p, err := newPartition(fm, "orders", 0, 100)
	require.NoError(t, err)
	logFile, _ := p.segmentFiles(0)
	n, err := fm.CountLines(logFile)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewMessage(t *testing.T) {
	m, err := NewMessage(`{"Header":"h","Body":"hello","Key":"k"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "k", m.Key)
	assert.NotZero(t, m.Timestamp)

	_, err = NewMessage(`{"Header":"h"}`)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = NewMessage(`nope`)
	assert.Error(t, err)
}
