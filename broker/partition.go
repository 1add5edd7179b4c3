package broker

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/gwDistSys20/raftex/filemanager"
	"github.com/gwDistSys20/raftex/raft"
)

type location struct {
	segment int
	line    int
}

// Partition is the state machine of one topic partition. Committed messages
// are kept in order in memory and in segment files under
// topics/<topic>-<id>/, each log<N>.txt paired with an index<N>.txt of
// "offset,line" rows.
type Partition struct {
	mutex    sync.Mutex
	id       int
	topic    string
	dir      string
	fm       *filemanager.FileManager
	maxLines int

	activeSegment int
	logFile       string
	indexFile     string

	messages      []Message
	ids           []raft.LogID
	locs          []location
	lastCommitted raft.LogID

	group       *raft.RaftPart
	subscribers []*subscriber
}

type subscriber struct {
	id        string
	groupName string
}

// newPartition starts an empty partition. Any segments left from an earlier
// run are dropped, the group replays its log into the new ones.
func newPartition(fm *filemanager.FileManager, topic string, id, maxLines int) (*Partition, error) {
	p := &Partition{
		id:       id,
		topic:    topic,
		dir:      path.Join("topics", topic+"-"+strconv.Itoa(id)),
		fm:       fm,
		maxLines: maxLines,
	}
	if err := fm.RemoveFolder(p.dir); err != nil {
		return nil, err
	}
	if err := p.openSegment(0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Partition) segmentFiles(segment int) (string, string) {
	n := strconv.Itoa(segment)
	return path.Join(p.dir, "log"+n+".txt"), path.Join(p.dir, "index"+n+".txt")
}

func (p *Partition) openSegment(segment int) error {
	logFile, indexFile := p.segmentFiles(segment)
	if err := p.fm.AddFile(logFile); err != nil {
		return err
	}
	if err := p.fm.AddFile(indexFile); err != nil {
		return err
	}
	p.activeSegment, p.logFile, p.indexFile = segment, logFile, indexFile
	return nil
}

// OnCommit stores committed messages. Membership and no-op entries only
// move the watermark.
func (p *Partition) OnCommit(e raft.LogEntry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e.ID <= p.lastCommitted {
		return nil
	}
	if e.Type == raft.EntryNormal {
		if err := p.commitMessage(e); err != nil {
			return err
		}
	}
	p.lastCommitted = e.ID
	return nil
}

func (p *Partition) commitMessage(e raft.LogEntry) error {
	msg, err := decodeMessage(e.Payload)
	if err != nil {
		return fmt.Errorf("partition %s-%d entry %d: %w", p.topic, p.id, e.ID, err)
	}

	totalLines, err := p.fm.CountLines(p.logFile)
	if err != nil {
		return err
	}
	if totalLines >= p.maxLines {
		if err := p.openSegment(p.activeSegment + 1); err != nil {
			return err
		}
	}
	line, err := p.fm.Append(p.logFile, e.Payload)
	if err != nil {
		return err
	}
	offset := len(p.messages)
	if _, err := p.fm.Append(p.indexFile, []byte(strconv.Itoa(offset)+","+strconv.Itoa(line))); err != nil {
		return err
	}

	p.messages = append(p.messages, msg)
	p.ids = append(p.ids, e.ID)
	p.locs = append(p.locs, location{segment: p.activeSegment, line: line})
	return nil
}

// LastCommittedLogID is the id of the last entry this partition applied.
func (p *Partition) LastCommittedLogID() raft.LogID {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.lastCommitted
}

// GetNumLogs counts the stored messages.
func (p *Partition) GetNumLogs() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.messages)
}

// GetLogMsg returns the message committed at log id.
func (p *Partition) GetLogMsg(id raft.LogID) (Message, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	i := sort.Search(len(p.ids), func(i int) bool { return p.ids[i] >= id })
	if i == len(p.ids) || p.ids[i] != id {
		return Message{}, false
	}
	return p.messages[i], true
}

// Messages returns the in-memory messages from offset on.
func (p *Partition) Messages(offset int) []Message {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if offset < 0 || offset >= len(p.messages) {
		return nil
	}
	return append([]Message(nil), p.messages[offset:]...)
}

// ReadFrom reads up to limit messages starting at offset back from the
// segment files.
func (p *Partition) ReadFrom(offset, limit int) ([]Message, error) {
	p.mutex.Lock()
	total := len(p.locs)
	if offset < 0 || offset >= total {
		p.mutex.Unlock()
		return nil, nil
	}
	start := p.locs[offset]
	last := p.activeSegment
	p.mutex.Unlock()

	want := total - offset
	if limit > 0 && limit < want {
		want = limit
	}
	out := make([]Message, 0, want)
	var decodeErr error
	for seg, line := start.segment, start.line; seg <= last && len(out) < want; seg, line = seg+1, 1 {
		logFile, _ := p.segmentFiles(seg)
		err := p.fm.FetchLines(logFile, line, func(_ int, data []byte) {
			if len(out) >= want || decodeErr != nil {
				return
			}
			msg, err := decodeMessage(data)
			if err != nil {
				decodeErr = err
				return
			}
			out = append(out, msg)
		})
		if err != nil {
			return out, err
		}
		if decodeErr != nil {
			return out, decodeErr
		}
	}
	return out, nil
}

// Group is the consensus group replicating this partition.
func (p *Partition) Group() *raft.RaftPart {
	return p.group
}

func (p *Partition) hasSubscription(subscriptionID string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, s := range p.subscribers {
		if s.id == subscriptionID {
			return true
		}
	}
	return false
}

// subscribe registers a subscriber unless its group already reads here.
func (p *Partition) subscribe(id, groupName string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, s := range p.subscribers {
		if s.groupName == groupName {
			return false
		}
	}
	p.subscribers = append(p.subscribers, &subscriber{id: id, groupName: groupName})
	return true
}
