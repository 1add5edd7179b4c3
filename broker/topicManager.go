package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/thoas/go-funk"

	"github.com/gwDistSys20/raftex/raft"
	"github.com/gwDistSys20/raftex/service"
	"github.com/gwDistSys20/raftex/utils"
)

var (
	ErrTopicExists      = errors.New("broker: topic already exists")
	ErrUnknownTopic     = errors.New("broker: topic not found")
	ErrUnknownPartition = errors.New("broker: partition not found")
	ErrNoLocalLeader    = errors.New("broker: no partition of the topic is led by this broker")
	ErrNoSubscription   = errors.New("broker: subscription not found")
	ErrAllAssigned      = errors.New("broker: all partitions are already assigned to the group")
)

type Topic struct {
	mutex      sync.Mutex
	name       string
	space      int
	partitions []*Partition
	next       int
}

// Name of the topic.
func (t *Topic) Name() string { return t.name }

// Partitions of the topic ordered by id.
func (t *Topic) Partitions() []*Partition { return t.partitions }

func (t *Topic) partition(id int) (*Partition, error) {
	if id < 0 || id >= len(t.partitions) {
		return nil, fmt.Errorf("%w: %s-%d", ErrUnknownPartition, t.name, id)
	}
	return t.partitions[id], nil
}

// pick routes a message: by key hash when it has a key, otherwise round
// robin over the partitions this broker leads.
func (t *Topic) pick(msg Message) (*Partition, error) {
	if msg.Key != "" {
		return t.partitions[utils.Ihash(msg.Key, len(t.partitions))], nil
	}
	leaders := funk.Filter(t.partitions, func(p *Partition) bool {
		return p.group.IsLeader()
	}).([]*Partition)
	if len(leaders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalLeader, t.name)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.next >= len(leaders) {
		t.next = 0
	}
	p := leaders[t.next]
	t.next++
	return p, nil
}

// TopicManager keeps track of all the topics in the broker. Every partition
// is a consensus group hosted by the broker's raftex service.
type TopicManager struct {
	mutex     sync.RWMutex
	svc       *service.RaftexService
	maxLines  int
	peers     []raft.HostAddr
	asLearner bool
	topics    map[string]*Topic
}

// NewTopicManager creates topics with peers as the voters of every group.
// When asLearner is set the local broker joins them as a learner.
func NewTopicManager(svc *service.RaftexService, maxLines int, peers []string, asLearner bool) *TopicManager {
	return &TopicManager{
		svc:       svc,
		maxLines:  maxLines,
		peers:     funk.Map(peers, func(p string) raft.HostAddr { return raft.HostAddr(p) }).([]raft.HostAddr),
		asLearner: asLearner,
		topics:    make(map[string]*Topic),
	}
}

// CreateTopic creates the topic and one consensus group per partition.
func (tm *TopicManager) CreateTopic(name string, nPartition int) (*Topic, error) {
	if nPartition < 1 {
		return nil, fmt.Errorf("broker: topic %s needs at least one partition", name)
	}
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	if _, ok := tm.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}

	topic := &Topic{name: name, space: utils.SpaceID(name)}
	for i := 0; i < nPartition; i++ {
		p, err := newPartition(tm.svc.FileManager(), name, i, tm.maxLines)
		if err == nil {
			p.group, err = tm.svc.AddPartition(topic.space, i, p, tm.peers, tm.asLearner)
		}
		if err != nil {
			for _, created := range topic.partitions {
				tm.svc.RemovePartition(topic.space, created.id)
			}
			return nil, err
		}
		topic.partitions = append(topic.partitions, p)
	}
	tm.topics[name] = topic
	log.Infof("created topic %s with %d partitions in space %d", name, nPartition, topic.space)
	return topic, nil
}

// DeleteTopic drops this broker's copy of every partition group of the
// topic together with its log, hard state and segment files.
func (tm *TopicManager) DeleteTopic(name string) error {
	tm.mutex.Lock()
	topic, ok := tm.topics[name]
	delete(tm.topics, name)
	tm.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}

	var firstErr error
	for _, p := range topic.partitions {
		err := tm.svc.DropPartition(topic.space, p.id)
		if err == nil {
			err = tm.svc.FileManager().RemoveFolder(p.dir)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Infof("deleted topic %s", name)
	return firstErr
}

func (tm *TopicManager) getTopics() []string {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	names := funk.Keys(tm.topics).([]string)
	sort.Strings(names)
	return names
}

func (tm *TopicManager) getSingleTopic(name string) (*Topic, error) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	topic, ok := tm.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return topic, nil
}

// Publish replicates msg into one partition of the topic and returns once
// it is committed.
func (tm *TopicManager) Publish(ctx context.Context, topicName string, msg Message) (int, raft.LogID, error) {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return 0, 0, err
	}
	p, err := topic.pick(msg)
	if err != nil {
		return 0, 0, err
	}
	data, err := msg.encodeMessage()
	if err != nil {
		return 0, 0, err
	}
	id, err := p.group.AppendAsync(data).Wait(ctx)
	if err != nil {
		return p.id, 0, err
	}
	log.Debugf("published to %s-%d at %d", topicName, p.id, id)
	return p.id, id, nil
}

// Subscribe assigns up to nPartition partitions led here to the consumer
// group, one subscription id each. A group gets each partition once.
func (tm *TopicManager) Subscribe(topicName, groupName string, nPartition int) ([]string, error) {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range topic.partitions {
		if len(ids) == nPartition {
			break
		}
		if !p.group.IsLeader() {
			continue
		}
		id := shortuuid.New()
		if p.subscribe(id, groupName) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllAssigned, groupName)
	}
	return ids, nil
}

// Consume reads the subscribed partition from offset on.
func (tm *TopicManager) Consume(topicName, subscriptionID string, offset int) ([]Message, error) {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return nil, err
	}
	for _, p := range topic.partitions {
		if p.hasSubscription(subscriptionID) {
			return p.ReadFrom(offset, 0)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSubscription, subscriptionID)
}

// Read reads one partition directly, on any member of its group.
func (tm *TopicManager) Read(topicName string, part, offset, limit int) ([]Message, error) {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return nil, err
	}
	p, err := topic.partition(part)
	if err != nil {
		return nil, err
	}
	return p.ReadFrom(offset, limit)
}

// AddLearner adds host as a learner of a partition group. It returns once
// the change is committed, not once the learner has caught up.
func (tm *TopicManager) AddLearner(ctx context.Context, topicName string, part int, host raft.HostAddr) error {
	return tm.changeMember(ctx, topicName, part, func(g *raft.RaftPart) *raft.LogFuture {
		return g.AddLearnerAsync(host)
	})
}

// Promote turns a caught-up learner into a voter.
func (tm *TopicManager) Promote(ctx context.Context, topicName string, part int, host raft.HostAddr) error {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return err
	}
	p, err := topic.partition(part)
	if err != nil {
		return err
	}
	if err := p.group.WaitCaughtUp(ctx, host); err != nil {
		return err
	}
	return tm.changeMember(ctx, topicName, part, func(g *raft.RaftPart) *raft.LogFuture {
		return g.PromoteAsync(host)
	})
}

// RemoveMember drops host from a partition group.
func (tm *TopicManager) RemoveMember(ctx context.Context, topicName string, part int, host raft.HostAddr) error {
	return tm.changeMember(ctx, topicName, part, func(g *raft.RaftPart) *raft.LogFuture {
		return g.RemoveMemberAsync(host)
	})
}

func (tm *TopicManager) changeMember(ctx context.Context, topicName string, part int, submit func(*raft.RaftPart) *raft.LogFuture) error {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return err
	}
	p, err := topic.partition(part)
	if err != nil {
		return err
	}
	_, err = submit(p.group).Wait(ctx)
	return err
}

// Status reports the state of every partition group of the topic.
func (tm *TopicManager) Status(topicName string) ([]raft.GroupState, error) {
	topic, err := tm.getSingleTopic(topicName)
	if err != nil {
		return nil, err
	}
	return funk.Map(topic.partitions, func(p *Partition) raft.GroupState {
		return p.group.Status()
	}).([]raft.GroupState), nil
}
