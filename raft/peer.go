package raft

import "context"

// Peer is the leader's replication link to one other member. A single
// goroutine sends to the peer, so at most one AppendLog is in flight and a
// slow or dead peer never holds up the others.
type Peer struct {
	addr  HostAddr
	part  *RaftPart
	retry RetryPolicy

	wake chan struct{}
	stop chan struct{}
}

func newPeer(part *RaftPart, addr HostAddr) *Peer {
	return &Peer{
		addr:  addr,
		part:  part,
		retry: part.cfg.Retry,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// wakeup asks the sender to run. Wakeups coalesce.
func (p *Peer) wakeup() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) close() {
	close(p.stop)
}

func (p *Peer) run() {
	defer p.part.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for p.sendOnce() {
			select {
			case <-p.stop:
				return
			default:
			}
		}
	}
}

// sendOnce sends one AppendLog and applies the reply. It returns true when
// there is more to send right away.
func (p *Peer) sendOnce() bool {
	call, ok := p.part.prepareAppend(p)
	if !ok {
		return false
	}

	var resp *AppendLogResponse
	err := p.retry.Do(p.part.ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.part.client.AppendLog(ctx, p.addr, call.req)
		return err
	})
	if err != nil {
		log.Debugf("%s append to %s: %v", p.part.idStr, p.addr, err)
		return false
	}
	return p.part.handleAppendResponse(p, call, resp)
}
