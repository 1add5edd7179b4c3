package raft

import (
	"context"
	"fmt"
)

// notifyProgress wakes WaitCaughtUp callers.
func (r *RaftPart) notifyProgress() {
	close(r.progressCh)
	r.progressCh = make(chan struct{})
}

// LearnerProgress returns the leader's replication progress for host.
func (r *RaftPart) LearnerProgress(host HostAddr) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked(host)
}

func (r *RaftPart) progressLocked(host HostAddr) (Progress, error) {
	if r.stopped {
		return Progress{}, ErrStopped
	}
	lead, ok := r.role.(*leaderState)
	if !ok {
		return Progress{}, &NotLeaderError{Leader: r.leader}
	}
	pr, ok := lead.progress[host]
	if !ok {
		return Progress{}, fmt.Errorf("%s: %w", host, ErrUnknownMember)
	}
	return *pr, nil
}

// WaitCaughtUp blocks until host has matched the whole log the leader had
// when the matching request was sent. A host that later trails the log by
// more than one catch-up batch counts as behind again. It fails with
// ErrLogGone if host needs compacted entries and with a NotLeaderError if
// the local host stops leading.
func (r *RaftPart) WaitCaughtUp(ctx context.Context, host HostAddr) error {
	for {
		r.mu.Lock()
		pr, err := r.progressLocked(host)
		ch := r.progressCh
		r.mu.Unlock()

		switch {
		case err != nil:
			return err
		case pr.Err != nil:
			return pr.Err
		case pr.CaughtUp:
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CompactLog drops log entries below id. Entries that are not yet applied
// are kept.
func (r *RaftPart) CompactLog(id LogID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if id > r.lastApplied+1 {
		id = r.lastApplied + 1
	}
	if err := r.wal.CompactBefore(int64(id)); err != nil {
		return r.fail(fmt.Errorf("compact before %d: %w", id, err))
	}
	log.Infof("%s compacted log before %d", r.idStr, r.wal.FirstLogID())
	return nil
}
