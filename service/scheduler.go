package service

import (
	"sync"
	"time"

	"github.com/gwDistSys20/raftex/raft"
)

// Scheduler is the worker pool and timer source shared by every group on a
// host.
type Scheduler struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewScheduler starts workers goroutines.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		tasks: make(chan func(), 1024),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

// Submit queues fn. Callers may hold a group lock, so a full queue spills
// into a fresh goroutine instead of blocking.
func (s *Scheduler) Submit(fn func()) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.tasks <- fn:
	default:
		log.Warnf("scheduler queue full, running task on its own goroutine")
		go fn()
	}
}

// AfterFunc runs fn on the pool after d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) raft.Timer {
	return time.AfterFunc(d, func() { s.Submit(fn) })
}

// Every calls fn every d until the scheduler stops.
func (s *Scheduler) Every(d time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop ends the workers and timers. Queued tasks are dropped.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.quit)
		s.wg.Wait()
	})
}
