package raft

import (
	"context"
	"math/rand"
	"time"
)

// Client sends rpcs to other hosts. Implementations return an error only for
// transport failures; rejections travel in the response code.
type Client interface {
	AppendLog(ctx context.Context, to HostAddr, req *AppendLogRequest) (*AppendLogResponse, error)
	AskForVote(ctx context.Context, to HostAddr, req *AskForVoteRequest) (*AskForVoteResponse, error)
}

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs group callbacks. It is shared by every group on a host.
type Scheduler interface {
	// Submit runs fn asynchronously.
	Submit(fn func())
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Config holds the consensus tunables of a group.
type Config struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// CatchUpBatchSize caps the entries of one AppendLog request.
	CatchUpBatchSize int
	// MaxBatchBytes caps the payload bytes of one AppendLog request, 0 for none.
	MaxBatchBytes int
	Retry         RetryPolicy
}

// DefaultConfig returns tunables fit for a LAN.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  200 * time.Millisecond,
		ElectionTimeoutMin: 600 * time.Millisecond,
		ElectionTimeoutMax: 1200 * time.Millisecond,
		CatchUpBatchSize:   64,
		MaxBatchBytes:      4 * 1024 * 1024,
		Retry: RetryPolicy{
			Timeout:     500 * time.Millisecond,
			MaxAttempts: 3,
			Backoff:     50 * time.Millisecond,
		},
	}
}

func (c Config) randomElectionTimeout(rnd *rand.Rand) time.Duration {
	span := c.ElectionTimeoutMax - c.ElectionTimeoutMin
	if span <= 0 {
		return c.ElectionTimeoutMin
	}
	return c.ElectionTimeoutMin + time.Duration(rnd.Int63n(int64(span)))
}
