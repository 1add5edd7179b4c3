package config

import (
	"errors"
	"fmt"
	"os/user"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/thoas/go-funk"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// RaftConfig holds the consensus tunables shared by every partition on a host.
type RaftConfig struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	CatchUpBatchSize   int

	// peer link retry policy
	RPCTimeout   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	Workers int
	SyncWAL bool
}

// Config is the process configuration of one raftex host.
type Config struct {
	ID           string
	DataDir      string
	Host         string
	Port         string
	RaftAddr     string
	Peers        []string
	Learner      bool
	MaxFileLines int
	LogLevel     string
	Raft         RaftConfig
}

// DefaultRaft returns the default consensus tunables.
func DefaultRaft() RaftConfig {
	return RaftConfig{
		HeartbeatInterval:  200 * time.Millisecond,
		ElectionTimeoutMin: 600 * time.Millisecond,
		ElectionTimeoutMax: 1200 * time.Millisecond,
		CatchUpBatchSize:   64,
		RPCTimeout:         500 * time.Millisecond,
		MaxRetries:         3,
		RetryBackoff:       50 * time.Millisecond,
		Workers:            4,
		SyncWAL:            true,
	}
}

// Default returns a config for a single local host.
func Default() Config {
	return Config{
		ID:           "raftex",
		DataDir:      path.Join(homeDir(), "raftex"),
		Host:         "127.0.0.1",
		Port:         "8080",
		RaftAddr:     "127.0.0.1:7070",
		MaxFileLines: 200,
		LogLevel:     "info",
		Raft:         DefaultRaft(),
	}
}

// NewConfig builds a config from parsed command line values. Keys that are
// absent keep their default.
func NewConfig(values map[string]string) (Config, error) {
	c := Default()
	if id, ok := values["id"]; ok && id != "" {
		c.ID = id
		c.DataDir = path.Join(homeDir(), "raftex-"+id)
	}
	if dir, ok := values["dataDir"]; ok && dir != "" {
		c.DataDir = dir
	}
	if port, ok := values["port"]; ok && port != "" {
		c.Port = port
	}
	if host, ok := values["host"]; ok && host != "" {
		c.Host = host
	}
	if raftPort, ok := values["raftPort"]; ok && raftPort != "" {
		c.RaftAddr = c.Host + ":" + raftPort
	}
	if peers, ok := values["peers"]; ok && peers != "" {
		c.Peers = splitPeers(peers)
	}
	if learner, ok := values["learner"]; ok && learner != "" {
		b, err := strconv.ParseBool(learner)
		if err != nil {
			return c, fmt.Errorf("learner: %w", err)
		}
		c.Learner = b
	}
	if lvl, ok := values["logLevel"]; ok && lvl != "" {
		c.LogLevel = lvl
	}

	durations := map[string]*time.Duration{
		"heartbeat":   &c.Raft.HeartbeatInterval,
		"electionMin": &c.Raft.ElectionTimeoutMin,
		"electionMax": &c.Raft.ElectionTimeoutMax,
		"rpcTimeout":  &c.Raft.RPCTimeout,
	}
	for key, dst := range durations {
		v, ok := values[key]
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"catchUpBatch": &c.Raft.CatchUpBatchSize,
		"maxRetries":   &c.Raft.MaxRetries,
		"workers":      &c.Raft.Workers,
		"maxFileLines": &c.MaxFileLines,
	}
	for key, dst := range ints {
		v, ok := values[key]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	return c, c.Validate()
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.RaftAddr == "" || c.DataDir == "" {
		return ErrInvalidConfig
	}
	if c.MaxFileLines <= 0 {
		return ErrInvalidConfig
	}
	if funk.ContainsString(c.Peers, c.RaftAddr) {
		return fmt.Errorf("%w: peers must not contain the local address %s", ErrInvalidConfig, c.RaftAddr)
	}
	return c.Raft.Validate()
}

// Validate checks the consensus tunables.
func (r RaftConfig) Validate() error {
	if r.HeartbeatInterval <= 0 || r.CatchUpBatchSize <= 0 || r.Workers <= 0 {
		return ErrInvalidConfig
	}
	if r.ElectionTimeoutMin <= r.HeartbeatInterval {
		return fmt.Errorf("%w: election timeout must exceed the heartbeat interval", ErrInvalidConfig)
	}
	if r.ElectionTimeoutMax <= r.ElectionTimeoutMin {
		return fmt.Errorf("%w: empty election timeout range", ErrInvalidConfig)
	}
	if r.RPCTimeout <= 0 || r.MaxRetries < 1 {
		return ErrInvalidConfig
	}
	return nil
}

func splitPeers(s string) []string {
	parts := funk.Map(strings.Split(s, ","), strings.TrimSpace).([]string)
	return funk.Filter(parts, func(p string) bool { return p != "" }).([]string)
}

func homeDir() string {
	usr, err := user.Current()
	if err != nil {
		return "/tmp"
	}
	return usr.HomeDir
}
