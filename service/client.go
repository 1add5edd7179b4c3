package service

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"sync"

	"github.com/gwDistSys20/raftex/raft"
)

// RPCClient implements raft.Client over net/rpc. Connections are dialed on
// first use and dropped when they break.
type RPCClient struct {
	mutex sync.Mutex
	conns map[raft.HostAddr]*rpc.Client
}

func NewRPCClient() *RPCClient {
	return &RPCClient{conns: make(map[raft.HostAddr]*rpc.Client)}
}

func (c *RPCClient) AppendLog(ctx context.Context, to raft.HostAddr, req *raft.AppendLogRequest) (*raft.AppendLogResponse, error) {
	var resp raft.AppendLogResponse
	if err := c.call(ctx, to, "Raftex.AppendLog", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RPCClient) AskForVote(ctx context.Context, to raft.HostAddr, req *raft.AskForVoteRequest) (*raft.AskForVoteResponse, error) {
	var resp raft.AskForVoteResponse
	if err := c.call(ctx, to, "Raftex.AskForVote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RPCClient) call(ctx context.Context, to raft.HostAddr, method string, args, reply interface{}) error {
	client, err := c.get(ctx, to)
	if err != nil {
		return err
	}

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			var serverErr rpc.ServerError
			if !errors.As(call.Error, &serverErr) {
				c.drop(to, client)
			}
		}
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RPCClient) get(ctx context.Context, to raft.HostAddr) (*rpc.Client, error) {
	c.mutex.Lock()
	client, ok := c.conns[to]
	c.mutex.Unlock()
	if ok {
		return client, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(to))
	if err != nil {
		return nil, err
	}
	client = rpc.NewClient(conn)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if existing, ok := c.conns[to]; ok {
		client.Close()
		return existing, nil
	}
	c.conns[to] = client
	return client, nil
}

func (c *RPCClient) drop(to raft.HostAddr, client *rpc.Client) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conns[to] == client {
		delete(c.conns, to)
		client.Close()
		log.Debugf("dropped connection to %s", to)
	}
}

// Close closes every connection.
func (c *RPCClient) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for to, client := range c.conns {
		client.Close()
		delete(c.conns, to)
	}
}
