// Package broker is a small topic broker whose partitions are raftex
// consensus groups. Clients speak a line protocol over tcp.
package broker

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/gwDistSys20/raftex/raft"
)

var log = logging.Logger("raftex/broker")

const requestTimeout = 10 * time.Second

// Server accepts client connections and runs their commands against the
// topic manager.
type Server struct {
	addr     string
	listener net.Listener
	tm       *TopicManager

	mutex sync.Mutex
	conns map[net.Conn]struct{}
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewServer creates a broker server for addr.
func NewServer(addr string, tm *TopicManager) *Server {
	return &Server{
		addr:  addr,
		tm:    tm,
		conns: make(map[net.Conn]struct{}),
		quit:  make(chan struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("broker: unable to start server: %w", err)
	}
	s.listener = listener
	log.Infof("broker server running on %s", listener.Addr())

	s.wg.Add(1)
	go s.listenForConnection()
	return nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) listenForConnection() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Errorf("unable to accept connection: %v", err)
			continue
		}
		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
			s.mutex.Lock()
			delete(s.conns, conn)
			s.mutex.Unlock()
			conn.Close()
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	client := NewClient(bufio.NewWriter(conn), bufio.NewReader(conn))
	log.Debugf("client %s connected from %s", client.ID, conn.RemoteAddr())

	for {
		fields, err := client.read('\n')
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				client.writeError(err)
				continue
			}
			log.Debugf("client %s: %v", client.ID, err)
			return
		}
		if len(fields) == 0 {
			continue
		}

		cmd := strings.ToUpper(fields[0])
		if cmd == "DISC" {
			client.writeJSON(Res{Ok: true, Data: "bye"})
			return
		}
		s.dispatch(client, cmd, fields[1:])
	}
}

func (s *Server) dispatch(client *Client, cmd string, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch cmd {
	case "CRTP":
		// CRTP topic [nPartition]
		if len(args) < 1 {
			client.writeError(errors.New("topic name is a required field"))
			return
		}
		nPartition := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				client.writeError(fmt.Errorf("invalid partition count %q", args[1]))
				return
			}
			nPartition = n
		}
		if _, err := s.tm.CreateTopic(args[0], nPartition); err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(Res{Ok: true, Data: args[0]})

	case "DELT":
		// DELT topic
		if len(args) < 1 {
			client.writeError(errors.New("topic name is a required field"))
			return
		}
		if err := s.tm.DeleteTopic(args[0]); err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(Res{Ok: true, Data: args[0]})

	case "LIST":
		client.writeJSON(Res{Ok: true, Data: s.tm.getTopics()})

	case "PUBS":
		// PUBS topic json
		if len(args) < 2 {
			client.writeError(errors.New("topic and message are required fields"))
			return
		}
		message, err := NewMessage(args[1])
		if err != nil {
			client.writeError(err)
			return
		}
		part, id, err := s.tm.Publish(ctx, args[0], message)
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(ResPublished{Ok: true, Partition: part, LogID: int64(id)})

	case "SUBS":
		// SUBS topic group [nPartition]
		if len(args) < 2 {
			client.writeError(errors.New("topic and consumer group are required fields"))
			return
		}
		nPartition := 1
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				client.writeError(fmt.Errorf("invalid partition count %q", args[2]))
				return
			}
			nPartition = n
		}
		ids, err := s.tm.Subscribe(args[0], args[1], nPartition)
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(ResSubscriptions{Ok: true, Data: ids})

	case "CONS":
		// CONS topic subscriptionId offset
		if len(args) < 3 {
			client.writeError(errors.New("topic, subscription id and offset are required fields"))
			return
		}
		offset, err := strconv.Atoi(args[2])
		if err != nil {
			client.writeError(err)
			return
		}
		messages, err := s.tm.Consume(args[0], args[1], offset)
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(ResMessages{Ok: true, Data: messages})

	case "READ":
		// READ topic part offset [limit]
		if len(args) < 3 {
			client.writeError(errors.New("topic, partition and offset are required fields"))
			return
		}
		nums, err := atois(args[1:])
		if err != nil {
			client.writeError(err)
			return
		}
		limit := 0
		if len(nums) > 2 {
			limit = nums[2]
		}
		messages, err := s.tm.Read(args[0], nums[0], nums[1], limit)
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(ResMessages{Ok: true, Data: messages})

	case "LRNR", "PROM", "RMEM":
		// LRNR|PROM|RMEM topic part host
		if len(args) < 3 {
			client.writeError(errors.New("topic, partition and host are required fields"))
			return
		}
		part, err := strconv.Atoi(args[1])
		if err != nil {
			client.writeError(err)
			return
		}
		host := raft.HostAddr(args[2])
		switch cmd {
		case "LRNR":
			err = s.tm.AddLearner(ctx, args[0], part, host)
		case "PROM":
			err = s.tm.Promote(ctx, args[0], part, host)
		default:
			err = s.tm.RemoveMember(ctx, args[0], part, host)
		}
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(Res{Ok: true, Data: string(host)})

	case "STAT":
		if len(args) < 1 {
			client.writeError(errors.New("topic name is a required field"))
			return
		}
		status, err := s.tm.Status(args[0])
		if err != nil {
			client.writeError(err)
			return
		}
		client.writeJSON(Res{Ok: true, Data: status})

	default:
		client.writeError(fmt.Errorf("unknown command %q", cmd))
	}
}

func atois(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mutex.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mutex.Unlock()
		s.wg.Wait()
	})
}
