package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	logging "github.com/ipfs/go-log"
	"github.com/lithammer/shortuuid/v3"

	"github.com/gwDistSys20/raftex/broker"
	"github.com/gwDistSys20/raftex/config"
	"github.com/gwDistSys20/raftex/service"
)

var log = logging.Logger("raftex")

func parseCommandLineArgs(fs *flag.FlagSet, args []string) (map[string]string, error) {
	raft := config.DefaultRaft()
	values := make(map[string]string)
	brokerIDPtr := fs.String("brokerId", shortuuid.New(), "ID of the broker")
	hostPtr := fs.String("host", "127.0.0.1", "Host the broker and raft listen on")
	portPtr := fs.String("port", "8080", "Port the broker will run on")
	raftPtr := fs.String("raftport", "7070", "Port Raft will run on")
	dataPtr := fs.String("data", "", "Data directory, defaults to ~/raftex-<brokerId>")
	peersPtr := fs.String("peers", "", "Comma separated raft addresses of the voting peers")
	learnerPtr := fs.Bool("learner", false, "Join every partition group as a learner")
	levelPtr := fs.String("loglevel", "info", "Log level")
	heartbeatPtr := fs.Duration("heartbeat", raft.HeartbeatInterval, "Leader heartbeat interval")
	electionMinPtr := fs.Duration("electionMin", raft.ElectionTimeoutMin, "Lower bound of the election timeout")
	electionMaxPtr := fs.Duration("electionMax", raft.ElectionTimeoutMax, "Upper bound of the election timeout")
	rpcTimeoutPtr := fs.Duration("rpcTimeout", raft.RPCTimeout, "Timeout of one raft rpc")
	batchPtr := fs.Int("catchUpBatch", raft.CatchUpBatchSize, "Entries per append request")
	retriesPtr := fs.Int("maxRetries", raft.MaxRetries, "Retries of a failed raft rpc")
	workersPtr := fs.Int("workers", raft.Workers, "Size of the shared worker pool")
	linesPtr := fs.Int("maxFileLines", config.Default().MaxFileLines, "Messages per partition segment file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	values["id"] = *brokerIDPtr
	values["host"] = *hostPtr
	values["port"] = *portPtr
	values["raftPort"] = *raftPtr
	values["dataDir"] = *dataPtr
	values["peers"] = *peersPtr
	if *learnerPtr {
		values["learner"] = "true"
	}
	values["logLevel"] = *levelPtr
	values["heartbeat"] = heartbeatPtr.String()
	values["electionMin"] = electionMinPtr.String()
	values["electionMax"] = electionMaxPtr.String()
	values["rpcTimeout"] = rpcTimeoutPtr.String()
	values["catchUpBatch"] = strconv.Itoa(*batchPtr)
	values["maxRetries"] = strconv.Itoa(*retriesPtr)
	values["workers"] = strconv.Itoa(*workersPtr)
	values["maxFileLines"] = strconv.Itoa(*linesPtr)
	return values, nil
}

func main() {
	values, err := parseCommandLineArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("bad arguments: %v", err)
	}
	conf, err := config.NewConfig(values)
	if err != nil {
		log.Fatalf("bad configuration: %v", err)
	}
	if err := logging.SetLogLevel("*", conf.LogLevel); err != nil {
		log.Warnf("log level %s: %v", conf.LogLevel, err)
	}

	svc, err := service.NewRaftexService(conf)
	if err != nil {
		log.Fatalf("unable to create raftex service: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("unable to start raftex service: %v", err)
	}

	tm := broker.NewTopicManager(svc, conf.MaxFileLines, conf.Peers, conf.Learner)
	b := broker.NewServer(conf.Host+":"+conf.Port, tm)
	if err := b.Start(); err != nil {
		svc.Stop()
		log.Fatalf("%v", err)
	}
	log.Infof("broker %s up, raft on %s", conf.ID, svc.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("shutting down broker %s", conf.ID)
	b.Stop()
	svc.Stop()
}
