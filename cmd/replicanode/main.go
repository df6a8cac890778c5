// cmd/replicanode is the per-replica daemon: it opens the local update log
// and index core, joins leader election for its shard, watches cluster
// state over the coordination store, serves the wire protocol, and runs
// RecoveryStrategy whenever it isn't the leader.
//
// Configuration is entirely via flags so a single binary can serve any
// replica in the cluster.
//
// Example:
//
//	./replicanode --node node1 --addr :8080 --data-dir /var/replicacore/node1 \
//	              --etcd localhost:2379 --collection products --shard shard1 \
//	              --core products_shard1_replica1 --replica-id 1 --replica-type NRT
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"replicacore/internal/clusterstate"
	"replicacore/internal/coordstore"
	"replicacore/internal/election"
	"replicacore/internal/index"
	"replicacore/internal/recovery"
	"replicacore/internal/runtime"
	"replicacore/internal/statepublish"
	"replicacore/internal/updatelog"
	"replicacore/internal/wireserver"
)

func main() {
	nodeName := flag.String("node", "node1", "unique node identifier")
	addr := flag.String("addr", ":8080", "listen address for the wire protocol")
	dataDir := flag.String("data-dir", "/tmp/replicacore", "directory for the update log")
	etcdEndpoints := flag.String("etcd", "localhost:2379", "comma-separated etcd endpoints backing the coordination store")
	collection := flag.String("collection", "default", "collection name")
	shard := flag.String("shard", "shard1", "shard name within the collection")
	coreName := flag.String("core", "", "this replica's core name, as named in cluster state")
	replicaIDFlag := flag.Int64("replica-id", 0, "this replica's numeric id")
	replicaType := flag.String("replica-type", "NRT", "NRT, TLOG, or PULL")
	maxRetries := flag.Int("max-retries", 500, "recovery max retry attempts before FAILED_MAX_RETRIES")
	flag.Parse()

	if *coreName == "" {
		*coreName = fmt.Sprintf("%s_%s_replica%d", *collection, *shard, *replicaIDFlag)
	}

	rt := runtime.New(*nodeName)
	log := rt.Log

	rtype, err := parseReplicaType(*replicaType)
	if err != nil {
		log.Fatalf("invalid --replica-type: %v", err)
	}

	ulog, err := updatelog.Open(*dataDir, log)
	if err != nil {
		log.Fatalf("open update log: %v", err)
	}
	defer ulog.Close()

	store, err := coordstore.Open(strings.Split(*etcdEndpoints, ","), 5*time.Second, log)
	if err != nil {
		log.Fatalf("open coordination store: %v", err)
	}
	defer store.Close()

	core := index.NewInMemory()

	publisher := statepublish.New(store, log)
	go publisher.Run()
	defer publisher.Close()

	source := coordstore.NewClusterStateSource(store, log)
	reader := clusterstate.New(source, log)
	go reader.Run(context.Background())
	defer reader.Close()
	reader.Watch(*collection)
	reader.WatchLiveNodes()

	if err := store.CreateEphemeral(context.Background(), "/live_nodes/"+*nodeName, []byte(*nodeName)); err != nil {
		log.Fatalf("register live node: %v", err)
	}

	elector := election.New(store, *collection, *shard, log)
	ctx, cancel := context.WithCancel(context.Background())
	if err := elector.JoinElection(ctx, []byte(*coreName)); err != nil {
		log.Fatalf("join election: %v", err)
	}
	go elector.WatchLeadership(ctx, func() {
		if elector.IsLeader() {
			publisher.PublishLeader(*collection, clusterstate.ReplicaID(*replicaIDFlag))
		}
	})

	server := wireserver.New(core, ulog, elector, reader, *coreName, *collection, log)
	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Infof("replicanode %s listening on %s (collection=%s shard=%s type=%s)", *nodeName, *addr, *collection, *shard, rtype)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("wire server error: %v", err)
		}
	}()

	identity := recovery.Identity{
		Collection: *collection,
		Shard:      *shard,
		ReplicaID:  clusterstate.ReplicaID(*replicaIDFlag),
		CoreName:   *coreName,
		Type:       rtype,
	}
	opts := recovery.DefaultOptions()
	opts.MaxRetries = *maxRetries

	connect := func(leaderBaseURL string) recovery.LeaderConn {
		return wireserver.NewClient(rt, leaderBaseURL, 30*time.Second)
	}
	strategy := recovery.New(
		identity, opts, reader, elector,
		election.NewPrepRecoveryClient(rt),
		publisher, ulog, core, connect,
		recovery.BackgroundReplication{}, log,
	)

	go func() {
		<-core.Ready()
		outcome := strategy.Run(ctx)
		log.WithField("outcome", outcome.String()).Info("recovery finished")
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down replicanode", *nodeName)
	strategy.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("wire server shutdown error")
	}
}

func parseReplicaType(s string) (clusterstate.ReplicaType, error) {
	switch s {
	case "NRT":
		return clusterstate.ReplicaNRT, nil
	case "TLOG":
		return clusterstate.ReplicaTLOG, nil
	case "PULL":
		return clusterstate.ReplicaPull, nil
	default:
		return 0, fmt.Errorf("unknown replica type %q", s)
	}
}
