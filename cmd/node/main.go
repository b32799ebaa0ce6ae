package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/discovery"
	"github.com/ryandielhenn/zephyrledger/internal/config"
	"github.com/ryandielhenn/zephyrledger/internal/logging"
	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/devnet"
	"github.com/ryandielhenn/zephyrledger/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	// 1. Config and logger
	cfg, err := config.LoadNode()
	if err != nil {
		logging.Must("info", "json").Fatal("load config", zap.Error(err))
	}
	log := logging.Must(cfg.LogLevel, cfg.LogFormat).With(zap.String("node", cfg.SelfID))
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 2. Chain and the replicas this node serves
	chain, err := devnet.NewChain(cfg.Admin, devnet.WithSplitPolicy(cfg.SplitPolicy), devnet.WithLogger(log))
	if err != nil {
		log.Fatal("genesis", zap.Error(err))
	}
	var replicas []*devnet.Replica
	for _, id := range cfg.ReplicaIDs() {
		replicas = append(replicas, chain.NewReplica(id, cfg.ReplicaStep))
	}
	n := node.NewNode(chain, replicas, cfg.Advertise, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Register and watch peers when etcd is configured
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			log.Fatal("etcd client", zap.Error(err))
		}
		defer cli.Close()

		leaseID, cancel, err := discovery.RegisterReplicas(cli, n.LocalIDs(), n.Addr(), 10, log)
		if err != nil {
			log.Fatal("register replicas", zap.Error(err))
		}
		defer func() {
			cancel()
			_, _ = cli.Revoke(context.TODO(), leaseID)
		}()

		err = discovery.WatchReplicas(ctx, cli, log, func(peers map[int]string) {
			n.SetPeers(peers)
			log.Info("peers updated", zap.Any("peers", n.Peers()))
		})
		if err != nil {
			log.Fatal("watch replicas", zap.Error(err))
		}
	}

	// 4. Serve
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           n.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("replica node listening",
		zap.String("addr", cfg.Addr),
		zap.Ints("replicas", n.LocalIDs()),
		zap.Uint64("step", cfg.ReplicaStep),
		zap.Stringer("split", cfg.SplitPolicy))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
	log.Info("shut down")
}
