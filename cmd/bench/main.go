package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/internal/logging"
	"github.com/ryandielhenn/zephyrledger/pkg/groupledger"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "replica node address")
	replicas := flag.Int("replicas", 3, "replica ids 0..n-1 served at addr")
	admin := flag.String("admin", "", "admin address the node was started with")
	members := flag.Int("members", 4, "members to add besides the admin")
	n := flag.Int("n", 500, "operations")
	conc := flag.Int("c", 8, "concurrency")
	delay := flag.Duration("delay", 100*time.Millisecond, "retry and poll delay")
	level := flag.String("log", "warn", "log level")
	flag.Parse()

	log := logging.Must(*level, "console")
	defer log.Sync()
	if *admin == "" {
		log.Fatal("-admin is required")
	}

	clients := make(map[int]replica.Client, *replicas)
	for id := 0; id < *replicas; id++ {
		c, err := replica.NewHTTPClient(id, *addr, replica.WithLogger(log))
		if err != nil {
			log.Fatal("client", zap.Error(err))
		}
		clients[id] = c
	}

	group, err := ledger.NewGroup("bench", "", ledger.Member{Name: "admin", Address: ledger.Address(*admin)})
	if err != nil {
		log.Fatal("group", zap.Error(err))
	}
	svc, err := groupledger.New(group, clients,
		groupledger.WithLogger(log),
		groupledger.WithRetryPolicy(replicasync.RetryPolicy{MaxAttempts: 50, Delay: *delay}))
	if err != nil {
		log.Fatal("service", zap.Error(err))
	}

	ctx := context.Background()
	run := time.Now().UnixNano()
	for i := 0; i < *members; i++ {
		name := fmt.Sprintf("m%d", i)
		if _, err := svc.StageMember(name, ledger.Address(fmt.Sprintf("0xbench%x%02d", run, i)), groupledger.AutoReplica); err != nil {
			log.Fatal("stage", zap.Error(err))
		}
	}
	if _, err := svc.CommitMembers(ctx); err != nil {
		log.Fatal("commit", zap.Error(err))
	}
	names := make([]string, 0, *members+1)
	for _, m := range svc.Members() {
		names = append(names, m.Name)
	}

	var failed, unconfirmed atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			payer := names[rand.Intn(len(names))]
			var err error
			if i%2 == 0 {
				_, err = svc.RecordExpense(ctx, fmt.Sprintf("bench %d", i), payer, nil, uint64(10+rand.Intn(990)))
			} else {
				to := names[rand.Intn(len(names))]
				for to == payer {
					to = names[rand.Intn(len(names))]
				}
				_, err = svc.RecordPayment(ctx, payer, to, uint64(1+rand.Intn(9)))
			}
			switch {
			case err == nil:
			case groupledger.IsUnconfirmed(err):
				unconfirmed.Add(1)
			default:
				failed.Add(1)
				log.Debug("op failed", zap.Int("op", i), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed, %d unconfirmed\n",
		*n, dur, float64(*n)/dur.Seconds(), failed.Load(), unconfirmed.Load())

	sheet, err := svc.FetchAllBalances(ctx)
	if err != nil {
		log.Fatal("balances", zap.Error(err))
	}
	fmt.Printf("Balance sheet: %d pairs, %d unavailable\n", len(sheet.Entries), len(sheet.Failures))
	for id, cur := range svc.Cursors() {
		fmt.Printf("  replica %d: %s after %d polls\n", id, strings.ToLower(cur.State.String()), cur.Polls)
	}
}
