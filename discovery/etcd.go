// Package discovery publishes which node serves which replica id through
// etcd leases, and lets nodes follow that table.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/zephyrledger/replicas/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func replicaKey(id int) string {
	return Prefix + strconv.Itoa(id)
}

func parseKey(key []byte) (int, bool) {
	s, ok := strings.CutPrefix(string(key), Prefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(s)
	return id, err == nil && id >= 0
}

// RegisterReplicas puts one key per replica id under a single lease and keeps
// the lease alive until the returned cancel is called.
func RegisterReplicas(cli *clientv3.Client, ids []int, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	for _, id := range ids {
		if _, err := cli.Put(context.TODO(), replicaKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
			return 0, nil, fmt.Errorf("register replica %d: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			log.Warn("etcd keepalive stopped", zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// GetReplicas reads the current replica table.
func GetReplicas(ctx context.Context, cli *clientv3.Client) (map[int]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	out := make(map[int]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(kv.Key); ok {
			out[id] = string(kv.Value)
		}
	}
	return out, resp.Header.Revision, nil
}

// WatchReplicas calls fn with the full table once at start and again after
// every change, until ctx is done.
func WatchReplicas(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(map[int]string)) error {
	if log == nil {
		log = zap.NewNop()
	}
	table, rev, err := GetReplicas(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(table))

	go func() {
		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("replica watch", zap.Error(err))
				continue
			}
			if applyEvents(table, resp.Events) {
				fn(maps.Clone(table))
			}
		}
	}()
	return nil
}

// applyEvents folds etcd events into table and reports whether it changed.
func applyEvents(table map[int]string, evs []*clientv3.Event) bool {
	changed := false
	for _, ev := range evs {
		id, ok := parseKey(ev.Kv.Key)
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if table[id] != string(ev.Kv.Value) {
				table[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := table[id]; ok {
				delete(table, id)
				changed = true
			}
		}
	}
	return changed
}
