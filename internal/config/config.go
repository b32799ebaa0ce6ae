package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
	"github.com/ryandielhenn/zephyrledger/pkg/split"
)

const defaultReplicaURLs = "http://localhost:8080,http://localhost:8080,http://localhost:8080"

// Config is what a ledger client needs to reach the replicas of one group.
type Config struct {
	// ReplicaURLs maps replica id to the base URL of the node serving it.
	// Position in REPLICA_URLS is the replica id; index 0 is the root.
	ReplicaURLs map[int]string

	SyncMaxAttempts int
	SyncDelay       time.Duration
	SplitPolicy     split.Policy

	LogLevel  string
	LogFormat string

	EtcdEndpoints []string
	RosterFile    string
	ReplicaRPS    float64
}

// NodeConfig drives cmd/node.
type NodeConfig struct {
	SelfID       string
	Addr         string
	Advertise    string
	FirstReplica int
	ReplicaCount int
	ReplicaStep  uint64
	Admin        ledger.Address

	SplitPolicy   split.Policy
	LogLevel      string
	LogFormat     string
	EtcdEndpoints []string
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:   getEnvDefault("LOG_LEVEL", "info"),
		LogFormat:  getEnvDefault("LOG_FORMAT", "json"),
		RosterFile: getEnvDefault("ROSTER_FILE", "roster.yaml"),
	}

	var err error
	if cfg.ReplicaURLs, err = ParseReplicaURLs(getEnvDefault("REPLICA_URLS", defaultReplicaURLs)); err != nil {
		return nil, err
	}
	if cfg.SyncMaxAttempts, err = getEnvInt("SYNC_MAX_ATTEMPTS", replicasync.DefaultMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.SyncMaxAttempts < 1 {
		return nil, fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", cfg.SyncMaxAttempts)
	}
	if cfg.SyncDelay, err = getEnvDuration("SYNC_DELAY", replicasync.DefaultDelay); err != nil {
		return nil, err
	}
	if cfg.SplitPolicy, err = split.ParsePolicy(os.Getenv("SPLIT_POLICY")); err != nil {
		return nil, fmt.Errorf("SPLIT_POLICY: %w", err)
	}
	if cfg.ReplicaRPS, err = getEnvFloat("REPLICA_RPS", 0); err != nil {
		return nil, err
	}
	cfg.EtcdEndpoints = splitList(os.Getenv("ETCD_ENDPOINTS"))

	return cfg, nil
}

// RetryPolicy is the write retry and convergence budget from SYNC_*.
func (c *Config) RetryPolicy() replicasync.RetryPolicy {
	return replicasync.RetryPolicy{MaxAttempts: c.SyncMaxAttempts, Delay: c.SyncDelay}
}

func LoadNode() (*NodeConfig, error) {
	_ = godotenv.Load()

	cfg := &NodeConfig{
		SelfID:    getEnvDefault("SELF_ID", "node-0"),
		Addr:      getEnvDefault("NODE_ADDR", ":8080"),
		Admin:     ledger.Address(os.Getenv("ADMIN_ADDRESS")),
		LogLevel:  getEnvDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvDefault("LOG_FORMAT", "json"),
	}
	cfg.Advertise = getEnvDefault("NODE_ADVERTISE", cfg.Addr)

	var err error
	if cfg.FirstReplica, err = getEnvInt("FIRST_REPLICA", 0); err != nil {
		return nil, err
	}
	if cfg.ReplicaCount, err = getEnvInt("REPLICA_COUNT", 3); err != nil {
		return nil, err
	}
	if cfg.ReplicaCount < 1 || cfg.FirstReplica < 0 {
		return nil, fmt.Errorf("need FIRST_REPLICA >= 0 and REPLICA_COUNT >= 1, got %d and %d", cfg.FirstReplica, cfg.ReplicaCount)
	}
	step, err := getEnvInt("REPLICA_STEP", 1)
	if err != nil {
		return nil, err
	}
	if step < 0 {
		return nil, fmt.Errorf("REPLICA_STEP must not be negative, got %d", step)
	}
	cfg.ReplicaStep = uint64(step)
	if cfg.SplitPolicy, err = split.ParsePolicy(os.Getenv("SPLIT_POLICY")); err != nil {
		return nil, fmt.Errorf("SPLIT_POLICY: %w", err)
	}
	cfg.EtcdEndpoints = splitList(os.Getenv("ETCD_ENDPOINTS"))

	if cfg.Admin == "" {
		return nil, fmt.Errorf("ADMIN_ADDRESS is required")
	}
	return cfg, nil
}

// ReplicaIDs lists the replicas this node hosts.
func (c *NodeConfig) ReplicaIDs() []int {
	ids := make([]int, c.ReplicaCount)
	for i := range ids {
		ids[i] = c.FirstReplica + i
	}
	return ids
}

// ParseReplicaURLs reads a comma separated list of base URLs. Entries are
// either "url" (id = position) or "id=url".
func ParseReplicaURLs(s string) (map[int]string, error) {
	out := make(map[int]string)
	for i, entry := range splitList(s) {
		id, raw := i, entry
		if k, v, ok := strings.Cut(entry, "="); ok {
			n, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("REPLICA_URLS: invalid replica id %q", k)
			}
			id, raw = n, strings.TrimSpace(v)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("REPLICA_URLS: invalid url %q", raw)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("REPLICA_URLS: replica %d listed twice", id)
		}
		out[id] = strings.TrimRight(raw, "/")
	}
	if _, ok := out[0]; !ok {
		return nil, fmt.Errorf("REPLICA_URLS: replica 0 is required")
	}
	return out, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("3s") or bare milliseconds ("3000").
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
