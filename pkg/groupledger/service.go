// Package groupledger is the application-facing ledger of one group. It
// routes every write through the replica of the member who issues it, waits
// for the replicas involved to see the write, and keeps a balance sheet read
// back from the replicas.
package groupledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
	"github.com/ryandielhenn/zephyrledger/pkg/ring"
	"github.com/ryandielhenn/zephyrledger/pkg/split"
)

var (
	ErrUnknownMember  = errors.New("unknown member")
	ErrUnknownReplica = errors.New("no client for replica")
	ErrCommitted      = errors.New("member is already committed")
	ErrRosterMismatch = errors.New("replica roster does not match group")
)

// RootReplica originates the admin's writes.
const RootReplica = 0

type Service struct {
	clients  map[int]replica.Client
	syncers  map[int]*replicasync.Syncer
	splitter split.Splitter
	policy   replicasync.RetryPolicy
	ring     *ring.Ring
	log      *zap.Logger
	fetches  atomic.Uint64

	mu       sync.RWMutex
	group    *ledger.Group
	staged   []ledger.Member
	expenses []Expense
	sheet    BalanceSheet
	sheetSeq uint64 // fetch that produced sheet

	events eventBus
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSplitPolicy must match the policy the replicas split with.
func WithSplitPolicy(p split.Policy) Option {
	return func(s *Service) { s.splitter = split.New(p) }
}

// WithRetryPolicy bounds both write retries and convergence polling.
func WithRetryPolicy(p replicasync.RetryPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRing overrides how AutoReplica members are placed.
func WithRing(r *ring.Ring) Option {
	return func(s *Service) { s.ring = r }
}

// New builds a service for group over clients keyed by replica id. Replica 0
// must be present and every member must have a client.
func New(group *ledger.Group, clients map[int]replica.Client, opts ...Option) (*Service, error) {
	if group == nil {
		return nil, errors.New("group is required")
	}
	if _, ok := clients[RootReplica]; !ok {
		return nil, fmt.Errorf("%w: %d (root)", ErrUnknownReplica, RootReplica)
	}

	s := &Service{
		clients: clients,
		syncers: make(map[int]*replicasync.Syncer, len(clients)),
		policy:  replicasync.DefaultPolicy(),
		log:     zap.NewNop(),
		group:   group,
	}
	for _, o := range opts {
		o(s)
	}
	s.policy.Retryable = replica.Retryable

	for _, m := range group.Members() {
		if _, ok := clients[m.ReplicaID]; !ok {
			return nil, fmt.Errorf("%w: %d (member %s)", ErrUnknownReplica, m.ReplicaID, m.Name)
		}
	}

	ids := sortedIDs(clients)
	if s.ring == nil {
		s.ring = ring.New(0, nil)
		for _, id := range ids {
			s.ring.Add(id, "replica-"+strconv.Itoa(id))
		}
	}
	for _, id := range ids {
		s.syncers[id] = replicasync.NewSyncer(clients[id], s.policy, s.log)
	}
	return s, nil
}

// Group returns the group name and contract address.
func (s *Service) Group() (string, ledger.Address) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group.Name, s.group.Contract
}

// Cursors returns each replica's convergence progress.
func (s *Service) Cursors() map[int]replicasync.SyncCursor {
	out := make(map[int]replicasync.SyncCursor, len(s.syncers))
	for id, sy := range s.syncers {
		out[id] = sy.Cursor()
	}
	return out
}

// resolve finds name among committed then staged members.
func (s *Service) resolve(name string) (ledger.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.group.Lookup(name); ok {
		return m, nil
	}
	for _, m := range s.staged {
		if m.Name == name {
			return m, nil
		}
	}
	return ledger.Member{}, fmt.Errorf("%w: %s", ErrUnknownMember, name)
}

func (s *Service) clientFor(m ledger.Member) (replica.Client, error) {
	c, ok := s.clients[m.ReplicaID]
	if !ok {
		return nil, fmt.Errorf("%w: %d (member %s)", ErrUnknownReplica, m.ReplicaID, m.Name)
	}
	return c, nil
}

// submit issues a write through via's replica under a tx id and retries it
// while the replica is behind.
func (s *Service) submit(ctx context.Context, kind Kind, via ledger.Member, fn func(context.Context, replica.Client) error) (string, error) {
	c, err := s.clientFor(via)
	if err != nil {
		return "", err
	}
	ctx, tx := replica.EnsureTxID(ctx)
	log := s.log.With(
		zap.String("op", string(kind)),
		zap.Int("replica", c.ID()),
		zap.String("tx", tx))

	err = replicasync.Do(ctx, s.policy, func(ctx context.Context) error {
		return fn(ctx, c)
	})
	if err != nil {
		telemetry.LedgerWrites.WithLabelValues(string(kind), "failed").Inc()
		log.Warn("write failed", zap.Error(err))
		return tx, err
	}
	log.Debug("write confirmed")
	return tx, nil
}

// converge waits until each member's replica shows that member's state. All
// waits run to completion; the returned error joins every failure.
func (s *Service) converge(ctx context.Context, members []ledger.Member) error {
	var g errgroup.Group
	errs := make([]error, len(members))
	for i, m := range members {
		sy, ok := s.syncers[m.ReplicaID]
		if !ok {
			errs[i] = fmt.Errorf("%w: %d", ErrUnknownReplica, m.ReplicaID)
			continue
		}
		g.Go(func() error {
			_, errs[i] = sy.AwaitConvergence(ctx, m.Address)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Verify checks that every replica reports the group's admin and roster.
func (s *Service) Verify(ctx context.Context) error {
	members := s.Members()
	var errs []error
	for _, id := range sortedIDs(s.clients) {
		c := s.clients[id]
		admin, err := c.GetAdmin(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("replica %d: get admin: %w", id, err))
			continue
		}
		if admin != members[0].Address {
			errs = append(errs, fmt.Errorf("%w: replica %d admin is %s, want %s", ErrRosterMismatch, id, admin, members[0].Address))
		}
		for pos, m := range members {
			got, err := c.ViewMember(ctx, pos)
			if err != nil {
				errs = append(errs, fmt.Errorf("replica %d: view member %d: %w", id, pos, err))
				continue
			}
			if got != m.Address {
				errs = append(errs, fmt.Errorf("%w: replica %d position %d is %s, want %s (%s)", ErrRosterMismatch, id, pos, got, m.Address, m.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedIDs(clients map[int]replica.Client) []int {
	ids := make([]int, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
