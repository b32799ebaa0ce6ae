package replicasync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// State is where a Syncer sits in its convergence loop.
type State int

const (
	Idle State = iota
	Polling
	Converged
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Converged:
		return "converged"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Poller is the slice of replica.Client a Syncer needs.
type Poller interface {
	ID() int
	PollForUpdate(ctx context.Context, owner ledger.Address) (bool, error)
}

// SyncCursor is the progress of one Syncer, handed out by value.
type SyncCursor struct {
	Replica  int
	Owner    ledger.Address
	State    State
	Attempts int // polls made by the latest AwaitConvergence call
	Polls    int // polls made over the Syncer's lifetime

	LastConverged time.Time
}

// SyncTimeoutError reports a replica that never showed owner's state.
type SyncTimeoutError struct {
	Owner    ledger.Address
	Replica  int
	Attempts int
	LastErr  error
}

func (e *SyncTimeoutError) Error() string {
	msg := fmt.Sprintf("replica %d: state for %s not visible after %d attempts", e.Replica, e.Owner, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *SyncTimeoutError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrSyncTimeout}
	}
	return []error{ErrSyncTimeout, e.LastErr}
}

// Syncer drives convergence polling against a single replica. Concurrent
// AwaitConvergence calls poll independently; the shared cursor only records
// their progress.
type Syncer struct {
	client Poller
	policy RetryPolicy
	log    *zap.Logger

	mu     sync.Mutex
	cursor SyncCursor
	now    func() time.Time
}

func NewSyncer(client Poller, policy RetryPolicy, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		client: client,
		policy: policy.normalized(),
		log:    log,
		cursor: SyncCursor{Replica: client.ID(), State: Idle},
		now:    time.Now,
	}
}

func (s *Syncer) Policy() RetryPolicy { return s.policy }

// Cursor returns a copy of the current progress.
func (s *Syncer) Cursor() SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// AwaitConvergence polls until owner's state is visible on the replica. It
// makes at most MaxAttempts polls with Delay between them; a poll error counts
// as a failed attempt. It returns a *SyncTimeoutError when attempts run out and
// the context error when ctx ends first.
func (s *Syncer) AwaitConvergence(ctx context.Context, owner ledger.Address) (SyncCursor, error) {
	cur := s.begin(owner)
	replicaLabel := strconv.Itoa(cur.Replica)

	log := s.log.With(zap.Int("replica", cur.Replica), zap.String("owner", owner.String()))
	var lastErr error

	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.finish(replicaLabel, cur, Cancelled), err
		}

		cur.Attempts = attempt
		cur.Polls = s.countPoll()
		ok, err := s.client.PollForUpdate(ctx, owner)
		switch {
		case err != nil:
			lastErr = err
			telemetry.SyncPolls.WithLabelValues(replicaLabel, "error").Inc()
			log.Debug("poll failed", zap.Int("attempt", attempt), zap.Error(err))
		case ok:
			telemetry.SyncPolls.WithLabelValues(replicaLabel, "visible").Inc()
			cur.LastConverged = s.now()
			return s.finish(replicaLabel, cur, Converged), nil
		default:
			telemetry.SyncPolls.WithLabelValues(replicaLabel, "pending").Inc()
			log.Debug("state not visible yet", zap.Int("attempt", attempt))
		}

		if attempt == s.policy.MaxAttempts {
			break
		}
		if err := sleepWithContext(ctx, s.policy.Delay); err != nil {
			return s.finish(replicaLabel, cur, Cancelled), err
		}
	}

	cur = s.finish(replicaLabel, cur, TimedOut)
	log.Warn("replica did not converge", zap.Int("attempts", cur.Attempts), zap.Error(lastErr))
	return cur, &SyncTimeoutError{
		Owner:    owner,
		Replica:  cur.Replica,
		Attempts: cur.Attempts,
		LastErr:  lastErr,
	}
}

func (s *Syncer) begin(owner ledger.Address) SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Owner = owner
	s.cursor.Attempts = 0
	s.cursor.State = Polling
	return s.cursor
}

func (s *Syncer) countPoll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Polls++
	return s.cursor.Polls
}

// finish publishes cur as the latest outcome and returns it with the lifetime
// poll count and newest convergence time filled in.
func (s *Syncer) finish(replicaLabel string, cur SyncCursor, st State) SyncCursor {
	telemetry.SyncOutcomes.WithLabelValues(replicaLabel, st.String()).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur.State = st
	cur.Polls = s.cursor.Polls
	if cur.LastConverged.Before(s.cursor.LastConverged) {
		cur.LastConverged = s.cursor.LastConverged
	}
	s.cursor = cur
	return cur
}
