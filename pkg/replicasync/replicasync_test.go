package replicasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

const owner ledger.Address = "0xalice"

type scriptedPoller struct {
	id      int
	polls   atomic.Int32
	visible int32 // poll number that first returns true, 0 = never
	err     error
	onPoll  func(n int32)
}

func (p *scriptedPoller) ID() int { return p.id }

func (p *scriptedPoller) PollForUpdate(ctx context.Context, o ledger.Address) (bool, error) {
	n := p.polls.Add(1)
	if p.onPoll != nil {
		p.onPoll(n)
	}
	if p.err != nil {
		return false, p.err
	}
	return p.visible != 0 && n >= p.visible, nil
}

func fast(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, Delay: time.Millisecond}
}

func TestAwaitConvergenceConverges(t *testing.T) {
	p := &scriptedPoller{id: 1, visible: 3}
	s := NewSyncer(p, fast(10), nil)

	cur, err := s.AwaitConvergence(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, Converged, cur.State)
	assert.Equal(t, 3, cur.Attempts)
	assert.Equal(t, owner, cur.Owner)
	assert.Equal(t, 1, cur.Replica)
	assert.False(t, cur.LastConverged.IsZero())
	assert.EqualValues(t, 3, p.polls.Load())
}

func TestAwaitConvergenceTimesOutAfterExactlyMaxAttempts(t *testing.T) {
	p := &scriptedPoller{id: 2}
	s := NewSyncer(p, fast(10), nil)

	cur, err := s.AwaitConvergence(context.Background(), owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncTimeout)

	var te *SyncTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 10, te.Attempts)
	assert.Equal(t, owner, te.Owner)
	assert.Equal(t, 2, te.Replica)

	assert.Equal(t, TimedOut, cur.State)
	assert.EqualValues(t, 10, p.polls.Load())
}

func TestAwaitConvergencePollErrorsCountAsAttempts(t *testing.T) {
	boom := errors.New("pxe unreachable")
	p := &scriptedPoller{err: boom}
	s := NewSyncer(p, fast(4), nil)

	_, err := s.AwaitConvergence(context.Background(), owner)
	assert.ErrorIs(t, err, ErrSyncTimeout)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 4, p.polls.Load())
}

func TestAwaitConvergenceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPoller{onPoll: func(n int32) {
		if n == 1 {
			cancel()
		}
	}}
	s := NewSyncer(p, RetryPolicy{MaxAttempts: 10, Delay: time.Hour}, nil)

	start := time.Now()
	cur, err := s.AwaitConvergence(ctx, owner)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, cur.State)
	assert.EqualValues(t, 1, p.polls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitConvergenceCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPoller{}
	s := NewSyncer(p, RetryPolicy{MaxAttempts: 10, Delay: time.Hour}, nil)

	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err := s.AwaitConvergence(ctx, owner)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, p.polls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

// ownerPoller makes each owner visible from its own poll number on.
type ownerPoller struct {
	mu      sync.Mutex
	visible map[ledger.Address]int // 0 = never
	polls   map[ledger.Address]int
}

func (p *ownerPoller) ID() int { return 4 }

func (p *ownerPoller) PollForUpdate(ctx context.Context, o ledger.Address) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls[o]++
	v := p.visible[o]
	return v != 0 && p.polls[o] >= v, nil
}

func (p *ownerPoller) count(o ledger.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[o]
}

func TestConcurrentWaitsDoNotBlockEachOther(t *testing.T) {
	p := &ownerPoller{
		visible: map[ledger.Address]int{"0xbob": 1},
		polls:   map[ledger.Address]int{},
	}
	s := NewSyncer(p, RetryPolicy{MaxAttempts: 100, Delay: 20 * time.Millisecond}, nil)

	slowCtx, stopSlow := context.WithCancel(context.Background())
	slowDone := make(chan error, 1)
	go func() {
		_, err := s.AwaitConvergence(slowCtx, "0xalice")
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return p.count("0xalice") > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	cur, err := s.AwaitConvergence(context.Background(), "0xbob")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Attempts)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// A waiter with a short deadline honors it while another wait is running.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start = time.Now()
	_, err = s.AwaitConvergence(ctx, "0xcarol")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	stopSlow()
	select {
	case err := <-slowDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("slow wait did not stop after cancel")
	}
	assert.Equal(t, p.count("0xalice")+p.count("0xbob")+p.count("0xcarol"), s.Cursor().Polls)
}

func TestConcurrentRetriesRunIndependently(t *testing.T) {
	slowCtx, stopSlow := context.WithCancel(context.Background())
	defer stopSlow()
	started := make(chan struct{})
	var once sync.Once
	go func() {
		_ = Do(slowCtx, RetryPolicy{MaxAttempts: 100, Delay: time.Hour}, func(context.Context) error {
			once.Do(func() { close(started) })
			return errors.New("behind")
		})
	}()
	<-started

	start := time.Now()
	v, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Hour}, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestSyncerCursorAccumulatesPolls(t *testing.T) {
	p := &scriptedPoller{visible: 1}
	s := NewSyncer(p, fast(3), nil)
	assert.Equal(t, Idle, s.Cursor().State)

	for i := 0; i < 3; i++ {
		_, err := s.AwaitConvergence(context.Background(), owner)
		require.NoError(t, err)
	}
	cur := s.Cursor()
	assert.Equal(t, 1, cur.Attempts)
	assert.Equal(t, 3, cur.Polls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var calls int
	v, err := Retry(context.Background(), fast(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	last := errors.New("still behind")
	var calls int
	err := Do(context.Background(), fast(10), func(context.Context) error {
		calls++
		return last
	})
	require.Error(t, err)
	assert.Equal(t, 10, calls)
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.ErrorIs(t, err, last)

	var of *OperationFailedError
	require.ErrorAs(t, err, &of)
	assert.Equal(t, 10, of.Attempts)
	assert.Contains(t, err.Error(), "failed after 10 attempts")
}

func TestRetryPermanentErrorStopsImmediately(t *testing.T) {
	p := fast(10)
	p.Retryable = func(err error) bool { return !errors.Is(err, ledger.ErrNotAGroupMember) }

	var calls int
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return ledger.ErrNotAGroupMember
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ledger.ErrNotAGroupMember)
	assert.NotErrorIs(t, err, ErrOperationFailed)
}

func TestRetryNoAttemptAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, RetryPolicy{MaxAttempts: 10, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("behind")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDefaults(t *testing.T) {
	p := RetryPolicy{MaxAttempts: -1, Delay: -time.Second}.normalized()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultDelay, p.Delay)
	assert.Equal(t, RetryPolicy{MaxAttempts: 10, Delay: 3 * time.Second}, DefaultPolicy())
}
