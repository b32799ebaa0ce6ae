package groupledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// fetchConcurrency caps in-flight pair reads during a refresh.
const fetchConcurrency = 16

// Entry is Member's position toward Other as read through Member's replica.
// Net > 0 means Other owes Member.
type Entry struct {
	Member string `json:"member"`
	Other  string `json:"other"`
	Credit uint64 `json:"credit"`
	Debt   uint64 `json:"debt"`
	Net    int64  `json:"net"`
	Stale  bool   `json:"stale,omitempty"`
}

// PairFailure is a pair whose read failed and was reported as zero.
type PairFailure struct {
	Member  string `json:"member"`
	Other   string `json:"other"`
	Replica int    `json:"replica"`
	Err     error  `json:"-"`
}

// BalanceSheet is one complete refresh: an entry for every ordered pair of
// distinct committed members, in roster order.
type BalanceSheet struct {
	Entries   []Entry       `json:"entries"`
	Failures  []PairFailure `json:"failures,omitempty"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Net returns member's net position toward other.
func (b BalanceSheet) Net(member, other string) (int64, bool) {
	for _, e := range b.Entries {
		if e.Member == member && e.Other == other {
			return e.Net, true
		}
	}
	return 0, false
}

// Of returns member's net position toward every other member.
func (b BalanceSheet) Of(member string) map[string]int64 {
	out := make(map[string]int64)
	for _, e := range b.Entries {
		if e.Member == member {
			out[e.Other] = e.Net
		}
	}
	return out
}

// Err is a *PartialFetchError when any pair failed, nil otherwise.
func (b BalanceSheet) Err() error {
	if len(b.Failures) == 0 {
		return nil
	}
	return &PartialFetchError{Failures: b.Failures}
}

func (b BalanceSheet) clone() BalanceSheet {
	b.Entries = append([]Entry(nil), b.Entries...)
	b.Failures = append([]PairFailure(nil), b.Failures...)
	return b
}

type PartialFetchError struct {
	Failures []PairFailure
}

func (e *PartialFetchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s via replica %d: %v", f.Member, f.Other, f.Replica, f.Err))
	}
	return fmt.Sprintf("%d balance pairs unavailable: %s", len(e.Failures), strings.Join(parts, "; "))
}

// FetchAllBalances reads every ordered pair of committed members through the
// first member's replica and publishes the result as the current sheet. A pair
// that fails to read is logged, reported as zero, marked Stale and listed in
// Failures; only an ended ctx fails the whole refresh. When fetches overlap,
// the sheet from the one that started last wins regardless of finish order.
func (s *Service) FetchAllBalances(ctx context.Context) (BalanceSheet, error) {
	seq := s.fetches.Add(1)
	members := s.Members()

	type job struct {
		m, o ledger.Member
	}
	var jobs []job
	for _, m := range members {
		for _, o := range members {
			if m.Address != o.Address {
				jobs = append(jobs, job{m, o})
			}
		}
	}

	entries := make([]Entry, len(jobs))
	var (
		failMu   sync.Mutex
		failures []PairFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			e, err := s.fetchPair(gctx, j.m, j.o)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				telemetry.BalanceFetchFailures.Inc()
				s.log.Warn("balance read failed",
					zap.String("member", j.m.Name),
					zap.String("other", j.o.Name),
					zap.Int("replica", j.m.ReplicaID),
					zap.Error(err))
				failMu.Lock()
				failures = append(failures, PairFailure{Member: j.m.Name, Other: j.o.Name, Replica: j.m.ReplicaID, Err: err})
				failMu.Unlock()
				e = Entry{Member: j.m.Name, Other: j.o.Name, Stale: true}
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BalanceSheet{}, err
	}

	// Failures follow roster order, not completion order.
	order := make(map[[2]string]int, len(jobs))
	for i, j := range jobs {
		order[[2]string{j.m.Name, j.o.Name}] = i
	}
	slices.SortFunc(failures, func(a, b PairFailure) int {
		return cmp.Compare(order[[2]string{a.Member, a.Other}], order[[2]string{b.Member, b.Other}])
	})

	sheet := BalanceSheet{Entries: entries, Failures: failures, FetchedAt: time.Now()}
	s.mu.Lock()
	newer := seq > s.sheetSeq
	if newer {
		s.sheet = sheet
		s.sheetSeq = seq
	}
	s.mu.Unlock()
	if !newer {
		s.log.Debug("superseded balance fetch not published", zap.Uint64("fetch", seq))
		return sheet.clone(), nil
	}

	out := sheet.clone()
	s.events.publish(Event{Kind: BalancesRefreshed, Balances: &out})
	return sheet.clone(), nil
}

func (s *Service) fetchPair(ctx context.Context, m, o ledger.Member) (Entry, error) {
	c, err := s.clientFor(m)
	if err != nil {
		return Entry{}, err
	}
	credit, err := c.GetBalance(ctx, m.Address, o.Address)
	if err != nil {
		return Entry{}, err
	}
	debt, err := c.GetBalance(ctx, o.Address, m.Address)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Member: m.Name,
		Other:  o.Name,
		Credit: credit,
		Debt:   debt,
		Net:    int64(credit) - int64(debt),
	}, nil
}

// Balances returns the last published sheet.
func (s *Service) Balances() BalanceSheet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sheet.clone()
}
