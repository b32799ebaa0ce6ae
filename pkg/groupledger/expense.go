package groupledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
)

type Kind string

const (
	KindExpense    Kind = "expense"
	KindPayment    Kind = "payment"
	KindBalanceSet Kind = "balance_set"
)

// Expense is one entry of the append-only transaction log. PaidBy and To are
// member names. Confirmed is false when the write landed but not every
// involved replica was seen to converge.
type Expense struct {
	ID          int       `json:"id"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Amount      uint64    `json:"amount"`
	PaidBy      string    `json:"paid_by"`
	To          string    `json:"to,omitempty"`
	Shares      []string  `json:"shares,omitempty"`
	PerShare    uint64    `json:"per_share,omitempty"`
	Remainder   uint64    `json:"remainder,omitempty"`
	TxID        string    `json:"tx"`
	Confirmed   bool      `json:"confirmed"`
	At          time.Time `json:"at"`
}

// RecordExpense records that payer paid amount for others, splitting it
// equally. An empty others splits over every other committed member.
//
// Validation and splitting happen before any replica is contacted. When the
// write lands but convergence fails, the expense is still logged unconfirmed
// and returned together with the convergence error.
func (s *Service) RecordExpense(ctx context.Context, description, payer string, others []string, amount uint64) (Expense, error) {
	p, err := s.resolve(payer)
	if err != nil {
		return Expense{}, err
	}
	var debtors []ledger.Member
	if len(others) == 0 {
		s.mu.RLock()
		debtors = s.group.Others(payer)
		s.mu.RUnlock()
	} else {
		for _, name := range others {
			m, err := s.resolve(name)
			if err != nil {
				return Expense{}, err
			}
			debtors = append(debtors, m)
		}
	}

	addrs := make([]ledger.Address, len(debtors))
	names := make([]string, len(debtors))
	for i, d := range debtors {
		addrs[i] = d.Address
		names[i] = d.Name
	}
	res, err := s.splitter.Split(p.Address, addrs, amount)
	if err != nil {
		return Expense{}, err
	}

	tx, err := s.submit(ctx, KindExpense, p, func(ctx context.Context, c replica.Client) error {
		return c.SetupGroupPayments(ctx, p.Address, addrs, amount)
	})
	if err != nil {
		return Expense{}, err
	}

	e := Expense{
		Kind:        KindExpense,
		Description: description,
		Amount:      amount,
		PaidBy:      p.Name,
		Shares:      names,
		PerShare:    res.PerShare,
		Remainder:   res.Remainder,
		TxID:        tx,
	}
	return s.settle(ctx, e, append([]ledger.Member{p}, debtors...))
}

// RecordPayment records that payer paid amount back to to.
func (s *Service) RecordPayment(ctx context.Context, payer, to string, amount uint64) (Expense, error) {
	from, err := s.resolve(payer)
	if err != nil {
		return Expense{}, err
	}
	dst, err := s.resolve(to)
	if err != nil {
		return Expense{}, err
	}
	if from.Address == dst.Address {
		return Expense{}, fmt.Errorf("%w: %s", ledger.ErrSelfEdge, from.Name)
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return Expense{}, err
	}

	tx, err := s.submit(ctx, KindPayment, from, func(ctx context.Context, c replica.Client) error {
		return c.MakePayment(ctx, from.Address, dst.Address, amount)
	})
	if err != nil {
		return Expense{}, err
	}

	e := Expense{
		Kind:        KindPayment,
		Description: "Payment to " + dst.Name,
		Amount:      amount,
		PaidBy:      from.Name,
		To:          dst.Name,
		TxID:        tx,
	}
	return s.settle(ctx, e, []ledger.Member{from, dst})
}

// RecordBalanceSet overwrites what debtor owes creditor. Membership is
// enforced by the replica, so a member that is only staged is refused with
// ledger.ErrNotAGroupMember.
func (s *Service) RecordBalanceSet(ctx context.Context, creditor, debtor string, amount uint64) (Expense, error) {
	c, err := s.resolve(creditor)
	if err != nil {
		return Expense{}, err
	}
	d, err := s.resolve(debtor)
	if err != nil {
		return Expense{}, err
	}
	if c.Address == d.Address {
		return Expense{}, fmt.Errorf("%w: %s", ledger.ErrSelfEdge, c.Name)
	}
	if amount > ledger.MaxAmount {
		return Expense{}, fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, amount)
	}

	tx, err := s.submit(ctx, KindBalanceSet, c, func(ctx context.Context, rc replica.Client) error {
		return rc.SetBalance(ctx, c.Address, d.Address, amount)
	})
	if err != nil {
		return Expense{}, err
	}

	e := Expense{
		Kind:        KindBalanceSet,
		Description: fmt.Sprintf("Balance of %s toward %s set", d.Name, c.Name),
		Amount:      amount,
		PaidBy:      c.Name,
		To:          d.Name,
		TxID:        tx,
	}
	return s.settle(ctx, e, []ledger.Member{c, d})
}

// settle waits for the involved replicas, logs e and refreshes balances.
func (s *Service) settle(ctx context.Context, e Expense, involved []ledger.Member) (Expense, error) {
	convErr := s.converge(ctx, involved)
	e.Confirmed = convErr == nil

	s.mu.Lock()
	e.ID = len(s.expenses) + 1
	e.At = time.Now()
	s.expenses = append(s.expenses, e)
	s.mu.Unlock()

	result := "confirmed"
	if convErr != nil {
		result = "unconfirmed"
		s.log.Warn("write not visible on every replica",
			zap.String("op", string(e.Kind)),
			zap.String("tx", e.TxID),
			zap.Error(convErr))
	}
	telemetry.LedgerWrites.WithLabelValues(string(e.Kind), result).Inc()
	s.events.publish(Event{Kind: ExpenseRecorded, Expense: &e})

	if convErr != nil {
		return e, convErr
	}
	if _, err := s.FetchAllBalances(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// Expenses returns the transaction log oldest first.
func (s *Service) Expenses() []Expense {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Expense, len(s.expenses))
	for i, e := range s.expenses {
		e.Shares = append([]string(nil), e.Shares...)
		out[i] = e
	}
	return out
}

// IsUnconfirmed reports whether err came from a write that landed but was
// not seen on every replica in time.
func IsUnconfirmed(err error) bool {
	return errors.Is(err, replicasync.ErrSyncTimeout)
}
