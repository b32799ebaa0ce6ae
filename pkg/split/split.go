// Package split turns "X paid an amount for the group" into per-debtor credit
// shares. All arithmetic is integer floor division; the remainder is reported,
// never redistributed.
package split

import (
	"fmt"
	"strings"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// Policy selects the divisor used for an equal split.
type Policy int

const (
	// PerDebtor divides the total by the number of debtors.
	PerDebtor Policy = iota
	// PerHead divides the total by the number of debtors plus the payer, so
	// the payer carries their own share.
	PerHead
)

func (p Policy) String() string {
	switch p {
	case PerDebtor:
		return "per-debtor"
	case PerHead:
		return "per-head"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-debtor", "debtors":
		return PerDebtor, nil
	case "per-head", "headcount":
		return PerHead, nil
	}
	return 0, fmt.Errorf("unknown split policy %q", s)
}

// Share is one credit delta: Payer credits Debtor by Amount.
type Share struct {
	Payer  ledger.Address
	Debtor ledger.Address
	Amount uint64
}

type Result struct {
	Shares    []Share
	PerShare  uint64
	// Remainder is what floor division dropped. Under PerHead the payer's own
	// share is not part of it.
	Remainder uint64
	Policy    Policy
}

// Splitter applies one Policy. The zero value splits PerDebtor.
type Splitter struct {
	Policy Policy
}

func New(p Policy) Splitter {
	return Splitter{Policy: p}
}

// Split divides total equally over others. It fails before touching anything
// when others is empty, contains the payer or a duplicate, or when total is 0.
func (s Splitter) Split(payer ledger.Address, others []ledger.Address, total uint64) (Result, error) {
	if len(others) == 0 {
		return Result{}, ledger.ErrEmptySplitSet
	}
	if err := ledger.ValidateAmount(total); err != nil {
		return Result{}, err
	}
	seen := make(map[ledger.Address]struct{}, len(others))
	for _, o := range others {
		if o == payer {
			return Result{}, fmt.Errorf("%w: %s", ledger.ErrPayerInSplitSet, o)
		}
		if _, dup := seen[o]; dup {
			return Result{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateDebtor, o)
		}
		seen[o] = struct{}{}
	}

	heads := uint64(len(others))
	if s.Policy == PerHead {
		heads++
	}
	per := total / heads

	res := Result{
		Shares:    make([]Share, 0, len(others)),
		PerShare:  per,
		Remainder: total - per*heads,
		Policy:    s.Policy,
	}
	for _, o := range others {
		res.Shares = append(res.Shares, Share{Payer: payer, Debtor: o, Amount: per})
	}
	return res, nil
}

// Debtors returns the debtor addresses in split order.
func (r Result) Debtors() []ledger.Address {
	out := make([]ledger.Address, len(r.Shares))
	for i, s := range r.Shares {
		out[i] = s.Debtor
	}
	return out
}
