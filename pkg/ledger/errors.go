package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotAGroupMember = errors.New("not a group member")
	ErrAlreadyMember   = errors.New("already a group member")
	ErrNoSuchPosition  = errors.New("no member at position")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrSelfEdge        = errors.New("creditor and debtor are the same account")

	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAmountOverflow  = errors.New("amount overflows ledger range")
	ErrEmptySplitSet   = errors.New("split set is empty")
	ErrPayerInSplitSet = errors.New("payer is part of the split set")
	ErrDuplicateDebtor = errors.New("debtor listed more than once")
)

// ValidateAmount rejects zero and anything above MaxAmount.
func ValidateAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if amount > MaxAmount {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidAmount, amount, uint64(MaxAmount))
	}
	return nil
}

func notMember(role string, addr Address) error {
	return fmt.Errorf("%w: %s %s is not in the group", ErrNotAGroupMember, role, addr)
}
