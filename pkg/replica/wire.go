package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// ErrBehind is returned by a replica that refuses a write until its view has
// caught up with the confirmed head.
var ErrBehind = errors.New("replica is behind confirmed head")

// Error codes carried in ErrorBody.Code.
const (
	CodeNotAGroupMember = "not_a_group_member"
	CodeAlreadyMember   = "already_member"
	CodeNoSuchPosition  = "no_such_position"
	CodeInvalidAmount   = "invalid_amount"
	CodeInvalidAddress  = "invalid_address"
	CodeInvalidRequest  = "invalid_request"
	CodeBehind          = "replica_behind"
	CodeOverflow        = "amount_overflow"
	CodeEmptySplitSet   = "empty_split_set"
	CodePayerInSplitSet = "payer_in_split_set"
	CodeDuplicateDebtor = "duplicate_debtor"
	CodeSelfEdge        = "self_edge"
	CodeInternal        = "internal"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MemberRequest struct {
	Address ledger.Address `json:"address"`
}

type AddressResponse struct {
	Address ledger.Address `json:"address"`
}

type BalanceRequest struct {
	Amount uint64 `json:"amount"`
}

type BalanceResponse struct {
	Creditor ledger.Address `json:"creditor"`
	Debtor   ledger.Address `json:"debtor"`
	Amount   uint64         `json:"amount"`
}

type PaymentRequest struct {
	Debtor   ledger.Address `json:"debtor"`
	Creditor ledger.Address `json:"creditor"`
	Amount   uint64         `json:"amount"`
}

type GroupPaymentRequest struct {
	Creditor ledger.Address   `json:"creditor"`
	Debtors  []ledger.Address `json:"debtors"`
	Amount   uint64           `json:"amount"`
}

type PollResponse struct {
	Owner   ledger.Address `json:"owner"`
	Visible bool           `json:"visible"`
	Synced  uint64         `json:"synced"`
	Head    uint64         `json:"head"`
}

// TxHeader carries the idempotency key of a write request.
const TxHeader = "X-Tx-ID"

// ErrorCode classifies err for the wire and picks the HTTP status.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ledger.ErrNotAGroupMember):
		return CodeNotAGroupMember, http.StatusConflict
	case errors.Is(err, ledger.ErrAlreadyMember):
		return CodeAlreadyMember, http.StatusConflict
	case errors.Is(err, ledger.ErrNoSuchPosition):
		return CodeNoSuchPosition, http.StatusNotFound
	case errors.Is(err, ledger.ErrAmountOverflow):
		return CodeOverflow, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount):
		return CodeInvalidAmount, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrEmptySplitSet):
		return CodeEmptySplitSet, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrPayerInSplitSet):
		return CodePayerInSplitSet, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDuplicateDebtor):
		return CodeDuplicateDebtor, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrSelfEdge):
		return CodeSelfEdge, http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAddress):
		return CodeInvalidAddress, http.StatusBadRequest
	case errors.Is(err, ErrBehind):
		return CodeBehind, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// decodeError maps a wire error back onto the sentinel it was raised from so
// callers can keep using errors.Is across the network boundary.
func decodeError(status int, body ErrorBody) error {
	var base error
	switch body.Code {
	case CodeNotAGroupMember:
		base = ledger.ErrNotAGroupMember
	case CodeAlreadyMember:
		base = ledger.ErrAlreadyMember
	case CodeNoSuchPosition:
		base = ledger.ErrNoSuchPosition
	case CodeInvalidAmount:
		base = ledger.ErrInvalidAmount
	case CodeOverflow:
		base = ledger.ErrAmountOverflow
	case CodeEmptySplitSet:
		base = ledger.ErrEmptySplitSet
	case CodePayerInSplitSet:
		base = ledger.ErrPayerInSplitSet
	case CodeDuplicateDebtor:
		base = ledger.ErrDuplicateDebtor
	case CodeSelfEdge:
		base = ledger.ErrSelfEdge
	case CodeInvalidAddress:
		base = ledger.ErrInvalidAddress
	case CodeBehind:
		base = ErrBehind
	default:
		return fmt.Errorf("replica returned %d: %s", status, body.Message)
	}
	return &remoteError{base: base, msg: body.Message}
}

type remoteError struct {
	base error
	msg  string
}

func (e *remoteError) Error() string {
	if e.msg == "" {
		return e.base.Error()
	}
	return e.msg
}

func (e *remoteError) Unwrap() error { return e.base }

// Retryable reports whether a failed call may succeed when repeated against
// the same replica. Ledger validation failures and cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ledger.ErrNotAGroupMember),
		errors.Is(err, ledger.ErrAlreadyMember),
		errors.Is(err, ledger.ErrNoSuchPosition),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrSelfEdge),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, ledger.ErrEmptySplitSet),
		errors.Is(err, ledger.ErrPayerInSplitSet),
		errors.Is(err, ledger.ErrDuplicateDebtor):
		return false
	}
	return true
}
