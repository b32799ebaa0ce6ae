// Package replica defines what the ledger core needs from one replica node and
// ships an HTTP implementation of it.
package replica

import (
	"context"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// Client is one replica node's read/write surface. Mutations are confirmed by
// the issuing node but may take a while to become visible on other replicas.
type Client interface {
	ID() int

	AddMember(ctx context.Context, addr ledger.Address) error
	GetAdmin(ctx context.Context) (ledger.Address, error)
	ViewMember(ctx context.Context, position int) (ledger.Address, error)

	GetBalance(ctx context.Context, creditor, debtor ledger.Address) (uint64, error)
	SetBalance(ctx context.Context, creditor, debtor ledger.Address, amount uint64) error
	MakePayment(ctx context.Context, debtor, creditor ledger.Address, amount uint64) error
	SetupGroupPayments(ctx context.Context, creditor ledger.Address, debtors []ledger.Address, amount uint64) error

	// PollForUpdate reports whether state concerning owner has become visible
	// on this replica.
	PollForUpdate(ctx context.Context, owner ledger.Address) (bool, error)
}

type txKey struct{}

// WithTxID tags writes issued under ctx with an idempotency key. Retrying a
// write with the same key never applies it twice on nodes that honor keys.
func WithTxID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, txKey{}, id)
}

// TxID returns the key set by WithTxID, if any.
func TxID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(txKey{}).(string)
	return id, ok && id != ""
}

// NewTxID returns a fresh random idempotency key.
func NewTxID() string {
	return uuid.NewString()
}

// EnsureTxID returns ctx carrying a key, adding a new one when absent.
func EnsureTxID(ctx context.Context) (context.Context, string) {
	if id, ok := TxID(ctx); ok {
		return ctx, id
	}
	id := NewTxID()
	return WithTxID(ctx, id), id
}
