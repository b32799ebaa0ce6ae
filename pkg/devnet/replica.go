package devnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/pkg/account"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

// Replica is one node's view of a Chain. Every call first pulls up to Step
// new blocks into the view (Step 0 pulls everything). Reads are answered from
// the view; writes are refused with replica.ErrBehind until the view has
// reached head, and a confirmed write brings the issuing replica to head.
type Replica struct {
	id    int
	chain *Chain
	step  uint64
	log   *zap.Logger

	mu     sync.Mutex
	view   *ledger.Ledger
	synced uint64
}

var _ replica.Client = (*Replica)(nil)
var _ account.Registrar = (*Replica)(nil)

// NewReplica attaches a replica that starts at genesis.
func (c *Chain) NewReplica(id int, step uint64) *Replica {
	r := &Replica{
		id:    id,
		chain: c,
		step:  step,
		log:   c.log.With(zap.Int("replica", id)),
		view:  ledger.New(),
	}
	r.mu.Lock()
	r.syncLocked(1)
	r.mu.Unlock()
	return r
}

func (r *Replica) ID() int { return r.id }

// Synced is the height of the latest block in the view.
func (r *Replica) Synced() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// CatchUp pulls every confirmed block into the view.
func (r *Replica) CatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLocked(r.chain.Head())
}

func (r *Replica) tickLocked() {
	target := r.chain.Head()
	if r.step > 0 && r.synced+r.step < target {
		target = r.synced + r.step
	}
	r.syncLocked(target)
}

func (r *Replica) syncLocked(to uint64) {
	for _, b := range r.chain.Blocks(r.synced, to) {
		if err := r.view.Apply(b.Op); err != nil {
			// The chain validated this op against the same prefix.
			r.log.Error("replaying confirmed block", zap.Uint64("height", b.Height), zap.Error(err))
		}
		r.synced = b.Height
	}
}

// read runs fn against the view after advancing it.
func (r *Replica) read(ctx context.Context, fn func(*ledger.Ledger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()
	return fn(r.view)
}

func (r *Replica) write(ctx context.Context, build func() (ledger.Op, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()

	txID, _ := replica.TxID(ctx)
	if h, ok := r.chain.Receipt(txID); ok {
		r.log.Debug("duplicate tx", zap.String("tx", txID), zap.Uint64("height", h))
		return nil
	}
	op, err := build()
	if err != nil {
		return err
	}

	h, err := r.chain.submit(txID, r.synced, op)
	if err != nil {
		if errors.Is(err, replica.ErrBehind) {
			return fmt.Errorf("replica %d: %w", r.id, err)
		}
		return err
	}
	r.syncLocked(h)
	return nil
}

func (r *Replica) AddMember(ctx context.Context, addr ledger.Address) error {
	return r.write(ctx, func() (ledger.Op, error) {
		return ledger.Op{Kind: ledger.OpAddMember, Member: addr}, nil
	})
}

func (r *Replica) GetAdmin(ctx context.Context) (ledger.Address, error) {
	var out ledger.Address
	err := r.read(ctx, func(l *ledger.Ledger) (err error) {
		out, err = l.Admin()
		return err
	})
	return out, err
}

func (r *Replica) ViewMember(ctx context.Context, position int) (ledger.Address, error) {
	var out ledger.Address
	err := r.read(ctx, func(l *ledger.Ledger) (err error) {
		out, err = l.ViewMember(position)
		return err
	})
	return out, err
}

func (r *Replica) GetBalance(ctx context.Context, creditor, debtor ledger.Address) (uint64, error) {
	var out uint64
	err := r.read(ctx, func(l *ledger.Ledger) (err error) {
		out, err = l.CheckedBalance(creditor, debtor)
		return err
	})
	return out, err
}

func (r *Replica) SetBalance(ctx context.Context, creditor, debtor ledger.Address, amount uint64) error {
	return r.write(ctx, func() (ledger.Op, error) {
		return ledger.Op{Kind: ledger.OpSetBalance, Creditor: creditor, Debtor: debtor, Amount: amount}, nil
	})
}

func (r *Replica) MakePayment(ctx context.Context, debtor, creditor ledger.Address, amount uint64) error {
	return r.write(ctx, func() (ledger.Op, error) {
		return ledger.Op{Kind: ledger.OpPayment, Debtor: debtor, Creditor: creditor, Amount: amount}, nil
	})
}

// SetupGroupPayments splits amount over debtors with the chain's policy and
// credits creditor with each share.
func (r *Replica) SetupGroupPayments(ctx context.Context, creditor ledger.Address, debtors []ledger.Address, amount uint64) error {
	return r.write(ctx, func() (ledger.Op, error) {
		return r.chain.groupSplitOp(creditor, debtors, amount)
	})
}

// PollForUpdate reports whether every confirmed block touching owner is in
// the view.
func (r *Replica) PollForUpdate(ctx context.Context, owner ledger.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()

	for _, b := range r.chain.Blocks(r.synced, r.chain.Head()) {
		if b.Op.Touches(owner) {
			return false, nil
		}
	}
	return true, nil
}

// Status is the view's position relative to head.
func (r *Replica) Status() (synced, head uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced, r.chain.Head()
}

func (r *Replica) RegisterAccount(ctx context.Context, req account.Request) (ledger.Address, error) {
	return r.chain.RegisterAccount(ctx, req)
}
