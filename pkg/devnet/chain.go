// Package devnet is an in-process replica network for development and tests.
// A Chain holds the confirmed ledger; each Replica serves a view of it that
// lags behind head and catches up a few blocks per call, the way a remote
// node picks up blocks it did not produce.
package devnet

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/pkg/account"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/split"
	"github.com/ryandielhenn/zephyrledger/pkg/txcache"
)

// Block is one confirmed op. Heights start at 1.
type Block struct {
	Height uint64    `json:"height"`
	Op     ledger.Op `json:"op"`
	TxID   string    `json:"tx,omitempty"`
	At     time.Time `json:"at"`
}

type Chain struct {
	mu       sync.RWMutex
	state    *ledger.Ledger
	blocks   []Block
	splitter split.Splitter
	txs      *txcache.Store
	txTTL    time.Duration
	accounts map[ledger.Address][]string
	log      *zap.Logger
}

type Option func(*Chain)

func WithSplitPolicy(p split.Policy) Option {
	return func(c *Chain) { c.splitter = split.New(p) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) { c.log = l }
}

// WithTxCache sizes the store of applied tx IDs.
func WithTxCache(capacity int, ttl time.Duration) Option {
	return func(c *Chain) {
		c.txs = txcache.NewStore(capacity)
		c.txTTL = ttl
	}
}

// NewChain starts a chain whose genesis block makes admin member 0.
func NewChain(admin ledger.Address, opts ...Option) (*Chain, error) {
	c := &Chain{
		state:    ledger.New(),
		txs:      txcache.NewStore(4096),
		txTTL:    time.Hour,
		accounts: make(map[ledger.Address][]string),
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if _, err := c.submit("", 0, ledger.Op{Kind: ledger.OpAddMember, Member: admin}); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	return c, nil
}

func (c *Chain) Head() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

// Blocks returns the blocks with heights in (from, to].
func (c *Chain) Blocks(from, to uint64) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if to > uint64(len(c.blocks)) {
		to = uint64(len(c.blocks))
	}
	if from >= to {
		return nil
	}
	return append([]Block(nil), c.blocks[from:to]...)
}

// State is the confirmed ledger at head. Callers must not mutate it.
func (c *Chain) State() *ledger.Ledger { return c.state }

// Receipt returns the height at which txID was applied, if it was.
func (c *Chain) Receipt(txID string) (uint64, bool) {
	if txID == "" {
		return 0, false
	}
	r, ok := c.txs.Get(txID)
	return r.Height, ok
}

// submit appends op on top of parent. A parent other than head means the
// writer has not seen every confirmed block and is refused with ErrBehind.
func (c *Chain) submit(txID string, parent uint64, op ledger.Op) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if txID != "" {
		if r, ok := c.txs.Get(txID); ok {
			return r.Height, nil
		}
	}
	head := uint64(len(c.blocks))
	if parent != head {
		return 0, fmt.Errorf("%w: at %d, head %d", replica.ErrBehind, parent, head)
	}
	if err := c.state.Apply(op); err != nil {
		return 0, err
	}

	b := Block{Height: head + 1, Op: op, TxID: txID, At: time.Now()}
	c.blocks = append(c.blocks, b)
	if txID != "" {
		c.txs.Put(txID, txcache.Receipt{Height: b.Height, At: b.At}, c.txTTL)
	}
	c.log.Debug("block confirmed",
		zap.Uint64("height", b.Height),
		zap.String("kind", string(op.Kind)),
		zap.String("tx", txID))
	return b.Height, nil
}

// groupSplitOp divides total the way the chain's splitter does and returns the
// op crediting each debtor with the per-debtor share.
func (c *Chain) groupSplitOp(creditor ledger.Address, debtors []ledger.Address, total uint64) (ledger.Op, error) {
	res, err := c.splitter.Split(creditor, debtors, total)
	if err != nil {
		return ledger.Op{}, err
	}
	return ledger.Op{
		Kind:     ledger.OpGroupSplit,
		Creditor: creditor,
		Debtors:  res.Debtors(),
		Amount:   res.PerShare,
	}, nil
}

// RegisterAccount derives the account address from the deployment args and
// the secret. Registering the same account again returns the same address.
func (c *Chain) RegisterAccount(ctx context.Context, req account.Request) (ledger.Address, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(strings.Join(req.Args, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(req.Secret.Key))
	h.Write([]byte{0})
	h.Write([]byte(req.Secret.Salt))
	addr := ledger.Address(base58.Encode(h.Sum(nil)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[addr]; !ok {
		c.accounts[addr] = append([]string(nil), req.Args...)
		c.log.Info("account registered", zap.String("address", addr.String()))
	}
	return addr, nil
}

// Account returns the deployment args of a registered account.
func (c *Chain) Account(addr ledger.Address) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	args, ok := c.accounts[addr]
	return args, ok
}
