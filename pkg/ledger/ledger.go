package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Address identifies an account (a member or the group contract) on a replica.
type Address string

func (a Address) String() string { return string(a) }

// MaxAmount is the largest credit the ledger holds. Keeping credits inside the
// int64 range makes every net balance representable.
const MaxAmount = math.MaxInt64

type pair struct {
	creditor Address
	debtor   Address
}

// Edge is a directed credit entry: Debtor owes Creditor Amount.
type Edge struct {
	Creditor Address `json:"creditor"`
	Debtor   Address `json:"debtor"`
	Amount   uint64  `json:"amount"`
}

// Ledger is an in-memory pairwise credit table scoped to one group's membership.
// Position 0 of the membership is the admin.
type Ledger struct {
	mu      sync.RWMutex
	members []Address
	index   map[Address]int
	credits map[pair]uint64
}

func New() *Ledger {
	return &Ledger{
		index:   make(map[Address]int),
		credits: make(map[pair]uint64),
	}
}

// AddMember appends addr to the membership and returns its position.
func (l *Ledger) AddMember(addr Address) (int, error) {
	if addr == "" {
		return 0, ErrInvalidAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[addr]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyMember, addr)
	}
	pos := len(l.members)
	l.index[addr] = pos
	l.members = append(l.members, addr)
	return pos, nil
}

func (l *Ledger) Admin() (Address, error) {
	return l.ViewMember(0)
}

func (l *Ledger) ViewMember(pos int) (Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos < 0 || pos >= len(l.members) {
		return "", fmt.Errorf("%w: %d", ErrNoSuchPosition, pos)
	}
	return l.members[pos], nil
}

func (l *Ledger) IsMember(addr Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[addr]
	return ok
}

// Members returns the membership in join order.
func (l *Ledger) Members() []Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Address(nil), l.members...)
}

// Credit returns the raw recorded credit creditor holds against debtor.
func (l *Ledger) Credit(creditor, debtor Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.credits[pair{creditor, debtor}]
}

// NetBalance is credit(creditor, debtor) - credit(debtor, creditor). A positive
// value means debtor owes creditor; the sign is never clamped.
func (l *Ledger) NetBalance(creditor, debtor Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.net(creditor, debtor)
}

func (l *Ledger) net(creditor, debtor Address) int64 {
	return int64(l.credits[pair{creditor, debtor}]) - int64(l.credits[pair{debtor, creditor}])
}

// Balance is the unsigned view a replica reports for get_balance: the net
// amount debtor owes creditor, or 0 when the debt runs the other way.
// Balance(a, b) - Balance(b, a) always equals NetBalance(a, b).
func (l *Ledger) Balance(creditor, debtor Address) uint64 {
	if n := l.NetBalance(creditor, debtor); n > 0 {
		return uint64(n)
	}
	return 0
}

// CheckedBalance is Balance for callers that must reject non-members, the
// way a replica answers get_balance.
func (l *Ledger) CheckedBalance(creditor, debtor Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkPair(creditor, debtor); err != nil {
		return 0, err
	}
	if n := l.net(creditor, debtor); n > 0 {
		return uint64(n), nil
	}
	return 0, nil
}

// ApplyPayment records that debtor paid creditor amount. The payment is kept
// as a corrective credit from the payer toward the payee, which lowers
// NetBalance(creditor, debtor) by amount.
func (l *Ledger) ApplyPayment(debtor, creditor Address, amount uint64) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkPair(creditor, debtor); err != nil {
		return err
	}
	return l.add(pair{debtor, creditor}, amount)
}

// ApplySetBalance overwrites credit(creditor, debtor). Zero is allowed and
// clears the entry. Applying the same call twice leaves the same state.
func (l *Ledger) ApplySetBalance(creditor, debtor Address, amount uint64) error {
	if amount > MaxAmount {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidAmount, amount, uint64(MaxAmount))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkPair(creditor, debtor); err != nil {
		return err
	}
	l.credits[pair{creditor, debtor}] = amount
	return nil
}

// ApplyGroupSplit credits payer with share against every debtor. Either all
// debtors are credited or none are.
func (l *Ledger) ApplyGroupSplit(payer Address, debtors []Address, share uint64) ([]Edge, error) {
	if len(debtors) == 0 {
		return nil, ErrEmptySplitSet
	}
	if share > MaxAmount {
		return nil, fmt.Errorf("%w: share %d", ErrInvalidAmount, share)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[payer]; !ok {
		return nil, notMember("creditor", payer)
	}
	seen := make(map[Address]struct{}, len(debtors))
	for _, d := range debtors {
		if d == payer {
			return nil, fmt.Errorf("%w: %s", ErrPayerInSplitSet, d)
		}
		if _, dup := seen[d]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDebtor, d)
		}
		seen[d] = struct{}{}
		if _, ok := l.index[d]; !ok {
			return nil, notMember("debtor", d)
		}
		if l.credits[pair{payer, d}] > MaxAmount-share {
			return nil, fmt.Errorf("%w: %s -> %s", ErrAmountOverflow, payer, d)
		}
	}
	deltas := make([]Edge, 0, len(debtors))
	for _, d := range debtors {
		l.credits[pair{payer, d}] += share
		deltas = append(deltas, Edge{Creditor: payer, Debtor: d, Amount: share})
	}
	return deltas, nil
}

// Snapshot returns every non-zero credit entry ordered by creditor then debtor.
func (l *Ledger) Snapshot() []Edge {
	l.mu.RLock()
	out := make([]Edge, 0, len(l.credits))
	for p, amt := range l.credits {
		if amt == 0 {
			continue
		}
		out = append(out, Edge{Creditor: p.creditor, Debtor: p.debtor, Amount: amt})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Creditor != out[j].Creditor {
			return out[i].Creditor < out[j].Creditor
		}
		return out[i].Debtor < out[j].Debtor
	})
	return out
}

// checkPair must be called with l.mu held.
func (l *Ledger) checkPair(creditor, debtor Address) error {
	if creditor == debtor {
		return fmt.Errorf("%w: %s", ErrSelfEdge, creditor)
	}
	if _, ok := l.index[creditor]; !ok {
		return notMember("creditor", creditor)
	}
	if _, ok := l.index[debtor]; !ok {
		return notMember("debtor", debtor)
	}
	return nil
}

func (l *Ledger) add(p pair, amount uint64) error {
	cur := l.credits[p]
	if cur > MaxAmount-amount {
		return fmt.Errorf("%w: %s -> %s", ErrAmountOverflow, p.creditor, p.debtor)
	}
	l.credits[p] = cur + amount
	return nil
}
