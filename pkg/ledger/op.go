package ledger

import "fmt"

type OpKind string

const (
	OpAddMember  OpKind = "add_member"
	OpSetBalance OpKind = "set_balance"
	OpPayment    OpKind = "make_payment"
	OpGroupSplit OpKind = "setup_group_payments"
)

// Op is a serializable ledger mutation. Replicas replay the same sequence of
// ops to reach the same table. For OpGroupSplit, Amount is the per-debtor
// share already computed by the originating node.
type Op struct {
	Kind     OpKind    `json:"kind"`
	Member   Address   `json:"member,omitempty"`
	Creditor Address   `json:"creditor,omitempty"`
	Debtor   Address   `json:"debtor,omitempty"`
	Debtors  []Address `json:"debtors,omitempty"`
	Amount   uint64    `json:"amount,omitempty"`
}

// Touches reports whether addr is a party to op.
func (op Op) Touches(addr Address) bool {
	if op.Member == addr || op.Creditor == addr || op.Debtor == addr {
		return true
	}
	for _, d := range op.Debtors {
		if d == addr {
			return true
		}
	}
	return false
}

// Apply dispatches op to the matching ledger primitive.
func (l *Ledger) Apply(op Op) error {
	switch op.Kind {
	case OpAddMember:
		_, err := l.AddMember(op.Member)
		return err
	case OpSetBalance:
		return l.ApplySetBalance(op.Creditor, op.Debtor, op.Amount)
	case OpPayment:
		return l.ApplyPayment(op.Debtor, op.Creditor, op.Amount)
	case OpGroupSplit:
		_, err := l.ApplyGroupSplit(op.Creditor, op.Debtors, op.Amount)
		return err
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}
