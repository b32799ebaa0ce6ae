package groupledger

import (
	"sync"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

type EventKind string

const (
	ExpenseRecorded   EventKind = "expense_recorded"
	BalancesRefreshed EventKind = "balances_refreshed"
	MemberCommitted   EventKind = "member_committed"
)

// Event carries exactly one payload matching its Kind.
type Event struct {
	Kind     EventKind
	Expense  *Expense
	Balances *BalanceSheet
	Member   *ledger.Member
}

// Subscribe registers fn for every later event. Handlers run synchronously on
// the goroutine that caused the event. The returned func unsubscribes.
func (s *Service) Subscribe(fn func(Event)) (cancel func()) {
	return s.events.subscribe(fn)
}

type eventBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
