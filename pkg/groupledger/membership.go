package groupledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

// AutoReplica lets the service pick a member's replica.
const AutoReplica = -1

// Members returns the committed roster, admin first.
func (s *Service) Members() []ledger.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group.Members()
}

// Staged returns members known locally but not yet committed.
func (s *Service) Staged() []ledger.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Member(nil), s.staged...)
}

// StageMember adds a member locally. Nothing reaches a replica until
// CommitMembers.
func (s *Service) StageMember(name string, addr ledger.Address, replicaID int) (ledger.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Member{}, fmt.Errorf("%w: empty name", ledger.ErrInvalidMember)
	}
	if addr == "" {
		return ledger.Member{}, fmt.Errorf("%w: %s has no address", ledger.ErrInvalidMember, name)
	}
	if replicaID == AutoReplica {
		id, ok := s.place(name)
		if !ok {
			return ledger.Member{}, fmt.Errorf("%w: no replica to assign %s to", ErrUnknownReplica, name)
		}
		replicaID = id
	}
	if _, ok := s.clients[replicaID]; !ok {
		return ledger.Member{}, fmt.Errorf("%w: %d", ErrUnknownReplica, replicaID)
	}
	m := ledger.Member{Name: name, Address: addr, ReplicaID: replicaID}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range append(s.group.Members(), s.staged...) {
		if cur.Name == name {
			return ledger.Member{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateMember, name)
		}
		if cur.Address == addr {
			return ledger.Member{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyMember, addr)
		}
	}
	s.staged = append(s.staged, m)
	return m, nil
}

// place walks name's ring candidates and returns the first one with a client.
func (s *Service) place(name string) (int, bool) {
	for _, id := range s.ring.AssignN(name, len(s.ring.Replicas())) {
		if _, ok := s.clients[id]; ok {
			return id, true
		}
	}
	return 0, false
}

// RetireReplica stops placing new AutoReplica members on replica id. Members
// already on it keep their assignment.
func (s *Service) RetireReplica(id int) error {
	if _, ok := s.ring.Endpoint(id); !ok {
		return fmt.Errorf("%w: %d is not in placement", ErrUnknownReplica, id)
	}
	s.ring.Remove(id)
	s.log.Info("replica retired from placement", zap.Int("replica", id))
	return nil
}

// RemoveMember drops a staged member. Committed members cannot be removed.
func (s *Service) RemoveMember(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.group.Lookup(name); ok {
		return fmt.Errorf("%w: %s", ErrCommitted, name)
	}
	for i, m := range s.staged {
		if m.Name == name {
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownMember, name)
}

// CommitMembers adds every staged member on the root replica in staging order
// and waits for each new member's own replica to see it. It stops at the
// first failure and returns the members committed so far.
func (s *Service) CommitMembers(ctx context.Context) ([]ledger.Member, error) {
	var done []ledger.Member
	for _, m := range s.Staged() {
		if err := s.commit(ctx, m); err != nil {
			return done, fmt.Errorf("commit %s: %w", m.Name, err)
		}
		done = append(done, m)
	}
	return done, nil
}

func (s *Service) commit(ctx context.Context, m ledger.Member) error {
	admin := s.Members()[0]
	_, err := s.submit(ctx, "add_member", admin, func(ctx context.Context, c replica.Client) error {
		err := c.AddMember(ctx, m.Address)
		if errors.Is(err, ledger.ErrAlreadyMember) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := s.converge(ctx, []ledger.Member{m}); err != nil {
		return err
	}

	s.mu.Lock()
	err = s.group.Append(m)
	if err == nil {
		for i, st := range s.staged {
			if st.Name == m.Name {
				s.staged = append(s.staged[:i], s.staged[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.Info("member committed",
		zap.String("member", m.Name),
		zap.String("address", m.Address.String()),
		zap.Int("replica", m.ReplicaID))
	s.events.publish(Event{Kind: MemberCommitted, Member: &m})
	return nil
}
