package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateMember = errors.New("member name already used")
	ErrInvalidMember   = errors.New("invalid member")
)

// Member is a named participant permanently bound to the replica that
// routes its transactions.
type Member struct {
	Name      string  `json:"name" yaml:"name"`
	Address   Address `json:"address" yaml:"address"`
	ReplicaID int     `json:"replica" yaml:"replica"`
}

// Group is the committed roster of a ledger group. The admin is created with
// the group and always sits at position 0; members are only ever appended.
// A Group is not safe for concurrent mutation.
type Group struct {
	Name     string
	Contract Address
	members  []Member
}

func NewGroup(name string, contract Address, admin Member) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("group name is required")
	}
	if err := validateMember(admin); err != nil {
		return nil, err
	}
	return &Group{Name: name, Contract: contract, members: []Member{admin}}, nil
}

// Append adds m after every existing member.
func (g *Group) Append(m Member) error {
	if err := validateMember(m); err != nil {
		return err
	}
	for _, cur := range g.members {
		if cur.Name == m.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m.Name)
		}
		if cur.Address == m.Address {
			return fmt.Errorf("%w: %s", ErrAlreadyMember, m.Address)
		}
	}
	g.members = append(g.members, m)
	return nil
}

func (g *Group) Admin() Member {
	return g.members[0]
}

func (g *Group) Members() []Member {
	return append([]Member(nil), g.members...)
}

func (g *Group) Len() int {
	return len(g.members)
}

func (g *Group) Lookup(name string) (Member, bool) {
	for _, m := range g.members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Others returns every member except name, in join order.
func (g *Group) Others(name string) []Member {
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		if m.Name != name {
			out = append(out, m)
		}
	}
	return out
}

func validateMember(m Member) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMember)
	}
	if m.Address == "" {
		return fmt.Errorf("%w: %s has no address", ErrInvalidMember, m.Name)
	}
	if m.ReplicaID < 0 {
		return fmt.Errorf("%w: %s has replica %d", ErrInvalidMember, m.Name, m.ReplicaID)
	}
	return nil
}
