package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// Roster is the on-disk description of one group. The first member is the
// admin.
type Roster struct {
	Group    string          `yaml:"group"`
	Contract ledger.Address  `yaml:"contract"`
	Members  []ledger.Member `yaml:"members"`
}

func LoadRoster(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return DecodeRoster(f)
}

func DecodeRoster(r io.Reader) (*Roster, error) {
	var ros Roster
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ros); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if len(ros.Members) == 0 {
		return nil, fmt.Errorf("roster %q has no admin", ros.Group)
	}
	if ros.Members[0].ReplicaID != 0 {
		return nil, fmt.Errorf("roster admin %s must use replica 0, got %d", ros.Members[0].Name, ros.Members[0].ReplicaID)
	}
	return &ros, nil
}

// BuildGroup builds the committed roster.
func (r *Roster) BuildGroup() (*ledger.Group, error) {
	g, err := ledger.NewGroup(r.Group, r.Contract, r.Members[0])
	if err != nil {
		return nil, err
	}
	for _, m := range r.Members[1:] {
		if err := g.Append(m); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Save writes the roster back, e.g. after members were committed.
func (r *Roster) Save(path string) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
