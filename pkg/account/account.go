// Package account registers group accounts on replicas. Key generation and
// signing live outside this module; a Contract only describes what a replica
// needs to deploy the account.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

var (
	ErrMissingSecret   = errors.New("account secret key is required")
	ErrInvalidContract = errors.New("invalid account contract")
)

// Witness authorizes one message on behalf of an account.
type Witness struct {
	MessageHash []byte
	Signature   []byte
}

type WitnessProvider interface {
	CreateAuthWitness(ctx context.Context, messageHash []byte) (Witness, error)
}

// Contract is an account flavor: the arguments its deployment takes and the
// provider that authorizes its transactions.
type Contract interface {
	DeploymentArgs() []string
	AuthWitnessProvider() WitnessProvider
}

// Secret pins an account address. The same secret and salt registered on
// every replica yield the same address everywhere.
type Secret struct {
	Key  string
	Salt string
}

type Request struct {
	Args    []string
	Secret  Secret
	Witness WitnessProvider
}

// Registrar is the replica-side collaborator that deploys accounts.
type Registrar interface {
	RegisterAccount(ctx context.Context, req Request) (ledger.Address, error)
}

// Register deploys c through r.
func Register[C Contract](ctx context.Context, r Registrar, c C, s Secret) (ledger.Address, error) {
	if strings.TrimSpace(s.Key) == "" {
		return "", ErrMissingSecret
	}
	args := c.DeploymentArgs()
	for i, a := range args {
		if a == "" {
			return "", fmt.Errorf("%w: deployment arg %d is empty", ErrInvalidContract, i)
		}
	}
	addr, err := r.RegisterAccount(ctx, Request{
		Args:    args,
		Secret:  s,
		Witness: c.AuthWitnessProvider(),
	})
	if err != nil {
		return "", fmt.Errorf("register account: %w", err)
	}
	return addr, nil
}

// GroupContract is the shared group account. Its admin identifies the group.
type GroupContract struct {
	PublicKeyX string
	PublicKeyY string
	Admin      ledger.Address
	Witness    WitnessProvider
}

func (g GroupContract) DeploymentArgs() []string {
	return []string{g.PublicKeyX, g.PublicKeyY, g.Admin.String()}
}

func (g GroupContract) AuthWitnessProvider() WitnessProvider { return g.Witness }

// MemberContract is a plain member account keyed by a signing public key.
type MemberContract struct {
	PublicKeyX string
	PublicKeyY string
	Witness    WitnessProvider
}

func (m MemberContract) DeploymentArgs() []string {
	return []string{m.PublicKeyX, m.PublicKeyY}
}

func (m MemberContract) AuthWitnessProvider() WitnessProvider { return m.Witness }
