package devnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrledger/pkg/account"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
	"github.com/ryandielhenn/zephyrledger/pkg/split"
)

const (
	admin   ledger.Address = "0xadmin"
	alice   ledger.Address = "0xalice"
	bob     ledger.Address = "0xbob"
	charlie ledger.Address = "0xcharlie"
)

// newNet returns a chain with admin, alice and bob committed through an
// instant replica r0, plus a lagging replica r1 still at genesis.
func newNet(t *testing.T, opts ...Option) (*Chain, *Replica, *Replica) {
	t.Helper()
	c, err := NewChain(admin, opts...)
	require.NoError(t, err)
	r0 := c.NewReplica(0, 0)
	r1 := c.NewReplica(1, 1)

	ctx := context.Background()
	require.NoError(t, r0.AddMember(ctx, alice))
	require.NoError(t, r0.AddMember(ctx, bob))
	require.EqualValues(t, 3, c.Head())
	return c, r0, r1
}

func TestGenesisAdmin(t *testing.T) {
	c, err := NewChain(admin)
	require.NoError(t, err)
	r := c.NewReplica(0, 1)

	got, err := r.GetAdmin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admin, got)
	assert.EqualValues(t, 1, r.Synced())
}

func TestLaggingReplicaCatchesUpOneBlockPerCall(t *testing.T) {
	_, _, r1 := newNet(t)
	ctx := context.Background()
	assert.EqualValues(t, 1, r1.Synced())

	_, err := r1.ViewMember(ctx, 2)
	assert.ErrorIs(t, err, ledger.ErrNoSuchPosition)

	got, err := r1.ViewMember(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, bob, got)

	synced, head := r1.Status()
	assert.Equal(t, head, synced)
}

func TestWriteRefusedWhileBehind(t *testing.T) {
	c, _, r1 := newNet(t)
	ctx := context.Background()

	err := r1.SetBalance(ctx, admin, alice, 100)
	require.ErrorIs(t, err, replica.ErrBehind)
	assert.EqualValues(t, 3, c.Head())

	require.NoError(t, r1.SetBalance(ctx, admin, alice, 100))
	assert.EqualValues(t, 4, c.Head())
	assert.EqualValues(t, 4, r1.Synced())
}

func TestRetryDrivesBehindReplica(t *testing.T) {
	_, r0, r1 := newNet(t)
	ctx := context.Background()

	var attempts int
	err := replicasync.Do(ctx, replicasync.RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) error {
		attempts++
		return r1.MakePayment(ctx, alice, admin, 10)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	r0.CatchUp()
	got, err := r0.GetBalance(ctx, alice, admin)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got)
}

func TestPollForUpdateSeesOwnersBlocks(t *testing.T) {
	_, r0, r1 := newNet(t)
	ctx := context.Background()
	require.NoError(t, r0.SetBalance(ctx, admin, alice, 100))

	var polls int
	for {
		polls++
		ok, err := r1.PollForUpdate(ctx, alice)
		require.NoError(t, err)
		if ok {
			break
		}
		require.Less(t, polls, 10)
	}
	assert.Equal(t, 3, polls)

	got, err := r1.GetBalance(ctx, admin, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got)
}

func TestPollForUpdateUnrelatedOwner(t *testing.T) {
	c, err := NewChain(admin)
	require.NoError(t, err)
	r := c.NewReplica(0, 1)

	ok, err := r.PollForUpdate(context.Background(), charlie)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateTxAppliedOnce(t *testing.T) {
	c, r0, _ := newNet(t)
	ctx := replica.WithTxID(context.Background(), "tx-1")

	require.NoError(t, r0.SetBalance(context.Background(), admin, alice, 100))
	require.NoError(t, r0.MakePayment(ctx, alice, admin, 10))
	require.NoError(t, r0.MakePayment(ctx, alice, admin, 10))

	assert.EqualValues(t, 5, c.Head())
	got, err := r0.GetBalance(ctx, admin, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 90, got)

	h, ok := c.Receipt("tx-1")
	assert.True(t, ok)
	assert.EqualValues(t, 5, h)
}

func TestNonMemberBalance(t *testing.T) {
	c, r0, _ := newNet(t)
	ctx := context.Background()

	err := r0.SetBalance(ctx, admin, charlie, 100)
	require.ErrorIs(t, err, ledger.ErrNotAGroupMember)
	assert.Contains(t, err.Error(), "is not in the group")
	assert.EqualValues(t, 3, c.Head())

	_, err = r0.GetBalance(ctx, admin, charlie)
	assert.ErrorIs(t, err, ledger.ErrNotAGroupMember)
}

func TestGroupPaymentsUseChainPolicy(t *testing.T) {
	tests := []struct {
		policy split.Policy
		want   uint64
	}{
		{split.PerHead, 140},
		{split.PerDebtor, 165},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			_, r0, _ := newNet(t, WithSplitPolicy(tt.policy))
			ctx := context.Background()

			require.NoError(t, r0.SetBalance(ctx, admin, alice, 90))
			require.NoError(t, r0.SetupGroupPayments(ctx, admin, []ledger.Address{alice, bob}, 150))

			got, err := r0.GetBalance(ctx, admin, alice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			got, err = r0.GetBalance(ctx, admin, bob)
			require.NoError(t, err)
			assert.Equal(t, tt.want-90, got)
		})
	}
}

func TestGroupPaymentsRejectNonMemberAtomically(t *testing.T) {
	c, r0, _ := newNet(t)
	ctx := context.Background()

	err := r0.SetupGroupPayments(ctx, admin, []ledger.Address{alice, charlie}, 100)
	require.ErrorIs(t, err, ledger.ErrNotAGroupMember)
	assert.EqualValues(t, 3, c.Head())
	assert.Empty(t, c.State().Snapshot())
}

func TestRegisterAccountSameAddressOnEveryReplica(t *testing.T) {
	_, r0, r1 := newNet(t)
	ctx := context.Background()
	contract := account.GroupContract{PublicKeyX: "0x01", PublicKeyY: "0x02", Admin: admin}
	secret := account.Secret{Key: "secret", Salt: "salt"}

	a0, err := account.Register(ctx, r0, contract, secret)
	require.NoError(t, err)
	a1, err := account.Register(ctx, r1, contract, secret)
	require.NoError(t, err)
	assert.Equal(t, a0, a1)
	assert.NotEmpty(t, a0)

	other, err := account.Register(ctx, r0, contract, account.Secret{Key: "secret", Salt: "other"})
	require.NoError(t, err)
	assert.NotEqual(t, a0, other)

	args, ok := r0.chain.Account(a0)
	require.True(t, ok)
	assert.Equal(t, []string{"0x01", "0x02", "0xadmin"}, args)
}
