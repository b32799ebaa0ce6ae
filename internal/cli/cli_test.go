package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrledger/internal/config"
	"github.com/ryandielhenn/zephyrledger/pkg/devnet"
	"github.com/ryandielhenn/zephyrledger/pkg/groupledger"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
	"github.com/ryandielhenn/zephyrledger/pkg/replicasync"
)

const rosterYAML = `group: trip
contract: 0xgroup
members:
  - {name: admin, address: 0xadmin, replica: 0}
  - {name: alice, address: 0xalice, replica: 1}
  - {name: bob, address: 0xbob, replica: 2}
`

type env struct {
	clients map[int]replica.Client
	path    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	chain, err := devnet.NewChain("0xadmin")
	require.NoError(t, err)
	e := &env{clients: map[int]replica.Client{}, path: filepath.Join(t.TempDir(), "roster.yaml")}
	for id := 0; id < 3; id++ {
		e.clients[id] = chain.NewReplica(id, 0)
	}
	ctx := context.Background()
	require.NoError(t, e.clients[0].AddMember(ctx, "0xalice"))
	require.NoError(t, e.clients[0].AddMember(ctx, "0xbob"))
	require.NoError(t, os.WriteFile(e.path, []byte(rosterYAML), 0o644))
	return e
}

func (e *env) open(_ context.Context, _ *RootOptions) (*Session, error) {
	ros, err := config.LoadRoster(e.path)
	if err != nil {
		return nil, err
	}
	g, err := ros.BuildGroup()
	if err != nil {
		return nil, err
	}
	svc, err := groupledger.New(g, e.clients, groupledger.WithRetryPolicy(replicasync.RetryPolicy{MaxAttempts: 3}))
	if err != nil {
		return nil, err
	}
	return &Session{Service: svc, Roster: ros, Path: e.path}, nil
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWith(&RootOptions{Open: e.open})
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"balances", "expense", "pay", "set-balance", "members", "verify"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	sub, _, err := cmd.Find([]string{"members", "add"})
	require.NoError(t, err)
	assert.Equal(t, "-1", sub.Flags().Lookup("replica").DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "--format", "xml", "verify")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExpenseThenBalances(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "expense", "dinner", "--payer", "admin", "--amount", "180")
	require.NoError(t, err, out)
	assert.Contains(t, out, "90 each")
	assert.Contains(t, out, "confirmed")

	out, err = e.run(t, "pay", "--from", "alice", "--to", "admin", "--amount", "40")
	require.NoError(t, err, out)

	out, err = e.run(t, "--format", "json", "balances")
	require.NoError(t, err, out)
	var resp struct {
		Status string                   `json:"status"`
		Data   groupledger.BalanceSheet `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data.Entries, 6)
	assert.Equal(t, map[string]int64{"alice": 50, "bob": 90}, resp.Data.Of("admin"))
	assert.Equal(t, map[string]int64{"admin": -50, "bob": 0}, resp.Data.Of("alice"))

	out, err = e.run(t, "balances")
	require.NoError(t, err)
	assert.Contains(t, out, "NET")
	assert.NotContains(t, out, "stale")
}

func TestSetBalance(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "set-balance", "--creditor", "bob", "--debtor", "alice", "--amount", "25")
	require.NoError(t, err)

	got, err := e.clients[2].GetBalance(context.Background(), "0xbob", "0xalice")
	require.NoError(t, err)
	assert.EqualValues(t, 25, got)
}

func TestRejectedWritesExitWithFailure(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "pay", "--from", "zed", "--to", "admin", "--amount", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, groupledger.ErrUnknownMember)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = e.run(t, "expense", "nothing", "--payer", "admin", "--amount", "0")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestMembersAddSavesRoster(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "members", "add", "charlie", "0xcharlie", "--replica", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "added charlie")

	ros, err := config.LoadRoster(e.path)
	require.NoError(t, err)
	require.Len(t, ros.Members, 4)
	assert.Equal(t, ledger.Member{Name: "charlie", Address: "0xcharlie", ReplicaID: 1}, ros.Members[3])

	out, err = e.run(t, "members", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "charlie")

	got, err := e.clients[0].ViewMember(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.Address("0xcharlie"), got)

	_, err = e.run(t, "members", "add", "dup", "0xcharlie", "--replica", "1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyMember)
}

func TestVerify(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "every replica agrees on 3 members")
}
