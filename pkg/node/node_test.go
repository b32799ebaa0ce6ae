package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrledger/pkg/account"
	"github.com/ryandielhenn/zephyrledger/pkg/devnet"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

const (
	admin   ledger.Address = "0xadmin"
	alice   ledger.Address = "0xalice"
	charlie ledger.Address = "0xcharlie"
)

func newServer(t *testing.T, step uint64) (*devnet.Chain, *Node, *httptest.Server) {
	t.Helper()
	chain, err := devnet.NewChain(admin)
	require.NoError(t, err)
	n := NewNode(chain, []*devnet.Replica{chain.NewReplica(0, 0), chain.NewReplica(1, step)}, "127.0.0.1:0", nil)
	srv := httptest.NewServer(n.Router())
	t.Cleanup(srv.Close)
	return chain, n, srv
}

func client(t *testing.T, srv *httptest.Server, id int) *replica.HTTPClient {
	t.Helper()
	c, err := replica.NewHTTPClient(id, srv.URL, replica.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestHealthzAndInfo(t *testing.T) {
	_, _, srv := newServer(t, 0)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info struct {
		Head     uint64 `json:"head"`
		Replicas []struct {
			ID int `json:"id"`
		} `json:"replicas"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.EqualValues(t, 1, info.Head)
	assert.Len(t, info.Replicas, 2)
}

func TestHTTPClientRoundTrip(t *testing.T) {
	_, _, srv := newServer(t, 0)
	ctx := context.Background()
	c0 := client(t, srv, 0)
	c1 := client(t, srv, 1)
	assert.Equal(t, 1, c1.ID())

	require.NoError(t, c0.AddMember(ctx, alice))

	got, err := c1.GetAdmin(ctx)
	require.NoError(t, err)
	assert.Equal(t, admin, got)

	got, err = c1.ViewMember(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = c1.ViewMember(ctx, 5)
	assert.ErrorIs(t, err, ledger.ErrNoSuchPosition)

	require.NoError(t, c0.SetBalance(ctx, admin, alice, 100))
	require.NoError(t, c1.MakePayment(ctx, alice, admin, 10))

	bal, err := c0.GetBalance(ctx, admin, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 90, bal)

	require.NoError(t, c0.SetupGroupPayments(ctx, admin, []ledger.Address{alice}, 50))
	bal, err = c1.GetBalance(ctx, admin, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 140, bal)

	ok, err := c1.PollForUpdate(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPClientMapsErrors(t *testing.T) {
	_, _, srv := newServer(t, 0)
	ctx := context.Background()
	c0 := client(t, srv, 0)

	err := c0.SetBalance(ctx, admin, charlie, 100)
	require.ErrorIs(t, err, ledger.ErrNotAGroupMember)
	assert.Contains(t, err.Error(), "is not in the group")
	assert.False(t, replica.Retryable(err))

	err = c0.AddMember(ctx, admin)
	assert.ErrorIs(t, err, ledger.ErrAlreadyMember)

	require.NoError(t, c0.AddMember(ctx, alice))
	err = c0.MakePayment(ctx, alice, admin, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	err = c0.SetupGroupPayments(ctx, admin, []ledger.Address{alice, alice}, 10)
	assert.ErrorIs(t, err, ledger.ErrDuplicateDebtor)
	assert.NotErrorIs(t, err, ledger.ErrInvalidAmount)

	err = c0.SetupGroupPayments(ctx, admin, []ledger.Address{alice, admin}, 10)
	assert.ErrorIs(t, err, ledger.ErrPayerInSplitSet)
}

func TestLaggingReplicaOverHTTP(t *testing.T) {
	_, _, srv := newServer(t, 1)
	ctx := context.Background()
	c0 := client(t, srv, 0)
	c1 := client(t, srv, 1)

	require.NoError(t, c0.AddMember(ctx, alice))
	require.NoError(t, c0.SetBalance(ctx, admin, alice, 7))

	err := c1.MakePayment(ctx, alice, admin, 1)
	require.ErrorIs(t, err, replica.ErrBehind)
	assert.True(t, replica.Retryable(err))

	ok, err := c1.PollForUpdate(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c1.MakePayment(ctx, alice, admin, 1))
}

func TestTxHeaderMakesWritesIdempotent(t *testing.T) {
	chain, _, srv := newServer(t, 0)
	c0 := client(t, srv, 0)
	require.NoError(t, c0.AddMember(context.Background(), alice))

	ctx := replica.WithTxID(context.Background(), "tx-42")
	require.NoError(t, c0.SetupGroupPayments(ctx, admin, []ledger.Address{alice}, 30))
	require.NoError(t, c0.SetupGroupPayments(ctx, admin, []ledger.Address{alice}, 30))

	assert.EqualValues(t, 3, chain.Head())
	bal, err := c0.GetBalance(context.Background(), admin, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 30, bal)
}

func TestUnknownReplicaAndForwarding(t *testing.T) {
	_, _, remote := newServer(t, 0)

	chain, err := devnet.NewChain(admin)
	require.NoError(t, err)
	n := NewNode(chain, []*devnet.Replica{chain.NewReplica(0, 0)}, "127.0.0.1:1", nil)
	local := httptest.NewServer(n.Router())
	defer local.Close()

	resp, err := http.Get(local.URL + "/replicas/1/admin")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	n.SetPeers(map[int]string{0: "ignored:1", 1: remote.URL})
	assert.Equal(t, map[int]string{1: NormalizeHostPort(remote.URL, "8080")}, n.Peers())

	c1, err := replica.NewHTTPClient(1, local.URL)
	require.NoError(t, err)
	got, err := c1.GetAdmin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admin, got)
}

func TestRegisterAccountEndpoint(t *testing.T) {
	chain, _, srv := newServer(t, 0)
	post := func(id, body string) (int, replica.AddressResponse) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/replicas/"+id+"/accounts", "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out replica.AddressResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	group := `{"public_key_x":"0x01","public_key_y":"0x02","admin":"0xadmin","secret":"k","salt":"s"}`
	var addrs []ledger.Address
	for _, id := range []string{"0", "1"} {
		status, out := post(id, group)
		assert.Equal(t, http.StatusCreated, status)
		addrs = append(addrs, out.Address)
	}
	assert.Equal(t, addrs[0], addrs[1])

	want, err := account.Register(context.Background(), chain,
		account.GroupContract{PublicKeyX: "0x01", PublicKeyY: "0x02", Admin: admin},
		account.Secret{Key: "k", Salt: "s"})
	require.NoError(t, err)
	assert.Equal(t, want, addrs[0])

	status, member := post("0", `{"kind":"member","public_key_x":"0x0a","public_key_y":"0x0b","secret":"k"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, addrs[0], member.Address)

	for name, body := range map[string]string{
		"missing secret": `{"public_key_x":"0x01","public_key_y":"0x02","admin":"0xadmin"}`,
		"missing admin":  `{"public_key_x":"0x01","public_key_y":"0x02","secret":"k"}`,
		"missing key":    `{"kind":"member","public_key_x":"0x0a","secret":"k"}`,
		"unknown kind":   `{"kind":"vault","secret":"k"}`,
		"unknown field":  `{"args":[],"secret":"k"}`,
	} {
		status, _ := post("0", body)
		assert.Equal(t, http.StatusBadRequest, status, name)
	}
}

func TestNormalizeHostPort(t *testing.T) {
	tests := map[string]string{
		"http://node1:8081/": "node1:8081",
		"https://node2":      "node2:8080",
		"node3":              "node3:8080",
		":9000":              "localhost:9000",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHostPort(in, "8080"), in)
	}
	assert.Equal(t, "http://node3:8080", BaseURL("node3"))
}
