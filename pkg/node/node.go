package node

import (
	"maps"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/devnet"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

// Node serves a set of devnet replicas over HTTP and forwards requests for
// replicas hosted elsewhere to the peer that owns them.
type Node struct {
	addr     string
	chain    *devnet.Chain
	replicas map[int]*devnet.Replica
	log      *zap.Logger

	mu    sync.RWMutex
	peers map[int]string // replica id -> host:port
}

func NewNode(chain *devnet.Chain, replicas []*devnet.Replica, addr string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		addr:     addr,
		chain:    chain,
		replicas: make(map[int]*devnet.Replica, len(replicas)),
		log:      log,
		peers:    make(map[int]string),
	}
	for _, r := range replicas {
		n.replicas[r.ID()] = r
	}
	return n
}

func (n *Node) Addr() string {
	return n.addr
}

// LocalIDs returns the ids of replicas served by this node, ascending.
func (n *Node) LocalIDs() []int {
	ids := make([]int, 0, len(n.replicas))
	for id := range n.replicas {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SetPeers replaces the table of remote replicas.
func (n *Node) SetPeers(peers map[int]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = make(map[int]string, len(peers))
	for id, addr := range peers {
		if _, local := n.replicas[id]; local {
			continue
		}
		n.peers[id] = NormalizeHostPort(addr, "8080")
	}
}

func (n *Node) Peers() map[int]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.peers)
}

func (n *Node) peer(id int) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	hp, ok := n.peers[id]
	return hp, ok
}

// Router wires every endpoint, instrumented and wrapped in CORS.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz))).Methods(http.MethodGet)
	r.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info))).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.MetricsHandler())

	rs := r.PathPrefix("/replicas/{id:[0-9]+}").Subrouter()
	rs.Use(n.routeReplica)
	route := func(method, path, op string, h http.HandlerFunc) {
		rs.Handle(path, telemetry.Instrument(op, h)).Methods(method)
	}
	route(http.MethodPost, "/members", "add_member", n.AddMember)
	route(http.MethodGet, "/admin", "get_admin", n.GetAdmin)
	route(http.MethodGet, "/members/{pos:[0-9]+}", "view_member", n.ViewMember)
	route(http.MethodGet, "/balances/{creditor}/{debtor}", "get_balance", n.GetBalance)
	route(http.MethodPut, "/balances/{creditor}/{debtor}", "set_balance", n.SetBalance)
	route(http.MethodPost, "/payments", "make_payment", n.MakePayment)
	route(http.MethodPost, "/group-payments", "setup_group_payments", n.SetupGroupPayments)
	route(http.MethodGet, "/poll/{owner}", "poll", n.Poll)
	route(http.MethodPost, "/accounts", "register_account", n.RegisterAccount)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", replica.TxHeader},
	}).Handler(r)
}
