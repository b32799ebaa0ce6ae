package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/pkg/account"
	"github.com/ryandielhenn/zephyrledger/pkg/devnet"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

const maxBody = 1 << 20

type replicaKey struct{}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, chain head and each local
// replica's synced height.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type replicaInfo struct {
		ID     int    `json:"id"`
		Synced uint64 `json:"synced"`
	}
	type resp struct {
		PID      int            `json:"pid"`
		Now      time.Time      `json:"now"`
		Head     uint64         `json:"head"`
		Replicas []replicaInfo  `json:"replicas"`
		Peers    map[int]string `json:"peers,omitempty"`
	}
	out := resp{PID: os.Getpid(), Now: time.Now(), Head: n.chain.Head(), Peers: n.Peers()}
	for _, id := range n.LocalIDs() {
		out.Replicas = append(out.Replicas, replicaInfo{ID: id, Synced: n.replicas[id].Synced()})
	}
	writeJSON(w, http.StatusOK, out)
}

// routeReplica resolves {id} to a local replica, forwards to the owning peer
// or answers 404.
func (n *Node) routeReplica(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.Atoi(mux.Vars(req)["id"])
		if err != nil {
			writeErr(w, http.StatusBadRequest, replica.CodeInvalidRequest, "invalid replica id")
			return
		}
		if r, ok := n.replicas[id]; ok {
			ctx := context.WithValue(req.Context(), replicaKey{}, r)
			if tx := req.Header.Get(replica.TxHeader); tx != "" {
				ctx = replica.WithTxID(ctx, tx)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}
		if owner, ok := n.peer(id); ok {
			n.log.Debug("forwarding", zap.Int("replica", id), zap.String("owner", owner))
			n.Forward(w, req, owner)
			return
		}
		writeErr(w, http.StatusNotFound, replica.CodeInvalidRequest, "unknown replica "+strconv.Itoa(id))
	})
}

func replicaFrom(req *http.Request) *devnet.Replica {
	return req.Context().Value(replicaKey{}).(*devnet.Replica)
}

// Forward proxies req to the node at owner.
func (n *Node) Forward(w http.ResponseWriter, req *http.Request, owner string) {
	hostport := NormalizeHostPort(owner, "8080")
	if NormalizeHostPort(n.addr, "8080") == hostport {
		http.Error(w, "refusing to forward to self", http.StatusInternalServerError)
		return
	}
	target := *req.URL
	target.Scheme = "http"
	target.Host = hostport

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)

	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (n *Node) AddMember(w http.ResponseWriter, req *http.Request) {
	var in replica.MemberRequest
	if !decode(w, req, &in) {
		return
	}
	if err := replicaFrom(req).AddMember(req.Context(), in.Address); err != nil {
		n.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) GetAdmin(w http.ResponseWriter, req *http.Request) {
	addr, err := replicaFrom(req).GetAdmin(req.Context())
	if err != nil {
		n.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, replica.AddressResponse{Address: addr})
}

func (n *Node) ViewMember(w http.ResponseWriter, req *http.Request) {
	pos, err := strconv.Atoi(mux.Vars(req)["pos"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, replica.CodeInvalidRequest, "invalid position")
		return
	}
	addr, err := replicaFrom(req).ViewMember(req.Context(), pos)
	if err != nil {
		n.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, replica.AddressResponse{Address: addr})
}

func (n *Node) GetBalance(w http.ResponseWriter, req *http.Request) {
	v := mux.Vars(req)
	creditor, debtor := ledger.Address(v["creditor"]), ledger.Address(v["debtor"])
	amt, err := replicaFrom(req).GetBalance(req.Context(), creditor, debtor)
	if err != nil {
		n.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, replica.BalanceResponse{Creditor: creditor, Debtor: debtor, Amount: amt})
}

func (n *Node) SetBalance(w http.ResponseWriter, req *http.Request) {
	v := mux.Vars(req)
	var in replica.BalanceRequest
	if !decode(w, req, &in) {
		return
	}
	err := replicaFrom(req).SetBalance(req.Context(), ledger.Address(v["creditor"]), ledger.Address(v["debtor"]), in.Amount)
	if err != nil {
		n.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) MakePayment(w http.ResponseWriter, req *http.Request) {
	var in replica.PaymentRequest
	if !decode(w, req, &in) {
		return
	}
	if err := replicaFrom(req).MakePayment(req.Context(), in.Debtor, in.Creditor, in.Amount); err != nil {
		n.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) SetupGroupPayments(w http.ResponseWriter, req *http.Request) {
	var in replica.GroupPaymentRequest
	if !decode(w, req, &in) {
		return
	}
	if err := replicaFrom(req).SetupGroupPayments(req.Context(), in.Creditor, in.Debtors, in.Amount); err != nil {
		n.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) Poll(w http.ResponseWriter, req *http.Request) {
	owner := ledger.Address(mux.Vars(req)["owner"])
	r := replicaFrom(req)
	visible, err := r.PollForUpdate(req.Context(), owner)
	if err != nil {
		n.fail(w, req, err)
		return
	}
	synced, head := r.Status()
	writeJSON(w, http.StatusOK, replica.PollResponse{Owner: owner, Visible: visible, Synced: synced, Head: head})
}

type accountRequest struct {
	Kind       string         `json:"kind"` // "group" (default) or "member"
	PublicKeyX string         `json:"public_key_x"`
	PublicKeyY string         `json:"public_key_y"`
	Admin      ledger.Address `json:"admin,omitempty"`
	Key        string         `json:"secret"`
	Salt       string         `json:"salt"`
}

// RegisterAccount deploys a group or member account on the replica. The same
// contract and secret yield the same address on every replica.
func (n *Node) RegisterAccount(w http.ResponseWriter, req *http.Request) {
	var in accountRequest
	if !decode(w, req, &in) {
		return
	}
	r := replicaFrom(req)
	secret := account.Secret{Key: in.Key, Salt: in.Salt}

	var (
		addr ledger.Address
		err  error
	)
	switch in.Kind {
	case "", "group":
		addr, err = account.Register(req.Context(), r, account.GroupContract{
			PublicKeyX: in.PublicKeyX,
			PublicKeyY: in.PublicKeyY,
			Admin:      in.Admin,
		}, secret)
	case "member":
		addr, err = account.Register(req.Context(), r, account.MemberContract{
			PublicKeyX: in.PublicKeyX,
			PublicKeyY: in.PublicKeyY,
		}, secret)
	default:
		writeErr(w, http.StatusBadRequest, replica.CodeInvalidRequest, "unknown account kind "+in.Kind)
		return
	}
	if errors.Is(err, account.ErrMissingSecret) || errors.Is(err, account.ErrInvalidContract) {
		writeErr(w, http.StatusBadRequest, replica.CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		n.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, replica.AddressResponse{Address: addr})
}

func (n *Node) fail(w http.ResponseWriter, req *http.Request, err error) {
	code, status := replica.ErrorCode(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, replica.ErrBehind) {
		n.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	}
	writeErr(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, replica.CodeInvalidRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, replica.ErrorBody{Code: code, Message: msg})
}
