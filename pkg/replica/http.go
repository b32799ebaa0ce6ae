package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/zephyrledger/internal/telemetry"
	"github.com/ryandielhenn/zephyrledger/pkg/ledger"
)

// HTTPClient talks to one replica node mounted at <base>/replicas/<id>.
type HTTPClient struct {
	id      int
	base    string
	hc      *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithRateLimit caps outgoing calls to rps with the given burst. rps <= 0
// disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *zap.Logger) HTTPOption {
	return func(c *HTTPClient) { c.log = l }
}

// NewHTTPClient returns a client for replica id served by the node at baseURL.
func NewHTTPClient(id int, baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("replica %d: invalid base url %q", id, baseURL)
	}
	c := &HTTPClient{
		id:   id,
		base: strings.TrimRight(baseURL, "/") + "/replicas/" + strconv.Itoa(id),
		hc:   &http.Client{Timeout: 10 * time.Second},
		log:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *HTTPClient) ID() int { return c.id }

func (c *HTTPClient) AddMember(ctx context.Context, addr ledger.Address) error {
	return c.do(ctx, "add_member", http.MethodPost, "/members", MemberRequest{Address: addr}, nil)
}

func (c *HTTPClient) GetAdmin(ctx context.Context) (ledger.Address, error) {
	var out AddressResponse
	if err := c.do(ctx, "get_admin", http.MethodGet, "/admin", nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *HTTPClient) ViewMember(ctx context.Context, position int) (ledger.Address, error) {
	var out AddressResponse
	if err := c.do(ctx, "view_member", http.MethodGet, "/members/"+strconv.Itoa(position), nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, creditor, debtor ledger.Address) (uint64, error) {
	var out BalanceResponse
	if err := c.do(ctx, "get_balance", http.MethodGet, balancePath(creditor, debtor), nil, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *HTTPClient) SetBalance(ctx context.Context, creditor, debtor ledger.Address, amount uint64) error {
	return c.do(ctx, "set_balance", http.MethodPut, balancePath(creditor, debtor), BalanceRequest{Amount: amount}, nil)
}

func (c *HTTPClient) MakePayment(ctx context.Context, debtor, creditor ledger.Address, amount uint64) error {
	req := PaymentRequest{Debtor: debtor, Creditor: creditor, Amount: amount}
	return c.do(ctx, "make_payment", http.MethodPost, "/payments", req, nil)
}

func (c *HTTPClient) SetupGroupPayments(ctx context.Context, creditor ledger.Address, debtors []ledger.Address, amount uint64) error {
	req := GroupPaymentRequest{Creditor: creditor, Debtors: debtors, Amount: amount}
	return c.do(ctx, "setup_group_payments", http.MethodPost, "/group-payments", req, nil)
}

func (c *HTTPClient) PollForUpdate(ctx context.Context, owner ledger.Address) (bool, error) {
	var out PollResponse
	if err := c.do(ctx, "poll", http.MethodGet, "/poll/"+url.PathEscape(owner.String()), nil, &out); err != nil {
		return false, err
	}
	return out.Visible, nil
}

func balancePath(creditor, debtor ledger.Address) string {
	return "/balances/" + url.PathEscape(creditor.String()) + "/" + url.PathEscape(debtor.String())
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() { telemetry.ObserveReplicaCall(c.id, op, start, err) }()

	if c.limiter != nil {
		if err = c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		buf, merr := json.Marshal(in)
		if merr != nil {
			return fmt.Errorf("replica %d %s: encode: %w", c.id, op, merr)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := TxID(ctx); ok && method != http.MethodGet {
		req.Header.Set(TxHeader, id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("replica %d %s: %w", c.id, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if derr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); derr != nil {
			eb.Message = resp.Status
		}
		err = decodeError(resp.StatusCode, eb)
		c.log.Debug("replica call failed",
			zap.Int("replica", c.id),
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("replica %d %s: decode: %w", c.id, op, err)
	}
	return nil
}
