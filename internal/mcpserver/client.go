package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/retry"
)

// Config holds the configuration for connecting to an escrowd instance.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	PartyAddress string // Address the key is bound to, e.g. "0x..."
}

// EscrowClient is a pure HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	retry      retry.Policy
}

// NewEscrowClient creates a new client for escrowd.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   retry.Request,
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateParams describes a new escrow transaction.
type CreateParams struct {
	Payee          string `json:"payee"`
	Asset          string `json:"asset,omitempty"`
	Amount         string `json:"amount"`
	EvidenceRef    string `json:"evidenceRef,omitempty"`
	PaymentTimeout string `json:"paymentTimeout,omitempty"`
}

// StatusError is a non-2xx answer from escrowd.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Code, e.Message)
}

// upstreamFailure reports whether err means escrowd itself is unhealthy, as
// opposed to rejecting the request.
func upstreamFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// doRequest sends one request through the circuit breaker. GETs are retried
// on upstream failures; writes are sent once since a lost response may hide
// a state change.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	policy := retry.Policy{Attempts: 1}
	if method == http.MethodGet {
		policy = c.retry
	}
	key := method + " " + c.cfg.APIURL

	var out json.RawMessage
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := c.breaker.Execute(key, func() error {
			raw, err := c.send(ctx, method, path, query, body)
			out = raw
			return err
		}, upstreamFailure)
		if err != nil && (errors.Is(err, circuitbreaker.ErrOpen) || !upstreamFailure(err)) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EscrowClient) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, &StatusError{Code: resp.StatusCode, Message: apiErr.Message}
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: string(respBody)}
	}

	return json.RawMessage(respBody), nil
}

func txPath(id uint64, action string) string {
	p := "/v1/transactions/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

// CreateTransaction locks funds from the configured party for a payee.
func (c *EscrowClient) CreateTransaction(ctx context.Context, p CreateParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, p)
}

// GetTransaction fetches one transaction.
func (c *EscrowClient) GetTransaction(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, txPath(id, ""), nil, nil)
}

// ListTransactions lists transactions where party is payer or payee. An
// empty party means the configured one; cursor continues a previous page.
func (c *EscrowClient) ListTransactions(ctx context.Context, party string, limit int, cursor string) (json.RawMessage, error) {
	if party == "" {
		party = c.cfg.PartyAddress
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+party+"/transactions", q, nil)
}

// Pay releases amount to the payee. Payer only.
func (c *EscrowClient) Pay(ctx context.Context, id uint64, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "pay"), nil, map[string]string{"amount": amount})
}

// Reimburse returns amount to the payer. Payee only.
func (c *EscrowClient) Reimburse(ctx context.Context, id uint64, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "reimburse"), nil, map[string]string{"amount": amount})
}

// PayArbitrationFee deposits the caller's side of the arbitration fee.
func (c *EscrowClient) PayArbitrationFee(ctx context.Context, id uint64, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "arbitration-fee"), nil, map[string]string{"amount": amount})
}

// Execute pays out the remaining amount once the payment deadline passed.
func (c *EscrowClient) Execute(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "execute"), nil, nil)
}

// TimeOut settles in the caller's favour when the other side never matched
// the arbitration fee.
func (c *EscrowClient) TimeOut(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "timeout"), nil, nil)
}

// SubmitEvidence attaches an evidence URI to a transaction.
func (c *EscrowClient) SubmitEvidence(ctx context.Context, id uint64, uri string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "evidence"), nil, map[string]string{"uri": uri})
}

// QuoteFee returns the fee escrowd would charge on amount.
func (c *EscrowClient) QuoteFee(ctx context.Context, amount string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("amount", amount)
	return c.doRequest(ctx, http.MethodGet, "/v1/fees/quote", q, nil)
}

// GetBalances returns per-asset balances. An empty address means the
// configured party.
func (c *EscrowClient) GetBalances(ctx context.Context, address string) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.PartyAddress
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/balances/"+address, nil, nil)
}

// GetArbitrator returns the arbitrator's address and costs.
func (c *EscrowClient) GetArbitrator(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/arbitrator", nil, nil)
}

// GetDispute fetches one dispute from the arbitrator.
func (c *EscrowClient) GetDispute(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+strconv.FormatUint(id, 10), nil, nil)
}
