// internal/remote/client.go
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"mkutano/internal/ledger"
)

// Client calls the remote data service over HTTP. Every call goes through a
// circuit breaker so a dead service fails fast instead of eating the sync
// engine's per-item timeout.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
	token   string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) ClientOption { return func(cl *Client) { cl.token = token } }

func WithClientLogger(l *slog.Logger) ClientOption { return func(cl *Client) { cl.log = l } }

// BreakerSettings configures the client's circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

func NewClient(baseURL string, bs BreakerSettings, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bs.MaxFailures == 0 {
		bs.MaxFailures = 5
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-data-service",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.MaxFailures
		},
		// a rejected record still proves the service is up
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// State exposes the breaker state for status endpoints.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) CreateContribution(ctx context.Context, in *ledger.Contribution) (*ledger.Contribution, error) {
	var out ledger.Contribution
	if err := c.post(ctx, "/contributions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IssueLoan(ctx context.Context, in *ledger.Loan) (*ledger.Loan, error) {
	var out ledger.Loan
	if err := c.post(ctx, "/loans", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecordRepayment(ctx context.Context, in *ledger.Repayment) (*RepaymentReceipt, error) {
	var out RepaymentReceipt
	if err := c.post(ctx, "/repayments", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLoan reads the stored loan with its current status.
func (c *Client) GetLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	var out ledger.Loan
	if err := c.do(ctx, http.MethodGet, "/loans/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteOffLoan closes an unpaid loan.
func (c *Client) WriteOffLoan(ctx context.Context, id string) (*ledger.Loan, error) {
	var out ledger.Loan
	if err := c.do(ctx, http.MethodPost, "/loans/"+url.PathEscape(id)+"/write-off", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return Permanent(fmt.Errorf("encode request: %w", err))
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader = http.NoBody
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, decodeStatusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorResponse
	if json.Unmarshal(data, &body) == nil {
		se.Code = body.Code
		se.Message = body.Message
	}
	return se
}
