package calculator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Client calls the paycheck calculation service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for baseURL. A zero timeout means 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type finalizeRequest struct {
	EmployeeID string `json:"employee_id"`
	PaycheckID string `json:"paycheck_id"`
}

type netPayResponse struct {
	NetCents int64  `json:"net_cents"`
	Currency string `json:"currency"`
}

// FinalizePaycheck asks the calculator to compute and persist one paycheck.
// The paycheck id is stable across retries, so the call is idempotent on the
// calculator side.
func (c *Client) FinalizePaycheck(ctx context.Context, employerID, payRunID, employeeID, paycheckID string) error {
	body, err := json.Marshal(finalizeRequest{EmployeeID: employeeID, PaycheckID: paycheckID})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/employers/%s/payruns/%s/paychecks",
		c.baseURL, url.PathEscape(employerID), url.PathEscape(payRunID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

// NetPay returns the settled amount of a finalized paycheck.
func (c *Client) NetPay(ctx context.Context, employerID, payRunID, paycheckID string) (int64, string, error) {
	endpoint := fmt.Sprintf("%s/v1/employers/%s/paychecks/%s",
		c.baseURL, url.PathEscape(employerID), url.PathEscape(paycheckID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return 0, "", err
	}
	var out netPayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, "", fmt.Errorf("decode net pay: %w", err)
	}
	return out.NetCents, out.Currency, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calculator %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read calculator response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("calculator %s: status %d: %s", req.URL.Path, resp.StatusCode, msg)
	}
	return body, nil
}

// ErrSimulatedFailure is returned by Dev for employees it is told to fail.
var ErrSimulatedFailure = errors.New("calculator: simulated failure")

// Dev is an in-process calculator for local runs and tests. Employees whose
// id starts with FailPrefix always fail; net pay is derived from the employee id.
type Dev struct {
	FailPrefix string
	Currency   string
}

func (d Dev) FinalizePaycheck(ctx context.Context, _, _, employeeID, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.FailPrefix != "" && strings.HasPrefix(employeeID, d.FailPrefix) {
		return fmt.Errorf("%w for employee %s", ErrSimulatedFailure, employeeID)
	}
	return nil
}

func (d Dev) NetPay(_ context.Context, _, _, paycheckID string) (int64, string, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(paycheckID))
	currency := d.Currency
	if currency == "" {
		currency = "USD"
	}
	return 100_000 + int64(h.Sum32()%500_000), currency, nil
}
