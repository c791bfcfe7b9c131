package anchor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ltv-alert/internal/core"
	"ltv-alert/internal/ltv"
)

// DefaultMaxLTV is the protocol max LTV used to turn a borrow limit back into collateral value
const DefaultMaxLTV = 0.6

// Client queries the Anchor market and overseer contracts through a Terra LCD
type Client struct {
	lcdURL           string
	marketContract   string
	overseerContract string
	maxLTV           float64
	client           *http.Client
}

// NewClient creates an Anchor client. maxLTV <= 0 falls back to DefaultMaxLTV.
func NewClient(lcdURL, marketContract, overseerContract string, maxLTV float64) (*Client, error) {
	if lcdURL == "" {
		return nil, fmt.Errorf("LCD URL is required for the anchor protocol")
	}
	if marketContract == "" || overseerContract == "" {
		return nil, fmt.Errorf("anchor market and overseer contract addresses are required")
	}
	if maxLTV <= 0 || maxLTV > 1 {
		maxLTV = DefaultMaxLTV
	}
	return &Client{
		lcdURL:           strings.TrimRight(lcdURL, "/"),
		marketContract:   marketContract,
		overseerContract: overseerContract,
		maxLTV:           maxLTV,
		client:           &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type borrowerQuery struct {
	Borrower string `json:"borrower"`
}

// BorrowerInfo is the market contract's view of a borrower, amounts in uusd
type BorrowerInfo struct {
	Borrower    string `json:"borrower"`
	LoanAmount  string `json:"loan_amount"`
	RewardIndex string `json:"reward_index"`
}

// BorrowLimit is the overseer contract's borrow limit for a borrower, in uusd
type BorrowLimit struct {
	Borrower    string `json:"borrower"`
	BorrowLimit string `json:"borrow_limit"`
}

// GetBorrowerInfo queries {"borrower_info":{"borrower":...}} on the market contract
func (c *Client) GetBorrowerInfo(ctx context.Context, borrower string) (*BorrowerInfo, error) {
	var out BorrowerInfo
	msg := map[string]borrowerQuery{"borrower_info": {Borrower: borrower}}
	if err := c.smartQuery(ctx, c.marketContract, msg, &out); err != nil {
		return nil, fmt.Errorf("borrower_info: %w", err)
	}
	return &out, nil
}

// GetBorrowLimit queries {"borrow_limit":{"borrower":...}} on the overseer contract
func (c *Client) GetBorrowLimit(ctx context.Context, borrower string) (*BorrowLimit, error) {
	var out BorrowLimit
	msg := map[string]borrowerQuery{"borrow_limit": {Borrower: borrower}}
	if err := c.smartQuery(ctx, c.overseerContract, msg, &out); err != nil {
		return nil, fmt.Errorf("borrow_limit: %w", err)
	}
	return &out, nil
}

// CurrentLTV returns loan / collateral as a percentage, where collateral = borrow limit / max LTV
func (c *Client) CurrentLTV(ctx context.Context, accountAddress string) (core.LTVReading, error) {
	if err := core.ValidateTerraAddress(accountAddress); err != nil {
		return core.LTVReading{}, err
	}

	info, err := c.GetBorrowerInfo(ctx, accountAddress)
	if err != nil {
		return core.LTVReading{}, ltv.Unavailable(err)
	}
	limit, err := c.GetBorrowLimit(ctx, accountAddress)
	if err != nil {
		return core.LTVReading{}, ltv.Unavailable(err)
	}

	loan, err := parseUint(info.LoanAmount)
	if err != nil {
		return core.LTVReading{}, ltv.Unavailable(fmt.Errorf("loan_amount: %w", err))
	}
	borrowLimit, err := parseUint(limit.BorrowLimit)
	if err != nil {
		return core.LTVReading{}, ltv.Unavailable(fmt.Errorf("borrow_limit: %w", err))
	}

	if loan.Sign() == 0 || borrowLimit.Sign() == 0 {
		return ltv.NoPosition(), nil
	}
	return ltv.Percent(bigRatDiv(loan, borrowLimit) * c.maxLTV), nil
}

// smartQuery runs a wasm smart query and decodes query_result into out
func (c *Client) smartQuery(ctx context.Context, contract string, msg any, out any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	q := url.Values{}
	q.Set("query_msg", base64.StdEncoding.EncodeToString(raw))
	apiURL := fmt.Sprintf("%s/terra/wasm/v1beta1/contracts/%s/store?%s", c.lcdURL, contract, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create LCD request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("LCD request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read LCD response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("LCD returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		QueryResult json.RawMessage `json:"query_result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode LCD response: %w", err)
	}
	if len(envelope.QueryResult) == 0 {
		return fmt.Errorf("LCD response has no query_result")
	}
	if err := json.Unmarshal(envelope.QueryResult, out); err != nil {
		return fmt.Errorf("decode query_result: %w", err)
	}
	return nil
}

// parseUint parses a Uint256 decimal string; empty means zero
func parseUint(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// bigRatDiv returns a float64 approximation of (a / b)
func bigRatDiv(a, b *big.Int) float64 {
	if b.Sign() == 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(a, b)
	f, _ := r.Float64()
	return f
}
