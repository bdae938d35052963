package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Public spot endpoints used for paper pricing
const (
	TickerPricePath = "/api/v3/ticker/price"
	ServerTimePath  = "/api/v3/time"
)

// DefaultBaseURLs are the public spot API hosts
var DefaultBaseURLs = []string{
	"https://api.binance.com",
	"https://api1.binance.com",
	"https://api2.binance.com",
	"https://api3.binance.com",
}

// ErrRateLimited is returned for HTTP 429 responses
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-200 response
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Client is an unauthenticated spot market data client
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client with the given request timeout
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetCurrentPrice fetches the last price of symbol from baseURL
func (c *Client) GetCurrentPrice(ctx context.Context, baseURL, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s%s?symbol=%s", baseURL, TickerPricePath, url.QueryEscape(symbol))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}

	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	if priceResp.Price <= 0 {
		return 0, fmt.Errorf("non-positive price %v for %s", priceResp.Price, symbol)
	}

	return priceResp.Price, nil
}

// Ping checks that baseURL answers the lightweight server time endpoint
func (c *Client) Ping(ctx context.Context, baseURL string) error {
	_, err := c.get(ctx, baseURL+ServerTimePath)
	return err
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}
