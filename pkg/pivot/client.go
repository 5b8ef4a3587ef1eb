// Package pivot provides a Go client for the pivot-trader status API.
package pivot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pivot/internal/httpapi"
)

// Client talks to a running pivot-trader instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status returns the system snapshot.
func (c *Client) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	var st httpapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", &st)
	return st, err
}

// Start enables trading.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/start", nil)
}

// Stop disables trading.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil)
}

// Orders returns the current trading day's orders.
func (c *Client) Orders(ctx context.Context) ([]httpapi.OrderJSON, error) {
	var resp httpapi.OrdersResponse
	if err := c.do(ctx, http.MethodGet, "/api/orders", &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// Positions returns the live position and the day's history.
func (c *Client) Positions(ctx context.Context) (httpapi.PositionsResponse, error) {
	var resp httpapi.PositionsResponse
	err := c.do(ctx, http.MethodGet, "/api/positions", &resp)
	return resp, err
}

// Messages returns the operator message board.
func (c *Client) Messages(ctx context.Context) (httpapi.MessagesResponse, error) {
	var resp httpapi.MessagesResponse
	err := c.do(ctx, http.MethodGet, "/api/messages", &resp)
	return resp, err
}
