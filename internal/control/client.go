package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the engine status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Mappings retrieves the mapping table.
func (c *Client) Mappings(ctx context.Context) (*MappingsResponse, error) {
	var mappings MappingsResponse
	if err := c.do(ctx, http.MethodGet, "/mappings", &mappings); err != nil {
		return nil, err
	}
	return &mappings, nil
}

// Rules retrieves the configured rules.
func (c *Client) Rules(ctx context.Context) (*RulesResponse, error) {
	var rules RulesResponse
	if err := c.do(ctx, http.MethodGet, "/rules", &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Drain asks the engine to release mappings of destroyed flows now.
func (c *Client) Drain(ctx context.Context) (*DrainResponse, error) {
	var drain DrainResponse
	if err := c.do(ctx, http.MethodPost, "/drain", &drain); err != nil {
		return nil, err
	}
	return &drain, nil
}

// do performs a request to the control socket and decodes the JSON body
// into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
