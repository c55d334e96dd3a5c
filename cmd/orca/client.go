package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kalambet/orca/internal/config"
)

const clientTimeout = 30 * time.Second

// apiClient talks to the management API of a running orca server.
type apiClient struct {
	rc *resty.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	hc := &http.Client{Timeout: clientTimeout}
	return newClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), token, hc), nil
}

func newClient(baseURL, token string, hc *http.Client) *apiClient {
	rc := resty.NewWithClient(hc).
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	return &apiClient{rc: rc}
}

// do sends the request and decodes a successful JSON body into out. Status
// codes of 400 and above are returned as errors carrying the body.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("server not reachable, is orca running? (%w)", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
