// Package api is the worker-side client of the manager's HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/types"
)

// AuthHeader carries the shared-secret key on every request.
const AuthHeader = "X-Heroshi-Auth"

// Client talks to the manager service.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient builds a Client from the shared config.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.ManagerURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: cfg.Identity.UserAgent,
		http: &http.Client{
			Timeout: 20 * time.Second,
		},
		logger: logger.With("component", "api_client"),
	}
}

// GetCrawlQueue asks the manager for up to limit queue items.
func (c *Client) GetCrawlQueue(ctx context.Context, limit int) ([]types.QueueItem, error) {
	form := url.Values{"limit": {strconv.Itoa(limit)}}
	body, err := c.request(ctx, http.MethodPost, "/crawl-queue",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}

	var queue []types.QueueItem
	if err := json.Unmarshal(body, &queue); err != nil {
		return nil, &types.ApiError{Err: fmt.Errorf("decode crawl-queue response: %w", err)}
	}
	return queue, nil
}

// ReportResult posts one report to the manager.
func (c *Client) ReportResult(ctx context.Context, report *types.Report) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return &types.ApiError{Err: fmt.Errorf("encode report: %w", err)}
	}
	_, err = c.request(ctx, http.MethodPut, "/report",
		bytes.NewReader(encoded), "application/json")
	return err
}

func (c *Client) request(ctx context.Context, method, resource string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+resource, body)
	if err != nil {
		return nil, &types.ApiError{Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(AuthHeader, c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &types.ApiError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.ApiError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("manager returned non-ok result",
			"resource", resource, "status", resp.StatusCode)
		return nil, &types.ApiError{StatusCode: resp.StatusCode}
	}
	return respBody, nil
}
