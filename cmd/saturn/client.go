package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/breaker"
	"stratus-hq/saturn/pkg/cli"
	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
)

// adminClient talks to a running gateway's admin API on behalf of the
// operator commands.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(baseURL string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *adminClient) post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cli.NewAPIError(resp.StatusCode, readAPIError(resp.Body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(body io.Reader) string {
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	if payload.Reason != "" {
		return fmt.Sprintf("%s (%s)", payload.Error, payload.Reason)
	}
	return payload.Error
}

func (c *adminClient) breakers(ctx context.Context) ([]breaker.Status, error) {
	var out []breaker.Status
	if err := c.get(ctx, "/v1/breakers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) resetBreaker(ctx context.Context, vendor, providerType string) error {
	path := fmt.Sprintf("/v1/breakers/%s/%s/reset",
		url.PathEscape(vendor), url.PathEscape(providerType))
	return c.post(ctx, path, nil)
}

func (c *adminClient) usage(ctx context.Context, kind, id string) (*gateway.UsageReport, error) {
	var out gateway.UsageReport
	path := fmt.Sprintf("/v1/usage/%s/%s", url.PathEscape(kind), url.PathEscape(id))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) availability(ctx context.Context, window, step string) (*availability.Report, error) {
	now := time.Now().UTC()
	d, err := time.ParseDuration(window)
	if err != nil {
		return nil, fmt.Errorf("invalid window %q: %w", window, err)
	}

	params := url.Values{}
	params.Set("from", now.Add(-d).Format(time.RFC3339))
	params.Set("to", now.Format(time.RFC3339))
	if step != "" {
		params.Set("step", step)
	}

	var out availability.Report
	if err := c.get(ctx, "/v1/availability?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) providerHealth(ctx context.Context) (map[string]availability.Status, error) {
	var out map[string]availability.Status
	if err := c.get(ctx, "/v1/health/providers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ledgerPage fetches one page of ledger records.
func (c *adminClient) ledgerPage(ctx context.Context, params url.Values, limit, offset int) ([]*ledger.CallRecord, error) {
	page := url.Values{}
	for k, v := range params {
		page[k] = v
	}
	page.Set("limit", fmt.Sprint(limit))
	page.Set("offset", fmt.Sprint(offset))

	var out []*ledger.CallRecord
	if err := c.get(ctx, "/v1/ledger?"+page.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) probe(ctx context.Context, providerID string) (*ledger.CallRecord, error) {
	var out ledger.CallRecord
	if err := c.post(ctx, "/v1/probes/"+url.PathEscape(providerID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
