// SPDX-License-Identifier: MIT

// Package resolver queries the site endpoint that reports whether a source
// is live and where its HLS manifest lives.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nbrandt/strec/internal/model"
)

// Client resolves stream info over HTTP. The endpoint takes a form-encoded
// POST with the source's slug and answers with a small JSON document.
type Client struct {
	endpoint string
	http     *http.Client
}

// New returns a resolver client for the given endpoint. httpClient may be
// nil, in which case http.DefaultClient is used.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// Resolve returns the live stream info for the given source.
func (c *Client) Resolve(ctx context.Context, m model.Model) (model.StreamInfo, error) {
	form := url.Values{}
	form.Set("room_slug", m.Name)
	form.Set("bandwidth", "high")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return model.StreamInfo{}, fmt.Errorf("build stream info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.StreamInfo{}, fmt.Errorf("resolve stream info for %s: %w", m.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.StreamInfo{}, fmt.Errorf("resolve stream info for %s: unexpected status %d", m.Name, resp.StatusCode)
	}

	var info model.StreamInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return model.StreamInfo{}, fmt.Errorf("decode stream info for %s: %w", m.Name, err)
	}
	return info, nil
}
