// Package minter implements the minter adapter (spec.md §4.D): obtaining a
// fresh opaque name under a preconfigured prefix from a NOID-style minter
// server. Minter draws are assumed durable (no double-mint) by the external
// minter — this adapter does not retry or cache.
package minter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrMinterUnavailable is returned when the minter's server field is empty
// (spec.md §4.D, §7 MinterUnavailable).
var ErrMinterUnavailable = errors.New("minter: no minter configured for namespace")

// Client mints opaque names from a NOID "bind" minter instance over HTTP,
// the same protocol family the teacher's HTTP clients (chi-routed services)
// speak, adapted here for an outbound NOID "mint 1" request.
type Client struct {
	httpClient *http.Client
}

// New creates a minter Client using http.DefaultClient.
func New() *Client {
	return &Client{httpClient: http.DefaultClient}
}

// Mint requests one fresh opaque name from the minter server bound to
// prefix. server is the minter's base URL; an empty server means no minter
// is bound to this namespace.
func (c *Client) Mint(ctx context.Context, server, prefix string) (string, error) {
	if server == "" {
		return "", ErrMinterUnavailable
	}

	reqURL := strings.TrimRight(server, "/") + "/mint/1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("minter: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("minter: request to %s failed: %w", server, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("minter: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("minter: server returned status %d: %s", resp.StatusCode, string(body))
	}

	name, err := parseMintResponse(string(body))
	if err != nil {
		return "", err
	}

	return prefix + name, nil
}

// parseMintResponse extracts the minted identifier suffix from a NOID
// "id: <value>" response line.
func parseMintResponse(body string) (string, error) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "id:") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			if name == "" {
				return "", fmt.Errorf("minter: empty id in response")
			}
			return url.PathEscape(name), nil
		}
	}
	return "", fmt.Errorf("minter: no id line in response: %q", body)
}
