// Package ads provides the HTTP boundary between the SDK and the advertising
// API: a transport that injects the required authentication headers on every
// request, and a thin client for issuing requests against a region's API
// base URL. Entity-level request and response bindings are generated
// separately and sit on top of this package.
package ads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adkit-go/adkit/sdk/adsauth"
)

// HeaderClientID carries the OAuth client identifier on every API request.
const HeaderClientID = "Amazon-Advertising-API-ClientId"

// Transport is an http.RoundTripper that injects the bearer token and client
// id headers required by the advertising API. Tokens come from the token
// manager, which refreshes them transparently when they near expiry.
type Transport struct {
	// Base is the underlying round tripper; nil uses http.DefaultTransport.
	Base http.RoundTripper
	// Tokens supplies access tokens for Region.
	Tokens *adsauth.TokenManager
	// Region selects which regional token and deployment the transport is
	// bound to.
	Region adsauth.Region
	// ClientID is the OAuth client identifier sent with every request.
	ClientID string
}

// RoundTrip obtains a usable access token and forwards the request with the
// authentication headers set. The original request is not mutated.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Tokens.GetAccessToken(req.Context(), t.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token for region %s: %w", t.Region, err)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	clone.Header.Set(HeaderClientID, t.ClientID)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// Client issues requests against one region's advertising API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the region, authenticated through the
// token manager.
func NewClient(tokens *adsauth.TokenManager, region adsauth.Region, clientID string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &Transport{
				Tokens:   tokens,
				Region:   region,
				ClientID: clientID,
			},
		},
		baseURL: region.APIEndpoint(),
	}
}

// Do issues a request for path relative to the region's API base URL. The
// caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// Get issues a GET request for path relative to the region's API base URL.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}
