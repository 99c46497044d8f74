package lwa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TokenData is the outcome of a successful token endpoint call. Expire is
// derived as now + expires_in at the moment of the exchange or refresh and is
// never recomputed later.
type TokenData struct {
	// AccessToken is the short-lived credential used to call the API.
	AccessToken string
	// RefreshToken is the longer-lived credential used to obtain new access
	// tokens. Providers do not guarantee rotation, so it may be empty on a
	// refresh response.
	RefreshToken string
	// Expire is the moment the access token stops being usable.
	Expire time.Time
}

// tokenResponse represents the JSON payload returned by the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Client performs the code-for-token exchange and refresh calls against a
// provider token endpoint, and builds authorization URLs.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
}

// NewClient creates a token endpoint client. proxyURL optionally routes the
// outbound HTTPS calls through a proxy; an empty value uses a direct
// connection.
func NewClient(clientID, clientSecret, proxyURL string) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}

	return &Client{
		httpClient:   httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

// ClientID returns the configured OAuth client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// BuildAuthURL composes the authorization URL the caller opens in a browser.
//
// Parameters:
//   - authEndpoint: The provider's authorization endpoint for the region
//   - redirectURI: The registered loopback redirect URI
//   - scopes: The requested scopes, space-joined into a single parameter
//   - state: The CSRF state value round-tripped through the redirect
//   - codes: The PKCE codes bound to this authorization attempt
func (c *Client) BuildAuthURL(authEndpoint, redirectURI string, scopes []string, state string, codes *PKCECodes) (string, error) {
	if codes == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}

	base, err := url.Parse(authEndpoint)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, authEndpoint)
	}

	params := url.Values{
		"client_id":             {c.clientID},
		"scope":                 {strings.Join(scopes, " ")},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {codes.CodeChallenge},
		"code_challenge_method": {"S256"},
	}

	base.RawQuery = params.Encode()
	return base.String(), nil
}

// ExchangeCode exchanges an authorization code for tokens using the PKCE
// verifier that produced the challenge in the authorization URL.
func (c *Client) ExchangeCode(ctx context.Context, tokenURL, code, redirectURI, codeVerifier string) (*TokenData, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code_verifier": {codeVerifier},
	}
	return c.doTokenRequest(ctx, tokenURL, form)
}

// RefreshTokens exchanges a refresh token for a new access token, extending
// the authenticated session without user interaction.
func (c *Client) RefreshTokens(ctx context.Context, tokenURL, refreshToken string) (*TokenData, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.doTokenRequest(ctx, tokenURL, form)
}

// doTokenRequest posts a form-encoded grant request to the token endpoint and
// decodes the response. Non-200 responses with a decodable OAuth error body
// become *OAuthError; anything else becomes *HTTPError.
func (c *Client) doTokenRequest(ctx context.Context, tokenURL string, form url.Values) (*TokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if errCode := gjson.GetBytes(body, "error"); errCode.Exists() && errCode.String() != "" {
			return nil, NewOAuthError(errCode.String(), gjson.GetBytes(body, "error_description").String(), resp.StatusCode)
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in payload", ErrInvalidResponse)
	}

	return &TokenData{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Expire:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}
