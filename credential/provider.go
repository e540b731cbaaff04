package credential

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/internal/httpclient"
)

// Provider talks to the OAuth token endpoint and the source drive probe.
// All outbound requests go through the SSRF-hardened client because both
// URLs come from configuration.
type Provider struct {
	client       *httpclient.SaferClient
	tokenURL     string
	probeURL     string
	clientID     string
	clientSecret string
	redirectURI  string
}

// ProviderOptions configures a Provider
type ProviderOptions struct {
	TokenURL     string
	ProbeURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// NewProvider creates an OAuth provider client
func NewProvider(opts ProviderOptions) *Provider {
	return &Provider{
		client:       httpclient.NewSaferClient(30 * time.Second),
		tokenURL:     opts.TokenURL,
		probeURL:     opts.ProbeURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURI:  opts.RedirectURI,
	}
}

// NewProviderWithClient creates a provider with a custom HTTP client, for
// tests against local servers.
func NewProviderWithClient(opts ProviderOptions, client *httpclient.SaferClient) *Provider {
	p := NewProvider(opts)
	p.client = client
	return p
}

// tokenResponse is the provider's token endpoint response
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new token pair. The returned
// credential carries the new expiry; providers that do not rotate the
// refresh token keep the old one.
func (p *Provider) Refresh(ctx context.Context, userID, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
	}
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	if p.redirectURI != "" {
		form.Set("redirect_uri", p.redirectURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrRefreshFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(errors.ErrRefreshFailed, err.Error())
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, errors.Wrapf(errors.ErrRefreshFailed,
			"token endpoint returned status %d with unparseable body", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK || token.Error != "" {
		return nil, errors.Wrapf(errors.ErrRefreshFailed,
			"token endpoint returned status %d: %s %s", resp.StatusCode, token.Error, token.ErrorDesc)
	}
	if token.AccessToken == "" {
		return nil, errors.Wrap(errors.ErrRefreshFailed, "token endpoint returned no access token")
	}

	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	return &Credential{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
		Scope:        token.Scope,
	}, nil
}

// ProbeAccess checks that the credential can actually reach the user's
// drive. A 403 means the tenant has not granted approval yet and maps to
// ErrAccessDenied; any other failure is a plain error.
func (p *Provider) ProbeAccess(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build probe request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "drive access probe failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return errors.WithHint(
			errors.Wrap(errors.ErrAccessDenied, "drive probe returned 403"),
			"the organization administrator may need to approve access")
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrap(errors.ErrAccessDenied, "drive probe returned 401")
	default:
		return errors.Newf("drive access probe returned status %d", resp.StatusCode)
	}
}
