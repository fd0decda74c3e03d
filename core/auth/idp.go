package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/relabs-tech/bastion/core/credentials"
)

// HTTPIdentityProvider is an IdentityProvider for standard OAuth2 providers.
// It posts the code to the token url and reads sub (or id), email and name
// from the user info url.
type HTTPIdentityProvider struct {
	client *resty.Client
}

// NewHTTPIdentityProvider returns a provider client with the given timeout
func NewHTTPIdentityProvider(timeout time.Duration) *HTTPIdentityProvider {
	return &HTTPIdentityProvider{
		client: resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode implements IdentityProvider
func (p *HTTPIdentityProvider) ExchangeCode(ctx context.Context, provider credentials.ProviderCredential, code string) (string, error) {
	var out tokenResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"client_id":     provider.ClientID,
			"client_secret": provider.ClientSecret,
			"redirect_uri":  provider.RedirectURL,
		}).
		SetResult(&out).
		SetError(&out).
		Post(provider.TokenURL)
	if err != nil {
		return "", err
	}
	if resp.IsError() || out.Error != "" {
		return "", fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode(), out.Error, out.ErrorDescription)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return out.AccessToken, nil
}

// FetchUserInfo implements IdentityProvider
func (p *HTTPIdentityProvider) FetchUserInfo(ctx context.Context, provider credentials.ProviderCredential, accessToken string) (NormalizedUser, error) {
	info := map[string]interface{}{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&info).
		Get(provider.UserInfoURL)
	if err != nil {
		return NormalizedUser{}, err
	}
	if resp.IsError() {
		return NormalizedUser{}, fmt.Errorf("user info endpoint returned %d", resp.StatusCode())
	}
	user := NormalizedUser{
		Subject: stringClaim(info, "sub", "id"),
		Email:   stringClaim(info, "email"),
		Name:    stringClaim(info, "name", "login"),
	}
	return user, nil
}

func stringClaim(info map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := info[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
