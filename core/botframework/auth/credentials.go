package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/m3rciful/chatbridge/core/config"
)

// Outbound token defaults for the Bot Connector service.
const (
	ConnectorScope     = "https://api.botframework.com/.default"
	DefaultTokenTenant = "botframework.com"
	tokenURLFormat     = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// CredentialOptions describe the client-credentials grant used for outbound calls.
type CredentialOptions struct {
	AppID       string
	AppPassword string
	// TenantID selects the token authority; empty means botframework.com.
	TenantID string
	// TokenURL overrides the authority endpoint, mostly for tests.
	TokenURL string
	// HTTPClient is used to reach the token endpoint.
	HTTPClient *http.Client
}

// CredentialsFromConfig maps the bot registration onto CredentialOptions.
func CredentialsFromConfig(cfg config.BotFrameworkConfig) CredentialOptions {
	opts := CredentialOptions{
		AppID:       cfg.AppID,
		AppPassword: cfg.AppPassword,
	}
	if cfg.AppType == config.AppTypeSingleTenant {
		opts.TenantID = cfg.TenantID
	}
	return opts
}

// tokenURL returns the token endpoint for the configured tenant.
func (o CredentialOptions) tokenURL() string {
	if o.TokenURL != "" {
		return o.TokenURL
	}
	tenant := strings.TrimSpace(o.TenantID)
	if tenant == "" {
		tenant = DefaultTokenTenant
	}
	return fmt.Sprintf(tokenURLFormat, tenant)
}

// NewTokenSource returns a cached token source for outbound connector calls.
// It returns nil when no app id is configured; callers then send unauthenticated requests.
func NewTokenSource(ctx context.Context, opts CredentialOptions) oauth2.TokenSource {
	if strings.TrimSpace(opts.AppID) == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     opts.AppID,
		ClientSecret: opts.AppPassword,
		TokenURL:     opts.tokenURL(),
		Scopes:       []string{ConnectorScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	return cc.TokenSource(ctx)
}
