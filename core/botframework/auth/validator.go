package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/logger"
)

// ChannelIssuer signs tokens sent by Bot Framework channels.
const ChannelIssuer = "https://api.botframework.com"

// Emulator and ABS tenants that may sign tokens sent straight to the bot.
var emulatorTenants = []string{
	"d6d49420-f39b-4df7-a1dc-d59a935871db",
	"f8cdef31-a31e-4b4a-93e4-5f571e91255a",
	"69e9b82d-4842-4902-8d1e-abc5b98a55e8",
}

const defaultClockSkew = 5 * time.Minute

// KeyProvider resolves signing keys by key id.
type KeyProvider interface {
	GetKey(ctx context.Context, keyID string) (*SigningKey, error)
}

// Claims is the identity extracted from a validated request.
type Claims struct {
	AppID      string
	Issuer     string
	Audience   []string
	ServiceURL string
	Emulator   bool
	// Anonymous is set when authentication is disabled.
	Anonymous bool
}

// Options configure an Authenticator.
type Options struct {
	// AppID is the bot's registration id. Empty disables authentication.
	AppID string
	// TenantID adds tenant-specific issuers for SingleTenant bots.
	TenantID string

	ChannelKeys  KeyProvider
	EmulatorKeys KeyProvider

	ClockSkew time.Duration
	Now       func() time.Time
}

// Authenticator validates the bearer tokens attached to inbound activities.
type Authenticator struct {
	appID        string
	channelKeys  KeyProvider
	emulatorKeys KeyProvider
	emulatorIss  map[string]struct{}
	clockSkew    time.Duration
	now          func() time.Time
}

// NewAuthenticator builds an Authenticator from opts.
func NewAuthenticator(opts Options) *Authenticator {
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = defaultClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tenants := append([]string(nil), emulatorTenants...)
	if opts.TenantID != "" {
		tenants = append(tenants, opts.TenantID)
	}
	issuers := make(map[string]struct{}, len(tenants)*2)
	for _, t := range tenants {
		issuers["https://sts.windows.net/"+t+"/"] = struct{}{}
		issuers["https://login.microsoftonline.com/"+t+"/v2.0"] = struct{}{}
	}
	return &Authenticator{
		appID:        opts.AppID,
		channelKeys:  opts.ChannelKeys,
		emulatorKeys: opts.EmulatorKeys,
		emulatorIss:  issuers,
		clockSkew:    opts.ClockSkew,
		now:          opts.Now,
	}
}

// Enabled reports whether requests must carry a valid token.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.appID != ""
}

// Authenticate validates authHeader for activity and returns the caller identity.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string, activity *schema.Activity) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Anonymous: true}, nil
	}

	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return nil, newError("Authenticate", ErrMissingHeader, nil)
	}
	scheme, raw, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return nil, newError("Authenticate", ErrInvalidScheme, nil)
	}
	raw = strings.TrimSpace(raw)

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, newError("Authenticate", ErrInvalidToken, err)
	}
	issuer, _ := unverified.Claims.GetIssuer()

	var claims *Claims
	switch {
	case issuer == ChannelIssuer:
		claims, err = a.validateChannel(ctx, raw, activity)
	case a.isEmulatorIssuer(issuer):
		claims, err = a.validateEmulator(ctx, raw, issuer)
	default:
		err = newError("Authenticate", ErrUnauthorizedIssuer, fmt.Errorf("issuer %q", issuer))
	}
	if err != nil {
		logger.Warn(ctx, "bf.auth", "token.rejected",
			slog.String("status", "denied"),
			slog.String("issuer", issuer),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	logger.DebugSampled(ctx, "bf.auth", "token.accepted",
		slog.String("status", "ok"),
		slog.String("issuer", issuer),
		slog.Bool("emulator", claims.Emulator),
	)
	return claims, nil
}

func (a *Authenticator) isEmulatorIssuer(iss string) bool {
	_, ok := a.emulatorIss[iss]
	return ok
}

func (a *Authenticator) validateChannel(ctx context.Context, raw string, activity *schema.Activity) (*Claims, error) {
	token, key, err := a.verify(ctx, raw, a.channelKeys,
		jwt.WithIssuer(ChannelIssuer),
		jwt.WithAudience(a.appID),
	)
	if err != nil {
		return nil, err
	}
	if activity != nil && activity.ChannelID != "" && !key.Endorses(activity.ChannelID) {
		return nil, newError("validateChannel", ErrEndorsement, fmt.Errorf("channel %q", activity.ChannelID))
	}

	mc := token.Claims.(jwt.MapClaims)
	serviceURL, _ := mc["serviceurl"].(string)
	if activity != nil && serviceURL != activity.ServiceURL {
		return nil, newError("validateChannel", ErrServiceURL, fmt.Errorf("token %q activity %q", serviceURL, activity.ServiceURL))
	}
	aud, _ := mc.GetAudience()
	return &Claims{
		AppID:      a.appID,
		Issuer:     ChannelIssuer,
		Audience:   aud,
		ServiceURL: serviceURL,
	}, nil
}

func (a *Authenticator) validateEmulator(ctx context.Context, raw, issuer string) (*Claims, error) {
	token, _, err := a.verify(ctx, raw, a.emulatorKeys, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	mc := token.Claims.(jwt.MapClaims)

	// v1 tokens carry the caller in appid, v2 tokens in azp.
	claimName := "appid"
	if ver, _ := mc["ver"].(string); ver == "2.0" {
		claimName = "azp"
	}
	appID, _ := mc[claimName].(string)
	if appID != a.appID {
		return nil, newError("validateEmulator", ErrAppID, fmt.Errorf("%s %q", claimName, appID))
	}
	aud, _ := mc.GetAudience()
	return &Claims{
		AppID:    appID,
		Issuer:   issuer,
		Audience: aud,
		Emulator: true,
	}, nil
}

// verify checks the signature and registered claims of raw against keys.
func (a *Authenticator) verify(ctx context.Context, raw string, keys KeyProvider, opts ...jwt.ParserOption) (*jwt.Token, *SigningKey, error) {
	if keys == nil {
		return nil, nil, newError("verify", ErrKeyFetch, fmt.Errorf("no key provider configured"))
	}
	var key *SigningKey
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		k, err := keys.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		key = k
		return k.Key, nil
	}

	opts = append(opts,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	token, err := jwt.Parse(raw, keyFunc, opts...)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			// key lookup failures already carry their kind
			return nil, nil, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, nil, newError("verify", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, nil, newError("verify", ErrAudience, err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, nil, newError("verify", ErrUnauthorizedIssuer, err)
		default:
			return nil, nil, newError("verify", ErrInvalidToken, err)
		}
	}
	if !token.Valid || key == nil {
		return nil, nil, newError("verify", ErrInvalidToken, fmt.Errorf("token is invalid"))
	}
	return token, key, nil
}
