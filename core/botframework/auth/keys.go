package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/m3rciful/chatbridge/core/logger"
)

// OpenID metadata documents that publish Bot Framework signing keys.
const (
	ChannelOpenIDMetadataURL  = "https://login.botframework.com/v1/.well-known/openidconfiguration"
	EmulatorOpenIDMetadataURL = "https://login.microsoftonline.com/botframework.com/v2.0/.well-known/openid-configuration"
)

// minRefreshInterval bounds how often a cache miss may trigger a metadata fetch.
const minRefreshInterval = time.Minute

type openIDMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType      string   `json:"kty"`
	Use          string   `json:"use,omitempty"`
	KeyID        string   `json:"kid"`
	N            string   `json:"n,omitempty"`
	E            string   `json:"e,omitempty"`
	Endorsements []string `json:"endorsements,omitempty"`
}

// KeyClient resolves signing keys from one OpenID metadata document.
type KeyClient struct {
	httpClient  *http.Client
	metadataURL string
	cache       *keyCache

	mu          sync.Mutex
	jwksURI     string
	lastRefresh time.Time
}

// NewKeyClient creates a key client for metadataURL. A nil httpClient selects a 10s-timeout client.
func NewKeyClient(metadataURL string, ttl time.Duration, httpClient *http.Client) *KeyClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &KeyClient{
		httpClient:  httpClient,
		metadataURL: metadataURL,
		cache:       newKeyCache(ttl),
	}
}

// GetKey returns the signing key with keyID, refreshing the key set on a cache miss.
func (c *KeyClient) GetKey(ctx context.Context, keyID string) (*SigningKey, error) {
	if keyID == "" {
		return nil, newError("GetKey", ErrInvalidToken, fmt.Errorf("missing kid in token header"))
	}
	if key := c.cache.get(keyID); key != nil {
		return key, nil
	}

	if err := c.refresh(ctx, false); err != nil {
		return nil, err
	}
	if key := c.cache.get(keyID); key != nil {
		return key, nil
	}
	return nil, newError("GetKey", ErrKeyNotFound, fmt.Errorf("kid %s", keyID))
}

// Refresh forces a reload of the metadata document and key set.
func (c *KeyClient) Refresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *KeyClient) refresh(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && !c.lastRefresh.IsZero() && time.Since(c.lastRefresh) < minRefreshInterval {
		return nil
	}

	start := time.Now()
	if c.jwksURI == "" || force {
		uri, err := c.fetchJWKSURI(ctx)
		if err != nil {
			return err
		}
		c.jwksURI = uri
	}

	set, err := c.fetchJWKS(ctx, c.jwksURI)
	if err != nil {
		return err
	}

	keys := make([]*SigningKey, 0, len(set.Keys))
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.KeyID == "" {
			continue
		}
		pub, err := rsaPublicKey(k)
		if err != nil {
			logger.Debug(ctx, "bf.auth", "jwks.key.skip",
				slog.String("kid", k.KeyID),
				slog.String("err", err.Error()),
			)
			continue
		}
		keys = append(keys, &SigningKey{ID: k.KeyID, Key: pub, Endorsements: k.Endorsements})
	}
	c.cache.replace(keys)
	c.lastRefresh = time.Now()

	logger.Info(ctx, "bf.auth", "jwks.refresh",
		slog.String("status", "ok"),
		slog.String("endpoint", c.metadataURL),
		slog.Int("keys", len(keys)),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func (c *KeyClient) fetchJWKSURI(ctx context.Context) (string, error) {
	var meta openIDMetadata
	if err := c.getJSON(ctx, c.metadataURL, &meta); err != nil {
		return "", err
	}
	if meta.JWKSURI == "" {
		return "", newError("fetchJWKSURI", ErrKeyFetch, fmt.Errorf("metadata %s missing jwks_uri", c.metadataURL))
	}
	return meta.JWKSURI, nil
}

func (c *KeyClient) fetchJWKS(ctx context.Context, uri string) (*jwkSet, error) {
	var set jwkSet
	if err := c.getJSON(ctx, uri, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *KeyClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return newError("getJSON", ErrKeyFetch, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError("getJSON", ErrKeyFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return newError("getJSON", ErrKeyFetch, fmt.Errorf("%s returned status %d", url, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newError("getJSON", ErrKeyFetch, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newError("getJSON", ErrKeyFetch, fmt.Errorf("decode %s: %w", url, err))
	}
	return nil
}

// rsaPublicKey converts an RSA JWK into a public key.
func rsaPublicKey(k *jwk) (*rsa.PublicKey, error) {
	if k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", k.KeyType)
	}
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("missing RSA key parameters")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(trimPadding(k.N))
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(trimPadding(k.E))
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("invalid RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
