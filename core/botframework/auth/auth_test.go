package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/m3rciful/chatbridge/core/botframework/schema"
)

const testAppID = "11111111-2222-3333-4444-555555555555"

type jwksServer struct {
	*httptest.Server
	metadataHits atomic.Int32
	jwksHits     atomic.Int32
}

// newJWKSServer publishes key under kid with the given endorsements.
func newJWKSServer(t *testing.T, kid string, key *rsa.PrivateKey, endorsements []string) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		s.metadataHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   ChannelIssuer,
			"jwks_uri": s.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		s.jwksHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty":          "RSA",
				"use":          "sig",
				"kid":          kid,
				"n":            base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":            base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
				"endorsements": endorsements,
			}},
		})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func channelClaims(serviceURL string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":        ChannelIssuer,
		"aud":        testAppID,
		"serviceurl": serviceURL,
		"iat":        now.Unix(),
		"nbf":        now.Add(-time.Minute).Unix(),
		"exp":        now.Add(time.Hour).Unix(),
	}
}

func testActivity() *schema.Activity {
	return &schema.Activity{
		Type:       schema.ActivityTypeMessage,
		ChannelID:  "webchat",
		ServiceURL: "https://webchat.botframework.com/",
	}
}

func TestKeyClientCachesKeys(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, "k1", key, []string{"webchat"})
	kc := NewKeyClient(srv.URL+"/metadata", time.Hour, srv.Client())

	got, err := kc.GetKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if got.Key.N.Cmp(key.N) != 0 || got.Key.E != key.E {
		t.Fatal("decoded key does not match")
	}
	if !got.Endorses("webchat") || got.Endorses("slack") {
		t.Fatalf("endorsements = %v", got.Endorsements)
	}
	if _, err := kc.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if n := srv.jwksHits.Load(); n != 1 {
		t.Fatalf("jwks fetched %d times, want 1", n)
	}
}

func TestKeyClientUnknownKey(t *testing.T) {
	srv := newJWKSServer(t, "k1", generateKey(t), nil)
	kc := NewKeyClient(srv.URL+"/metadata", time.Hour, srv.Client())

	_, err := kc.GetKey(context.Background(), "missing")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	// a second miss inside the refresh window must not refetch
	_, _ = kc.GetKey(context.Background(), "missing")
	if n := srv.jwksHits.Load(); n != 1 {
		t.Fatalf("jwks fetched %d times, want 1", n)
	}
	if err := kc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := srv.metadataHits.Load(); n != 2 {
		t.Fatalf("metadata fetched %d times, want 2", n)
	}
}

func TestKeyClientMetadataFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	kc := NewKeyClient(srv.URL, time.Hour, srv.Client())
	_, err := kc.GetKey(context.Background(), "k1")
	if !errors.Is(err, ErrKeyFetch) || !IsUnauthorized(err) {
		t.Fatalf("err = %v, want ErrKeyFetch", err)
	}
}

func TestKeyCacheExpiry(t *testing.T) {
	c := newKeyCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.replace([]*SigningKey{{ID: "a"}, {ID: "b"}})
	if c.size() != 2 || c.get("a") == nil {
		t.Fatal("expected cached keys")
	}
	now = now.Add(2 * time.Minute)
	if c.get("a") != nil {
		t.Fatal("expected expired key")
	}
	c.replace([]*SigningKey{{ID: "c"}})
	if c.size() != 1 || c.get("b") != nil {
		t.Fatal("replace should drop rotated keys")
	}
}

func newTestAuthenticator(t *testing.T, key *rsa.PrivateKey, endorsements []string) *Authenticator {
	t.Helper()
	srv := newJWKSServer(t, "k1", key, endorsements)
	kc := NewKeyClient(srv.URL+"/metadata", time.Hour, srv.Client())
	return NewAuthenticator(Options{
		AppID:        testAppID,
		ChannelKeys:  kc,
		EmulatorKeys: kc,
	})
}

func TestAuthenticateDisabled(t *testing.T) {
	a := NewAuthenticator(Options{})
	if a.Enabled() {
		t.Fatal("expected auth disabled")
	}
	claims, err := a.Authenticate(context.Background(), "", testActivity())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !claims.Anonymous {
		t.Fatal("expected anonymous claims")
	}
}

func TestAuthenticateChannelToken(t *testing.T) {
	key := generateKey(t)
	a := newTestAuthenticator(t, key, []string{"webchat"})
	act := testActivity()

	raw := signToken(t, key, "k1", channelClaims(act.ServiceURL))
	claims, err := a.Authenticate(context.Background(), "Bearer "+raw, act)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Emulator || claims.Issuer != ChannelIssuer || claims.ServiceURL != act.ServiceURL {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	a := newTestAuthenticator(t, key, []string{"webchat"})
	act := testActivity()

	expired := channelClaims(act.ServiceURL)
	expired["exp"] = time.Now().Add(-10 * time.Minute).Unix()
	wrongAud := channelClaims(act.ServiceURL)
	wrongAud["aud"] = "someone-else"
	wrongIss := channelClaims(act.ServiceURL)
	wrongIss["iss"] = "https://evil.example.com"

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, channelClaims(act.ServiceURL))
	hs.Header["kid"] = "k1"
	hsRaw, err := hs.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		header string
		act    *schema.Activity
		want   error
	}{
		{"missing header", "", act, ErrMissingHeader},
		{"basic scheme", "Basic abc", act, ErrInvalidScheme},
		{"garbage", "Bearer not-a-jwt", act, ErrInvalidToken},
		{"expired", "Bearer " + signToken(t, key, "k1", expired), act, ErrTokenExpired},
		{"audience", "Bearer " + signToken(t, key, "k1", wrongAud), act, ErrAudience},
		{"issuer", "Bearer " + signToken(t, key, "k1", wrongIss), act, ErrUnauthorizedIssuer},
		{"bad signature", "Bearer " + signToken(t, other, "k1", channelClaims(act.ServiceURL)), act, ErrInvalidToken},
		{"unknown kid", "Bearer " + signToken(t, key, "k2", channelClaims(act.ServiceURL)), act, ErrKeyNotFound},
		{"hmac", "Bearer " + hsRaw, act, ErrInvalidToken},
		{"service url", "Bearer " + signToken(t, key, "k1", channelClaims("https://other/")), act, ErrServiceURL},
		{"endorsement", "Bearer " + signToken(t, key, "k1", channelClaims(act.ServiceURL)),
			&schema.Activity{ChannelID: "slack", ServiceURL: act.ServiceURL}, ErrEndorsement},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tc.header, tc.act)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !IsUnauthorized(err) {
				t.Fatalf("err %v should be unauthorized", err)
			}
		})
	}
}

func TestAuthenticateClockSkew(t *testing.T) {
	key := generateKey(t)
	a := newTestAuthenticator(t, key, []string{"webchat"})
	act := testActivity()

	claims := channelClaims(act.ServiceURL)
	claims["exp"] = time.Now().Add(-2 * time.Minute).Unix()
	if _, err := a.Authenticate(context.Background(), "Bearer "+signToken(t, key, "k1", claims), act); err != nil {
		t.Fatalf("token inside skew should pass: %v", err)
	}
}

func TestAuthenticateEmulatorToken(t *testing.T) {
	key := generateKey(t)
	a := newTestAuthenticator(t, key, nil)
	now := time.Now()

	cases := []struct {
		name   string
		claims jwt.MapClaims
		ok     bool
	}{
		{"v1 appid", jwt.MapClaims{
			"iss": "https://sts.windows.net/d6d49420-f39b-4df7-a1dc-d59a935871db/",
			"ver": "1.0", "appid": testAppID, "exp": now.Add(time.Hour).Unix(),
		}, true},
		{"v2 azp", jwt.MapClaims{
			"iss": "https://login.microsoftonline.com/f8cdef31-a31e-4b4a-93e4-5f571e91255a/v2.0",
			"ver": "2.0", "azp": testAppID, "exp": now.Add(time.Hour).Unix(),
		}, true},
		{"v2 wrong azp", jwt.MapClaims{
			"iss": "https://login.microsoftonline.com/f8cdef31-a31e-4b4a-93e4-5f571e91255a/v2.0",
			"ver": "2.0", "azp": "other", "appid": testAppID, "exp": now.Add(time.Hour).Unix(),
		}, false},
		{"unknown tenant", jwt.MapClaims{
			"iss": "https://sts.windows.net/00000000-0000-0000-0000-000000000000/",
			"ver": "1.0", "appid": testAppID, "exp": now.Add(time.Hour).Unix(),
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := a.Authenticate(context.Background(), "Bearer "+signToken(t, key, "k1", tc.claims), testActivity())
			if tc.ok {
				if err != nil {
					t.Fatalf("authenticate: %v", err)
				}
				if !claims.Emulator || claims.AppID != testAppID {
					t.Fatalf("claims = %+v", claims)
				}
				return
			}
			if !IsUnauthorized(err) {
				t.Fatalf("err = %v, want unauthorized", err)
			}
		})
	}
}

func TestAuthenticateTenantIssuer(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, "k1", key, nil)
	kc := NewKeyClient(srv.URL+"/metadata", time.Hour, srv.Client())
	a := NewAuthenticator(Options{AppID: testAppID, TenantID: "my-tenant", EmulatorKeys: kc})

	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss": "https://login.microsoftonline.com/my-tenant/v2.0",
		"ver": "2.0", "azp": testAppID, "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), "Bearer "+raw, testActivity()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestNewTokenSource(t *testing.T) {
	if ts := NewTokenSource(context.Background(), CredentialOptions{}); ts != nil {
		t.Fatal("expected nil token source without app id")
	}

	var gotScope, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotScope = r.PostForm.Get("scope")
		gotClient = r.PostForm.Get("client_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(context.Background(), CredentialOptions{
		AppID:       testAppID,
		AppPassword: "secret",
		TokenURL:    srv.URL,
		HTTPClient:  srv.Client(),
	})
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if gotScope != ConnectorScope || gotClient != testAppID {
		t.Fatalf("scope = %q client = %q", gotScope, gotClient)
	}
}

func TestCredentialsTokenURL(t *testing.T) {
	multi := CredentialOptions{AppID: "a"}
	if got := multi.tokenURL(); got != "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token" {
		t.Fatalf("multi tenant url = %q", got)
	}
	single := CredentialOptions{AppID: "a", TenantID: "contoso"}
	if got := single.tokenURL(); got != "https://login.microsoftonline.com/contoso/oauth2/v2.0/token" {
		t.Fatalf("single tenant url = %q", got)
	}
}
