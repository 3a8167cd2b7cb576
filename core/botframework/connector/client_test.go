package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/netutil"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   schema.Activity
}

func newConnectorServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func outgoing(serviceURL string) *schema.Activity {
	a := schema.NewMessageActivity("hello")
	a.ServiceURL = serviceURL
	a.Conversation = schema.ConversationAccount{ID: "conv/1"}
	return &a
}

func TestSendAndReply(t *testing.T) {
	srv, calls := newConnectorServer(t, http.StatusOK, `{"id":"new-1"}`)
	c := NewClient(Options{
		HTTPClient:  srv.Client(),
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
	})

	act := outgoing(srv.URL + "/")
	res, err := c.SendToConversation(context.Background(), act)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ID != "new-1" {
		t.Fatalf("id = %q", res.ID)
	}

	act.ReplyToID = "act 7"
	if _, err := c.ReplyToActivity(context.Background(), act); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if len(*calls) != 2 {
		t.Fatalf("calls = %d", len(*calls))
	}
	first, second := (*calls)[0], (*calls)[1]
	if first.method != http.MethodPost || first.path != "/v3/conversations/conv%2F1/activities" {
		t.Fatalf("send call = %s %s", first.method, first.path)
	}
	if second.path != "/v3/conversations/conv%2F1/activities/act%207" {
		t.Fatalf("reply path = %s", second.path)
	}
	if first.auth != "Bearer tok" {
		t.Fatalf("authorization = %q", first.auth)
	}
	if first.body.Text != "hello" {
		t.Fatalf("body text = %q", first.body.Text)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	srv, calls := newConnectorServer(t, http.StatusOK, `{}`)
	c := NewClient(Options{HTTPClient: srv.Client()})

	act := outgoing(srv.URL)
	if _, err := c.UpdateActivity(context.Background(), act); err == nil {
		t.Fatal("expected error without activity id")
	}
	act.ID = "a1"
	if _, err := c.UpdateActivity(context.Background(), act); err != nil {
		t.Fatalf("update: %v", err)
	}
	ref := act.ConversationReference()
	if err := c.DeleteActivity(context.Background(), ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if (*calls)[0].method != http.MethodPut || (*calls)[1].method != http.MethodDelete {
		t.Fatalf("methods = %s, %s", (*calls)[0].method, (*calls)[1].method)
	}
	if (*calls)[0].auth != "" {
		t.Fatal("no authorization expected without token source")
	}
}

func TestAPIError(t *testing.T) {
	srv, _ := newConnectorServer(t, http.StatusForbidden, `{"error":{"code":"BotNotInConversation","message":"nope"}}`)
	c := NewClient(Options{HTTPClient: srv.Client()})

	_, err := c.SendToConversation(context.Background(), outgoing(srv.URL))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "BotNotInConversation" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	hc := netutil.BuildHTTPClient(netutil.ClientOptions{RetryBackoff: 1, Base: srv.Client().Transport})
	c := NewClient(Options{HTTPClient: hc})
	res, err := c.SendToConversation(context.Background(), outgoing(srv.URL))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ID != "ok" || hits.Load() != 2 {
		t.Fatalf("id = %q hits = %d", res.ID, hits.Load())
	}
}

func TestActivitiesURLValidation(t *testing.T) {
	cases := []struct {
		name, serviceURL, conv string
	}{
		{"empty service url", "", "c"},
		{"empty conversation", "https://x", ""},
		{"bad scheme", "ftp://x", "c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := activitiesURL(tc.serviceURL, tc.conv, ""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
