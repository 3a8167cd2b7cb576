package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"timeout", timeoutErr{}, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"read reset", &net.OpError{Op: "read", Err: errors.New("reset")}, false},
		{"url timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, true},
		{"url wrapped dial", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRetry(tc.err); got != tc.want {
				t.Fatalf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryTransportRetriesStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d body = %q", calls.Load()+1, body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := BuildHTTPClient(ClientOptions{MaxRetries: 2, RetryBackoff: time.Millisecond, Base: http.DefaultTransport})
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRetryTransportGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := BuildHTTPClient(ClientOptions{MaxRetries: 1, RetryBackoff: time.Millisecond, Base: http.DefaultTransport})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestRetryTransportNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := BuildHTTPClient(ClientOptions{Base: http.DefaultTransport, RetryBackoff: time.Millisecond})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryTransportHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := BuildHTTPClient(ClientOptions{MaxRetries: 3, RetryBackoff: time.Hour, Base: http.DefaultTransport})
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := client.Do(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestResponseHeaderTimeoutFollowsTimeout(t *testing.T) {
	client := BuildHTTPClient(ClientOptions{Timeout: 2 * time.Minute})
	tr, ok := client.Transport.(*RetryTransport).Base.(*http.Transport)
	if !ok {
		t.Fatalf("base transport = %T", client.Transport.(*RetryTransport).Base)
	}
	if tr.ResponseHeaderTimeout != 2*time.Minute {
		t.Fatalf("ResponseHeaderTimeout = %v, want client timeout", tr.ResponseHeaderTimeout)
	}

	client = BuildHTTPClient(ClientOptions{Timeout: time.Minute, ResponseHeaderTimeout: time.Second})
	if got := client.Transport.(*RetryTransport).Base.(*http.Transport).ResponseHeaderTimeout; got != time.Second {
		t.Fatalf("explicit ResponseHeaderTimeout = %v", got)
	}
}

func TestHeaderTimeoutRetriesOnlyIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client := BuildHTTPClient(ClientOptions{
		Timeout:               5 * time.Second,
		ResponseHeaderTimeout: 50 * time.Millisecond,
		MaxRetries:            1,
		RetryBackoff:          time.Millisecond,
	})

	if _, err := client.Post(srv.URL, "application/json", strings.NewReader("{}")); err == nil {
		t.Fatal("expected header timeout")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("POST attempts = %d, want 1", got)
	}

	calls.Store(0)
	if _, err := client.Get(srv.URL); err == nil {
		t.Fatal("expected header timeout")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("GET attempts = %d, want 2", got)
	}
}

func TestPostNotRetriedOnBadGateway(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := BuildHTTPClient(ClientOptions{MaxRetries: 2, RetryBackoff: time.Millisecond, Base: http.DefaultTransport})
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway || calls.Load() != 1 {
		t.Fatalf("status = %d, calls = %d", resp.StatusCode, calls.Load())
	}
}
