// Package connector is a small client for the Bot Connector REST API used to
// deliver activities back to channels.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/logger"
	"github.com/m3rciful/chatbridge/core/netutil"
)

// APIError is returned for non-2xx connector responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("connector: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("connector: status %d: %s", e.StatusCode, e.Body)
}

// Options configure a Client.
type Options struct {
	// TokenSource supplies bearer tokens. Nil sends requests without Authorization.
	TokenSource oauth2.TokenSource
	// HTTPClient overrides the retrying client built from netutil.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client calls the Bot Connector service of whichever channel sent a turn.
type Client struct {
	http *http.Client
}

// NewClient wraps the netutil client with oauth2 bearer injection when a token source is set.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = netutil.BuildHTTPClient(netutil.ClientOptions{Timeout: opts.Timeout})
	}
	if opts.TokenSource != nil {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc = &http.Client{
			Timeout:       hc.Timeout,
			CheckRedirect: hc.CheckRedirect,
			Jar:           hc.Jar,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, opts.TokenSource),
				Base:   base,
			},
		}
	}
	return &Client{http: hc}
}

// SendToConversation posts activity to the end of the conversation.
func (c *Client) SendToConversation(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error) {
	endpoint, err := activitiesURL(activity.ServiceURL, activity.Conversation.ID, "")
	if err != nil {
		return nil, err
	}
	var out schema.ResourceResponse
	if err := c.do(ctx, http.MethodPost, endpoint, activity, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyToActivity posts activity as a reply to activity.ReplyToID.
// Without a ReplyToID the activity is sent to the conversation instead.
func (c *Client) ReplyToActivity(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error) {
	if activity.ReplyToID == "" {
		return c.SendToConversation(ctx, activity)
	}
	endpoint, err := activitiesURL(activity.ServiceURL, activity.Conversation.ID, activity.ReplyToID)
	if err != nil {
		return nil, err
	}
	var out schema.ResourceResponse
	if err := c.do(ctx, http.MethodPost, endpoint, activity, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateActivity replaces the activity with activity.ID.
func (c *Client) UpdateActivity(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error) {
	if activity.ID == "" {
		return nil, fmt.Errorf("connector: update requires an activity id")
	}
	endpoint, err := activitiesURL(activity.ServiceURL, activity.Conversation.ID, activity.ID)
	if err != nil {
		return nil, err
	}
	var out schema.ResourceResponse
	if err := c.do(ctx, http.MethodPut, endpoint, activity, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteActivity removes a previously sent activity.
func (c *Client) DeleteActivity(ctx context.Context, ref schema.ConversationReference) error {
	if ref.ActivityID == "" {
		return fmt.Errorf("connector: delete requires an activity id")
	}
	endpoint, err := activitiesURL(ref.ServiceURL, ref.Conversation.ID, ref.ActivityID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func activitiesURL(serviceURL, conversationID, activityID string) (string, error) {
	if strings.TrimSpace(serviceURL) == "" {
		return "", fmt.Errorf("connector: activity has no service url")
	}
	if conversationID == "" {
		return "", fmt.Errorf("connector: activity has no conversation id")
	}
	base, err := url.Parse(strings.TrimRight(serviceURL, "/"))
	if err != nil {
		return "", fmt.Errorf("connector: invalid service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("connector: unsupported service url scheme %q", base.Scheme)
	}
	endpoint := base.String() + "/v3/conversations/" + url.PathEscape(conversationID) + "/activities"
	if activityID != "" {
		endpoint += "/" + url.PathEscape(activityID)
	}
	return endpoint, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	start := time.Now()

	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("connector: marshaling request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("connector: creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn(ctx, "bf.connector", "connector.call",
			slog.String("status", "fail"),
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.Duration("duration", logger.Took(start)),
			slog.String("err", logger.Redact(err.Error())),
		)
		return fmt.Errorf("connector: %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := readAPIError(resp)
		logger.Warn(ctx, "bf.connector", "connector.call",
			slog.String("status", "fail"),
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.Int("http_code", resp.StatusCode),
			slog.Duration("duration", logger.Took(start)),
		)
		return apiErr
	}

	logger.DebugSampled(ctx, "bf.connector", "connector.call",
		slog.String("status", "ok"),
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("http_code", resp.StatusCode),
		slog.Duration("duration", logger.Took(start)),
	)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("connector: reading response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("connector: decoding response: %w", err)
	}
	return nil
}

// readAPIError parses the connector error envelope {"error":{"code":"...","message":"..."}}.
func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

	var wire struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wire) == nil {
		apiErr.Code = wire.Error.Code
		apiErr.Message = wire.Error.Message
	}
	return apiErr
}
