package bot

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

	coreconfig "github.com/m3rciful/chatbridge/core/config"
	"github.com/m3rciful/chatbridge/core/logger"
	"github.com/m3rciful/chatbridge/core/netutil"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation replayed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// CompletionError is returned when the completion API responds with a non-200 status.
type CompletionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *CompletionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bot: completion HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bot: completion HTTP %d: %s", e.StatusCode, e.Message)
}

// AzureOpenAI calls the Azure OpenAI Chat Completions API of one deployment.
type AzureOpenAI struct {
	httpClient  *http.Client
	endpoint    string
	apiKey      string
	maxTokens   int
	temperature *float64
}

// NewAzureOpenAI builds a completer from cfg. A nil httpClient selects the netutil
// client; cfg.Timeout bounds the whole call including the wait for response headers.
// The POST is retried only when the endpoint cannot have run it.
func NewAzureOpenAI(cfg coreconfig.OpenAIConfig, httpClient *http.Client) *AzureOpenAI {
	if httpClient == nil {
		httpClient = netutil.BuildHTTPClient(netutil.ClientOptions{
			Timeout:               cfg.Timeout,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxRetries:            1,
		})
	}
	q := url.Values{}
	q.Set("api-version", cfg.APIVersion)
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
		strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(cfg.Deployment), q.Encode())
	return &AzureOpenAI{
		httpClient:  httpClient,
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

type chatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Completer.
func (a *AzureOpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	start := time.Now()
	body, err := json.Marshal(chatRequest{
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("bot: marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("bot: create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		logger.Warn(ctx, "bot", "completion.call",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
			slog.Duration("duration", logger.Took(start)),
		)
		return "", fmt.Errorf("bot: send completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		cerr := readCompletionError(resp)
		logger.Warn(ctx, "bot", "completion.call",
			slog.String("status", "fail"),
			slog.Int("http_code", resp.StatusCode),
			slog.String("err", cerr.Error()),
			slog.Duration("duration", logger.Took(start)),
		)
		return "", cerr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("bot: decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("bot: completion response has no choices")
	}
	logger.Info(ctx, "bot", "completion.call",
		slog.String("status", "ok"),
		slog.Int("prompt_tokens", out.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Usage.CompletionTokens),
		slog.String("finish_reason", out.Choices[0].FinishReason),
		slog.Duration("duration", logger.Took(start)),
	)
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// readCompletionError parses {"error":{"code":"...","message":"..."}}.
func readCompletionError(resp *http.Response) *CompletionError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return &CompletionError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &CompletionError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
