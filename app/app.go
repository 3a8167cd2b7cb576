// Package app assembles the Bot Framework objects served by the bridge.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m3rciful/chatbridge/bot"
	"github.com/m3rciful/chatbridge/core/botframework"
	"github.com/m3rciful/chatbridge/core/botframework/auth"
	"github.com/m3rciful/chatbridge/core/botframework/connector"
	"github.com/m3rciful/chatbridge/core/botframework/state"
	coreconfig "github.com/m3rciful/chatbridge/core/config"
	"github.com/m3rciful/chatbridge/core/logger"
	"github.com/m3rciful/chatbridge/core/netutil"
)

// App holds the adapter and the bot it drives.
type App struct {
	Adapter *botframework.Adapter
	Bot     *bot.AuthBot

	ConversationState *state.BotState
	UserState         *state.BotState
}

// Build creates the authenticator, connector client, adapter, state scopes, dialog and bot.
func Build(ctx context.Context, cfg *coreconfig.Config, storage state.Storage) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config provided")
	}
	if storage == nil {
		return nil, fmt.Errorf("app: nil storage provided")
	}
	bf := cfg.BotFramework
	httpClient := netutil.BuildHTTPClient(netutil.ClientOptions{})

	authenticator := auth.NewAuthenticator(auth.Options{
		AppID:        bf.AppID,
		TenantID:     bf.TenantID,
		ChannelKeys:  auth.NewKeyClient(auth.ChannelOpenIDMetadataURL, bf.KeyCacheTTL, httpClient),
		EmulatorKeys: auth.NewKeyClient(auth.EmulatorOpenIDMetadataURL, bf.KeyCacheTTL, httpClient),
	})

	credentials := auth.CredentialsFromConfig(bf)
	credentials.HTTPClient = httpClient
	sender := connector.NewClient(connector.Options{
		TokenSource: auth.NewTokenSource(ctx, credentials),
	})

	conversationState := state.NewConversationState(storage)
	userState := state.NewUserState(storage)

	var completer bot.Completer
	if cfg.OpenAI.CompletionsEnabled() {
		completer = bot.NewAzureOpenAI(cfg.OpenAI, nil)
	}
	dialog := bot.NewMainDialog(conversationState, userState, bot.DialogOptions{
		Completer:    completer,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		MaxHistory:   cfg.OpenAI.HistoryTurns,
	})
	authBot, err := bot.NewAuthBot(conversationState, userState, dialog)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	adapter := botframework.NewAdapter(botframework.AdapterOptions{
		Authenticator: authenticator,
		Sender:        sender,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		OnTurnError:   bot.TurnErrorHandler(conversationState),
	})

	logger.Info(ctx, "bot", "app.build",
		slog.String("status", "ok"),
		slog.Bool("auth", authenticator.Enabled()),
		slog.Bool("completions", completer != nil),
		slog.String("app_type", bf.AppType),
	)
	return &App{
		Adapter:           adapter,
		Bot:               authBot,
		ConversationState: conversationState,
		UserState:         userState,
	}, nil
}
