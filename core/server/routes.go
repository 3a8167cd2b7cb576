package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/m3rciful/chatbridge/core/botframework"
	"github.com/m3rciful/chatbridge/core/buildinfo"
	coreconfig "github.com/m3rciful/chatbridge/core/config"
	"github.com/m3rciful/chatbridge/core/logger"
)

// Route paths.
const (
	PathPage     = "/"
	PathMessages = "/api/messages"
	PathTest     = "/api/test"
	PathHealth   = "/healthz"
)

//go:embed templates/webchat.html
var templatesFS embed.FS

var webchatTemplate = template.Must(template.ParseFS(templatesFS, "templates/webchat.html"))

// routeName maps a request path to the route names used by rate limit exclusions.
func routeName(path string) string {
	switch path {
	case PathPage:
		return coreconfig.RoutePage
	case PathMessages:
		return coreconfig.RouteMessages
	case PathTest:
		return coreconfig.RouteTest
	case PathHealth:
		return "health"
	default:
		return ""
	}
}

// MessageProcessor runs a bot turn for an inbound activity request.
// *botframework.Adapter satisfies it.
type MessageProcessor interface {
	Process(w http.ResponseWriter, r *http.Request, bot botframework.Bot)
}

type webchatPage struct {
	Title        string
	LogoURL      string
	BotAvatarURL string
	Token        string
}

func newRouter(opts Options) (*httprouter.Router, error) {
	page, err := renderWebchat(opts.Config.DirectLine)
	if err != nil {
		return nil, err
	}

	router := httprouter.New()
	router.PanicHandler = recoverPanic

	router.GET(PathPage, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(page)
	})

	router.POST(PathMessages, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		opts.Processor.Process(w, r, opts.Bot)
	})

	router.POST(PathTest, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Hello Azure"))
	})

	router.GET(PathHealth, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		info := buildinfo.Current()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": info.Version,
			"commit":  info.Commit,
		}); err != nil {
			logger.Warn(r.Context(), "http", "health.encode", slog.String("err", err.Error()))
		}
	})

	return router, nil
}

// renderWebchat executes the page template once; the Direct Line token is escaped
// for its JavaScript string context by html/template.
func renderWebchat(cfg coreconfig.DirectLineConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := webchatTemplate.Execute(&buf, webchatPage{
		Title:        cfg.PageTitle,
		LogoURL:      cfg.LogoURL,
		BotAvatarURL: cfg.BotAvatarURL,
		Token:        cfg.Token,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
