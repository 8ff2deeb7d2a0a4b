// Command weatherskill is a small skill bot for trying the relay locally.
// It serves the skill channel over websocket at /api/skill and over plain
// HTTP at /api/messages, and publishes its manifest at /api/skill/manifest.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/dialog"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/skillserver"
	"github.com/nidhogg/skillrelay/internal/state"
	"github.com/nidhogg/skillrelay/internal/turn"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", ":3980", "listen address")
	appID := flag.String("app-id", "weather-skill", "this skill's app id")
	parent := flag.String("parent", "skillrelay", "comma-separated app ids allowed to call the skill")
	manifestPath := flag.String("manifest", "skills/weather.yaml", "manifest template")
	publicURL := flag.String("public-url", "", "public base URL; derived from each request when empty")
	flag.Parse()

	secret := os.Getenv("MICROSOFT_APP_PASSWORD")
	if secret == "" {
		secret = "change-me"
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	tmpl, err := skill.LoadFile(*manifestPath)
	if err != nil {
		logger.Fatal("failed to load manifest template", zap.Error(err))
	}
	manifest, err := skillserver.NewManifestHandler(tmpl, skillserver.ManifestOptions{AppID: *appID, BaseURL: *publicURL})
	if err != nil {
		logger.Fatal("invalid manifest template", zap.Error(err))
	}

	conv := state.NewConversationState(state.NewMemoryStorage())
	gate := auth.NewGate(auth.NewStaticVerifier(secret, "", ""), auth.NewWhitelist(strings.Split(*parent, ",")...), logger, nil)
	srv := skillserver.New(forecast(conv), gate, logger, dialog.NewMiddleware(logger, nil, conv))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/api/skill", srv)
	r.Method(http.MethodGet, "/api/skill/manifest", manifest)
	r.Handle("/api/messages", srv.HTTPHandler(&auth.StaticCredentials{AppID: *appID, Secret: secret}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hs := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Weather skill listening", zap.String("addr", *addr))
		if err := hs.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hs.Shutdown(shutdownCtx)
}

// forecast answers weather questions until the user says bye, remembering
// the last location asked about.
func forecast(conv *state.BotState) turn.Handler {
	return func(ctx context.Context, tc *turn.Context) error {
		if err := conv.Load(ctx, tc, false); err != nil {
			return err
		}
		var location string
		if _, err := conv.Get(tc, "location", &location); err != nil {
			return err
		}

		a := tc.Activity
		switch {
		case activity.IsEvent(a, "CheckWeather"):
			var v struct {
				Location string `json:"location"`
			}
			if len(a.Value) > 0 {
				_ = json.Unmarshal(a.Value, &v)
			}
			if v.Location != "" {
				location = v.Location
			}
		case a.Type == activity.TypeMessage && strings.EqualFold(strings.TrimSpace(a.Text), "bye"):
			eoc := activity.NewEndOfConversation()
			eoc.Value, _ = json.Marshal(map[string]string{"location": location})
			_, err := tc.SendActivity(ctx, eoc)
			return err
		case a.Type == activity.TypeMessage:
			if i := strings.Index(strings.ToLower(a.Text), " in "); i >= 0 {
				location = strings.TrimSpace(a.Text[i+4:])
			}
		default:
			return nil
		}

		if location == "" {
			if err := tc.SendText(ctx, "Which city?"); err != nil {
				return err
			}
		} else {
			if err := conv.Set(tc, "location", location); err != nil {
				return err
			}
			if err := tc.SendText(ctx, "It is sunny in "+location+". Say bye when you are done."); err != nil {
				return err
			}
		}
		return conv.SaveChanges(ctx, tc, false)
	}
}
