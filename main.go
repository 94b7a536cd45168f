package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-crane/playerlink/apps"
	"github.com/marcus-crane/playerlink/config"
	"github.com/marcus-crane/playerlink/db"
	"github.com/marcus-crane/playerlink/events"
	"github.com/marcus-crane/playerlink/itunes"
	"github.com/marcus-crane/playerlink/jobs"
	"github.com/marcus-crane/playerlink/lastfm"
	"github.com/marcus-crane/playerlink/media"
	"github.com/marcus-crane/playerlink/migrations"
	"github.com/marcus-crane/playerlink/playback"
	"github.com/marcus-crane/playerlink/presence"
	"github.com/marcus-crane/playerlink/routes"
	"github.com/marcus-crane/playerlink/settings"
	"github.com/marcus-crane/playerlink/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.GetLogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := settings.NewStore(cfg.PlayerLink.SettingsPath)
	current, err := store.Load()
	if err != nil {
		// Keep going on defaults. Saving stays blocked until the file is fixed.
		slog.Warn("Settings could not be read, using defaults", slog.String("path", store.Path()), slog.String("error", err.Error()))
	}

	events.Init()

	deps := jobs.Deps{
		Source:   media.NewSystemSource(),
		Resolver: apps.NewDirectory(store),
		Settings: store,
	}

	// History is optional. Presence works fine without it.
	var history *playback.History
	database, err := db.Open(cfg.PlayerLink.DbPath)
	if err != nil {
		slog.Error("Failed to open history database", slog.String("path", cfg.PlayerLink.DbPath), slog.String("error", err.Error()))
	} else if err := db.ApplyMigrations(database, migrations.GetMigrations()); err != nil {
		slog.Error("Failed to migrate history database", slog.String("error", err.Error()))
		database.Close()
		database = nil
	} else {
		history = playback.NewHistory(database)
		deps.History = history
	}

	manager := presence.NewManager(presence.NewDiscord())
	go manager.Run(ctx)
	deps.Presence = manager

	artwork := itunes.NewClient()
	deps.Artwork = artwork
	if !cfg.PlayerLink.DisableColours {
		deps.Colours = func(ctx context.Context, imageURL string) ([]string, error) {
			return utils.ExtractColours(ctx, artwork.HTTPClient(), imageURL)
		}
	}

	scrobbler := lastfm.New()
	deps.Scrobbler = scrobbler
	if current.Lastfm.Enabled {
		creds := lastfm.Credentials{
			Username:  current.Lastfm.Username,
			Password:  current.Lastfm.Password,
			APIKey:    current.Lastfm.APIKey,
			APISecret: current.Lastfm.APISecret,
		}
		go func() {
			if err := scrobbler.Authenticate(creds); err != nil {
				slog.Warn("Failed to authenticate with Last.fm", slog.String("error", err.Error()))
				return
			}
			slog.Info("Authenticated with Last.fm", slog.String("username", creds.Username))
		}()
	}

	poller := jobs.NewPoller(deps)

	var pruner jobs.Pruner
	if history != nil {
		pruner = history
	}
	jobScheduler, err := jobs.SetupInBackground(ctx, poller, pruner, cfg.HistoryRetention())
	if err != nil {
		slog.Error("Failed to schedule jobs", slog.String("error", err.Error()))
		os.Exit(1)
	}
	jobScheduler.Start()
	slog.Info("Background jobs have started up in the background.")

	var server *http.Server
	if cfg.APIEnabled() {
		router := routes.Register(http.NewServeMux(), routes.Deps{
			Poller:   poller,
			Presence: manager,
			History:  routesHistory(history),
			Settings: store,
			Lastfm:   scrobbler,
			Secret:   cfg.PlayerLink.SuperSecretToken,
		})
		server = &http.Server{
			Addr:              cfg.PlayerLink.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("PlayerLink API is running", slog.String("address", "http://"+cfg.PlayerLink.ListenAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("API server stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		slog.Info("Local API is disabled")
	}

	<-ctx.Done()
	slog.Info("Gracefully shutting down...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	if err := jobScheduler.Shutdown(); err != nil {
		slog.Warn("Scheduler did not shut down cleanly", slog.String("error", err.Error()))
	}
	poller.Wait()
	manager.Close()
	if database != nil {
		database.Close()
	}

	slog.Info("PlayerLink has successfully shut down.")
}

// routesHistory avoids handing the router a typed nil
func routesHistory(h *playback.History) routes.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}
