package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/rs/cors"

	"github.com/marcus-crane/playerlink/events"
	"github.com/marcus-crane/playerlink/lastfm"
	"github.com/marcus-crane/playerlink/models"
	"github.com/marcus-crane/playerlink/playback"
	"github.com/marcus-crane/playerlink/presence"
	"github.com/marcus-crane/playerlink/settings"
)

const (
	SignatureHeader = "X-PlayerLink-Signature"
	maxBodyBytes    = 1 << 20
	defaultHistory  = 10
	maxHistory      = 100
)

type NowPlayingProvider interface {
	NowPlaying() *playback.NowPlaying
}

type PresenceState interface {
	State() presence.State
}

type HistoryReader interface {
	GetHistory(limit int) ([]playback.HistoryEntry, error)
}

type Scrobbler interface {
	Authenticate(creds lastfm.Credentials) error
	IsAuthenticated() bool
	Logout()
}

type Deps struct {
	Poller   NowPlayingProvider
	Presence PresenceState
	History  HistoryReader
	Settings *settings.Store
	Lastfm   Scrobbler

	// Secret guards mutating endpoints with an HMAC of the request body when set
	Secret string
}

type playingResponse struct {
	Playing  *playback.NowPlaying `json:"playing"`
	Presence string               `json:"presence"`
}

type lastfmView struct {
	Enabled       bool   `json:"enabled"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username"`
	APIKey        string `json:"api_key"`
	PasswordSet   bool   `json:"password_set"`
	APISecretSet  bool   `json:"api_secret_set"`
}

type settingsView struct {
	Autostart bool       `json:"autostart"`
	AnyOther  bool       `json:"any_other"`
	Odesli    bool       `json:"odesli"`
	Lastfm    lastfmView `json:"lastfm"`
}

type lastfmPatch struct {
	Enabled   *bool  `json:"enabled"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type settingsPatch struct {
	Autostart *bool        `json:"autostart"`
	AnyOther  *bool        `json:"any_other"`
	Odesli    *bool        `json:"odesli"`
	Lastfm    *lastfmPatch `json:"lastfm"`
}

type appPayload struct {
	ClientID       string   `json:"client_id"`
	SearchEndpoint string   `json:"search_endpoint"`
	Enabled        *bool    `json:"enabled"`
	Type           string   `json:"type"`
	ProcessNames   []string `json:"process_names"`
}

type credentialsPayload struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, status int, message string) {
	renderJSON(w, status, map[string]string{"error": message})
}

func Register(mux *http.ServeMux, d Deps) http.Handler {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "PlayerLink is running.\nYou can find the source code on <a href=\"https://github.com/marcus-crane/playerlink\">Github</a>\n")
	})

	mux.HandleFunc("GET /api/v1", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the v1 endpoint of the PlayerLink API")
	})

	mux.HandleFunc("GET /api/v1/playing", func(w http.ResponseWriter, r *http.Request) {
		res := playingResponse{Playing: d.Poller.NowPlaying(), Presence: presence.Disconnected.String()}
		if d.Presence != nil {
			res.Presence = d.Presence.State().String()
		}
		renderJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("GET /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			renderJSON(w, http.StatusOK, []playback.HistoryEntry{})
			return
		}
		limit := defaultHistory
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				renderError(w, http.StatusBadRequest, "limit must be a positive number")
				return
			}
			limit = min(parsed, maxHistory)
		}
		results, err := d.History.GetHistory(limit)
		if err != nil {
			slog.Error("Failed to load history", slog.String("error", err.Error()))
			renderError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		if results == nil {
			results = []playback.HistoryEntry{}
		}
		renderJSON(w, http.StatusOK, results)
	})

	mux.HandleFunc("GET /api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		current, err := d.Settings.Load()
		if err != nil {
			renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		renderJSON(w, http.StatusOK, d.viewSettings(current))
	})

	mux.Handle("PUT /api/v1/settings", d.signed(func(w http.ResponseWriter, r *http.Request) {
		var patch settingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			renderError(w, http.StatusBadRequest, "failed to decode request body")
			return
		}
		updated, err := d.Settings.Update(func(s *settings.Settings) error {
			applySettingsPatch(s, patch)
			return nil
		})
		if err != nil {
			renderStoreError(w, err)
			return
		}
		if patch.Lastfm != nil {
			d.syncLastfm(updated.Lastfm)
		}
		renderJSON(w, http.StatusOK, d.viewSettings(updated))
	}))

	mux.HandleFunc("GET /api/v1/apps", func(w http.ResponseWriter, r *http.Request) {
		current, err := d.Settings.Load()
		if err != nil {
			renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		renderJSON(w, http.StatusOK, current.Apps)
	})

	mux.Handle("PUT /api/v1/apps/{name}", d.signed(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.PathValue("name"))
		var payload appPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			renderError(w, http.StatusBadRequest, "failed to decode request body")
			return
		}
		if name == "" || payload.ClientID == "" {
			renderError(w, http.StatusBadRequest, "name and client_id are required")
			return
		}
		app := settings.AppProfile{
			Name:           name,
			ClientID:       payload.ClientID,
			SearchEndpoint: payload.SearchEndpoint,
			Enabled:        payload.Enabled == nil || *payload.Enabled,
			Kind:           settings.ParseKind(payload.Type),
			ProcessNames:   payload.ProcessNames,
		}
		if app.ProcessNames == nil {
			app.ProcessNames = []string{}
		}
		_, err := d.Settings.Update(func(s *settings.Settings) error {
			s.UpsertApp(app)
			return nil
		})
		if err != nil {
			renderStoreError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, app)
	}))

	mux.Handle("DELETE /api/v1/apps/{name}", d.signed(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		errNotFound := errors.New("app not found")
		_, err := d.Settings.Update(func(s *settings.Settings) error {
			if !s.RemoveApp(name) {
				return errNotFound
			}
			return nil
		})
		if errors.Is(err, errNotFound) {
			renderError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			renderStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	// Checks credentials there and then. Blank fields fall back to what's saved.
	mux.Handle("POST /api/v1/lastfm/test", d.signed(func(w http.ResponseWriter, r *http.Request) {
		if d.Lastfm == nil {
			renderError(w, http.StatusServiceUnavailable, "scrobbling is not available")
			return
		}
		var payload credentialsPayload
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
				renderError(w, http.StatusBadRequest, "failed to decode request body")
				return
			}
		}
		saved, _ := d.Settings.Load()
		creds := lastfm.Credentials{
			Username:  firstNonEmpty(payload.Username, saved.Lastfm.Username),
			Password:  firstNonEmpty(payload.Password, saved.Lastfm.Password),
			APIKey:    firstNonEmpty(payload.APIKey, saved.Lastfm.APIKey),
			APISecret: firstNonEmpty(payload.APISecret, saved.Lastfm.APISecret),
		}
		if err := d.Lastfm.Authenticate(creds); err != nil {
			slog.Warn("Last.fm credential test failed", slog.String("error", err.Error()))
			renderJSON(w, http.StatusUnauthorized, models.ResponseHTTP{Success: false, Data: map[string]string{"error": err.Error()}})
			return
		}
		renderJSON(w, http.StatusOK, models.ResponseHTTP{Success: true, Data: map[string]string{"username": creds.Username}})
	}))

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		if events.Server == nil {
			renderError(w, http.StatusServiceUnavailable, "event stream is not running")
			return
		}
		if r.URL.Query().Get("stream") == "" {
			q := r.URL.Query()
			q.Set("stream", events.PlaybackStream)
			r.URL.RawQuery = q.Encode()
		}
		events.Server.ServeHTTP(w, r)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", SignatureHeader},
	})

	handler := c.Handler(mux)

	return handler
}

// signed rejects requests whose body doesn't carry a valid signature when a
// secret is configured
func (d Deps) signed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Secret == "" {
			next(w, r)
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			renderError(w, http.StatusUnauthorized, "no signature was provided")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			renderError(w, http.StatusBadRequest, "failed to read request body as part of signature validation")
			return
		}

		if !strings.HasPrefix(signature, "sha256=") {
			signature = fmt.Sprintf("sha256=%s", signature)
		}
		if err := hmacext.Validate(body, signature, d.Secret); err != nil {
			slog.With(slog.Any("error", err)).Warn("Failed signature validation")
			renderError(w, http.StatusUnauthorized, "signature failed validation")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next(w, r)
	})
}

func (d Deps) viewSettings(s settings.Settings) settingsView {
	view := settingsView{
		Autostart: s.Autostart,
		AnyOther:  s.AnyOther,
		Odesli:    s.Odesli,
		Lastfm: lastfmView{
			Enabled:      s.Lastfm.Enabled,
			Username:     s.Lastfm.Username,
			APIKey:       s.Lastfm.APIKey,
			PasswordSet:  s.Lastfm.Password != "",
			APISecretSet: s.Lastfm.APISecret != "",
		},
	}
	if d.Lastfm != nil {
		view.Lastfm.Authenticated = d.Lastfm.IsAuthenticated()
	}
	return view
}

// syncLastfm signs in or out after the Last.fm settings change. Signing in talks to
// Last.fm so it happens off the request.
func (d Deps) syncLastfm(s settings.LastfmSettings) {
	if d.Lastfm == nil {
		return
	}
	if !s.Enabled {
		d.Lastfm.Logout()
		return
	}
	creds := lastfm.Credentials{Username: s.Username, Password: s.Password, APIKey: s.APIKey, APISecret: s.APISecret}
	// A later toggle supersedes this attempt inside the client, so nothing here
	// needs to be cancelled
	go func() {
		err := d.Lastfm.Authenticate(creds)
		if errors.Is(err, lastfm.ErrSuperseded) {
			slog.Debug("Last.fm sign in superseded by a newer settings change")
			return
		}
		if err != nil {
			slog.Warn("Failed to authenticate with Last.fm", slog.String("error", err.Error()))
		}
	}()
}

func applySettingsPatch(s *settings.Settings, patch settingsPatch) {
	if patch.Autostart != nil {
		s.Autostart = *patch.Autostart
	}
	if patch.AnyOther != nil {
		s.AnyOther = *patch.AnyOther
	}
	if patch.Odesli != nil {
		s.Odesli = *patch.Odesli
	}
	if patch.Lastfm != nil {
		if patch.Lastfm.Enabled != nil {
			s.Lastfm.Enabled = *patch.Lastfm.Enabled
		}
		s.Lastfm.Username = firstNonEmpty(patch.Lastfm.Username, s.Lastfm.Username)
		s.Lastfm.Password = firstNonEmpty(patch.Lastfm.Password, s.Lastfm.Password)
		s.Lastfm.APIKey = firstNonEmpty(patch.Lastfm.APIKey, s.Lastfm.APIKey)
		s.Lastfm.APISecret = firstNonEmpty(patch.Lastfm.APISecret, s.Lastfm.APISecret)
	}
}

func renderStoreError(w http.ResponseWriter, err error) {
	var parseErr *settings.ParseError
	if errors.As(err, &parseErr) {
		renderError(w, http.StatusConflict, "settings file is unreadable, fix it by hand before saving: "+err.Error())
		return
	}
	slog.Error("Failed to save settings", slog.String("error", err.Error()))
	renderError(w, http.StatusInternalServerError, "failed to save settings")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
