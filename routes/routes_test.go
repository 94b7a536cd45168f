package routes

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/playerlink/lastfm"
	"github.com/marcus-crane/playerlink/playback"
	"github.com/marcus-crane/playerlink/presence"
	"github.com/marcus-crane/playerlink/settings"
)

type fakePoller struct {
	np *playback.NowPlaying
}

func (f fakePoller) NowPlaying() *playback.NowPlaying { return f.np }

type fakeState presence.State

func (f fakeState) State() presence.State { return presence.State(f) }

type fakeHistory struct {
	entries []playback.HistoryEntry
	err     error
	limit   int
}

func (f *fakeHistory) GetHistory(limit int) ([]playback.HistoryEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

type fakeLastfm struct {
	mu     sync.Mutex
	err    error
	creds  []lastfm.Credentials
	authed bool
	logout int
}

func (f *fakeLastfm) Authenticate(creds lastfm.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, creds)
	if f.err != nil {
		return f.err
	}
	f.authed = true
	return nil
}

func (f *fakeLastfm) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeLastfm) Logout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = false
	f.logout++
}

func (f *fakeLastfm) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds)
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Poller:   fakePoller{},
		Presence: fakeState(presence.Connected),
		History:  &fakeHistory{},
		Settings: settings.NewStore(filepath.Join(t.TempDir(), "known.json")),
		Lastfm:   &fakeLastfm{},
	}
}

func serve(d Deps, req *http.Request) *httptest.ResponseRecorder {
	handler := Register(http.NewServeMux(), d)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func sign(t *testing.T, body, secret string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIndex(t *testing.T) {
	rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PlayerLink is running")
}

func TestPlaying(t *testing.T) {
	d := newTestDeps(t)
	d.Poller = fakePoller{np: &playback.NowPlaying{
		Snapshot: playback.Snapshot{Title: "Windowlicker", Artist: "Aphex Twin", Source: "Music"},
		AppName:  "Apple Music",
	}}

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/playing", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Playing struct {
			Title   string `json:"title"`
			AppName string `json:"app_name"`
		} `json:"playing"`
		Presence string `json:"presence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Windowlicker", res.Playing.Title)
	assert.Equal(t, "Apple Music", res.Playing.AppName)
	assert.Equal(t, presence.Connected.String(), res.Presence)
}

func TestPlayingWhenIdle(t *testing.T) {
	rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodGet, "/api/v1/playing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"playing":null`)
}

func TestHistory(t *testing.T) {
	d := newTestDeps(t)
	history := &fakeHistory{entries: []playback.HistoryEntry{
		{ID: "Music:track:1", Title: "Avril 14th", StartedAt: time.Unix(1700000000, 0).UTC()},
	}}
	d.History = history

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistory, history.limit)

	var entries []playback.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Avril 14th", entries[0].Title)

	rec = serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistory, history.limit)
}

func TestHistoryBadLimit(t *testing.T) {
	for _, limit := range []string{"abc", "0", "-3"} {
		rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodGet, "/api/v1/history?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", limit)
	}
}

func TestHistoryFailure(t *testing.T) {
	d := newTestDeps(t)
	d.History = &fakeHistory{err: errors.New("disk on fire")}

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestHistoryEmptyIsArray(t *testing.T) {
	rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSettingsHidesSecrets(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, d.Settings.Save(settings.Settings{
		Apps:     []settings.AppProfile{},
		AnyOther: true,
		Lastfm: settings.LastfmSettings{
			Enabled: true, Username: "rj", Password: "hunter2", APIKey: "key", APISecret: "shh",
		},
	}))

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), "shh")

	var view settingsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.AnyOther)
	assert.True(t, view.Lastfm.PasswordSet)
	assert.True(t, view.Lastfm.APISecretSet)
	assert.Equal(t, "rj", view.Lastfm.Username)
}

func TestUpdateSettingsKeepsUnsetFields(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, d.Settings.Save(settings.Settings{
		Apps:     []settings.AppProfile{{Name: "Spotify", ClientID: "123", Enabled: true, Kind: settings.KindListening, ProcessNames: []string{}}},
		AnyOther: true,
		Lastfm:   settings.LastfmSettings{Password: "hunter2"},
	}))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"odesli": true, "lastfm": {"username": "rj"}}`))
	rec := serve(d, req)
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := d.Settings.Load()
	require.NoError(t, err)
	assert.True(t, saved.Odesli)
	assert.True(t, saved.AnyOther)
	assert.Len(t, saved.Apps, 1)
	assert.Equal(t, "rj", saved.Lastfm.Username)
	assert.Equal(t, "hunter2", saved.Lastfm.Password)
}

func TestUpdateSettingsDisablingLastfmLogsOut(t *testing.T) {
	d := newTestDeps(t)
	scrobbler := &fakeLastfm{authed: true}
	d.Lastfm = scrobbler

	rec := serve(d, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"lastfm": {"enabled": false}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, scrobbler.logout)
	assert.False(t, scrobbler.IsAuthenticated())
}

func TestUpdateSettingsEnablingLastfmSignsIn(t *testing.T) {
	d := newTestDeps(t)
	scrobbler := &fakeLastfm{}
	d.Lastfm = scrobbler

	body := `{"lastfm": {"enabled": true, "username": "rj", "password": "pw", "api_key": "k", "api_secret": "s"}}`
	rec := serve(d, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Eventually(t, func() bool { return scrobbler.attempts() == 1 }, time.Second, 10*time.Millisecond)
}

func TestUpdateSettingsRefusesCorruptFile(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, os.WriteFile(d.Settings.Path(), []byte("{not json"), 0o644))

	rec := serve(d, httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`{"odesli": true}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	data, err := os.ReadFile(d.Settings.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestUpdateSettingsBadBody(t *testing.T) {
	rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppsLifecycle(t *testing.T) {
	d := newTestDeps(t)

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	body := `{"client_id": "999", "search_endpoint": "https://www.youtube.com/results?search_query=", "type": "watching"}`
	rec = serve(d, httptest.NewRequest(http.MethodPut, "/api/v1/apps/YouTube", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := d.Settings.Load()
	require.NoError(t, err)
	require.Len(t, saved.Apps, 1)
	assert.Equal(t, "YouTube", saved.Apps[0].Name)
	assert.Equal(t, settings.KindWatching, saved.Apps[0].Kind)
	assert.True(t, saved.Apps[0].Enabled)

	rec = serve(d, httptest.NewRequest(http.MethodPut, "/api/v1/apps/youtube", strings.NewReader(`{"client_id": "1000", "enabled": false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	saved, err = d.Settings.Load()
	require.NoError(t, err)
	require.Len(t, saved.Apps, 1)
	assert.Equal(t, "1000", saved.Apps[0].ClientID)
	assert.False(t, saved.Apps[0].Enabled)

	rec = serve(d, httptest.NewRequest(http.MethodDelete, "/api/v1/apps/YOUTUBE", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(d, httptest.NewRequest(http.MethodDelete, "/api/v1/apps/YouTube", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertAppRequiresClientID(t *testing.T) {
	rec := serve(newTestDeps(t), httptest.NewRequest(http.MethodPut, "/api/v1/apps/Spotify", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLastfmTestUsesSavedCredentials(t *testing.T) {
	d := newTestDeps(t)
	scrobbler := &fakeLastfm{}
	d.Lastfm = scrobbler
	require.NoError(t, d.Settings.Save(settings.Settings{
		Apps:   []settings.AppProfile{},
		Lastfm: settings.LastfmSettings{Username: "rj", Password: "saved", APIKey: "k", APISecret: "s"},
	}))

	rec := serve(d, httptest.NewRequest(http.MethodPost, "/api/v1/lastfm/test", strings.NewReader(`{"password": "typed"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), `"username":"rj"`)
	require.Len(t, scrobbler.creds, 1)
	assert.Equal(t, lastfm.Credentials{Username: "rj", Password: "typed", APIKey: "k", APISecret: "s"}, scrobbler.creds[0])
}

func TestLastfmTestFailure(t *testing.T) {
	d := newTestDeps(t)
	d.Lastfm = &fakeLastfm{err: lastfm.ErrMissingCredentials}

	rec := serve(d, httptest.NewRequest(http.MethodPost, "/api/v1/lastfm/test", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestSignedRoutes(t *testing.T) {
	d := newTestDeps(t)
	d.Secret = "opensesame"
	body := `{"odesli": true}`

	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body))
	rec := serve(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(t, body, "wrong"))
	rec = serve(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(t, body, d.Secret))
	rec = serve(d, req)
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := d.Settings.Load()
	require.NoError(t, err)
	assert.True(t, saved.Odesli)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/settings", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "sha256="+sign(t, body, d.Secret))
	rec = serve(d, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads stay open
	rec = serve(d, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/apps/Spotify", nil)
	req.Header.Set("Origin", "http://localhost:1420")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := serve(newTestDeps(t), req)
	assert.Equal(t, "http://localhost:1420", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/playing", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(newTestDeps(t), req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
