package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ActivityKind is the verb shown on the presence card ("Listening to", "Watching", "Playing")
type ActivityKind string

const (
	KindListening ActivityKind = "listening"
	KindWatching  ActivityKind = "watching"
	KindPlaying   ActivityKind = "playing"
)

// ParseKind maps the persisted "type" value onto a kind. Unknown or empty values
// fall back to listening as that's what nearly every media source is.
func ParseKind(s string) ActivityKind {
	switch ActivityKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindWatching:
		return KindWatching
	case KindPlaying:
		return KindPlaying
	default:
		return KindListening
	}
}

type AppProfile struct {
	Name           string       `json:"name"`
	ClientID       string       `json:"client_id"`
	SearchEndpoint string       `json:"search_endpoint"`
	Enabled        bool         `json:"enabled"`
	Kind           ActivityKind `json:"type"`
	ProcessNames   []string     `json:"process_names"`
}

type LastfmSettings struct {
	Enabled   bool   `json:"enabled"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Settings is the fully resolved settings document. Every field has a concrete value
// so callers never need to care whether a key was present on disk.
type Settings struct {
	Apps      []AppProfile   `json:"apps"`
	Autostart bool           `json:"autostart"`
	AnyOther  bool           `json:"any_other"`
	Odesli    bool           `json:"odesli"`
	Lastfm    LastfmSettings `json:"lastfm"`
}

// Defaults is what we run with when there is no settings file, or an unreadable one
func Defaults() Settings {
	return Settings{
		Apps:     []AppProfile{},
		AnyOther: true,
	}
}

// document mirrors the on-disk shape. Pointers let us tell "absent" apart from "false".
type document struct {
	Apps      []appDocument   `json:"apps"`
	Autostart *bool           `json:"autostart"`
	AnyOther  *bool           `json:"any_other"`
	Odesli    *bool           `json:"odesli"`
	Lastfm    *lastfmDocument `json:"lastfm"`
}

type appDocument struct {
	Name           string   `json:"name"`
	ClientID       string   `json:"client_id"`
	SearchEndpoint string   `json:"search_endpoint"`
	Enabled        *bool    `json:"enabled"`
	Type           string   `json:"type"`
	ProcessNames   []string `json:"process_names"`
}

type lastfmDocument struct {
	Enabled   *bool  `json:"enabled"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// Decode parses a settings document and fills in defaults for anything left out
func Decode(data []byte) (Settings, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Defaults(), err
	}

	s := Defaults()
	s.Autostart = boolOr(doc.Autostart, false)
	s.AnyOther = boolOr(doc.AnyOther, true)
	s.Odesli = boolOr(doc.Odesli, false)

	for _, a := range doc.Apps {
		processNames := a.ProcessNames
		if processNames == nil {
			processNames = []string{}
		}
		s.Apps = append(s.Apps, AppProfile{
			Name:           a.Name,
			ClientID:       a.ClientID,
			SearchEndpoint: a.SearchEndpoint,
			Enabled:        boolOr(a.Enabled, true),
			Kind:           ParseKind(a.Type),
			ProcessNames:   processNames,
		})
	}

	if doc.Lastfm != nil {
		s.Lastfm = LastfmSettings{
			Enabled:   boolOr(doc.Lastfm.Enabled, false),
			Username:  doc.Lastfm.Username,
			Password:  doc.Lastfm.Password,
			APIKey:    doc.Lastfm.APIKey,
			APISecret: doc.Lastfm.APISecret,
		}
	}

	return s, nil
}

// ParseError is returned when the settings file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse settings file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Store reads the settings document wholesale on every Load so edits made by hand
// are picked up on the next poll. Writes go through a single lock.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the current settings. A missing file yields defaults with no error.
// A corrupt file yields defaults along with a *ParseError so callers can choose
// whether they care.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("failed to read settings: %w", err)
	}
	settings, err := Decode(data)
	if err != nil {
		return Defaults(), &ParseError{Path: s.path, Err: err}
	}
	return settings, nil
}

// Update performs a read-modify-write under the store lock. It refuses to run when the
// existing file can't be parsed, otherwise we'd overwrite a hand edit with defaults.
func (s *Store) Update(fn func(*Settings) error) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Load()
	if err != nil {
		return current, err
	}
	if err := fn(&current); err != nil {
		return current, err
	}
	if err := s.save(current); err != nil {
		return current, err
	}
	return current, nil
}

// Save replaces the settings document wholesale
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

func (s *Store) save(settings Settings) (err error) {
	for i := range settings.Apps {
		if settings.Apps[i].Kind == "" {
			settings.Apps[i].Kind = KindListening
		}
		if settings.Apps[i].ProcessNames == nil {
			settings.Apps[i].ProcessNames = []string{}
		}
	}
	if settings.Apps == nil {
		settings.Apps = []AppProfile{}
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}

	// Same directory as the target so the rename stays atomic
	tmp, err := os.CreateTemp(dir, "settings-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

// UpsertApp replaces the profile with a matching name (case-insensitive) in place,
// keeping its position, or appends it.
func (s *Settings) UpsertApp(app AppProfile) {
	for i, existing := range s.Apps {
		if strings.EqualFold(existing.Name, app.Name) {
			s.Apps[i] = app
			return
		}
	}
	s.Apps = append(s.Apps, app)
}

// RemoveApp reports whether a profile was removed
func (s *Settings) RemoveApp(name string) bool {
	for i, existing := range s.Apps {
		if strings.EqualFold(existing.Name, name) {
			s.Apps = append(s.Apps[:i], s.Apps[i+1:]...)
			return true
		}
	}
	return false
}
