package apps

import (
	"log/slog"
	"strings"

	"github.com/marcus-crane/playerlink/settings"
)

const (
	DefaultClientID = "1301849203378622545"
	DefaultAppName  = "Music"
)

// Loader is satisfied by *settings.Store
type Loader interface {
	Load() (settings.Settings, error)
}

// Directory maps a media source (process name, MPRIS bus suffix, bundle id) onto
// the profile used to present it
type Directory struct {
	loader Loader
}

func NewDirectory(loader Loader) *Directory {
	return &Directory{loader: loader}
}

// Resolve never fails. An unreadable settings file behaves like an empty one.
func (d *Directory) Resolve(source string) settings.AppProfile {
	s, err := d.loader.Load()
	if err != nil {
		slog.Warn("Falling back to default settings",
			slog.String("source", source),
			slog.String("error", err.Error()))
	}
	return Lookup(s, source)
}

// Lookup walks profiles in their persisted order and returns the first whose
// process names contain source, ignoring case.
func Lookup(s settings.Settings, source string) settings.AppProfile {
	for _, app := range s.Apps {
		for _, name := range app.ProcessNames {
			if strings.EqualFold(name, source) {
				if app.Kind == "" {
					app.Kind = settings.KindListening
				}
				return app
			}
		}
	}
	return DefaultProfile(s.AnyOther)
}

func DefaultProfile(enabled bool) settings.AppProfile {
	return settings.AppProfile{
		Name:         DefaultAppName,
		ClientID:     DefaultClientID,
		Enabled:      enabled,
		Kind:         settings.KindListening,
		ProcessNames: []string{},
	}
}
