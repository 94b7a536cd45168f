package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/marcus-crane/playerlink/playback"
)

const (
	mprisPrefix    = "org.mpris.MediaPlayer2."
	mprisPath      = "/org/mpris/MediaPlayer2"
	mprisPlayer    = "org.mpris.MediaPlayer2.Player"
	propertiesGet  = "org.freedesktop.DBus.Properties.Get"
	busListNames   = "org.freedesktop.DBus.ListNames"
	statusPlaying  = "Playing"
	statusPaused   = "Paused"
	statusStopped  = "Stopped"
	mprisTimeScale = 1000 // microseconds per millisecond
)

// MPRIS reads now playing state from media players on the session bus
type MPRIS struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewMPRIS() *MPRIS {
	return &MPRIS{}
}

func (m *MPRIS) bus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// Snapshot prefers a player that is actively playing, then a paused one so the
// card gets cleared, and ignores stopped players entirely.
func (m *MPRIS) Snapshot(ctx context.Context) (*playback.Snapshot, error) {
	conn, err := m.bus()
	if err != nil {
		return nil, err
	}

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, busListNames, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}

	var paused *playback.Snapshot
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		snap, err := queryPlayer(ctx, conn, name)
		if err != nil || snap == nil {
			continue
		}
		if !snap.Paused {
			return snap, nil
		}
		if paused == nil {
			paused = snap
		}
	}
	return paused, nil
}

func queryPlayer(ctx context.Context, conn *dbus.Conn, busName string) (*playback.Snapshot, error) {
	obj := conn.Object(busName, mprisPath)

	var status string
	if err := obj.CallWithContext(ctx, propertiesGet, 0, mprisPlayer, "PlaybackStatus").Store(&status); err != nil {
		return nil, err
	}

	var metadata map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, propertiesGet, 0, mprisPlayer, "Metadata").Store(&metadata); err != nil {
		return nil, err
	}

	// Not every player implements Position
	var position int64
	_ = obj.CallWithContext(ctx, propertiesGet, 0, mprisPlayer, "Position").Store(&position)

	return snapshotFromMPRIS(busName, status, metadata, position), nil
}

func snapshotFromMPRIS(busName, status string, metadata map[string]dbus.Variant, positionUs int64) *playback.Snapshot {
	if status == statusStopped || status == "" {
		return nil
	}
	title := variantString(metadata, "xesam:title")
	if title == "" {
		return nil
	}
	return &playback.Snapshot{
		Paused:     status == statusPaused,
		Title:      title,
		Artist:     strings.Join(variantStrings(metadata, "xesam:artist"), ", "),
		Album:      variantString(metadata, "xesam:album"),
		DurationMs: variantInt(metadata, "mpris:length") / mprisTimeScale,
		ElapsedMs:  positionUs / mprisTimeScale,
		Source:     sourceFromBusName(busName),
	}
}

// sourceFromBusName turns org.mpris.MediaPlayer2.firefox.instance_1_84 into firefox
func sourceFromBusName(busName string) string {
	name := strings.TrimPrefix(busName, mprisPrefix)
	if i := strings.Index(name, ".instance"); i >= 0 {
		name = name[:i]
	}
	return name
}

func variantString(m map[string]dbus.Variant, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func variantStrings(m map[string]dbus.Variant, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch val := v.Value().(type) {
	case []string:
		return val
	case string:
		return []string{val}
	}
	return nil
}

// mpris:length is meant to be int64 but players send whatever integer they like
func variantInt(m map[string]dbus.Variant, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch val := v.Value().(type) {
	case int64:
		return val
	case uint64:
		return int64(val)
	case int32:
		return int64(val)
	case uint32:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}
