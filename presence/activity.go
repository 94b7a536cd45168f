package presence

import (
	"fmt"
	"net/url"
	"time"

	"github.com/marcus-crane/playerlink/playback"
	"github.com/marcus-crane/playerlink/settings"
)

// FallbackImage is the asset key uploaded to every Discord application
const FallbackImage = "icon"

// Conn is a single presence connection bound to one client id
type Conn interface {
	// Init starts establishing a connection. Success is observed through IsConnected.
	Init(clientID string) error
	IsConnected() bool
	// PumpCallbacks drives the connection and must be called regularly while open
	PumpCallbacks()
	Update(activity Activity) error
	Clear() error
	Shutdown()
}

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Activity struct {
	Kind       settings.ActivityKind `json:"kind"`
	Details    string                `json:"details"`
	State      string                `json:"state"`
	LargeImage string                `json:"large_image"`
	LargeText  string                `json:"large_text"`
	SmallImage string                `json:"small_image,omitempty"`
	SmallText  string                `json:"small_text"`
	Start      *time.Time            `json:"start,omitempty"`
	End        *time.Time            `json:"end,omitempty"`
	Buttons    []Button              `json:"buttons,omitempty"`
}

// Artwork is whatever the metadata lookup found. The zero value means nothing.
type Artwork struct {
	URL     string
	TrackID int64
}

func (a Artwork) TrackURL() string {
	if a.TrackID == 0 {
		return ""
	}
	return fmt.Sprintf("https://song.link/i/%d", a.TrackID)
}

// NewActivity builds the card for a snapshot. The time range is left off when the
// duration is unknown, as is the search button when the profile has no endpoint.
func NewActivity(snap *playback.Snapshot, profile settings.AppProfile, art Artwork, odesli bool, now time.Time) Activity {
	activity := Activity{
		Kind:       profile.Kind,
		Details:    snap.Title,
		State:      "by " + snap.Artist,
		LargeImage: FallbackImage,
		LargeText:  snap.Album,
		SmallText:  profile.Name,
	}
	if activity.Kind == "" {
		activity.Kind = settings.KindListening
	}
	if art.URL != "" {
		activity.LargeImage = art.URL
	}

	if snap.DurationMs > 0 {
		elapsed := time.Duration(snap.ElapsedMs) * time.Millisecond
		remaining := time.Duration(snap.DurationMs-snap.ElapsedMs) * time.Millisecond
		start := now.Add(-elapsed)
		end := now.Add(remaining)
		activity.Start = &start
		activity.End = &end
	}

	if profile.SearchEndpoint != "" {
		activity.Buttons = append(activity.Buttons, Button{
			Label: "Search on " + profile.Name,
			URL:   profile.SearchEndpoint + url.QueryEscape(snap.Title+" "+snap.Artist),
		})
	}

	if odesli && art.TrackURL() != "" {
		activity.Buttons = append(activity.Buttons, Button{
			Label: "Other platforms",
			URL:   art.TrackURL(),
		})
	}

	return activity
}
