package playback

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is a single sample of what the OS reports as now playing.
// DurationMs and ElapsedMs are zero when the source doesn't know them.
type Snapshot struct {
	Paused     bool   `json:"paused"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	DurationMs int64  `json:"duration_ms"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	Source     string `json:"source"`
}

// TrackIdentity is what makes two samples "the same track". Elapsed time and the
// source application are deliberately left out.
type TrackIdentity struct {
	Title      string
	Artist     string
	Album      string
	DurationMs int64
}

func (s *Snapshot) Identity() TrackIdentity {
	return TrackIdentity{
		Title:      s.Title,
		Artist:     s.Artist,
		Album:      s.Album,
		DurationMs: s.DurationMs,
	}
}

// ID is stable across runs so history rows for the same track line up
func (t TrackIdentity) ID(source string) string {
	hashString := fmt.Sprintf("%s-%s-%s-%d",
		t.Title,
		t.Artist,
		t.Album,
		t.DurationMs,
	)
	return fmt.Sprintf(
		"%s:track:%d",
		source,
		xxhash.Sum64String(hashString),
	)
}
