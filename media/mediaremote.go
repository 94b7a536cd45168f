package media

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"time"

	"github.com/marcus-crane/playerlink/playback"
)

//go:embed scripts/nowplaying.js
var nowPlayingScript string

// MediaRemote asks macOS for the system now playing item through osascript.
// MediaRemote is a private framework so JXA is the least fragile way in.
type MediaRemote struct {
	timeout time.Duration
	run     func(ctx context.Context) ([]byte, error)
}

func NewMediaRemote() *MediaRemote {
	return &MediaRemote{
		timeout: 2 * time.Second,
		run: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "osascript", "-l", "JavaScript", "-e", nowPlayingScript).Output()
		},
	}
}

type nowPlayingInfo struct {
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Duration float64 `json:"duration"` // seconds
	Elapsed  float64 `json:"elapsed"`  // seconds
	Rate     float64 `json:"rate"`
	Player   string  `json:"player"`
	Error    string  `json:"error"`
}

func (m *MediaRemote) Snapshot(ctx context.Context) (*playback.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query now playing: %w", err)
	}
	return parseNowPlaying(out)
}

func parseNowPlaying(out []byte) (*playback.Snapshot, error) {
	var info nowPlayingInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to decode now playing: %w", err)
	}
	if info.Error != "" {
		return nil, fmt.Errorf("now playing script failed: %s", info.Error)
	}
	if info.Player == "" || info.Title == "" {
		return nil, nil
	}
	return &playback.Snapshot{
		Paused:     info.Rate == 0,
		Title:      info.Title,
		Artist:     info.Artist,
		Album:      info.Album,
		DurationMs: int64(math.Round(info.Duration * 1000)),
		ElapsedMs:  int64(math.Round(info.Elapsed * 1000)),
		Source:     info.Player,
	}, nil
}
