package playback

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/r3labs/sse/v2"

	"github.com/marcus-crane/playerlink/events"
	"github.com/marcus-crane/playerlink/models"
)

// Track stores metadata about each distinct track we've seen. If a song is played
// 5 times, there will be one Track with five Play rows pointing at it.
type Track struct {
	ID              string                     `db:"id"`
	Title           string                     `db:"title"`
	Artist          string                     `db:"artist"`
	Album           string                     `db:"album"`
	DurationMs      int64                      `db:"duration_ms"`
	Source          string                     `db:"source"`
	AppName         string                     `db:"app_name"`
	ArtworkURL      string                     `db:"artwork_url"`
	DominantColours models.SerializableColours `db:"dominant_colours"`
}

// HistoryEntry is a single play with its track metadata attached
type HistoryEntry struct {
	// Track fields
	ID              string                     `db:"id" json:"id"`
	Title           string                     `db:"title" json:"title"`
	Artist          string                     `db:"artist" json:"artist"`
	Album           string                     `db:"album" json:"album"`
	DurationMs      int64                      `db:"duration_ms" json:"duration_ms"`
	Source          string                     `db:"source" json:"source"`
	AppName         string                     `db:"app_name" json:"app_name"`
	ArtworkURL      string                     `db:"artwork_url" json:"artwork_url"`
	DominantColours models.SerializableColours `db:"dominant_colours" json:"dominant_colours"`

	// Play fields
	PlayID    int64     `db:"play_id" json:"play_id"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
	Scrobbled bool      `db:"scrobbled" json:"scrobbled"`
}

type History struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewHistory(db *sqlx.DB) *History {
	return &History{
		db:  db,
		now: time.Now,
	}
}

// RecordPlay upserts the track and inserts a fresh play, returning the play id
func (h *History) RecordPlay(track Track) (int64, error) {
	if track.DominantColours == nil {
		track.DominantColours = models.SerializableColours{}
	}

	tx, err := h.db.Beginx()
	if err != nil {
		return 0, err
	}

	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// Artwork and colours can show up later than the first sighting so they're
	// refreshed when non-empty. Everything else about a track id is fixed.
	_, err = tx.NamedExec(`
	  INSERT INTO tracks
	  (id, title, artist, album, duration_ms, source, app_name, artwork_url, dominant_colours)
	  VALUES (:id, :title, :artist, :album, :duration_ms, :source, :app_name, :artwork_url, :dominant_colours)
	  ON CONFLICT (id) DO UPDATE SET
	    artwork_url = CASE WHEN excluded.artwork_url != '' THEN excluded.artwork_url ELSE tracks.artwork_url END,
	    dominant_colours = CASE WHEN excluded.dominant_colours != '' THEN excluded.dominant_colours ELSE tracks.dominant_colours END`,
		track)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert track: %w", err)
	}

	res, err := tx.Exec(`
	  INSERT INTO plays (track_id, started_at, scrobbled)
	  VALUES (?, ?, FALSE)`,
		track.ID, h.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert play: %w", err)
	}

	playID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	committed = true

	slog.Debug("Recorded play",
		slog.String("track_id", track.ID),
		slog.Int64("play_id", playID))

	return playID, nil
}

func (h *History) MarkScrobbled(playID int64) error {
	_, err := h.db.Exec(`UPDATE plays SET scrobbled = TRUE WHERE id = ?`, playID)
	return err
}

func (h *History) GetHistory(limit int) ([]HistoryEntry, error) {
	var results []HistoryEntry

	if limit <= 0 {
		return results, fmt.Errorf("must request at least one historical item")
	}

	err := h.db.Select(&results, `
	  SELECT
	    t.id, t.title, t.artist, t.album, t.duration_ms, t.source, t.app_name, t.artwork_url, t.dominant_colours,
	    p.id as play_id, p.started_at, p.scrobbled
	  FROM tracks t
	  JOIN plays p ON t.id = p.track_id
	  ORDER BY p.started_at DESC, p.id DESC
	  LIMIT ?
	`, limit)

	return results, err
}

// Prune drops plays older than before along with any tracks left without plays
func (h *History) Prune(before time.Time) (int64, error) {
	tx, err := h.db.Beginx()
	if err != nil {
		return 0, err
	}

	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec(`DELETE FROM plays WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune plays: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err = tx.Exec(`DELETE FROM tracks WHERE id NOT IN (SELECT DISTINCT track_id FROM plays)`); err != nil {
		return 0, fmt.Errorf("failed to prune tracks: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return removed, nil
}

// NowPlaying is what's currently on the presence card, as shared with API clients
type NowPlaying struct {
	Snapshot
	AppName    string    `json:"app_name"`
	ArtworkURL string    `json:"artwork_url"`
	TrackURL   string    `json:"track_url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BroadcastNowPlaying pings any connected clients so they can rehydrate.
// A nil value means nothing is playing.
func BroadcastNowPlaying(np *NowPlaying) {
	data, err := json.Marshal(np)
	if err != nil {
		slog.Error("Failed to encode now playing", slog.String("error", err.Error()))
		return
	}
	events.Publish(events.PlaybackStream, &sse.Event{Data: data})
}
