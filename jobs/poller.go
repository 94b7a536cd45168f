package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-crane/playerlink/itunes"
	"github.com/marcus-crane/playerlink/media"
	"github.com/marcus-crane/playerlink/playback"
	"github.com/marcus-crane/playerlink/presence"
	"github.com/marcus-crane/playerlink/settings"
)

const snapshotTimeout = 3 * time.Second

type Resolver interface {
	Resolve(source string) settings.AppProfile
}

type SettingsLoader interface {
	Load() (settings.Settings, error)
}

type Presence interface {
	EnsureIdentity(b presence.Binding)
	Publish(activity presence.Activity)
	Clear()
}

type ArtworkSearcher interface {
	Search(ctx context.Context, query string) (itunes.Result, error)
}

type Scrobbler interface {
	IsAuthenticated() bool
	Scrobble(artist, title string) error
}

type Recorder interface {
	RecordPlay(track playback.Track) (int64, error)
	MarkScrobbled(playID int64) error
}

type ColourFunc func(ctx context.Context, imageURL string) ([]string, error)

// Deps wires a Poller together. Scrobbler, History and Colours are optional.
type Deps struct {
	Source    media.Source
	Resolver  Resolver
	Settings  SettingsLoader
	Presence  Presence
	Artwork   ArtworkSearcher
	Scrobbler Scrobbler
	History   Recorder
	Colours   ColourFunc
}

// Poller turns now playing samples into presence updates. Tick is not safe for
// concurrent use; the scheduler runs it in singleton mode.
type Poller struct {
	Deps
	now func() time.Time

	retained   *playback.Retained
	shown      bool
	lastPlayed *playback.TrackIdentity

	nowPlaying atomic.Pointer[playback.NowPlaying]
	background sync.WaitGroup
}

func NewPoller(deps Deps) *Poller {
	return &Poller{
		Deps: deps,
		now:  time.Now,
	}
}

// NowPlaying is what's on the card right now, or nil. Safe to call from anywhere.
func (p *Poller) NowPlaying() *playback.NowPlaying {
	return p.nowPlaying.Load()
}

// Wait blocks until background scrobbles and history writes have finished
func (p *Poller) Wait() {
	p.background.Wait()
}

func (p *Poller) Tick(ctx context.Context) playback.Outcome {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	snap, err := p.Source.Snapshot(snapCtx)
	cancel()
	if err != nil {
		slog.Debug("Failed to read now playing", slog.String("error", err.Error()))
		snap = nil
	}

	decision, retained := playback.Detect(p.retained, snap)
	p.retained = retained

	switch decision.Outcome {
	case playback.Cleared:
		// Every Cleared tick lands here but only the first one after a publish
		// reaches Discord, see clear
		p.clear()
	case playback.Updated:
		p.update(ctx, decision)
	}
	return decision.Outcome
}

// clear only touches the card when we put something there, so an idle player
// doesn't turn into a clear request every second
func (p *Poller) clear() {
	if !p.shown {
		return
	}
	p.Presence.Clear()
	p.shown = false
	p.nowPlaying.Store(nil)
	playback.BroadcastNowPlaying(nil)
}

func (p *Poller) update(ctx context.Context, decision playback.Decision) {
	snap := decision.Snapshot
	profile := p.Resolver.Resolve(snap.Source)

	logger := slog.With(
		slog.String("source", snap.Source),
		slog.String("app", profile.Name),
		slog.String("title", snap.Title),
	)

	if !profile.Enabled {
		logger.Debug("Ignoring disabled app")
		p.clear()
		return
	}

	p.Presence.EnsureIdentity(presence.Binding{Source: snap.Source, ClientID: profile.ClientID})

	current, err := p.Settings.Load()
	if err != nil {
		logger.Debug("Using default settings", slog.String("error", err.Error()))
	}

	var art presence.Artwork
	result, err := p.Artwork.Search(ctx, snap.Title+" "+snap.Artist+" "+snap.Album)
	if err != nil {
		logger.Warn("Failed to look up artwork", slog.String("error", err.Error()))
	} else {
		art = presence.Artwork{URL: result.ArtworkURL, TrackID: result.TrackID}
	}

	now := p.now()
	p.Presence.Publish(presence.NewActivity(snap, profile, art, current.Odesli, now))
	p.shown = true

	np := &playback.NowPlaying{
		Snapshot:   *snap,
		AppName:    profile.Name,
		ArtworkURL: art.URL,
		UpdatedAt:  now,
	}
	if current.Odesli {
		np.TrackURL = art.TrackURL()
	}
	p.nowPlaying.Store(np)
	playback.BroadcastNowPlaying(np)

	logger.Info("Updated presence", slog.Bool("new_track", decision.NewTrack))

	if !decision.NewTrack {
		return
	}
	// Resuming a paused track comes back as a new track, but it's still the same play
	identity := snap.Identity()
	if p.lastPlayed != nil && *p.lastPlayed == identity {
		return
	}
	p.lastPlayed = &identity

	scrobble := current.Lastfm.Enabled && p.Scrobbler != nil && p.Scrobbler.IsAuthenticated()
	track := playback.Track{
		ID:         identity.ID(snap.Source),
		Title:      snap.Title,
		Artist:     snap.Artist,
		Album:      snap.Album,
		DurationMs: snap.DurationMs,
		Source:     snap.Source,
		AppName:    profile.Name,
		ArtworkURL: art.URL,
	}

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.recordPlay(context.WithoutCancel(ctx), track, scrobble, logger)
	}()
}

// recordPlay runs off the poll goroutine. Nothing in here is retried.
func (p *Poller) recordPlay(ctx context.Context, track playback.Track, scrobble bool, logger *slog.Logger) {
	var playID int64
	if p.History != nil {
		if p.Colours != nil && track.ArtworkURL != "" {
			colours, err := p.Colours(ctx, track.ArtworkURL)
			if err != nil {
				logger.Debug("Failed to extract colours", slog.String("error", err.Error()))
			}
			track.DominantColours = colours
		}
		id, err := p.History.RecordPlay(track)
		if err != nil {
			logger.Error("Failed to record play", slog.String("error", err.Error()))
		}
		playID = id
	}

	if !scrobble {
		return
	}
	if err := p.Scrobbler.Scrobble(track.Artist, track.Title); err != nil {
		logger.Warn("Failed to scrobble", slog.String("error", err.Error()))
		return
	}
	logger.Info("Scrobbled track")
	if p.History != nil && playID != 0 {
		if err := p.History.MarkScrobbled(playID); err != nil {
			logger.Error("Failed to mark play as scrobbled", slog.String("error", err.Error()))
		}
	}
}
