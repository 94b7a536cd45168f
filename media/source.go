package media

import (
	"context"

	"github.com/marcus-crane/playerlink/playback"
)

// Source reports what the OS thinks is playing. A nil snapshot with a nil error
// means nothing is playing.
type Source interface {
	Snapshot(ctx context.Context) (*playback.Snapshot, error)
}

// Nothing is used on platforms we can't read now playing state from
type Nothing struct{}

func (Nothing) Snapshot(ctx context.Context) (*playback.Snapshot, error) {
	return nil, nil
}
