package playback

// Tolerance is how far elapsed time may move forward between two samples of the same
// track before we treat it as a seek. One poll is a second, so three covers jitter
// and a skipped tick.
const Tolerance int64 = 3000

type Outcome int

const (
	NoChange Outcome = iota
	Cleared
	Updated
)

func (o Outcome) String() string {
	switch o {
	case NoChange:
		return "no_change"
	case Cleared:
		return "cleared"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// Retained is the only memory carried between polls
type Retained struct {
	Identity  TrackIdentity
	ElapsedMs int64
}

type Decision struct {
	Outcome  Outcome
	Snapshot *Snapshot
	// NewTrack is set when the identity differs from the retained one (or nothing
	// was retained). Seeks within the same track are Updated without it.
	NewTrack bool
}

// Detect compares a fresh sample against what was retained from the previous poll.
// It returns the decision along with the state to retain for the next call.
func Detect(prev *Retained, cur *Snapshot) (Decision, *Retained) {
	if cur == nil || cur.Paused {
		return Decision{Outcome: Cleared}, nil
	}

	identity := cur.Identity()
	next := &Retained{Identity: identity, ElapsedMs: cur.ElapsedMs}

	if prev == nil || prev.Identity != identity {
		return Decision{Outcome: Updated, Snapshot: cur, NewTrack: true}, next
	}

	delta := cur.ElapsedMs - prev.ElapsedMs
	if delta >= 0 && delta <= Tolerance {
		return Decision{Outcome: NoChange}, next
	}

	return Decision{Outcome: Updated, Snapshot: cur}, next
}
