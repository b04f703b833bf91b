package session

import (
	"github.com/ayahlabs/tilawa-core/internal/quran"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
)

// OutcomeKind discriminates the terminal result of a session.
type OutcomeKind int

const (
	// OutcomeResolved means one location cleared the confidence threshold.
	OutcomeResolved OutcomeKind = iota
	// OutcomeNeedsUserSelection means the evidence ran out with several
	// candidates still indistinguishable; the caller should ask the user.
	// This is a legitimate terminal outcome, not a fault.
	OutcomeNeedsUserSelection
	// OutcomeFailed means the session could not produce candidates at all.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResolved:
		return "resolved"
	case OutcomeNeedsUserSelection:
		return "needs_user_selection"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the single terminal result delivered per session.
type Outcome struct {
	SessionID  string
	Kind       OutcomeKind
	Location   quran.Location
	Confidence float64
	Candidates []resolve.Scored
	Reason     string
}

// Progress is a non-terminal best-partial update: the strongest candidate
// seen so far while the session is still matching. Never delivered through
// the terminal callback.
type Progress struct {
	SessionID  string
	Location   quran.Location
	Confidence float64
}
