package protocol

import (
	"time"

	"github.com/ayahlabs/tilawa-core/internal/quran"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
)

// SegmentFrame carries one captured audio segment from an edge device.
type SegmentFrame struct {
	SessionID     string `json:"session_id"`
	SegmentID     string `json:"segment_id"`
	SequenceIndex int    `json:"sequence_index"`
	StartOffsetMS int    `json:"start_offset_ms"`
	DurationMS    int    `json:"duration_ms"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	PCM           []byte `json:"pcm"`
	// Extension marks audio captured in response to an extend request.
	Extension bool `json:"extension,omitempty"`
	// Final marks the last frame of the session; the device stopped.
	Final bool `json:"final,omitempty"`
}

// Outcome kinds for the terminal message. Exactly one terminal outcome is
// published per session.
const (
	OutcomeResolved           = "resolved"
	OutcomeNeedsUserSelection = "needs_user_selection"
	OutcomeFailed             = "failed"
)

// OutcomeMessage is the tagged terminal result of a session.
type OutcomeMessage struct {
	SessionID  string           `json:"session_id"`
	Kind       string           `json:"kind"`
	Location   *quran.Location  `json:"location,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Candidates []resolve.Scored `json:"candidates,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ProgressMessage is a non-terminal best-partial update surfaced while the
// session is still matching.
type ProgressMessage struct {
	SessionID  string         `json:"session_id"`
	Location   quran.Location `json:"location"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ExtendRequest asks the capture side for additional audio.
type ExtendRequest struct {
	SessionID string    `json:"session_id"`
	MinMS     int       `json:"min_ms"`
	MaxMS     int       `json:"max_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSegmentPrefix      = "capture.segment"
	SubjectExtendPrefix       = "capture.extend"
	SubjectOutcome            = "recognition.outcome"
	SubjectProgress           = "recognition.progress"
	SubjectDeviceAnnounce     = "ctrl.device.announce"
	SubjectDeviceHeartbeatPre = "ctrl.device.heartbeat"
)
