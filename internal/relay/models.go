package relay

import (
	"net/url"
	"time"
)

// State is the lifecycle position of a stream session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Active reports whether a transcoder process may still be attached.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Terminal reports whether the session has finished for good.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// StreamSession is one start-to-stop lifecycle of a camera's transcoder.
// Only the Supervisor mutates sessions, and only through the Registry.
type StreamSession struct {
	StreamID        string
	CameraID        string
	SourceURL       string
	OutputDirectory string
	PlaybackURL     string
	State           State
	PID             int
	StartedAt       time.Time
	EndedAt         time.Time
	ExitCode        *int

	generation uint64
	handle     Process
	exited     chan struct{}
}

// StreamInfo is the caller-facing view of a session.
type StreamInfo struct {
	StreamID    string    `json:"streamId"`
	CameraID    string    `json:"cameraId"`
	SourceURL   string    `json:"sourceUrl"`
	PlaybackURL string    `json:"playbackUrl"`
	State       State     `json:"state"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	EndedAt     time.Time `json:"endedAt,omitzero"`
	ExitCode    *int      `json:"exitCode,omitempty"`
}

// StreamStatus adds on-disk playlist readiness to StreamInfo.
type StreamStatus struct {
	StreamInfo
	PlaylistReady bool `json:"playlistReady"`
	SegmentCount  int  `json:"segmentCount"`
}

// StartRequest asks the supervisor to relay one camera. StreamID is optional;
// when empty it is derived from CameraID and the start time.
type StartRequest struct {
	CameraID  string
	SourceURL string
	StreamID  string
}

// Info returns the caller-facing view, with credentials stripped from the
// source URL.
func (s StreamSession) Info() StreamInfo {
	return StreamInfo{
		StreamID:    s.StreamID,
		CameraID:    s.CameraID,
		SourceURL:   redactURL(s.SourceURL),
		PlaybackURL: s.PlaybackURL,
		State:       s.State,
		PID:         s.PID,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		ExitCode:    s.ExitCode,
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
