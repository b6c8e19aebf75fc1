package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stream-relay/internal/cameras"
	"stream-relay/internal/events"
	"stream-relay/internal/platform/metrics"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultStopGracePeriod   = 5 * time.Second
	DefaultStopKillTimeout   = 2 * time.Second
	DefaultTerminalRetention = 2 * time.Minute
	DefaultReapInterval      = 30 * time.Second
)

// errStale aborts a registry update whose session was replaced or already
// moved on.
var errStale = errors.New("stale session")

// Notifier receives one event per state transition. *events.Hub satisfies it.
type Notifier interface {
	Publish(events.Event) events.Event
}

// Config holds the supervisor's fixed settings.
type Config struct {
	// OutputDir is the absolute base under which each stream gets a directory.
	OutputDir string
	// PublicBaseURL prefixes every playback URL.
	PublicBaseURL string
	// StopGracePeriod is how long StopStream waits after SIGTERM.
	StopGracePeriod time.Duration
	// StopKillTimeout is how long StopStream waits after SIGKILL.
	StopKillTimeout time.Duration
	// TerminalRetention keeps stopped and failed sessions visible this long.
	TerminalRetention time.Duration
	// ReapInterval is how often Run drops expired terminal sessions.
	ReapInterval time.Duration
}

// Deps are the collaborators a Supervisor drives. Metrics and Notifier may
// be nil.
type Deps struct {
	Registry   *Registry
	Filesystem Filesystem
	Transcoder Transcoder
	Cameras    cameras.Directory
	Log        *slog.Logger
	Metrics    *metrics.Metrics
	Notifier   Notifier
	// Now defaults to time.Now.
	Now func() time.Time
}

// Supervisor owns every stream's lifecycle: it validates, spawns, watches
// and tears down transcoders, and is the only writer of the Registry.
// Operations on one stream id are serialised; different ids run in parallel.
type Supervisor struct {
	cfg        Config
	registry   *Registry
	fs         Filesystem
	transcoder Transcoder
	cameras    cameras.Directory
	log        *slog.Logger
	metrics    *metrics.Metrics
	notifier   Notifier
	now        func() time.Time

	locks      *keyLock
	generation atomic.Uint64

	// startMu is held shared by every StartStream and exclusively while
	// Shutdown closes the supervisor, so no start outlives the closing check.
	startMu sync.RWMutex
	closing bool
}

// NewSupervisor checks cfg, fills in defaults and returns a Supervisor.
func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	if !filepath.IsAbs(cfg.OutputDir) {
		return nil, fmt.Errorf("output directory must be absolute, got %q", cfg.OutputDir)
	}
	base, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("public base url must be absolute, got %q", cfg.PublicBaseURL)
	}
	if deps.Filesystem == nil || deps.Transcoder == nil || deps.Cameras == nil {
		return nil, errors.New("supervisor needs a filesystem, a transcoder and a camera directory")
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}
	if cfg.StopKillTimeout <= 0 {
		cfg.StopKillTimeout = DefaultStopKillTimeout
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Supervisor{
		cfg:        cfg,
		registry:   deps.Registry,
		fs:         deps.Filesystem,
		transcoder: deps.Transcoder,
		cameras:    deps.Cameras,
		log:        deps.Log,
		metrics:    deps.Metrics,
		notifier:   deps.Notifier,
		now:        deps.Now,
		locks:      newKeyLock(),
	}, nil
}

// PlaybackURL returns {PublicBaseURL}/stream/{streamID}/stream.m3u8.
func (s *Supervisor) PlaybackURL(streamID string) string {
	return s.cfg.PublicBaseURL + "/stream/" + url.PathEscape(streamID) + "/" + PlaylistName
}

// StartStream validates req, spawns a transcoder for it and returns the
// running session. The playlist may not exist yet when this returns.
func (s *Supervisor) StartStream(ctx context.Context, req StartRequest) (StreamInfo, error) {
	s.startMu.RLock()
	defer s.startMu.RUnlock()
	if s.closing {
		s.countStartFailure("shutting_down")
		return StreamInfo{}, ErrShuttingDown
	}

	if err := ValidateSource(req.SourceURL); err != nil {
		s.countStartFailure("invalid_source")
		return StreamInfo{}, err
	}

	if _, err := s.cameras.Lookup(ctx, req.CameraID); err != nil {
		if errors.Is(err, cameras.ErrNotFound) {
			s.countStartFailure("camera_not_found")
			return StreamInfo{}, fmt.Errorf("%w: camera %q", ErrNotFound, req.CameraID)
		}
		s.countStartFailure("camera_lookup")
		return StreamInfo{}, fmt.Errorf("lookup camera %q: %w", req.CameraID, err)
	}

	startedAt := s.now().UTC()
	id := req.StreamID
	if id == "" {
		id = fmt.Sprintf("%s_%d", req.CameraID, startedAt.UnixMilli())
	}
	if !ValidStreamID(id) {
		s.countStartFailure("invalid_stream_id")
		return StreamInfo{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, id)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	gen := s.generation.Add(1)
	session := StreamSession{
		StreamID:        id,
		CameraID:        req.CameraID,
		SourceURL:       req.SourceURL,
		OutputDirectory: filepath.Join(s.cfg.OutputDir, id),
		PlaybackURL:     s.PlaybackURL(id),
		State:           StateStarting,
		StartedAt:       startedAt,
		generation:      gen,
	}
	if err := s.registry.Insert(session); err != nil {
		s.countStartFailure("duplicate")
		return StreamInfo{}, err
	}
	s.transitioned(session, "")

	if err := s.fs.EnsureDirectory(session.OutputDirectory); err != nil {
		if !errors.Is(err, ErrIO) {
			err = fmt.Errorf("%w: %w", ErrIO, err)
		}
		s.failStart(session, "io", err)
		return StreamInfo{}, err
	}

	proc, err := s.transcoder.Spawn(SpawnSpec{
		StreamID:        id,
		SourceURL:       req.SourceURL,
		OutputDirectory: session.OutputDirectory,
	})
	if err != nil {
		s.removeOutput(session)
		err = fmt.Errorf("%w: %w", ErrSpawn, err)
		s.failStart(session, "spawn", err)
		return StreamInfo{}, err
	}

	exited := make(chan struct{})
	running, err := s.registry.Update(id, func(ss *StreamSession) error {
		if ss.generation != gen {
			return errStale
		}
		ss.State = StateRunning
		ss.PID = proc.Pid()
		ss.StartedAt = s.now().UTC()
		ss.handle = proc
		ss.exited = exited
		return nil
	})
	if err != nil {
		// Nothing else writes a STARTING session while we hold its lock.
		_ = proc.Terminate(false)
		return StreamInfo{}, fmt.Errorf("%w: record running stream: %w", ErrSpawn, err)
	}
	proc.OnExit(func(status ExitStatus) {
		s.handleExit(id, gen, exited, status)
	})

	if s.metrics != nil {
		s.metrics.IncStreamsStarted()
	}
	s.transitioned(running, "")

	if err := s.cameras.SetStreamURL(ctx, req.CameraID, running.PlaybackURL); err != nil {
		s.log.Warn("record playback url failed",
			slog.String("stream_id", id),
			slog.String("camera_id", req.CameraID),
			slog.String("error", err.Error()))
	}
	return running.Info(), nil
}

// StopStream terminates a running stream and removes its output. Stopping a
// stream that is already stopping, stopped or failed succeeds without doing
// anything.
func (s *Supervisor) StopStream(ctx context.Context, streamID string) (StreamInfo, error) {
	unlock := s.locks.Lock(streamID)
	current, err := s.registry.Get(streamID)
	if err != nil {
		unlock()
		return StreamInfo{}, err
	}
	if current.State != StateRunning {
		unlock()
		return current.Info(), nil
	}
	stopping, err := s.registry.Update(streamID, func(ss *StreamSession) error {
		ss.State = StateStopping
		return nil
	})
	unlock()
	if err != nil {
		return StreamInfo{}, err
	}
	s.transitioned(stopping, "")

	proc, exited, gen := stopping.handle, stopping.exited, stopping.generation
	log := s.log.With(slog.String("stream_id", streamID), slog.Int("pid", stopping.PID))

	if err := proc.Terminate(true); err != nil {
		log.Warn("graceful terminate failed", slog.String("error", err.Error()))
	}
	if !waitExit(ctx, exited, s.cfg.StopGracePeriod) {
		log.Warn("transcoder still running after grace period, killing",
			slog.Duration("grace_period", s.cfg.StopGracePeriod))
		if s.metrics != nil {
			s.metrics.IncForcedKills()
		}
		if err := proc.Terminate(false); err != nil {
			log.Error("kill failed", slog.String("error", err.Error()))
		}
		if !waitExit(context.Background(), exited, s.cfg.StopKillTimeout) {
			log.Error("transcoder did not exit after kill",
				slog.Duration("kill_timeout", s.cfg.StopKillTimeout))
		}
	}

	unlock = s.locks.Lock(streamID)
	defer unlock()

	stopped, err := s.registry.Update(streamID, func(ss *StreamSession) error {
		if ss.generation != gen {
			return errStale
		}
		ss.State = StateStopped
		ss.PID = 0
		ss.handle = nil
		ss.exited = nil
		if ss.EndedAt.IsZero() {
			ss.EndedAt = s.now().UTC()
		}
		return nil
	})
	if err != nil {
		return StreamInfo{}, fmt.Errorf("%w: stream %s vanished while stopping", ErrNotFound, streamID)
	}
	s.removeOutput(stopped)

	if s.metrics != nil {
		s.metrics.IncStreamsStopped()
	}
	s.transitioned(stopped, "")
	return stopped.Info(), nil
}

// Get returns the caller-facing view of a stream.
func (s *Supervisor) Get(streamID string) (StreamInfo, error) {
	sess, err := s.registry.Get(streamID)
	if err != nil {
		return StreamInfo{}, err
	}
	return sess.Info(), nil
}

// Status returns a stream plus whether its playlist already lists segments.
func (s *Supervisor) Status(streamID string) (StreamStatus, error) {
	sess, err := s.registry.Get(streamID)
	if err != nil {
		return StreamStatus{}, err
	}
	status := StreamStatus{StreamInfo: sess.Info()}
	if sess.State != StateRunning {
		return status, nil
	}

	f, err := os.Open(filepath.Join(sess.OutputDirectory, PlaylistName))
	if err != nil {
		return status, nil
	}
	defer f.Close()

	pl, err := ParsePlaylist(f)
	if err != nil {
		s.log.Debug("playlist not parseable yet",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return status, nil
	}
	status.SegmentCount = len(pl.Segments)
	status.PlaylistReady = status.SegmentCount > 0
	return status, nil
}

// ListActive returns the streams in starting, running or stopping state.
func (s *Supervisor) ListActive() []StreamInfo {
	active := s.registry.ListActive()
	out := make([]StreamInfo, 0, len(active))
	for _, sess := range active {
		out = append(out, sess.Info())
	}
	return out
}

// ActiveCount returns the number of active streams.
func (s *Supervisor) ActiveCount() int {
	return s.registry.ActiveCount()
}

// Run drops expired terminal sessions every ReapInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Supervisor) reap() int {
	reaped := s.registry.Reap(s.now().Add(-s.cfg.TerminalRetention))
	if len(reaped) > 0 {
		s.log.Debug("reaped terminal streams", slog.Int("count", len(reaped)))
	}
	return len(reaped)
}

// Shutdown refuses further starts, waits for starts already in flight, then
// stops every active stream in parallel and waits for them, or for ctx. Each
// stop escalates to a kill once ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.startMu.Lock()
	s.closing = true
	s.startMu.Unlock()

	active := s.registry.ListActive()
	if len(active) == 0 {
		return nil
	}
	s.log.Info("stopping active streams", slog.Int("count", len(active)))

	var g errgroup.Group
	for _, sess := range active {
		id := sess.StreamID
		g.Go(func() error {
			if _, err := s.StopStream(ctx, id); err != nil {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// handleExit is the exit callback of the process spawned for generation gen.
func (s *Supervisor) handleExit(streamID string, gen uint64, exited chan struct{}, status ExitStatus) {
	unlock := s.locks.Lock(streamID)
	defer unlock()
	close(exited)

	var diagnostics []string
	failed := false
	sess, err := s.registry.Update(streamID, func(ss *StreamSession) error {
		if ss.generation != gen {
			return errStale
		}
		code := status.Code
		switch ss.State {
		case StateRunning:
			if ss.handle != nil {
				diagnostics = ss.handle.Diagnostics()
			}
			failed = true
			ss.State = StateFailed
			ss.PID = 0
			ss.handle = nil
			ss.exited = nil
		case StateStopping:
			// StopStream finishes the transition and the cleanup.
		default:
			return errStale
		}
		ss.ExitCode = &code
		ss.EndedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return
	}
	if !failed {
		s.log.Debug("transcoder exited during stop",
			slog.String("stream_id", streamID),
			slog.String("exit", status.String()))
		return
	}

	attrs := []any{
		slog.String("stream_id", streamID),
		slog.String("camera_id", sess.CameraID),
		slog.String("exit", status.String()),
		slog.String("error", ErrProcessAbend.Error()),
	}
	if len(diagnostics) > 0 {
		attrs = append(attrs, slog.Any("last_output", diagnostics))
	}
	s.log.Error("transcoder exited unexpectedly", attrs...)
	if s.metrics != nil {
		s.metrics.IncStreamsFailed()
	}
	s.transitioned(sess, status.String())

	go s.cleanupFailed(streamID, gen, sess.OutputDirectory)
}

// cleanupFailed removes a failed stream's output unless the id has been
// reused since.
func (s *Supervisor) cleanupFailed(streamID string, gen uint64, dir string) {
	unlock := s.locks.Lock(streamID)
	defer unlock()

	if sess, err := s.registry.Get(streamID); err == nil && (sess.generation != gen || sess.State != StateFailed) {
		return
	}
	s.removeOutput(StreamSession{StreamID: streamID, OutputDirectory: dir})
}

// failStart marks a session that never reached RUNNING as failed and drops it.
func (s *Supervisor) failStart(sess StreamSession, reason string, cause error) {
	failed, err := s.registry.Update(sess.StreamID, func(ss *StreamSession) error {
		ss.State = StateFailed
		ss.EndedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		failed = sess
		failed.State = StateFailed
	}
	s.registry.Remove(sess.StreamID)

	s.log.Error("stream start failed",
		slog.String("stream_id", sess.StreamID),
		slog.String("camera_id", sess.CameraID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()))
	s.countStartFailure(reason)
	s.transitioned(failed, cause.Error())
}

// removeOutput deletes a stream's directory. Failures are logged and
// counted, never returned.
func (s *Supervisor) removeOutput(sess StreamSession) {
	if err := s.fs.RemoveDirectoryTree(sess.OutputDirectory); err != nil {
		s.log.Error("output cleanup failed",
			slog.String("stream_id", sess.StreamID),
			slog.String("dir", sess.OutputDirectory),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.IncCleanupFailures()
		}
	}
}

func (s *Supervisor) countStartFailure(reason string) {
	if s.metrics != nil {
		s.metrics.IncStartFailures(reason)
	}
}

// transitioned logs a state change and publishes it.
func (s *Supervisor) transitioned(sess StreamSession, message string) {
	s.log.Info("stream state changed",
		slog.String("stream_id", sess.StreamID),
		slog.String("camera_id", sess.CameraID),
		slog.Int("pid", sess.PID),
		slog.String("state", string(sess.State)))

	if s.notifier == nil {
		return
	}
	s.notifier.Publish(events.Event{
		StreamID: sess.StreamID,
		CameraID: sess.CameraID,
		State:    string(sess.State),
		PID:      sess.PID,
		ExitCode: sess.ExitCode,
		Message:  message,
	})
}

// waitExit reports whether exited closed within d. A done ctx cuts the wait
// short.
func waitExit(ctx context.Context, exited <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-exited:
			return true
		default:
			return false
		}
	}
}
