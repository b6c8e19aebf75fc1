package relay

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"stream-relay/internal/cameras"
	"stream-relay/internal/events"
	"stream-relay/internal/platform/logger"
)

// fakeProcess stands in for a transcoder. It exits when terminated unless
// ignoreTerm is set, in which case only a forceful terminate ends it.
type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu         sync.Mutex
	terminates []bool

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, ignoreTerm: ignoreTerm, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) OnExit(fn func(ExitStatus)) {
	go func() {
		<-p.done
		fn(p.status)
	}()
}

func (p *fakeProcess) Terminate(graceful bool) error {
	p.mu.Lock()
	p.terminates = append(p.terminates, graceful)
	p.mu.Unlock()

	switch {
	case !graceful:
		p.exit(ExitStatus{Code: -1, Signal: "killed"})
	case !p.ignoreTerm:
		p.exit(ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Diagnostics() []string {
	return []string{"rtsp://cam.local/stream: Connection refused"}
}

// crash simulates the process dying on its own.
func (p *fakeProcess) crash(code int) {
	p.exit(ExitStatus{Code: code})
}

func (p *fakeProcess) exit(status ExitStatus) {
	p.once.Do(func() {
		p.status = status
		close(p.done)
	})
}

func (p *fakeProcess) terminateCalls() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.terminates...)
}

// fakeTranscoder records every spawn.
type fakeTranscoder struct {
	mu         sync.Mutex
	err        error
	ignoreTerm bool
	nextPID    int
	specs      []SpawnSpec
	procs      []*fakeProcess
}

func (f *fakeTranscoder) Spawn(spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextPID++
	p := newFakeProcess(1000+f.nextPID, f.ignoreTerm)
	f.specs = append(f.specs, spec)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeTranscoder) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeTranscoder) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

// spyFS performs real directory operations and records them.
type spyFS struct {
	mu        sync.Mutex
	ensureErr error
	removeErr error
	ensured   []string
	removed   []string
}

func (s *spyFS) EnsureDirectory(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, path)
	if s.ensureErr != nil {
		return s.ensureErr
	}
	return os.MkdirAll(path, 0o755)
}

func (s *spyFS) RemoveDirectoryTree(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	if s.removeErr != nil {
		return s.removeErr
	}
	return os.RemoveAll(path)
}

func (s *spyFS) calls() (ensured, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ensured), len(s.removed)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	sup        *Supervisor
	registry   *Registry
	transcoder *fakeTranscoder
	fs         *spyFS
	cameras    *cameras.MemoryDirectory
	hub        *events.Hub
	clock      *testClock
	outputDir  string
}

const testBaseURL = "http://relay.test"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		registry:   NewRegistry(),
		transcoder: &fakeTranscoder{},
		fs:         &spyFS{},
		cameras: cameras.NewMemoryDirectory(
			cameras.Camera{ID: "dog-1", Name: "Rex"},
			cameras.Camera{ID: "dog-2", Name: "Bella"},
		),
		hub:       events.NewHub(0),
		clock:     &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		outputDir: t.TempDir(),
	}
	sup, err := NewSupervisor(Config{
		OutputDir:       env.outputDir,
		PublicBaseURL:   testBaseURL + "/",
		StopGracePeriod: time.Second,
		StopKillTimeout: time.Second,
	}, Deps{
		Registry:   env.registry,
		Filesystem: env.fs,
		Transcoder: env.transcoder,
		Cameras:    env.cameras,
		Log:        logger.Discard(),
		Notifier:   env.hub,
		Now:        env.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	env.sup = sup
	return env
}

func (e *testEnv) start(t *testing.T, cameraID string) StreamInfo {
	t.Helper()
	info, err := e.sup.StartStream(context.Background(), StartRequest{
		CameraID:  cameraID,
		SourceURL: "rtsp://cam.local/stream",
	})
	if err != nil {
		t.Fatalf("StartStream(%s): %v", cameraID, err)
	}
	return info
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

var errBoom = errors.New("boom")
