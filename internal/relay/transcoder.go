package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MinFFmpegMajor is the oldest ffmpeg release whose RTSP demuxer reads
// -timeout as a socket timeout. Older releases treat it as a listen timeout
// and wait for the camera to connect to them.
const MinFFmpegMajor = 5

// ExitStatus describes how a transcoder process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
	// Err is the wait error, if any.
	Err error
}

// Success reports a clean zero exit.
func (e ExitStatus) Success() bool {
	return e.Code == 0 && e.Signal == ""
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// SpawnSpec is everything the transcoder needs for one stream.
type SpawnSpec struct {
	StreamID        string
	SourceURL       string
	OutputDirectory string
}

// Process is a handle to one running transcoder.
type Process interface {
	// Pid returns the OS process id.
	Pid() int
	// OnExit arranges for fn to run once, on its own goroutine, after the
	// process has exited. Registering after exit still runs fn.
	OnExit(fn func(ExitStatus))
	// Terminate asks the process to stop: graceful sends SIGTERM, otherwise
	// SIGKILL. Sequencing the two is the caller's job.
	Terminate(graceful bool) error
	// Diagnostics returns the most recent non-progress output lines.
	Diagnostics() []string
}

// Transcoder launches transcoder processes.
type Transcoder interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// FFmpeg runs the ffmpeg binary with a fixed Profile.
type FFmpeg struct {
	binary  string
	profile Profile
	log     *slog.Logger
}

// NewFFmpeg validates profile and returns a Transcoder for binary. The binary
// is resolved on each Spawn so it can be installed after startup.
func NewFFmpeg(binary string, profile Profile, log *slog.Logger) (*FFmpeg, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, errors.New("transcoder binary is required")
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("transcoder profile: %w", err)
	}
	return &FFmpeg{binary: binary, profile: profile, log: log}, nil
}

var versionPattern = regexp.MustCompile(`^ffmpeg version n?(\d+)\.`)

// parseMajorVersion reads the major release from the first line of
// `ffmpeg -version`. Git snapshot builds ("N-113000-g...") report 0.
func parseMajorVersion(line string) (int, error) {
	if !strings.HasPrefix(line, "ffmpeg version ") {
		return 0, fmt.Errorf("unrecognised version output %q", line)
	}
	m := versionPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, nil
	}
	return strconv.Atoi(m[1])
}

// CheckVersion runs the binary with -version and returns its version line.
// Releases older than MinFFmpegMajor fail with ErrUnsupportedVersion;
// snapshot builds are accepted.
func (f *FFmpeg) CheckVersion(ctx context.Context) (string, error) {
	path, err := exec.LookPath(f.binary)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", f.binary, err)
	}
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("run %s -version: %w", path, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)

	major, err := parseMajorVersion(line)
	if err != nil {
		return line, err
	}
	if major != 0 && major < MinFFmpegMajor {
		return line, fmt.Errorf("%w: %q, need %d.0 or newer", ErrUnsupportedVersion, line, MinFFmpegMajor)
	}
	return line, nil
}

// Spawn implements Transcoder.Spawn.
func (f *FFmpeg) Spawn(spec SpawnSpec) (Process, error) {
	path, err := exec.LookPath(f.binary)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", f.binary, err)
	}
	args, err := f.profile.Args(spec.SourceURL, spec.OutputDirectory)
	if err != nil {
		return nil, fmt.Errorf("build arguments: %w", err)
	}

	log := f.log.With(slog.String("stream_id", spec.StreamID))
	out := newOutputLog(log, diagnosticLines)

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.OutputDirectory
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = processAttrs()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go p.wait()

	log.Info("transcoder started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("binary", path),
		slog.String("source", redactURL(spec.SourceURL)),
		slog.String("output_dir", spec.OutputDirectory))
	return p, nil
}

// execProcess is the Process behind FFmpeg.Spawn.
type execProcess struct {
	cmd  *exec.Cmd
	out  *outputLog
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.out.Flush()

	status := ExitStatus{Code: -1, Err: err}
	if st := p.cmd.ProcessState; st != nil {
		status.Code = st.ExitCode()
		status.Signal = exitSignal(st)
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	close(p.done)
}

// Pid implements Process.Pid.
func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// OnExit implements Process.OnExit.
func (p *execProcess) OnExit(fn func(ExitStatus)) {
	go func() {
		<-p.done
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		fn(status)
	}()
}

// Terminate implements Process.Terminate.
func (p *execProcess) Terminate(graceful bool) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := signalProcess(p.cmd.Process, graceful)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Diagnostics implements Process.Diagnostics.
func (p *execProcess) Diagnostics() []string {
	return p.out.Recent()
}
