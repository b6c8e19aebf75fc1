package relay

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// diagnosticLines is how many recent output lines each process keeps.
const diagnosticLines = 20

// maxPendingLine caps an unterminated line before it is flushed anyway.
const maxPendingLine = 64 * 1024

var (
	progressRe = regexp.MustCompile(`frame=\s*\d+.*speed=`)
	problemRe  = regexp.MustCompile(`(?i)\b(error|failed|invalid|refused|timed out|unauthorized|not found)\b`)
)

// isProgressLine reports whether line is one of ffmpeg's periodic progress
// reports, which are dropped from the log.
func isProgressLine(line string) bool {
	return progressRe.MatchString(line)
}

// outputLog is the io.Writer behind a transcoder's stdout and stderr. It
// splits the stream into lines on \n or \r, drops progress lines, logs the
// rest and remembers the most recent ones.
type outputLog struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []byte
	recent  []string
	next    int
	full    bool
}

func newOutputLog(log *slog.Logger, keep int) *outputLog {
	if keep <= 0 {
		keep = 1
	}
	return &outputLog{log: log, recent: make([]string, keep)}
}

// Write implements io.Writer. It never fails.
func (o *outputLog) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = append(o.pending, p...)
	for {
		i := bytes.IndexAny(o.pending, "\r\n")
		if i < 0 {
			break
		}
		o.emit(string(o.pending[:i]))
		o.pending = o.pending[i+1:]
	}
	if len(o.pending) > maxPendingLine {
		o.emit(string(o.pending))
		o.pending = o.pending[:0]
	}
	return len(p), nil
}

// Flush emits any unterminated trailing line.
func (o *outputLog) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > 0 {
		o.emit(string(o.pending))
		o.pending = nil
	}
}

// Recent returns the remembered lines, oldest first.
func (o *outputLog) Recent() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.full {
		return append([]string(nil), o.recent[:o.next]...)
	}
	out := make([]string, 0, len(o.recent))
	out = append(out, o.recent[o.next:]...)
	return append(out, o.recent[:o.next]...)
}

func (o *outputLog) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" || isProgressLine(line) {
		return
	}

	o.recent[o.next] = line
	o.next++
	if o.next == len(o.recent) {
		o.next = 0
		o.full = true
	}

	if problemRe.MatchString(line) {
		o.log.Warn("transcoder output", slog.String("line", line))
		return
	}
	o.log.Debug("transcoder output", slog.String("line", line))
}
