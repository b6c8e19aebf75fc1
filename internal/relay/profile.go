package relay

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

const (
	// PlaylistName is the rolling playlist written inside each stream directory.
	PlaylistName = "stream.m3u8"
	// SegmentPattern names the numbered segment files next to the playlist.
	SegmentPattern = "segment_%03d.ts"
)

var (
	allowedPresets = map[string]bool{
		"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
		"fast": true, "medium": true, "slow": true, "slower": true, "veryslow": true,
	}
	allowedTunes = map[string]bool{
		"": true, "zerolatency": true, "film": true, "animation": true,
		"grain": true, "stillimage": true, "fastdecode": true,
	}
	bitratePattern = regexp.MustCompile(`^[1-9][0-9]{1,3}k$`)
)

// Profile is the fixed transcoder configuration. Every field maps to exactly
// one argument; nothing here comes from a request.
type Profile struct {
	RTSPTransport   string
	ConnectTimeout  time.Duration
	ProbeSize       int
	AnalyzeDuration time.Duration
	Preset          string
	Tune            string
	CRF             int
	GOPSize         int
	AudioBitrate    string
	AudioRate       int
	SegmentSeconds  int
	PlaylistSize    int
}

// DefaultProfile returns a low-latency H.264/AAC profile with 2-second
// segments and a six-segment window.
func DefaultProfile() Profile {
	return Profile{
		RTSPTransport:   "tcp",
		ConnectTimeout:  5 * time.Second,
		ProbeSize:       1 << 20,
		AnalyzeDuration: 2 * time.Second,
		Preset:          "veryfast",
		Tune:            "zerolatency",
		CRF:             23,
		GOPSize:         48,
		AudioBitrate:    "128k",
		AudioRate:       44100,
		SegmentSeconds:  2,
		PlaylistSize:    6,
	}
}

// Validate rejects values that could not form a sane command line.
func (p Profile) Validate() error {
	switch {
	case p.RTSPTransport != "tcp" && p.RTSPTransport != "udp":
		return fmt.Errorf("rtsp transport must be tcp or udp, got %q", p.RTSPTransport)
	case p.ConnectTimeout <= 0:
		return fmt.Errorf("connect timeout must be positive, got %s", p.ConnectTimeout)
	case p.ProbeSize < 32:
		return fmt.Errorf("probe size must be at least 32 bytes, got %d", p.ProbeSize)
	case p.AnalyzeDuration <= 0:
		return fmt.Errorf("analyze duration must be positive, got %s", p.AnalyzeDuration)
	case !allowedPresets[p.Preset]:
		return fmt.Errorf("unknown x264 preset %q", p.Preset)
	case !allowedTunes[p.Tune]:
		return fmt.Errorf("unknown x264 tune %q", p.Tune)
	case p.CRF < 0 || p.CRF > 51:
		return fmt.Errorf("crf must be between 0 and 51, got %d", p.CRF)
	case p.GOPSize <= 0:
		return fmt.Errorf("gop size must be positive, got %d", p.GOPSize)
	case !bitratePattern.MatchString(p.AudioBitrate):
		return fmt.Errorf("audio bitrate must look like 128k, got %q", p.AudioBitrate)
	case p.AudioRate <= 0:
		return fmt.Errorf("audio rate must be positive, got %d", p.AudioRate)
	case p.SegmentSeconds <= 0 || p.SegmentSeconds > 60:
		return fmt.Errorf("segment duration must be 1-60 seconds, got %d", p.SegmentSeconds)
	case p.PlaylistSize <= 0:
		return fmt.Errorf("playlist size must be positive, got %d", p.PlaylistSize)
	}
	return nil
}

// Args builds the transcoder argument list. The source URL and output
// directory are the only per-stream inputs; the source must already have
// passed ValidateSource.
func (p Profile) Args(sourceURL, outputDir string) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSource(sourceURL); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(outputDir) {
		return nil, fmt.Errorf("output directory must be absolute, got %q", outputDir)
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "info",
		// Source connection limits keep an unreachable camera from hanging.
		// -timeout is the socket timeout from ffmpeg 5.0 on; see CheckVersion.
		"-rtsp_transport", p.RTSPTransport,
		"-timeout", micros(p.ConnectTimeout),
		"-probesize", strconv.Itoa(p.ProbeSize),
		"-analyzeduration", micros(p.AnalyzeDuration),
		"-i", sourceURL,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", p.Preset,
	}
	if p.Tune != "" {
		args = append(args, "-tune", p.Tune)
	}
	args = append(args,
		"-crf", strconv.Itoa(p.CRF),
		"-g", strconv.Itoa(p.GOPSize),
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
		"-ar", strconv.Itoa(p.AudioRate),
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(p.PlaylistSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(outputDir, SegmentPattern),
		filepath.Join(outputDir, PlaylistName),
	)
	return args, nil
}

func micros(d time.Duration) string {
	return strconv.FormatInt(d.Microseconds(), 10)
}
