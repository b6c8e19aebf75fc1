package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Segment is one media segment listed in a playlist.
type Segment struct {
	Sequence int64
	Duration float64
	Path     string
}

// Playlist is the parsed form of a live media playlist.
type Playlist struct {
	TargetDuration int
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// ParsePlaylist reads a media playlist as written by the transcoder's HLS
// muxer. Tags it does not need are skipped.
func ParsePlaylist(r io.Reader) (Playlist, error) {
	var (
		pl          Playlist
		pending     float64
		havePending bool
		sawHeader   bool
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return Playlist{}, errors.New("playlist: missing #EXTM3U header")
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return Playlist{}, fmt.Errorf("playlist line %d: target duration: %w", lineNo, err)
			}
			pl.TargetDuration = v
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("playlist line %d: media sequence: %w", lineNo, err)
			}
			pl.MediaSequence = v
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("playlist line %d: segment duration: %w", lineNo, err)
			}
			pending, havePending = d, true
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if !havePending {
				return Playlist{}, fmt.Errorf("playlist line %d: segment %q without #EXTINF", lineNo, line)
			}
			pl.Segments = append(pl.Segments, Segment{
				Sequence: pl.MediaSequence + int64(len(pl.Segments)),
				Duration: pending,
				Path:     line,
			})
			havePending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return Playlist{}, fmt.Errorf("playlist: %w", err)
	}
	if !sawHeader {
		return Playlist{}, errors.New("playlist: empty")
	}
	return pl, nil
}
