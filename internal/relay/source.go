package relay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSource checks that raw is a usable camera address: non-empty,
// rtsp:// or rtsps://, with a host and no whitespace or control characters.
func ValidateSource(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: source url is required", ErrInvalidSource)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: source url contains whitespace or control characters", ErrInvalidSource)
		}
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "rtsp://") && !strings.HasPrefix(lower, "rtsps://") {
		return fmt.Errorf("%w: source url must start with rtsp://", ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: source url has no host", ErrInvalidSource)
	}
	return nil
}

// ValidStreamID reports whether id can be used as a directory name and URL
// path segment.
func ValidStreamID(id string) bool {
	return streamIDPattern.MatchString(id)
}
