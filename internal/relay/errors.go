package relay

import "errors"

var (
	// ErrInvalidSource is returned when the source URL is missing, malformed,
	// or does not use an RTSP scheme.
	ErrInvalidSource = errors.New("invalid source url")

	// ErrInvalidStreamID is returned when a supplied or derived stream id is
	// not a safe path segment.
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrNotFound is returned when a camera or stream id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateStream is returned when a stream id is already live.
	ErrDuplicateStream = errors.New("stream already exists")

	// ErrIO is returned when an output directory cannot be created or removed.
	ErrIO = errors.New("output directory i/o failed")

	// ErrSpawn is returned when the transcoder cannot be launched.
	ErrSpawn = errors.New("transcoder spawn failed")

	// ErrUnsupportedVersion is returned when the transcoder binary is too old
	// for the argument list Profile builds.
	ErrUnsupportedVersion = errors.New("unsupported transcoder version")

	// ErrShuttingDown is returned by StartStream once Shutdown has begun.
	ErrShuttingDown = errors.New("relay is shutting down")

	// ErrProcessAbend marks an unexpected transcoder exit. It only appears in
	// logs; callers observe it as StateFailed.
	ErrProcessAbend = errors.New("transcoder exited unexpectedly")
)
