package relay

import (
	"net/http"
	"os"
	"path"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// NewPlaybackServer serves the HLS tree under base: playlists uncached,
// segments as MPEG-TS. Anything else, directories included, is a 404.
func NewPlaybackServer(base string) http.Handler {
	files := http.FileServer(filesOnly{http.Dir(base)})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Ext(r.URL.Path) {
		case ".m3u8":
			w.Header().Set("Content-Type", playlistContentType)
			w.Header().Set("Cache-Control", "no-cache")
		case ".ts":
			w.Header().Set("Content-Type", segmentContentType)
		default:
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// filesOnly hides directories so the file server never lists them.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}
	return file, nil
}
