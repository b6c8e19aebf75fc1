package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stream-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T) (*chi.Mux, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	r := chi.NewRouter()
	NewHandler(env.sup, logger.Discard()).Register(r)
	return r, env
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestHandler_ConvertRTSP(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", map[string]string{
		"rtspUrl": "rtsp://cam.local/stream",
		"dogId":   "dog-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeEnvelope(t, rec)
	if !body.Success {
		t.Error("success should be true")
	}
	var data convertResult
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.DogID != "dog-1" || data.Status != StateRunning || data.PID == 0 {
		t.Errorf("data = %+v", data)
	}
	if !strings.HasPrefix(data.StreamID, "dog-1_") {
		t.Errorf("streamId = %q", data.StreamID)
	}
	if data.HLSURL != testBaseURL+"/stream/"+data.StreamID+"/stream.m3u8" {
		t.Errorf("hlsUrl = %q", data.HLSURL)
	}
}

func TestHandler_ConvertRTSP_badRequests(t *testing.T) {
	r, env := newTestRouter(t)

	cases := []struct {
		name string
		body any
		want int
		kind string
	}{
		{"not json", "not json", http.StatusBadRequest, "invalid_request"},
		{"missing url", map[string]string{"dogId": "dog-1"}, http.StatusBadRequest, "invalid_request"},
		{"missing dog", map[string]string{"rtspUrl": "rtsp://cam.local/stream"}, http.StatusBadRequest, "invalid_request"},
		{"wrong scheme", map[string]string{"rtspUrl": "http://cam.local/stream", "dogId": "dog-1"}, http.StatusBadRequest, "invalid_source"},
		{"unknown dog", map[string]string{"rtspUrl": "rtsp://cam.local/stream", "dogId": "dog-404"}, http.StatusNotFound, "not_found"},
		{"bad stream id", map[string]string{"rtspUrl": "rtsp://cam.local/stream", "dogId": "dog-1", "streamId": "a/b"}, http.StatusBadRequest, "invalid_stream_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			body := decodeEnvelope(t, rec)
			if body.Success || body.Error != tc.kind || body.Details == "" {
				t.Errorf("body = %+v, want error %q with details", body, tc.kind)
			}
		})
	}
	if env.transcoder.spawned() != 0 {
		t.Errorf("rejected requests spawned %d processes", env.transcoder.spawned())
	}
}

func TestHandler_ConvertRTSP_duplicate(t *testing.T) {
	r, _ := newTestRouter(t)
	body := map[string]string{"rtspUrl": "rtsp://cam.local/stream", "dogId": "dog-1", "streamId": "kennel-cam"}

	if rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", body); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}
	rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_ConvertRTSP_spawnFailure(t *testing.T) {
	r, env := newTestRouter(t)
	env.transcoder.err = errors.New("no ffmpeg")

	rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", map[string]string{
		"rtspUrl": "rtsp://cam.local/stream",
		"dogId":   "dog-1",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body.Error != "spawn_error" || !strings.Contains(body.Details, "no ffmpeg") {
		t.Errorf("body = %+v", body)
	}
}

func TestHandler_ConvertRTSP_shuttingDown(t *testing.T) {
	r, env := newTestRouter(t)
	if err := env.sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec := doJSON(r, http.MethodPost, "/assignments/convert-rtsp", map[string]string{
		"rtspUrl": "rtsp://cam.local/stream",
		"dogId":   "dog-1",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decodeEnvelope(t, rec); body.Error != "shutting_down" {
		t.Errorf("error kind = %q, want shutting_down", body.Error)
	}
	if got := env.transcoder.spawned(); got != 0 {
		t.Errorf("spawned = %d, want 0", got)
	}
}

func TestHandler_StopStream(t *testing.T) {
	r, env := newTestRouter(t)
	info := env.start(t, "dog-1")

	rec := doJSON(r, http.MethodPost, "/assignments/stop-stream", map[string]string{"streamId": info.StreamID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var data StreamInfo
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.State != StateStopped || data.StreamID != info.StreamID {
		t.Errorf("data = %+v", data)
	}

	// A retry of the same stop is still a success.
	rec = doJSON(r, http.MethodPost, "/assignments/stop-stream", map[string]string{"streamId": info.StreamID})
	if rec.Code != http.StatusOK {
		t.Errorf("second stop: expected 200, got %d", rec.Code)
	}
}

func TestHandler_StopStream_errors(t *testing.T) {
	r, _ := newTestRouter(t)

	if rec := doJSON(r, http.MethodPost, "/assignments/stop-stream", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing streamId: expected 400, got %d", rec.Code)
	}
	rec := doJSON(r, http.MethodPost, "/assignments/stop-stream", map[string]string{"streamId": "nope"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("unknown streamId: expected 500, got %d", rec.Code)
	}
	if body := decodeEnvelope(t, rec); body.Error != "not_found" {
		t.Errorf("error = %q, want not_found", body.Error)
	}
}

func TestHandler_ListAndGetStreams(t *testing.T) {
	r, env := newTestRouter(t)
	info := env.start(t, "dog-1")

	rec := doJSON(r, http.MethodGet, "/streams", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []StreamInfo
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].StreamID != info.StreamID {
		t.Errorf("list = %+v", list)
	}

	rec = doJSON(r, http.MethodGet, "/streams/"+info.StreamID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var status StreamStatus
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.State != StateRunning || status.PlaylistReady {
		t.Errorf("status = %+v", status)
	}

	if rec := doJSON(r, http.MethodGet, "/streams/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", rec.Code)
	}
}

func TestHandler_playbackFiles(t *testing.T) {
	r, env := newTestRouter(t)
	info := env.start(t, "dog-1")
	dir := filepath.Join(env.outputDir, info.StreamID)
	os.WriteFile(filepath.Join(dir, PlaylistName), []byte("#EXTM3U\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte{0x47}, 0o644)

	rec := doJSON(r, http.MethodGet, "/stream/"+info.StreamID+"/stream.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("playlist content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("playlist cache control = %q", cc)
	}

	rec = doJSON(r, http.MethodGet, "/stream/"+info.StreamID+"/segment_000.ts", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != segmentContentType {
		t.Errorf("segment: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	for _, path := range []string{
		"/stream/" + info.StreamID + "/",
		"/stream/" + info.StreamID + "/missing.m3u8",
		"/stream/" + info.StreamID + "/notes.txt",
	} {
		if rec := doJSON(r, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}
