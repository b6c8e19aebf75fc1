package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("RELAY_TEST_DURATION", "250ms")
	if got := GetEnvDuration("RELAY_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("GetEnvDuration = %v, want 250ms", got)
	}

	t.Setenv("RELAY_TEST_DURATION", "soon")
	if got := GetEnvDuration("RELAY_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("invalid value should fall back, got %v", got)
	}

	t.Setenv("RELAY_TEST_DURATION", "-3s")
	if got := GetEnvDuration("RELAY_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("negative value should fall back, got %v", got)
	}
}

func TestGetEnvInt_fallback(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "abc")
	if got := GetEnvInt("RELAY_TEST_INT", 6); got != 6 {
		t.Errorf("GetEnvInt = %d, want 6", got)
	}
	t.Setenv("RELAY_TEST_INT", "4")
	if got := GetEnvInt("RELAY_TEST_INT", 6); got != 4 {
		t.Errorf("GetEnvInt = %d, want 4", got)
	}
}

func TestDecodeRelayFile(t *testing.T) {
	data := []byte(`
transcoder:
  preset: superfast
  crf: 28
  gop_size: 50
cameras:
  - id: dog-1
    name: Rex
  - id: dog-2
`)
	f, err := DecodeRelayFile(data)
	if err != nil {
		t.Fatalf("DecodeRelayFile: %v", err)
	}
	if f.Transcoder.Preset != "superfast" || f.Transcoder.CRF == nil || *f.Transcoder.CRF != 28 || f.Transcoder.GOPSize != 50 {
		t.Errorf("unexpected transcoder block: %+v", f.Transcoder)
	}
	if len(f.Cameras) != 2 || f.Cameras[0].ID != "dog-1" || f.Cameras[0].Name != "Rex" {
		t.Errorf("unexpected cameras: %+v", f.Cameras)
	}
}

func TestDecodeRelayFile_crf(t *testing.T) {
	f, err := DecodeRelayFile([]byte("transcoder:\n  crf: 0\n"))
	if err != nil {
		t.Fatalf("DecodeRelayFile: %v", err)
	}
	if f.Transcoder.CRF == nil || *f.Transcoder.CRF != 0 {
		t.Errorf("crf: 0 decoded as %v, want an explicit 0", f.Transcoder.CRF)
	}

	f, err = DecodeRelayFile([]byte("transcoder:\n  preset: fast\n"))
	if err != nil {
		t.Fatalf("DecodeRelayFile: %v", err)
	}
	if f.Transcoder.CRF != nil {
		t.Errorf("absent crf decoded as %d, want nil", *f.Transcoder.CRF)
	}
}

func TestDecodeRelayFile_rejectsUnknownFields(t *testing.T) {
	_, err := DecodeRelayFile([]byte("transcoder:\n  extra_args: \"-vf hflip\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeRelayFile_validation(t *testing.T) {
	cases := map[string]string{
		"crf out of range": "transcoder:\n  crf: 60\n",
		"negative crf":     "transcoder:\n  crf: -1\n",
		"missing id":       "cameras:\n  - name: Rex\n",
		"duplicate id":     "cameras:\n  - id: a\n  - id: a\n",
	}
	for name, body := range cases {
		if _, err := DecodeRelayFile([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodeRelayFile_empty(t *testing.T) {
	f, err := DecodeRelayFile(nil)
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if len(f.Cameras) != 0 {
		t.Errorf("expected no cameras, got %d", len(f.Cameras))
	}
}

func TestLoadRelayFile(t *testing.T) {
	f, err := LoadRelayFile("")
	if err != nil || f == nil {
		t.Fatalf("empty path: f=%v err=%v", f, err)
	}

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("cameras:\n  - id: dog-9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err = LoadRelayFile(path)
	if err != nil {
		t.Fatalf("LoadRelayFile: %v", err)
	}
	if len(f.Cameras) != 1 || f.Cameras[0].ID != "dog-9" {
		t.Errorf("unexpected cameras: %+v", f.Cameras)
	}

	_, err = LoadRelayFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read relay config") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestLoad_keepsExistingEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "RELAY_TEST_FROM_FILE=file\nRELAY_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_TEST_PRESET", "process")
	t.Cleanup(func() { os.Unsetenv("RELAY_TEST_FROM_FILE") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("RELAY_TEST_FROM_FILE"); got != "file" {
		t.Errorf("RELAY_TEST_FROM_FILE = %q, want file", got)
	}
	if got := os.Getenv("RELAY_TEST_PRESET"); got != "process" {
		t.Errorf("RELAY_TEST_PRESET = %q, want the process value kept", got)
	}

	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("missing file should be reported")
	}
}
