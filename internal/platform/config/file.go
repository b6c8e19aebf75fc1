package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RelayFile is the optional YAML file named by RELAY_CONFIG_FILE. Zero values
// mean "keep the built-in default", except CRF where 0 is a real setting.
type RelayFile struct {
	Transcoder TranscoderFile `yaml:"transcoder"`
	Cameras    []CameraSeed   `yaml:"cameras,omitempty"`
}

// TranscoderFile overrides parts of the fixed encoder profile. None of these
// values can be supplied per request.
type TranscoderFile struct {
	Preset          string `yaml:"preset,omitempty"`
	Tune            string `yaml:"tune,omitempty"`
	CRF             *int   `yaml:"crf,omitempty"`
	GOPSize         int    `yaml:"gop_size,omitempty"`
	AudioBitrate    string `yaml:"audio_bitrate,omitempty"`
	ProbeSize       int    `yaml:"probe_size,omitempty"`
	AnalyzeDuration string `yaml:"analyze_duration,omitempty"`
	RTSPTransport   string `yaml:"rtsp_transport,omitempty"`
}

// CameraSeed is one entry of the in-memory camera directory.
type CameraSeed struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// LoadRelayFile reads and strictly decodes a relay YAML file. Unknown fields
// are rejected. An empty path returns an empty RelayFile.
func LoadRelayFile(path string) (*RelayFile, error) {
	if path == "" {
		return &RelayFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	return DecodeRelayFile(data)
}

// DecodeRelayFile decodes YAML bytes into a RelayFile and validates it.
func DecodeRelayFile(data []byte) (*RelayFile, error) {
	var f RelayFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode relay config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the file for values that can never be valid.
func (f *RelayFile) Validate() error {
	if crf := f.Transcoder.CRF; crf != nil && (*crf < 0 || *crf > 51) {
		return fmt.Errorf("transcoder.crf must be between 0 and 51, got %d", *crf)
	}
	if f.Transcoder.GOPSize < 0 {
		return fmt.Errorf("transcoder.gop_size must not be negative, got %d", f.Transcoder.GOPSize)
	}
	if f.Transcoder.ProbeSize < 0 {
		return fmt.Errorf("transcoder.probe_size must not be negative, got %d", f.Transcoder.ProbeSize)
	}
	seen := make(map[string]struct{}, len(f.Cameras))
	for i, c := range f.Cameras {
		if c.ID == "" {
			return fmt.Errorf("cameras[%d]: id is required", i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}
