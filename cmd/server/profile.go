package main

import (
	"fmt"
	"time"

	"stream-relay/internal/platform/config"
	"stream-relay/internal/relay"
)

// buildProfile layers the relay file's transcoder block and then the env
// settings over the default profile.
func buildProfile(f config.TranscoderFile, segmentSeconds, playlistSize int, connectTimeout time.Duration) (relay.Profile, error) {
	p := relay.DefaultProfile()

	if f.RTSPTransport != "" {
		p.RTSPTransport = f.RTSPTransport
	}
	if f.ProbeSize > 0 {
		p.ProbeSize = f.ProbeSize
	}
	if f.AnalyzeDuration != "" {
		d, err := time.ParseDuration(f.AnalyzeDuration)
		if err != nil {
			return relay.Profile{}, fmt.Errorf("transcoder.analyze_duration: %w", err)
		}
		p.AnalyzeDuration = d
	}
	if f.Preset != "" {
		p.Preset = f.Preset
	}
	if f.Tune != "" {
		p.Tune = f.Tune
	}
	if f.CRF != nil {
		p.CRF = *f.CRF
	}
	if f.GOPSize > 0 {
		p.GOPSize = f.GOPSize
	}
	if f.AudioBitrate != "" {
		p.AudioBitrate = f.AudioBitrate
	}

	if segmentSeconds > 0 {
		p.SegmentSeconds = segmentSeconds
	}
	if playlistSize > 0 {
		p.PlaylistSize = playlistSize
	}
	if connectTimeout > 0 {
		p.ConnectTimeout = connectTimeout
	}

	if err := p.Validate(); err != nil {
		return relay.Profile{}, err
	}
	return p, nil
}
