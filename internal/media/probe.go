package media

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ProbeResult mirrors the subset of ffprobe's JSON output that is used.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream is one ffprobe stream entry. Numeric fields ffprobe reports as
// strings are kept as strings and parsed on demand.
type Stream struct {
	Index            int               `json:"index"`
	CodecName        string            `json:"codec_name"`
	CodecLongName    string            `json:"codec_long_name"`
	CodecType        string            `json:"codec_type"`
	SampleRate       string            `json:"sample_rate"`
	Channels         int               `json:"channels"`
	ChannelLayout    string            `json:"channel_layout"`
	BitRate          string            `json:"bit_rate"`
	Duration         string            `json:"duration"`
	BitsPerSample    int               `json:"bits_per_sample"`
	BitsPerRawSample string            `json:"bits_per_raw_sample"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	Tags             map[string]string `json:"tags"`
}

// Format is ffprobe's container section.
type Format struct {
	FormatName     string `json:"format_name"`
	FormatLongName string `json:"format_long_name"`
	Duration       string `json:"duration"`
	BitRate        string `json:"bit_rate"`
	Size           string `json:"size"`
}

// ParseProbe decodes ffprobe JSON output.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var res ProbeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return &res, nil
}

// AudioStreams returns the audio streams in file order.
func (p *ProbeResult) AudioStreams() []Stream {
	var out []Stream
	for _, s := range p.Streams {
		if s.CodecType == "audio" {
			out = append(out, s)
		}
	}
	return out
}

// HasVideo reports whether any video stream is present.
func (p *ProbeResult) HasVideo() bool {
	for _, s := range p.Streams {
		if s.CodecType == "video" {
			return true
		}
	}
	return false
}

// Duration returns the container duration in seconds, falling back to the
// longest stream.
func (p *ProbeResult) Duration() float64 {
	if d, ok := parseFloat(p.Format.Duration); ok {
		return d
	}
	var longest float64
	for _, s := range p.Streams {
		if d, ok := parseFloat(s.Duration); ok && d > longest {
			longest = d
		}
	}
	return longest
}

// AudioTrack is the caller-facing description of an audio stream.
type AudioTrack struct {
	TrackID          int      `json:"track_id"`
	StreamIndex      int      `json:"stream_index"`
	Codec            string   `json:"codec"`
	CodecLongName    string   `json:"codec_long_name"`
	SampleRate       *int     `json:"sample_rate"`
	Channels         int      `json:"channels"`
	ChannelLayout    string   `json:"channel_layout"`
	BitRate          *int64   `json:"bit_rate"`
	Duration         *float64 `json:"duration"`
	Language         *string  `json:"language"`
	Title            *string  `json:"title"`
	BitsPerSample    int      `json:"bits_per_sample,omitempty"`
	BitsPerRawSample int      `json:"bits_per_raw_sample,omitempty"`
}

// FormatInfo names the container.
type FormatInfo struct {
	Name     string `json:"name"`
	LongName string `json:"long_name"`
}

// ProbeReport is the audio.probe response body.
type ProbeReport struct {
	AudioTracks []AudioTrack `json:"audio_tracks"`
	TrackCount  int          `json:"track_count"`
	Format      FormatInfo   `json:"format"`
	Duration    *float64     `json:"duration"`
	BitRate     *int64       `json:"bit_rate"`
	Size        *int64       `json:"size"`
}

// Report summarizes the probe for callers. Track IDs count audio streams
// only, starting at zero.
func (p *ProbeResult) Report() ProbeReport {
	tracks := make([]AudioTrack, 0, len(p.Streams))
	for i, s := range p.AudioStreams() {
		t := AudioTrack{
			TrackID:       i,
			StreamIndex:   s.Index,
			Codec:         s.CodecName,
			CodecLongName: s.CodecLongName,
			Channels:      s.Channels,
			ChannelLayout: s.ChannelLayout,
			BitsPerSample: s.BitsPerSample,
		}
		if v, ok := parseInt(s.SampleRate); ok {
			rate := int(v)
			t.SampleRate = &rate
		}
		if v, ok := parseInt(s.BitRate); ok {
			t.BitRate = &v
		}
		if v, ok := parseFloat(s.Duration); ok {
			t.Duration = &v
		}
		if v, ok := parseInt(s.BitsPerRawSample); ok {
			t.BitsPerRawSample = int(v)
		}
		if lang, ok := s.Tags["language"]; ok {
			t.Language = &lang
		}
		if title, ok := s.Tags["title"]; ok {
			t.Title = &title
		}
		tracks = append(tracks, t)
	}
	r := ProbeReport{
		AudioTracks: tracks,
		TrackCount:  len(tracks),
		Format:      FormatInfo{Name: p.Format.FormatName, LongName: p.Format.FormatLongName},
	}
	if v, ok := parseFloat(p.Format.Duration); ok {
		r.Duration = &v
	}
	if v, ok := parseInt(p.Format.BitRate); ok {
		r.BitRate = &v
	}
	if v, ok := parseInt(p.Format.Size); ok {
		r.Size = &v
	}
	return r
}

func parseFloat(s string) (float64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func parseInt(s string) (int64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}
