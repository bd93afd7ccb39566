// Package media wraps the external ffmpeg/ffprobe tools behind a small
// interface so handlers can be exercised without the binaries installed.
package media

import (
	"context"
	"errors"
)

// ErrNoAudio is returned when a file carries no audio stream.
var ErrNoAudio = errors.New("no audio tracks found")

// Engine is the transcoding backend used by job handlers.
type Engine interface {
	// Probe returns stream and container metadata for path.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	// DecodePCM decodes the first audio stream of path to interleaved
	// float32 samples at the given rate and channel count.
	DecodePCM(ctx context.Context, path string, sampleRate, channels int) ([]float32, error)
	// Run executes ffmpeg with args.
	Run(ctx context.Context, args []string) error
}
