package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const stderrTail = 2048

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// NewFFmpeg returns an Engine using the given binaries; empty paths resolve
// through PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, logger *zap.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// Probe implements Engine.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := f.exec(ctx, f.ffprobePath, []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	})
	if err != nil {
		return nil, err
	}
	return ParseProbe(out)
}

// DecodePCM implements Engine.
func (f *FFmpeg) DecodePCM(ctx context.Context, path string, sampleRate, channels int) ([]float32, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid decode format: rate %d, channels %d", sampleRate, channels)
	}
	out, err := f.exec(ctx, f.ffmpegPath, []string{
		"-nostdin", "-v", "error",
		"-i", path,
		"-map", "0:a:0",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"pipe:1",
	})
	if err != nil {
		return nil, err
	}
	return DecodeF32LE(out), nil
}

// Run implements Engine.
func (f *FFmpeg) Run(ctx context.Context, args []string) error {
	_, err := f.exec(ctx, f.ffmpegPath, args)
	return err
}

func (f *FFmpeg) exec(ctx context.Context, bin string, args []string) ([]byte, error) {
	// #nosec G204 -- binaries come from configuration and args are built internally.
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	f.logger.Debug("media command finished",
		zap.String("bin", bin),
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s interrupted: %w", bin, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{Bin: bin, ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return stdout.Bytes(), nil
}

// CommandError reports a non-zero exit from a media tool.
type CommandError struct {
	Bin      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Bin, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Bin, e.ExitCode, e.Stderr)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return "..." + s[len(s)-stderrTail:]
}

// DecodeF32LE converts raw little-endian float32 bytes to samples. A
// trailing partial sample is dropped.
func DecodeF32LE(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
