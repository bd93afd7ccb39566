package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/hook"
	"github.com/JakeFAU/media-job-server/internal/job"
)

// SmartCutRequest is the audio.smart_cut payload.
type SmartCutRequest struct {
	Common
	Random   *bool   `json:"random" validate:"required"`
	Filename string  `json:"filename" validate:"omitempty,max=255"`
	Duration float64 `json:"duration" validate:"required,gt=0"`
	Seed     *int64  `json:"seed"`
}

// SmartCutResult is the response body.
type SmartCutResult struct {
	URL          string  `json:"url"`
	OriginalFile string  `json:"original_file"`
	StartTime    float64 `json:"start_time"`
	Duration     float64 `json:"duration"`
	Seed         *int64  `json:"seed"`
}

type smartCutParams struct {
	file           string
	path           string
	duration       float64
	seed           *int64
	sourceDuration float64
}

// SmartCut cuts the most engaging segment from a library track.
type SmartCut struct {
	deps Deps
}

// NewSmartCut builds the handler.
func NewSmartCut(deps Deps) *SmartCut {
	return &SmartCut{deps: deps.withDefaults()}
}

// Prepare selects and probes the source so that missing files and
// over-long durations are rejected before admission.
func (h *SmartCut) Prepare(ctx context.Context, raw json.RawMessage) (any, error) {
	var req SmartCutRequest
	if err := h.deps.decode(raw, &req); err != nil {
		return nil, err
	}

	file, err := h.selectFile(req)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(h.deps.LocalFilesDir, file)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil, job.NotFound("File '%s' not found", file)
	}

	probe, err := h.deps.probeFile(ctx, path, file)
	if err != nil {
		return nil, err
	}
	if len(probe.AudioStreams()) == 0 {
		return nil, job.BadRequest("no audio tracks found in '%s'", file)
	}
	total := probe.Duration()
	if req.Duration > total {
		return nil, job.BadRequest("duration exceeds length: requested %.2fs, '%s' is %.2fs", req.Duration, file, total)
	}

	return &smartCutParams{
		file:           file,
		path:           path,
		duration:       req.Duration,
		seed:           req.Seed,
		sourceDuration: total,
	}, nil
}

func (h *SmartCut) selectFile(req SmartCutRequest) (string, error) {
	if !*req.Random {
		if req.Filename == "" {
			return "", job.BadRequest("Filename is required when random is false")
		}
		if filepath.Base(req.Filename) != req.Filename || strings.HasPrefix(req.Filename, ".") {
			return "", job.BadRequest("invalid filename '%s'", req.Filename)
		}
		return req.Filename, nil
	}
	files, err := hook.ListAudioFiles(h.deps.LocalFilesDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", job.Internal(err)
	}
	file, err := hook.SelectFile(files, req.Seed)
	if errors.Is(err, hook.ErrNoAudioFiles) {
		return "", job.NotFound("No audio files found in local-files folder")
	}
	return file, err
}

// Handle decodes the track, finds the hook and uploads the cut as MP3.
func (h *SmartCut) Handle(ctx context.Context, j *job.Job) (any, error) {
	p, err := params[*smartCutParams](j)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := h.deps.scratch(j.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Analysis runs on mono at the detector rate; the cut reads the original.
	rate := h.deps.Detector.AnalysisRate()
	samples, err := h.deps.Engine.DecodePCM(ctx, p.path, rate, 1)
	if err != nil {
		return nil, job.Internal(fmt.Errorf("decode %s: %w", p.file, err))
	}
	sig := hook.Signal{Samples: samples, SampleRate: rate, Channels: 1}
	start, err := h.deps.Detector.DetectHook(sig, p.sourceDuration, p.duration)
	switch {
	case errors.Is(err, hook.ErrInsufficientAudio):
		return nil, job.BadRequest("duration exceeds length: %v", err)
	case err != nil:
		return nil, job.Internal(fmt.Errorf("detect hook: %w", err))
	}
	h.deps.Logger.Info("hook detected",
		zap.String("job_id", j.ID),
		zap.String("file", p.file),
		zap.Float64("start_time", start),
		zap.Float64("duration", p.duration),
	)

	base := strings.TrimSuffix(p.file, filepath.Ext(p.file))
	name := fmt.Sprintf("smartcut_%s_%s.mp3", j.ID, base)
	out := filepath.Join(dir, name)
	if err := h.deps.runEngine(ctx, cutArgs(p.path, out, start, p.duration)); err != nil {
		return nil, err
	}
	url, err := h.deps.upload(ctx, out, name)
	if err != nil {
		return nil, err
	}
	return SmartCutResult{
		URL:          url,
		OriginalFile: p.file,
		StartTime:    math.Round(start*100) / 100,
		Duration:     p.duration,
		Seed:         p.seed,
	}, nil
}

func cutArgs(src, out string, start, duration float64) []string {
	return []string{
		"-y",
		"-ss", decimal(start),
		"-t", decimal(duration),
		"-i", src,
		"-acodec", "libmp3lame",
		"-b:a", "192k",
		out,
	}
}
