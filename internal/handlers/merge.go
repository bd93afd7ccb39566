package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/media-job-server/internal/job"
)

const (
	defaultTargetLUFS    = -14.0
	defaultTruePeak      = -1.0
	defaultLoudnessRange = 11.0
	minGainDB            = -60.0
	maxGainDB            = 30.0
)

// GainAdjustment changes the level of one audio track before mixing.
type GainAdjustment struct {
	TrackID *int    `json:"track_id" validate:"required,gte=0,lte=15"`
	GainDB  float64 `json:"gain_db"`
}

// MergeTracksRequest is the audio.merge_tracks payload.
type MergeTracksRequest struct {
	Common
	FileURL         string           `json:"file_url" validate:"required,url"`
	GainAdjustments []GainAdjustment `json:"gain_adjustments" validate:"omitempty,dive"`
	TargetLUFS      *float64         `json:"target_lufs" validate:"omitempty,gte=-70,lte=-5"`
	TruePeak        *float64         `json:"true_peak" validate:"omitempty,gte=-9,lte=0"`
	LoudnessRange   *float64         `json:"loudness_range" validate:"omitempty,gte=1,lte=20"`
	OutputFilename  string           `json:"output_filename" validate:"omitempty,max=255"`
}

// MergeTracksResult is the response body.
type MergeTracksResult struct {
	URL           string  `json:"url"`
	TrackCount    int     `json:"track_count"`
	TargetLUFS    float64 `json:"target_lufs"`
	TruePeak      float64 `json:"true_peak"`
	LoudnessRange float64 `json:"loudness_range"`
}

type loudness struct {
	integrated float64
	truePeak   float64
	lra        float64
}

type mergeParams struct {
	fileURL        string
	gains          map[int]float64
	loudness       loudness
	outputFilename string
}

// MergeTracks mixes every audio track of a file into one normalized track.
type MergeTracks struct {
	deps Deps
}

// NewMergeTracks builds the handler.
func NewMergeTracks(deps Deps) *MergeTracks {
	return &MergeTracks{deps: deps.withDefaults()}
}

// Prepare validates the payload and resolves defaults.
func (h *MergeTracks) Prepare(_ context.Context, raw json.RawMessage) (any, error) {
	var req MergeTracksRequest
	if err := h.deps.decode(raw, &req); err != nil {
		return nil, err
	}
	p := &mergeParams{
		fileURL: req.FileURL,
		gains:   make(map[int]float64, len(req.GainAdjustments)),
		loudness: loudness{
			integrated: valueOr(req.TargetLUFS, defaultTargetLUFS),
			truePeak:   valueOr(req.TruePeak, defaultTruePeak),
			lra:        valueOr(req.LoudnessRange, defaultLoudnessRange),
		},
	}
	for _, adj := range req.GainAdjustments {
		p.gains[*adj.TrackID] = clamp(adj.GainDB, minGainDB, maxGainDB)
	}
	if req.OutputFilename != "" {
		name := filepath.Base(req.OutputFilename)
		if name != req.OutputFilename || strings.HasPrefix(name, ".") {
			return nil, job.BadRequest("invalid output_filename '%s'", req.OutputFilename)
		}
		p.outputFilename = name
	}
	return p, nil
}

// Handle downloads the file, builds the mix graph and uploads the result.
func (h *MergeTracks) Handle(ctx context.Context, j *job.Job) (any, error) {
	p, err := params[*mergeParams](j)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := h.deps.scratch(j.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	in, err := h.deps.Downloader.Download(ctx, p.fileURL, dir)
	if err != nil {
		return nil, err
	}
	probe, err := h.deps.probeFile(ctx, in, p.fileURL)
	if err != nil {
		return nil, err
	}
	count := len(probe.AudioStreams())
	if count == 0 {
		return nil, job.BadRequest("No audio tracks found in the input file")
	}
	for track := range p.gains {
		if track >= count {
			return nil, job.BadRequest("track_id %d out of range: file has %d audio tracks", track, count)
		}
	}

	ext := filepath.Ext(in)
	if ext == "" {
		ext = ".mp4"
	}
	name := p.outputFilename
	if name == "" {
		name = j.ID + "_merged" + ext
	}
	out := filepath.Join(dir, name)
	args := []string{
		"-y",
		"-i", in,
		"-filter_complex", mergeFilterGraph(count, p.gains, p.loudness),
		"-map", "0:v?",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		out,
	}
	if err := h.deps.runEngine(ctx, args); err != nil {
		return nil, err
	}
	url, err := h.deps.upload(ctx, out, name)
	if err != nil {
		return nil, err
	}
	return MergeTracksResult{
		URL:           url,
		TrackCount:    count,
		TargetLUFS:    p.loudness.integrated,
		TruePeak:      p.loudness.truePeak,
		LoudnessRange: p.loudness.lra,
	}, nil
}

// mergeFilterGraph applies per-track gain, mixes the tracks when there is
// more than one and normalizes loudness into [aout].
func mergeFilterGraph(count int, gains map[int]float64, l loudness) string {
	var parts []string
	var inputs strings.Builder
	for i := 0; i < count; i++ {
		if g := gains[i]; g != 0 {
			parts = append(parts, fmt.Sprintf("[0:a:%d]volume=%sdB[a%d]", i, num(g), i))
			fmt.Fprintf(&inputs, "[a%d]", i)
			continue
		}
		fmt.Fprintf(&inputs, "[0:a:%d]", i)
	}
	norm := fmt.Sprintf(
		"loudnorm=I=%s:TP=%s:LRA=%s:measured_I=-23:measured_TP=-1:measured_LRA=11:linear=true:print_format=summary[aout]",
		num(l.integrated), num(l.truePeak), num(l.lra),
	)
	if count == 1 {
		parts = append(parts, inputs.String()+norm)
	} else {
		parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0,%s", inputs.String(), count, norm))
	}
	return strings.Join(parts, ";")
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
