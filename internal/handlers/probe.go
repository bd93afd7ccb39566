package handlers

import (
	"context"
	"encoding/json"

	"github.com/JakeFAU/media-job-server/internal/job"
)

// ProbeRequest is the audio.probe payload.
type ProbeRequest struct {
	Common
	FileURL string `json:"file_url" validate:"required,url"`
}

type probeParams struct {
	fileURL string
}

// Probe reports the audio tracks of a remote media file.
type Probe struct {
	deps Deps
}

// NewProbe builds the handler.
func NewProbe(deps Deps) *Probe {
	return &Probe{deps: deps.withDefaults()}
}

// Prepare validates the payload.
func (h *Probe) Prepare(_ context.Context, raw json.RawMessage) (any, error) {
	var req ProbeRequest
	if err := h.deps.decode(raw, &req); err != nil {
		return nil, err
	}
	return &probeParams{fileURL: req.FileURL}, nil
}

// Handle downloads and probes the file.
func (h *Probe) Handle(ctx context.Context, j *job.Job) (any, error) {
	p, err := params[*probeParams](j)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := h.deps.scratch(j.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	path, err := h.deps.Downloader.Download(ctx, p.fileURL, dir)
	if err != nil {
		return nil, err
	}
	res, err := h.deps.probeFile(ctx, path, p.fileURL)
	if err != nil {
		return nil, err
	}
	report := res.Report()
	if report.TrackCount == 0 {
		return nil, job.BadRequest("No audio tracks found in the input file")
	}
	return report, nil
}
