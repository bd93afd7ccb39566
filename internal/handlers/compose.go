package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/media"
)

// formatExtensions maps ffmpeg -f formats to output file extensions.
var formatExtensions = map[string]string{
	"mp4":      "mp4",
	"mov":      "mov",
	"avi":      "avi",
	"mkv":      "mkv",
	"webm":     "webm",
	"gif":      "gif",
	"apng":     "apng",
	"jpg":      "jpg",
	"jpeg":     "jpg",
	"png":      "png",
	"image2":   "png",
	"rawvideo": "raw",
	"mp3":      "mp3",
	"wav":      "wav",
	"aac":      "aac",
	"flac":     "flac",
	"ogg":      "ogg",
}

// filterFileURL finds subtitle files referenced by URL inside a filter.
var filterFileURL = regexp.MustCompile(`(subtitles|ass)=(['"])(https?://[^'"]+)(['"])`)

// Option is one ffmpeg flag with an optional argument.
type Option struct {
	Option   string `json:"option" validate:"required"`
	Argument any    `json:"argument,omitempty"`
}

// ComposeInput is one -i source.
type ComposeInput struct {
	FileURL      string   `json:"file_url" validate:"required,url"`
	Options      []Option `json:"options" validate:"omitempty,dive"`
	AudioTrackID *int     `json:"audio_track_id" validate:"omitempty,gte=0,lte=15"`
}

// ComposeFilter is one -filter_complex chain.
type ComposeFilter struct {
	Filter string `json:"filter" validate:"required"`
}

// ComposeOutput is one output file and its options.
type ComposeOutput struct {
	Options []Option `json:"options" validate:"required,min=1,dive"`
}

// ComposeMetadata selects what is reported about each output.
type ComposeMetadata struct {
	Thumbnail bool `json:"thumbnail"`
	Filesize  bool `json:"filesize"`
	Duration  bool `json:"duration"`
	Bitrate   bool `json:"bitrate"`
	Encoder   bool `json:"encoder"`
}

func (m ComposeMetadata) needsProbe() bool {
	return m.Duration || m.Bitrate || m.Encoder
}

// ComposeRequest is the ffmpeg.compose payload.
type ComposeRequest struct {
	Common
	Inputs        []ComposeInput   `json:"inputs" validate:"required,min=1,dive"`
	Filters       []ComposeFilter  `json:"filters" validate:"omitempty,dive"`
	Outputs       []ComposeOutput  `json:"outputs" validate:"required,min=1,dive"`
	GlobalOptions []Option         `json:"global_options" validate:"omitempty,dive"`
	Metadata      *ComposeMetadata `json:"metadata"`
}

// ComposeResult describes one uploaded output.
type ComposeResult struct {
	FileURL      string            `json:"file_url"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	Filesize     *int64            `json:"filesize,omitempty"`
	Duration     *float64          `json:"duration,omitempty"`
	Bitrate      *int64            `json:"bitrate,omitempty"`
	Encoder      map[string]string `json:"encoder,omitempty"`
}

// Compose runs a caller-described ffmpeg command.
type Compose struct {
	deps Deps
}

// NewCompose builds the handler.
func NewCompose(deps Deps) *Compose {
	return &Compose{deps: deps.withDefaults()}
}

// Prepare validates the payload.
func (h *Compose) Prepare(_ context.Context, raw json.RawMessage) (any, error) {
	var req ComposeRequest
	if err := h.deps.decode(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Handle downloads inputs, runs ffmpeg and uploads every output.
func (h *Compose) Handle(ctx context.Context, j *job.Job) (any, error) {
	req, err := params[*ComposeRequest](j)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := h.deps.scratch(j.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cache := make(map[string]string)
	fetch := func(rawURL string) (string, error) {
		if path, ok := cache[rawURL]; ok {
			return path, nil
		}
		path, err := h.deps.Downloader.Download(ctx, rawURL, dir)
		if err != nil {
			return "", err
		}
		cache[rawURL] = path
		return path, nil
	}

	local := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		if local[i], err = fetch(in.FileURL); err != nil {
			return nil, err
		}
	}
	filters := make([]string, 0, len(req.Filters))
	for _, f := range req.Filters {
		resolved, err := resolveFilterFiles(f.Filter, fetch)
		if err != nil {
			return nil, err
		}
		filters = append(filters, resolved)
	}

	args, outputs := composeArgs(req, local, filters, dir, j.ID)
	if err := h.deps.runEngine(ctx, args); err != nil {
		return nil, err
	}

	results := make([]ComposeResult, 0, len(outputs))
	for _, out := range outputs {
		url, err := h.deps.upload(ctx, out, filepath.Base(out))
		if err != nil {
			return nil, err
		}
		res := ComposeResult{FileURL: url}
		if req.Metadata != nil {
			if err := h.describe(ctx, out, *req.Metadata, &res); err != nil {
				return nil, err
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// resolveFilterFiles downloads subtitle files referenced by URL and rewrites
// the filter to point at the local copies.
func resolveFilterFiles(filter string, fetch func(string) (string, error)) (string, error) {
	var firstErr error
	out := filterFileURL.ReplaceAllStringFunc(filter, func(m string) string {
		parts := filterFileURL.FindStringSubmatch(m)
		path, err := fetch(parts[3])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return parts[1] + "=" + parts[2] + filepath.ToSlash(path) + parts[4]
	})
	return out, firstErr
}

func appendOptions(args []string, opts []Option) []string {
	for _, o := range opts {
		args = append(args, o.Option)
		if o.Argument != nil {
			args = append(args, argumentString(o.Argument))
		}
	}
	return args
}

func argumentString(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case float64:
		return num(a)
	case bool:
		return strconv.FormatBool(a)
	default:
		return fmt.Sprint(a)
	}
}

func outputExtension(opts []Option) string {
	for _, o := range opts {
		if o.Option != "-f" || o.Argument == nil {
			continue
		}
		if ext, ok := formatExtensions[strings.ToLower(argumentString(o.Argument))]; ok {
			return ext
		}
		break
	}
	return "mp4"
}

// audioTrackFilters routes inputs carrying audio_track_id onto numbered
// output tracks. Missing track ids up to the highest one become silence.
func audioTrackFilters(inputs []ComposeInput) (filters, labels []string) {
	byTrack := make(map[int][]int)
	highest := -1
	for i, in := range inputs {
		if in.AudioTrackID == nil {
			continue
		}
		id := *in.AudioTrackID
		byTrack[id] = append(byTrack[id], i)
		highest = max(highest, id)
	}
	for id := 0; id <= highest; id++ {
		label := fmt.Sprintf("[atrack%d]", id)
		sources := byTrack[id]
		switch len(sources) {
		case 0:
			filters = append(filters, fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d%s", silenceSampleRate, label))
		case 1:
			filters = append(filters, fmt.Sprintf("[%d:a]anull%s", sources[0], label))
		default:
			var in strings.Builder
			for _, idx := range sources {
				fmt.Fprintf(&in, "[%d:a]", idx)
			}
			filters = append(filters, fmt.Sprintf("%samix=inputs=%d:dropout_transition=0%s", in.String(), len(sources), label))
		}
		labels = append(labels, label)
	}
	return filters, labels
}

// composeArgs assembles the ffmpeg argument list and the output paths.
func composeArgs(req *ComposeRequest, local, filters []string, dir, jobID string) ([]string, []string) {
	args := appendOptions([]string{"-y"}, req.GlobalOptions)
	for i, in := range req.Inputs {
		args = appendOptions(args, in.Options)
		args = append(args, "-i", local[i])
	}

	trackFilters, trackLabels := audioTrackFilters(req.Inputs)
	all := append(append([]string(nil), filters...), trackFilters...)
	if len(all) > 0 {
		args = append(args, "-filter_complex", strings.Join(all, ";"))
	}

	outputs := make([]string, 0, len(req.Outputs))
	for i, out := range req.Outputs {
		path := filepath.Join(dir, fmt.Sprintf("%s_output_%d.%s", jobID, i, outputExtension(out.Options)))
		for _, label := range trackLabels {
			args = append(args, "-map", label)
		}
		args = appendOptions(args, out.Options)
		args = append(args, path)
		outputs = append(outputs, path)
	}
	return args, outputs
}

// describe fills the requested metadata for one output.
func (h *Compose) describe(ctx context.Context, path string, want ComposeMetadata, res *ComposeResult) error {
	if want.Thumbnail {
		thumb := strings.TrimSuffix(path, filepath.Ext(path)) + "_thumbnail.jpg"
		err := h.deps.Engine.Run(ctx, []string{"-y", "-i", path, "-vf", `select=eq(n\,0)`, "-vframes", "1", thumb})
		if err != nil {
			h.deps.Logger.Warn("thumbnail generation failed", zap.String("output", filepath.Base(path)), zap.Error(err))
		} else {
			url, err := h.deps.upload(ctx, thumb, filepath.Base(thumb))
			if err != nil {
				return err
			}
			res.ThumbnailURL = url
		}
	}
	if want.Filesize {
		info, err := os.Stat(path)
		if err != nil {
			return job.Internal(fmt.Errorf("stat output: %w", err))
		}
		size := info.Size()
		res.Filesize = &size
	}
	if !want.needsProbe() {
		return nil
	}
	probe, err := h.deps.Engine.Probe(ctx, path)
	if err != nil {
		return job.Internal(fmt.Errorf("probe output: %w", err))
	}
	if want.Duration {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			res.Duration = &d
		}
	}
	if want.Bitrate {
		if b, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
			res.Bitrate = &b
		}
	}
	if want.Encoder {
		res.Encoder = encoders(probe)
	}
	return nil
}

func encoders(p *media.ProbeResult) map[string]string {
	out := make(map[string]string)
	for _, s := range p.Streams {
		if s.CodecType != "video" && s.CodecType != "audio" {
			continue
		}
		name := s.CodecName
		if name == "" {
			name = "unknown"
		}
		out[s.CodecType] = name
	}
	return out
}
