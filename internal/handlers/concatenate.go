package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/media-job-server/internal/job"
)

const (
	transitionNone            = "none"
	transitionWhipPan         = "whip_pan"
	defaultTransitionDuration = 0.8
	minTransitionDuration     = 0.2
	maxTransitionDuration     = 5.0
	defaultWhipSFXGainDB      = -6.0
	silenceSampleRate         = 48000
)

// transitions maps request names to ffmpeg xfade transitions.
var transitions = map[string]string{
	transitionNone:    "",
	"fade":            "fade",
	"fade_black":      "fadeblack",
	"wipe_left":       "wipeleft",
	"wipe_right":      "wiperight",
	"smooth_left":     "smoothleft",
	"smooth_right":    "smoothright",
	transitionWhipPan: "slideleft",
	"circle_open":     "circleopen",
	"circle_close":    "circleclose",
	"pixelize":        "pixelize",
}

// VideoURL is one clip in a concatenation.
type VideoURL struct {
	VideoURL string `json:"video_url" validate:"required,url"`
}

// ConcatenateRequest is the video.concatenate payload.
type ConcatenateRequest struct {
	Common
	VideoURLs            []VideoURL `json:"video_urls" validate:"required,min=1,dive"`
	TransitionType       string     `json:"transition_type"`
	TransitionSequence   []string   `json:"transition_sequence" validate:"omitempty,min=1"`
	TransitionDuration   *float64   `json:"transition_duration" validate:"omitempty,gte=0.2,lte=5"`
	WhipPanSFXGainDB     *float64   `json:"whip_pan_sfx_gain_db" validate:"omitempty,gte=-60,lte=6"`
	TransitionSFXTrackID *int       `json:"transition_sfx_track_id" validate:"omitempty,gte=0,lte=15"`
}

type concatParams struct {
	urls        []string
	plan        []string
	duration    float64
	sfxGainDB   float64
	sfxTrackID  *int
	transitions bool
}

// Concatenate joins clips, optionally with transitions between them.
type Concatenate struct {
	deps Deps
}

// NewConcatenate builds the handler.
func NewConcatenate(deps Deps) *Concatenate {
	return &Concatenate{deps: deps.withDefaults()}
}

// Prepare validates the payload and resolves the per-boundary plan.
func (h *Concatenate) Prepare(_ context.Context, raw json.RawMessage) (any, error) {
	var req ConcatenateRequest
	if err := h.deps.decode(raw, &req); err != nil {
		return nil, err
	}
	p := &concatParams{
		duration:   clamp(valueOr(req.TransitionDuration, defaultTransitionDuration), minTransitionDuration, maxTransitionDuration),
		sfxGainDB:  valueOr(req.WhipPanSFXGainDB, defaultWhipSFXGainDB),
		sfxTrackID: req.TransitionSFXTrackID,
	}
	for _, v := range req.VideoURLs {
		p.urls = append(p.urls, v.VideoURL)
	}
	plan, err := transitionPlan(len(p.urls), req.TransitionType, req.TransitionSequence)
	if err != nil {
		return nil, err
	}
	p.plan = plan
	for _, key := range plan {
		if key != transitionNone {
			p.transitions = true
		}
	}
	return p, nil
}

func normalizeTransition(name string) (string, error) {
	key := strings.ToLower(name)
	if key == "" {
		key = transitionNone
	}
	if _, ok := transitions[key]; !ok {
		return "", job.BadRequest("Unsupported transition_type '%s'. Choose one of: %s.", name, strings.Join(sortedKeys(transitions), ", "))
	}
	return key, nil
}

// transitionPlan returns one transition key per clip boundary.
func transitionPlan(clips int, def string, sequence []string) ([]string, error) {
	key, err := normalizeTransition(def)
	if err != nil {
		return nil, err
	}
	if sequence != nil {
		boundaries := clips - 1
		if boundaries == 0 {
			return nil, job.BadRequest("transition_sequence requires at least two video_urls.")
		}
		if len(sequence) != boundaries {
			return nil, job.BadRequest("transition_sequence must include exactly %d entries (one per clip boundary).", boundaries)
		}
		plan := make([]string, 0, boundaries)
		for _, name := range sequence {
			k, err := normalizeTransition(name)
			if err != nil {
				return nil, err
			}
			if k == transitionNone {
				return nil, job.BadRequest("transition_sequence entries must specify an actual transition type.")
			}
			plan = append(plan, k)
		}
		return plan, nil
	}
	if clips <= 1 {
		return nil, nil
	}
	plan := make([]string, clips-1)
	for i := range plan {
		plan[i] = key
	}
	return plan, nil
}

// Handle downloads the clips, joins them and uploads the result.
func (h *Concatenate) Handle(ctx context.Context, j *job.Job) (any, error) {
	p, err := params[*concatParams](j)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := h.deps.scratch(j.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	inputs := make([]string, 0, len(p.urls))
	for _, u := range p.urls {
		path, err := h.deps.Downloader.Download(ctx, u, dir)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, path)
	}

	name := j.ID + ".mp4"
	out := filepath.Join(dir, name)
	var args []string
	if p.transitions {
		args, err = h.transitionArgs(ctx, p, inputs, out)
	} else {
		args, err = concatDemuxerArgs(dir, inputs, out)
	}
	if err != nil {
		return nil, err
	}
	if err := h.deps.runEngine(ctx, args); err != nil {
		return nil, err
	}
	return h.deps.upload(ctx, out, name)
}

func concatDemuxerArgs(dir string, inputs []string, out string) ([]string, error) {
	var list strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return nil, job.Internal(fmt.Errorf("resolve %s: %w", in, err))
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	listPath := filepath.Join(dir, "concat_list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return nil, job.Internal(fmt.Errorf("write concat list: %w", err))
	}
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out}, nil
}

// clipInfo is what the transition graph needs to know about each input.
type clipInfo struct {
	duration float64
	hasAudio bool
}

func (h *Concatenate) transitionArgs(ctx context.Context, p *concatParams, inputs []string, out string) ([]string, error) {
	clips := make([]clipInfo, len(inputs))
	for i, in := range inputs {
		probe, err := h.deps.probeFile(ctx, in, p.urls[i])
		if err != nil {
			return nil, err
		}
		d := probe.Duration()
		if d <= 0 {
			return nil, job.BadRequest("unable to determine duration for '%s'", p.urls[i])
		}
		clips[i] = clipInfo{duration: d, hasAudio: len(probe.AudioStreams()) > 0}
	}
	sfx := ""
	if h.deps.WhipSFXPath != "" {
		if _, err := os.Stat(h.deps.WhipSFXPath); err == nil {
			sfx = h.deps.WhipSFXPath
		}
	}
	g, err := buildTransitionGraph(clips, p.plan, p.duration, p.sfxGainDB, p.sfxTrackID != nil, sfx)
	if err != nil {
		return nil, err
	}
	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	if g.sfxInput {
		args = append(args, "-i", sfx)
	}
	args = append(args, "-filter_complex", g.filter)
	for _, label := range g.maps {
		args = append(args, "-map", label)
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		out,
	)
	return args, nil
}

type transitionGraph struct {
	filter   string
	maps     []string
	sfxInput bool
}

// effectiveTransition shortens the requested duration to fit both clips.
func effectiveTransition(requested, previousTail, next float64) (float64, error) {
	capped := max(min(previousTail, next)-0.05, minTransitionDuration)
	eff := min(requested, capped)
	if eff < minTransitionDuration {
		return 0, job.BadRequest("Transition duration is longer than one of the clips.")
	}
	return eff, nil
}

// buildTransitionGraph chains xfade/acrossfade across all clips. Whip pans add
// a motion blur pulse and, when sfx is set, a whoosh either mixed into the
// main audio or collected on a separate track.
func buildTransitionGraph(clips []clipInfo, plan []string, requested, sfxGainDB float64, separateSFX bool, sfx string) (transitionGraph, error) {
	var g transitionGraph
	var parts []string

	audio := make([]string, len(clips))
	for i, c := range clips {
		if c.hasAudio {
			audio[i] = fmt.Sprintf("[%d:a]", i)
			continue
		}
		audio[i] = fmt.Sprintf("[sil%d]", i)
		parts = append(parts, fmt.Sprintf(
			"anullsrc=channel_layout=stereo:sample_rate=%d,atrim=duration=%s,asetpts=N/SR/TB[sil%d]",
			silenceSampleRate, decimal(c.duration), i))
	}

	whips := 0
	for _, key := range plan {
		if key == transitionWhipPan {
			whips++
		}
	}
	sfxSource := fmt.Sprintf("[%d:a]", len(clips))
	if sfx != "" && whips > 1 {
		var labels strings.Builder
		for k := 0; k < whips; k++ {
			fmt.Fprintf(&labels, "[wsrc%d]", k)
		}
		parts = append(parts, fmt.Sprintf("%sasplit=%d%s", sfxSource, whips, labels.String()))
	}
	g.sfxInput = sfx != "" && whips > 0

	video := "[0:v]"
	mainAudio := audio[0]
	cumulative := clips[0].duration
	tail := clips[0].duration
	whip := 0
	var sfxLabels []string

	for idx := 1; idx < len(clips); idx++ {
		key := plan[idx-1]
		next := clips[idx]
		eff, err := effectiveTransition(requested, tail, next.duration)
		if err != nil {
			return g, err
		}
		offset := max(cumulative-eff, 0)
		vOut := fmt.Sprintf("[v%d]", idx)
		aOut := fmt.Sprintf("[a%d]", idx)

		if key == transitionWhipPan {
			parts = append(parts,
				fmt.Sprintf("%s[%d:v]xfade=transition=slideleft:duration=%s:offset=%s[vx%d]", video, idx, decimal(eff), decimal(offset), idx),
				fmt.Sprintf("[vx%d]split[vs%d][vb%d]", idx, idx, idx),
				fmt.Sprintf("[vb%d]gblur=sigma=100:steps=1:sigmaV=0[vg%d]", idx, idx),
				fmt.Sprintf("[vs%d][vg%d]blend=all_expr='%s'%s", idx, idx, whipPanExpression(offset, eff), vOut),
			)
			if !g.sfxInput {
				parts = append(parts, fmt.Sprintf("%s%sacrossfade=d=%s%s", mainAudio, audio[idx], decimal(eff), aOut))
			} else {
				src := sfxSource
				if whips > 1 {
					src = fmt.Sprintf("[wsrc%d]", whip)
				}
				sfxLabel := fmt.Sprintf("[sfx%d]", whip)
				parts = append(parts, whooshFilter(src, sfxLabel, eff, offset, sfxGainDB))
				whip++
				if separateSFX {
					parts = append(parts, fmt.Sprintf("%s%sacrossfade=d=%s%s", mainAudio, audio[idx], decimal(eff), aOut))
					sfxLabels = append(sfxLabels, sfxLabel)
				} else {
					parts = append(parts,
						fmt.Sprintf("%s%sacrossfade=d=%s[ax%d]", mainAudio, audio[idx], decimal(eff), idx),
						fmt.Sprintf("[ax%d]%samix=inputs=2:dropout_transition=0%s", idx, sfxLabel, aOut),
					)
				}
			}
		} else {
			parts = append(parts,
				fmt.Sprintf("%s[%d:v]xfade=transition=%s:duration=%s:offset=%s%s", video, idx, transitions[key], decimal(eff), decimal(offset), vOut),
				fmt.Sprintf("%s%sacrossfade=d=%s%s", mainAudio, audio[idx], decimal(eff), aOut),
			)
		}
		video, mainAudio = vOut, aOut
		cumulative += next.duration - eff
		tail = next.duration
	}

	g.maps = []string{video, mainAudio}
	if len(sfxLabels) > 0 {
		parts = append(parts, fmt.Sprintf(
			"anullsrc=channel_layout=stereo:sample_rate=%d,atrim=duration=%s,asetpts=N/SR/TB[sfxbase]",
			silenceSampleRate, decimal(cumulative)))
		parts = append(parts, fmt.Sprintf("[sfxbase]%samix=inputs=%d:duration=first:dropout_transition=0[sfx]",
			strings.Join(sfxLabels, ""), len(sfxLabels)+1))
		g.maps = append(g.maps, "[sfx]")
	}
	g.filter = strings.Join(parts, ";")
	return g, nil
}

func whooshFilter(src, label string, duration, offset, gainDB float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%satrim=start=0:duration=%s,asetpts=PTS-STARTPTS", src, decimal(duration))
	if gainDB != 0 {
		fmt.Fprintf(&b, ",volume=%s", decimal(math.Pow(10, gainDB/20)))
	}
	if delay := int(math.Round(offset * 1000)); delay > 0 {
		fmt.Fprintf(&b, ",adelay=%d|%d", delay, delay)
	}
	b.WriteString(label)
	return b.String()
}

func whipPanExpression(offset, duration float64) string {
	o, d, end := decimal(offset), decimal(duration), decimal(offset+duration)
	return fmt.Sprintf("if(between(T,%s,%s),A+(B-A)*sin((T-%s)/%s*3.14159),A)", o, end, o, d)
}
