package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeCompose(t *testing.T, body string) *ComposeRequest {
	t.Helper()
	p, err := NewCompose(newFixture(t).deps).Prepare(context.Background(), json.RawMessage(body))
	require.NoError(t, err)
	return p.(*ComposeRequest)
}

func TestComposeArgs(t *testing.T) {
	t.Parallel()

	req := decodeCompose(t, `{
		"global_options": [{"option": "-hide_banner"}],
		"inputs": [
			{"file_url": "https://cdn.test/a.mp4", "options": [{"option": "-ss", "argument": 1.5}], "audio_track_id": 0},
			{"file_url": "https://cdn.test/b.wav", "audio_track_id": 2}
		],
		"filters": [{"filter": "[0:v]scale=640:-1[v]"}],
		"outputs": [
			{"options": [{"option": "-f", "argument": "webm"}]},
			{"options": [{"option": "-crf", "argument": 23}]}
		]
	}`)

	args, outputs := composeArgs(req, []string{"/w/a.mp4", "/w/b.wav"}, []string{"[0:v]scale=640:-1[v]"}, "/w", "j1")
	require.Equal(t, []string{"/w/j1_output_0.webm", "/w/j1_output_1.mp4"}, outputs)
	require.Equal(t, []string{
		"-y", "-hide_banner",
		"-ss", "1.5", "-i", "/w/a.mp4",
		"-i", "/w/b.wav",
		"-filter_complex", "[0:v]scale=640:-1[v];[0:a]anull[atrack0];anullsrc=channel_layout=stereo:sample_rate=48000[atrack1];[1:a]anull[atrack2]",
		"-map", "[atrack0]", "-map", "[atrack1]", "-map", "[atrack2]", "-f", "webm", "/w/j1_output_0.webm",
		"-map", "[atrack0]", "-map", "[atrack1]", "-map", "[atrack2]", "-crf", "23", "/w/j1_output_1.mp4",
	}, args)
}

func TestAudioTrackFiltersMixSharedTracks(t *testing.T) {
	t.Parallel()

	zero := 0
	filters, labels := audioTrackFilters([]ComposeInput{
		{AudioTrackID: &zero},
		{},
		{AudioTrackID: &zero},
	})
	require.Equal(t, []string{"[0:a][2:a]amix=inputs=2:dropout_transition=0[atrack0]"}, filters)
	require.Equal(t, []string{"[atrack0]"}, labels)

	filters, labels = audioTrackFilters([]ComposeInput{{}})
	require.Empty(t, filters)
	require.Empty(t, labels)
}

func TestOutputExtension(t *testing.T) {
	t.Parallel()

	require.Equal(t, "mp4", outputExtension(nil))
	require.Equal(t, "png", outputExtension([]Option{{Option: "-f", Argument: "image2"}}))
	require.Equal(t, "jpg", outputExtension([]Option{{Option: "-f", Argument: "JPEG"}}))
	require.Equal(t, "mp4", outputExtension([]Option{{Option: "-f", Argument: "matroska"}}))
}

func TestResolveFilterFiles(t *testing.T) {
	t.Parallel()

	fetch := func(u string) (string, error) {
		if u == "https://cdn.test/bad.srt" {
			return "", errors.New("boom")
		}
		return "/scratch/subs.srt", nil
	}
	out, err := resolveFilterFiles("[0:v]subtitles='https://cdn.test/subs.srt':force_style='Fontsize=24'[v]", fetch)
	require.NoError(t, err)
	require.Equal(t, "[0:v]subtitles='/scratch/subs.srt':force_style='Fontsize=24'[v]", out)

	out, err = resolveFilterFiles("scale=1280:720", fetch)
	require.NoError(t, err)
	require.Equal(t, "scale=1280:720", out)

	_, err = resolveFilterFiles(`ass="https://cdn.test/bad.srt"`, fetch)
	require.Error(t, err)
}

func TestComposeHandleUploadsOutputsWithMetadata(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.engine.probes["*"] = mediaProbe("12.5", 1, true)
	h := NewCompose(f.deps)

	p, err := h.Prepare(context.Background(), json.RawMessage(`{
		"inputs": [
			{"file_url": "https://cdn.test/a.mp4"},
			{"file_url": "https://cdn.test/a.mp4"}
		],
		"outputs": [{"options": [{"option": "-c:v", "argument": "libx264"}]}],
		"metadata": {"thumbnail": true, "filesize": true, "duration": true, "bitrate": true, "encoder": true}
	}`))
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), queuedJob("job-x", OpCompose, p))
	require.NoError(t, err)

	results := resp.([]ComposeResult)
	require.Len(t, results, 1)
	res := results[0]
	require.Equal(t, "memory://media/job-x_output_0.mp4", res.FileURL)
	require.Equal(t, "memory://media/job-x_output_0_thumbnail.jpg", res.ThumbnailURL)
	require.NotNil(t, res.Filesize)
	require.Equal(t, int64(4), *res.Filesize)
	require.NotNil(t, res.Duration)
	require.InDelta(t, 12.5, *res.Duration, 1e-9)
	require.NotNil(t, res.Bitrate)
	require.Equal(t, int64(128000), *res.Bitrate)
	require.Equal(t, map[string]string{"video": "h264", "audio": "aac"}, res.Encoder)

	// Duplicate URLs are fetched once.
	require.Len(t, f.downloader.urls, 1)
	require.Len(t, f.engine.runs, 2)
}

func TestComposeEngineFailureIsInternal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.engine.runErr = errors.New("exit status 1")
	h := NewCompose(f.deps)

	p, err := h.Prepare(context.Background(), json.RawMessage(
		`{"inputs": [{"file_url": "https://cdn.test/a.mp4"}], "outputs": [{"options": [{"option": "-an"}]}]}`))
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), queuedJob("job-x", OpCompose, p))
	requireCode(t, err, http.StatusInternalServerError)
}

func TestComposePrepareValidation(t *testing.T) {
	t.Parallel()

	h := NewCompose(newFixture(t).deps)
	for _, body := range []string{
		`{"inputs": [], "outputs": [{"options": [{"option": "-an"}]}]}`,
		`{"inputs": [{"file_url": "https://cdn.test/a.mp4"}], "outputs": []}`,
		`{"inputs": [{"file_url": "https://cdn.test/a.mp4"}], "outputs": [{"options": []}]}`,
		`{"inputs": [{"file_url": "https://cdn.test/a.mp4", "audio_track_id": 20}], "outputs": [{"options": [{"option": "-an"}]}]}`,
	} {
		_, err := h.Prepare(context.Background(), json.RawMessage(body))
		requireCode(t, err, http.StatusBadRequest)
	}
}
