package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/media"
	"github.com/JakeFAU/media-job-server/internal/storage/memory"
)

// fakeEngine returns canned probes and creates every output file an ffmpeg
// invocation names inside the work dir.
type fakeEngine struct {
	workDir string
	probes  map[string]*media.ProbeResult
	pcm     []float32
	runErr  error
	onRun   func(args []string)

	mu      sync.Mutex
	runs    [][]string
	decodes []decodeCall
}

type decodeCall struct {
	rate     int
	channels int
}

func (f *fakeEngine) Probe(_ context.Context, p string) (*media.ProbeResult, error) {
	if res, ok := f.probes[filepath.Base(p)]; ok {
		return res, nil
	}
	if res, ok := f.probes["*"]; ok {
		return res, nil
	}
	return nil, errors.New("invalid data found when processing input")
}

func (f *fakeEngine) DecodePCM(_ context.Context, _ string, rate, channels int) ([]float32, error) {
	f.mu.Lock()
	f.decodes = append(f.decodes, decodeCall{rate: rate, channels: channels})
	f.mu.Unlock()
	return f.pcm, nil
}

func (f *fakeEngine) Run(_ context.Context, args []string) error {
	f.mu.Lock()
	f.runs = append(f.runs, append([]string(nil), args...))
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(args)
	}
	if f.runErr != nil {
		return f.runErr
	}
	for _, a := range args {
		if !strings.HasPrefix(a, f.workDir) {
			continue
		}
		if _, err := os.Stat(a); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(a, []byte("data"), 0o600); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeEngine) lastRun() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil
	}
	return f.runs[len(f.runs)-1]
}

// fakeDownloader writes a placeholder named after the URL path.
type fakeDownloader struct {
	errs map[string]error

	mu   sync.Mutex
	urls []string
}

func (f *fakeDownloader) Download(_ context.Context, rawURL, dir string) (string, error) {
	f.mu.Lock()
	f.urls = append(f.urls, rawURL)
	f.mu.Unlock()
	if err, ok := f.errs[rawURL]; ok {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, path.Base(u.Path))
	if err := os.WriteFile(local, []byte("media"), 0o600); err != nil {
		return "", err
	}
	return local, nil
}

type fixture struct {
	deps       Deps
	engine     *fakeEngine
	downloader *fakeDownloader
	store      *memory.BlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	work := t.TempDir()
	f := &fixture{
		engine:     &fakeEngine{workDir: work, probes: map[string]*media.ProbeResult{}},
		downloader: &fakeDownloader{},
		store:      memory.NewBlobStore(),
	}
	f.deps = Deps{
		Engine:        f.engine,
		Downloader:    f.downloader,
		Store:         f.store,
		WorkDir:       work,
		StoragePrefix: "media/",
		LocalFilesDir: t.TempDir(),
	}.withDefaults()
	return f
}

func queuedJob(id, op string, params any) *job.Job {
	return job.New(id, 1, job.Request{Operation: op, Params: params}, time.Now())
}

func mediaProbe(duration string, audioTracks int, video bool) *media.ProbeResult {
	res := &media.ProbeResult{Format: media.Format{
		FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
		Duration:   duration,
		BitRate:    "128000",
		Size:       "1024",
	}}
	idx := 0
	if video {
		res.Streams = append(res.Streams, media.Stream{Index: idx, CodecType: "video", CodecName: "h264", Duration: duration})
		idx++
	}
	for i := 0; i < audioTracks; i++ {
		res.Streams = append(res.Streams, media.Stream{
			Index:      idx,
			CodecType:  "audio",
			CodecName:  "aac",
			SampleRate: "22050",
			Channels:   1,
			Duration:   duration,
		})
		idx++
	}
	return res
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, job.CodeOf(err), fmt.Sprintf("error: %v", err))
}

// toneTrack is low noise with a loud tone between toneStart and toneEnd.
func toneTrack(total, toneStart, toneEnd float64, rate int) []float32 {
	rng := rand.New(rand.NewPCG(7, 11))
	samples := make([]float32, int(total*float64(rate)))
	for i := range samples {
		t := float64(i) / float64(rate)
		v := (rng.Float64()*2 - 1) * 0.01
		if t >= toneStart && t < toneEnd {
			v += 0.8 * math.Sin(2*math.Pi*440*t)
		}
		samples[i] = float32(v)
	}
	return samples
}
