// Package handlers implements the media operations executed by worker slots.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/hook"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/media"
	"github.com/JakeFAU/media-job-server/internal/registry"
)

// Operation identifiers.
const (
	OpSmartCut    = "audio.smart_cut"
	OpProbe       = "audio.probe"
	OpMergeTracks = "audio.merge_tracks"
	OpConcatenate = "video.concatenate"
	OpCompose     = "ffmpeg.compose"
)

// Downloader fetches a remote file into dir and returns its local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, dir string) (string, error)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Engine     media.Engine
	Downloader Downloader
	Store      job.BlobStore
	Validate   *validator.Validate
	Detector   *hook.Detector
	Logger     *zap.Logger

	// WorkDir holds per-job scratch directories.
	WorkDir string
	// StoragePrefix is prepended to every uploaded object key.
	StoragePrefix string
	// LocalFilesDir is the library smart-cut selects from.
	LocalFilesDir string
	// WhipSFXPath is the whoosh sample mixed into whip_pan transitions.
	WhipSFXPath string
}

// Common holds the fields every operation accepts alongside its own.
type Common struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
	ID         string `json:"id" validate:"omitempty,max=256"`
}

// Register binds every operation to reg.
func Register(reg *registry.Registry, deps Deps) error {
	deps = deps.withDefaults()
	for op, h := range map[string]job.Handler{
		OpSmartCut:    NewSmartCut(deps),
		OpProbe:       NewProbe(deps),
		OpMergeTracks: NewMergeTracks(deps),
		OpConcatenate: NewConcatenate(deps),
		OpCompose:     NewCompose(deps),
	} {
		if err := reg.Register(op, h); err != nil {
			return fmt.Errorf("register %s: %w", op, err)
		}
	}
	return nil
}

// NewValidator returns a validator reporting JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (d Deps) withDefaults() Deps {
	if d.Validate == nil {
		d.Validate = NewValidator()
	}
	if d.Detector == nil {
		d.Detector = hook.NewDetector(hook.DefaultConfig())
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.WorkDir == "" {
		d.WorkDir = os.TempDir()
	}
	return d
}

// decode strictly unmarshals raw into dst and validates it.
func (d Deps) decode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return job.BadRequest("invalid JSON payload: %v", err)
	}
	if err := d.Validate.Struct(dst); err != nil {
		return job.BadRequest("%s", formatValidationErrors(err))
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid payload: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.SplitN(e.Namespace(), ".", 2)
		name := field[len(field)-1]
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", name, e.Tag(), e.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", name, e.Tag()))
	}
	sort.Strings(msgs)
	return "invalid payload: " + strings.Join(msgs, "; ")
}

// params extracts the typed parameters stored at admission.
func params[T any](j *job.Job) (T, error) {
	p, ok := j.Request.Params.(T)
	if !ok {
		var zero T
		return zero, job.Internal(fmt.Errorf("unexpected params %T for %s", j.Request.Params, j.Request.Operation))
	}
	return p, nil
}

// scratch creates the job's private work directory. The returned func
// removes it.
func (d Deps) scratch(jobID string) (string, func(), error) {
	dir, err := os.MkdirTemp(d.WorkDir, "job-"+jobID+"-")
	if err != nil {
		return "", nil, job.Internal(fmt.Errorf("create work dir: %w", err))
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			d.Logger.Warn("remove work dir failed", zap.String("dir", dir), zap.Error(err))
		}
	}, nil
}

// upload stores the local file under the configured prefix and returns its URL.
func (d Deps) upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 -- path produced by this process.
	if err != nil {
		return "", job.Internal(fmt.Errorf("open output %s: %w", filepath.Base(localPath), err))
	}
	defer func() { _ = f.Close() }()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := d.Store.PutObject(ctx, d.StoragePrefix+key, contentType, f)
	if err != nil {
		return "", job.Internal(fmt.Errorf("upload %s: %w", key, err))
	}
	return url, nil
}

// probeFile wraps engine failures on caller-supplied media as bad requests.
func (d Deps) probeFile(ctx context.Context, path, name string) (*media.ProbeResult, error) {
	res, err := d.Engine.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, job.BadRequest("unable to read media file %q: %v", name, err)
	}
	return res, nil
}

// runEngine executes ffmpeg, reporting failures as 500s.
func (d Deps) runEngine(ctx context.Context, args []string) error {
	if err := d.Engine.Run(ctx, args); err != nil {
		return job.Internal(fmt.Errorf("ffmpeg failed: %w", err))
	}
	return nil
}

// num renders a float the way ffmpeg arguments expect it.
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decimal renders v with at most six fractional digits.
func decimal(v float64) string {
	s := strings.TrimRight(strconv.FormatFloat(v, 'f', 6, 64), "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
