package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/config"
	"github.com/JakeFAU/media-job-server/internal/hook"
	"github.com/JakeFAU/media-job-server/internal/media"
)

// newEngine is swapped in tests so the command runs without ffmpeg.
var newEngine = func(cfg config.Config, logger *zap.Logger) media.Engine {
	return media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, logger)
}

func newHookCmd() *cobra.Command {
	var (
		duration   float64
		sampleRate int
	)
	cmd := &cobra.Command{
		Use:   "hook <file>",
		Short: "Print the start time of the most engaging segment of a local audio file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := sessionFrom(cmd.Context())
			if err != nil {
				return err
			}
			if duration <= 0 {
				return errors.New("--duration must be positive")
			}
			ctx := cmd.Context()
			engine := newEngine(rt.cfg, rt.logger.Named("ffmpeg"))
			path := args[0]

			probe, err := engine.Probe(ctx, path)
			if err != nil {
				return fmt.Errorf("probe %s: %w", path, err)
			}
			if len(probe.AudioStreams()) == 0 {
				return fmt.Errorf("%s: %w", path, media.ErrNoAudio)
			}
			total := probe.Duration()
			if total > 0 && duration > total {
				return fmt.Errorf("duration %.3fs exceeds file length %.3fs", duration, total)
			}

			samples, err := engine.DecodePCM(ctx, path, sampleRate, 1)
			if err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			start, err := hook.NewDetector(hook.DefaultConfig()).DetectHook(
				hook.Signal{Samples: samples, SampleRate: sampleRate, Channels: 1},
				total,
				duration,
			)
			if err != nil {
				return fmt.Errorf("detect hook: %w", err)
			}
			rt.logger.Debug("hook detected",
				zap.String("file", path),
				zap.Float64("start", start),
				zap.Float64("duration", duration),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", start)
			return err
		},
	}
	cmd.Flags().Float64Var(&duration, "duration", 15, "segment length in seconds")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 22050, "analysis sample rate in Hz")
	return cmd
}
