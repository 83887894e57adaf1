// Package extractor turns a video file into still frames with ffmpeg.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

const (
	ModeSingle = "single"
	ModeMulti  = "multi"

	// OutputPattern is the ffmpeg output template. Two digits keep lexical and numeric order equal.
	OutputPattern = "output_%02d"
)

// Mode selects how many frames are sampled.
type Mode struct {
	Kind  string // single or multi
	Rate  string // ffmpeg fps expression for multi mode, e.g. "1/10"
	Count int    // maximum frames in multi mode
}

type Extractor struct {
	binary string
	mode   Mode
	ext    string
	logger *slog.Logger
}

// New returns an extractor running binary (usually "ffmpeg"). ext is the frame file
// extension including the dot.
func New(binary string, mode Mode, ext string, logger *slog.Logger) *Extractor {
	if mode.Kind == "" {
		mode.Kind = ModeSingle
	}
	if mode.Rate == "" {
		mode.Rate = "1/10"
	}
	if mode.Count <= 0 {
		mode.Count = 10
	}
	if ext == "" {
		ext = ".jpg"
	}
	return &Extractor{binary: binary, mode: mode, ext: ext, logger: logger}
}

func (e *Extractor) Mode() Mode  { return e.mode }
func (e *Extractor) Ext() string { return e.ext }

func (e *Extractor) args(videoPath, outDir string) []string {
	out := filepath.Join(outDir, OutputPattern+e.ext)
	switch e.mode.Kind {
	case ModeMulti:
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-ss", "0", "-r", "1",
			"-i", videoPath,
			"-vf", "fps=" + e.mode.Rate,
			"-start_number", "0",
			"-vframes", strconv.Itoa(e.mode.Count),
			out, "-y",
		}
	default:
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-i", videoPath,
			"-start_number", "0",
			"-vframes", "1",
			out, "-y",
		}
	}
}

// Extract writes frames for videoPath into outDir and returns their paths in order.
// Nothing is written outside outDir.
func (e *Extractor) Extract(ctx context.Context, videoPath, outDir string) ([]string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, types.Fail(types.ExtractionFailed, "extract", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, types.Fail(types.ExtractionFailed, "extract", err)
	}

	cmd := utils.NewSafeCommand(ctx, e.binary, e.args(videoPath, outDir)...)
	e.logger.Debug("running ffmpeg", "args", cmd.Args)
	if err := cmd.Run(); err != nil {
		if tail := cmd.StderrTail(512); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		return nil, types.Fail(types.ExtractionFailed, "ffmpeg", err)
	}

	frames, err := filepath.Glob(filepath.Join(outDir, "output_*"+e.ext))
	if err != nil {
		return nil, types.Fail(types.ExtractionFailed, "extract", err)
	}
	if len(frames) == 0 {
		return nil, types.Fail(types.ExtractionFailed, "extract", fmt.Errorf("ffmpeg produced no frames from %s", filepath.Base(videoPath)))
	}
	sort.Strings(frames)

	e.logger.Debug("frames extracted", "count", len(frames))
	return frames, nil
}
