package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"go.uber.org/zap"
)

const (
	MethodFFmpeg   = "ffmpeg"
	frameDirPrefix = "frames-"
)

type ProcessorConfig struct {
	Binary string
	Format string
	// InputFormat is passed as -f before the input, e.g. "lavfi" for synthetic sources.
	InputFormat string
	TempDir     string
}

// Processor captures frames with a local ffmpeg binary. It stands in for the
// browser capture context when the orchestrator runs headless.
type Processor struct {
	cfg    ProcessorConfig
	logger *zap.Logger
}

func NewProcessor(cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Processor{cfg: cfg, logger: logger}
}

func (p *Processor) ExtractFrames(ctx context.Context, req entity.ExtractionRequest, progress port.ProgressFunc) (*entity.ExtractionResult, error) {
	if err := os.MkdirAll(p.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	outDir, err := os.MkdirTemp(p.cfg.TempDir, frameDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.RemoveAll(outDir)
		}
	}()

	started := time.Now()
	cmd := exec.CommandContext(ctx, p.cfg.Binary, p.buildArgs(req, outDir)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	total := time.Duration(req.Settings.Duration * float64(time.Second))
	p.trackProgress(stdout, total, progress)

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, tail(stderr.String(), 500))
	}

	paths, err := filepath.Glob(filepath.Join(outDir, "frame_*."+p.cfg.Format))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames extracted from video")
	}
	sort.Strings(paths)

	frames := make([]entity.Frame, len(paths))
	step := 1 / float64(req.Settings.FrameRate)
	for i, path := range paths {
		frames[i] = entity.Frame{
			Index:     i,
			Timestamp: req.Settings.StartTime + float64(i)*step,
			URI:       path,
		}
	}

	result := &entity.ExtractionResult{
		Frames:          frames,
		Method:          MethodFFmpeg,
		ProcessingTime:  time.Since(started),
		Width:           req.Settings.Width,
		Height:          req.Settings.Height,
		ActualFrameRate: float64(len(frames)) / req.Settings.Duration,
	}

	keep = true
	p.logger.Info("frames extracted",
		zap.Int("count", len(frames)),
		zap.String("output_dir", outDir),
		zap.Duration("processing_time", result.ProcessingTime),
	)
	return result, nil
}

// ReleaseFrames deletes the directory holding result's frames. Only directories
// this processor created under its temp dir are removed.
func (p *Processor) ReleaseFrames(result *entity.ExtractionResult) error {
	if result == nil || len(result.Frames) == 0 {
		return nil
	}
	dir := filepath.Dir(result.Frames[0].URI)
	rel, err := filepath.Rel(p.cfg.TempDir, dir)
	if err != nil || rel != filepath.Base(dir) || !strings.HasPrefix(rel, frameDirPrefix) {
		return fmt.Errorf("release frames: %s is not a frame dir under %s", dir, p.cfg.TempDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("release frames: %w", err)
	}
	p.logger.Debug("frames released", zap.String("output_dir", dir))
	return nil
}

func (p *Processor) buildArgs(req entity.ExtractionRequest, outDir string) []string {
	s := req.Settings
	filter := fmt.Sprintf("fps=%d", s.FrameRate)
	if s.Width > 0 || s.Height > 0 {
		w, h := s.Width, s.Height
		if w == 0 {
			w = -2
		}
		if h == 0 {
			h = -2
		}
		filter += fmt.Sprintf(",scale=%d:%d", w, h)
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "error"}
	if s.StartTime > 0 {
		args = append(args, "-ss", formatSeconds(s.StartTime))
	}
	if p.cfg.InputFormat != "" {
		args = append(args, "-f", p.cfg.InputFormat)
	}
	args = append(args,
		"-i", req.Video.URL,
		"-t", formatSeconds(s.Duration),
		"-vf", filter,
		"-progress", "pipe:1",
		"-y",
		filepath.Join(outDir, "frame_%04d."+p.cfg.Format),
	)
	return args
}

// trackProgress reads ffmpeg's key=value progress stream. Progress stops at 99 so
// that 100 is only ever reported by the completed job itself.
func (p *Processor) trackProgress(r io.Reader, total time.Duration, progress port.ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		elapsed, ok := parseProgressLine(scanner.Text())
		if !ok || total <= 0 || progress == nil {
			continue
		}
		pct := int(elapsed * 100 / total)
		if pct > 99 {
			pct = 99
		}
		if pct > 0 {
			progress(pct)
		}
	}
}

// parseProgressLine extracts the output position from an out_time_us or out_time_ms line.
// ffmpeg reports both in microseconds.
func parseProgressLine(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return time.Duration(us) * time.Microsecond, true
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
