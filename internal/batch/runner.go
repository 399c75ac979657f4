package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"photo-shrink-go/internal/compressor"
	"photo-shrink-go/internal/config"
	"photo-shrink-go/internal/logger"
	"photo-shrink-go/internal/probe"
	"photo-shrink-go/internal/statistics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LogHookFunc receives progress messages, for example to forward them to a
// websocket.
type LogHookFunc func(level, message string)

// Runner recompresses every supported image under the source directory.
type Runner struct {
	config   *config.Config
	logger   *logrus.Logger
	stats    *statistics.Statistics
	prober   probe.Prober
	shrinker compressor.Shrinker
	workers  int

	logHook LogHookFunc
}

// FileInfo contains information about a discovered file.
type FileInfo struct {
	Path      string
	Size      int64
	ModTime   time.Time
	Extension string
}

// NewRunner returns a new Runner.
func NewRunner(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	prober probe.Prober,
	shrinker compressor.Shrinker,
) *Runner {
	return NewRunnerWithLogHook(cfg, logger, stats, prober, shrinker, nil)
}

// NewRunnerWithLogHook returns a Runner that also reports progress to logHook.
func NewRunnerWithLogHook(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	prober probe.Prober,
	shrinker compressor.Shrinker,
	logHook LogHookFunc,
) *Runner {
	workers := cfg.Performance.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		config:   cfg,
		logger:   logger,
		stats:    stats,
		prober:   prober,
		shrinker: shrinker,
		workers:  workers,
		logHook:  logHook,
	}
}

// Run processes all files in the source directory. Failures on single files
// are recorded in the statistics and do not stop the run. When ctx is
// cancelled no further files are dispatched, the results gathered so far are
// returned together with the context error.
func (r *Runner) Run(ctx context.Context) ([]compressor.Result, error) {
	r.logger.Info("Starting recompression run")
	r.stats.StartTime = time.Now()
	defer r.stats.Finalize()

	files, err := r.discoverFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	if len(files) == 0 {
		r.logger.Info("No image files found to process")
		return nil, nil
	}

	r.logger.Infof("Found %d image files to process", len(files))

	if r.config.Security.DryRun {
		r.logger.Info("Running in dry-run mode - no files will be modified")
		return nil, r.dryRunProcess(ctx, files)
	}

	return r.processFiles(ctx, files)
}

// discoverFiles finds all files with a supported extension.
func (r *Runner) discoverFiles(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	root := config.ExpandPath(r.config.SourceDirectory)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			r.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}

		if d.IsDir() {
			r.stats.IncrementDirectoriesScanned()
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !r.config.IsSupportedExtension(ext) {
			return nil
		}
		if compressor.IsStagingFile(path) {
			r.logger.Debugf("Skipping leftover temporary file %s", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			r.logger.Warnf("Error reading file info %s: %v", path, err)
			return nil
		}

		files = append(files, FileInfo{
			Path:      path,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			Extension: ext,
		})
		r.stats.IncrementFilesFound()
		r.stats.IncrementFileType(strings.ToUpper(strings.TrimPrefix(ext, ".")))

		if r.config.Security.MaxFilesPerRun > 0 && len(files) >= r.config.Security.MaxFilesPerRun {
			r.logger.Infof("Reached maximum files limit (%d), stopping discovery", r.config.Security.MaxFilesPerRun)
			return filepath.SkipAll
		}
		return nil
	})

	return files, err
}

// processFiles recompresses files on a bounded pool of workers.
func (r *Runner) processFiles(ctx context.Context, files []FileInfo) ([]compressor.Result, error) {
	results := make([]*compressor.Result, len(files))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, file := range files {
		i, file := i, file
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = r.processFile(file)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]compressor.Result, 0, len(files))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}

	if err := ctx.Err(); err != nil {
		r.logger.Warnf("Run cancelled after %d of %d files", len(out), len(files))
		return out, err
	}
	r.logger.Info("Recompression run completed")
	return out, nil
}

// processFile recompresses a single file. It returns nil when the file was
// skipped or failed.
func (r *Runner) processFile(file FileInfo) *compressor.Result {
	log := logger.WithFileOperation(r.logger, file.Path, "recompress")
	log.Debug("Processing file")
	r.stats.IncrementFilesProcessed()

	if r.isMarked(file) {
		r.stats.IncrementFilesSkipped()
		r.stats.AddBytes(file.Size, file.Size)
		r.emit("info", fmt.Sprintf("Skipped %s (already marked)", file.Path))
		return nil
	}

	res, err := r.shrinker.Recompress(file.Path, r.config.Budget.MaxSizeKB)
	if err != nil {
		r.recordError(file, err)
		return nil
	}

	r.stats.AddQualityAttempts(len(res.Attempts))
	r.stats.AddHalvings(res.Halvings)
	r.stats.AddBytes(res.OriginalSize, res.FinalSize)

	switch res.Action {
	case compressor.ActionUnchanged:
		r.stats.IncrementFilesUnchanged()
		log.Debug("Already within budget")
	case compressor.ActionRecompressed:
		r.stats.IncrementFilesRecompressed()
		r.emit("info", fmt.Sprintf("Recompressed %s: %.2f KB -> %.2f KB",
			file.Path, res.OriginalSizeKB(), res.FinalSizeKB()))
	case compressor.ActionBestEffort:
		r.stats.IncrementFilesOverBudget()
		r.emit("warn", fmt.Sprintf("Over budget %s: %.2f KB -> %.2f KB (budget %.2f KB)",
			file.Path, res.OriginalSizeKB(), res.FinalSizeKB(), res.BudgetKB))
	case compressor.ActionKeptOriginal:
		r.stats.IncrementFilesKeptOriginal()
		if res.OverBudget {
			r.stats.IncrementFilesOverBudget()
		}
		r.emit("warn", fmt.Sprintf("Kept original %s: no smaller encoding found", file.Path))
	}
	return res
}

// isMarked reports whether a file already carries the compression mark and
// should be skipped.
func (r *Runner) isMarked(file FileInfo) bool {
	if !r.config.Processing.SkipMarked || r.prober == nil {
		return false
	}
	info, err := r.prober.Probe(file.Path)
	if err != nil {
		logger.WithFileOperation(r.logger, file.Path, "probe").Debugf("Probe failed: %v", err)
		return false
	}
	return info.Marked
}

func (r *Runner) recordError(file FileInfo, err error) {
	r.stats.IncrementFilesWithErrors()
	switch {
	case errors.Is(err, compressor.ErrDecode):
		r.stats.IncrementDecodeErrors()
	case errors.Is(err, compressor.ErrUnsupportedFormat):
		r.stats.IncrementUnsupportedErrors()
	case errors.Is(err, compressor.ErrIO):
		r.stats.IncrementIOErrors()
	}

	op := "recompress"
	var cerr *compressor.Error
	if errors.As(err, &cerr) {
		op = cerr.Op
	}
	r.stats.AddError(file.Path, op, err.Error())
	r.emit("error", fmt.Sprintf("Could not recompress %s: %v", file.Path, err))
}

// dryRunProcess probes every file and reports what a live run would do.
func (r *Runner) dryRunProcess(ctx context.Context, files []FileInfo) error {
	logger.WithOperation(r.logger, "dry-run").Info("Starting dry-run process")

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, file := range files {
		file := file
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.processDryRunFile(file)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Info("Dry-run process completed")
	return nil
}

// processDryRunFile inspects a single file in dry-run mode.
func (r *Runner) processDryRunFile(file FileInfo) {
	r.stats.IncrementFilesProcessed()
	r.stats.AddBytes(file.Size, file.Size)

	if r.prober == nil {
		r.reportDryRun(file.Path, float64(file.Size)/1024)
		return
	}

	info, err := r.prober.Probe(file.Path)
	if err != nil {
		r.stats.IncrementFilesWithErrors()
		r.stats.IncrementIOErrors()
		r.stats.AddError(file.Path, "probe", err.Error())
		r.emit("error", fmt.Sprintf("DRY-RUN: Could not inspect %s: %v", file.Path, err))
		return
	}

	switch {
	case info.Format == compressor.FormatUnknown:
		r.stats.IncrementFilesWithErrors()
		r.stats.IncrementUnsupportedErrors()
		r.stats.AddError(file.Path, "detect", compressor.ErrUnsupportedFormat.Error())
		r.emit("warn", fmt.Sprintf("DRY-RUN: Would fail on %s (%s is not a supported image)", file.Path, info.MIME))
	case r.config.Processing.SkipMarked && info.Marked:
		r.stats.IncrementFilesSkipped()
		r.emit("info", fmt.Sprintf("DRY-RUN: Would skip %s (already marked)", file.Path))
	default:
		r.reportDryRun(file.Path, info.SizeKB)
	}
}

func (r *Runner) reportDryRun(path string, sizeKB float64) {
	budget := r.config.Budget.MaxSizeKB
	if sizeKB <= budget {
		r.stats.IncrementFilesUnchanged()
		r.logger.Debugf("DRY-RUN: %s is within budget (%.2f KB)", path, sizeKB)
		return
	}
	r.stats.IncrementFilesToRecompress()
	r.emit("info", fmt.Sprintf("DRY-RUN: Would recompress %s (%.2f KB > %.2f KB)", path, sizeKB, budget))
}

// emit logs the message and forwards it to the log hook.
func (r *Runner) emit(level, message string) {
	switch level {
	case "error":
		r.logger.Error(message)
	case "warn":
		r.logger.Warn(message)
	default:
		r.logger.Info(message)
	}
	if r.logHook != nil {
		r.logHook(level, message)
	}
}
