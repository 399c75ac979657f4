package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"photo-shrink-go/internal/batch"
	"photo-shrink-go/internal/compressor"
	"photo-shrink-go/internal/config"
	"photo-shrink-go/internal/logger"
	"photo-shrink-go/internal/probe"
	"photo-shrink-go/internal/statistics"
	"photo-shrink-go/internal/web"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	sourceDir string
	maxSizeKB float64
	workers   int
	dryRun    bool
	mark      bool
	verbose   bool
	quiet     bool
	version   = "dev"
	buildTime string
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "photo-shrink [directory]",
	Short: "Recompress photos in place until they fit a size budget",
	Long: `PhotoShrink rewrites JPEG and PNG files in place so that each one
fits under a size budget in kilobytes.

Features:
- JPEG quality search from 95 downward in steps of 5
- PNG palette reduction with Floyd-Steinberg dithering
- Dimension halving when quality alone cannot meet the budget
- Files are never replaced by a larger encoding
- Atomic replacement through a temporary file in the same directory
- Optional EXIF mark so already processed files are skipped
- Dry-run mode, logging and statistics`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShrink(args)
	},
}

// scanCmd reports which files would be recompressed without touching them.
var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "Scan directory and show which files exceed the budget",
	Long: `Scan the specified directory (or current directory) and display
statistics about images that exceed the size budget without rewriting them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args)
	},
}

// fileCmd recompresses a single file.
var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Recompress a single image and print the search result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFile(args[0])
	},
}

// inspectCmd prints what the prober sees in a file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Show format, dimensions and mark of an image",
	Long: `Inspects an image without rewriting it and shows its detected format,
dimensions, size against the budget and whether it carries the mark.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server exposing scans and recompression runs as a JSON
API, with progress pushed to websocket clients on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.Version = version
	if buildTime != "" {
		rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().Float64Var(&maxSizeKB, "max-size-kb", 0, "size budget per file in kilobytes (default from config)")

	rootCmd.Flags().StringVar(&sourceDir, "source", "", "source directory containing images")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "number of files processed concurrently")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be recompressed without changing files")
	rootCmd.PersistentFlags().BoolVar(&mark, "mark", false, "write the EXIF Software mark into recompressed JPEGs")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// runShrink executes a recompression run over a directory.
func runShrink(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if dryRun {
		cfg.Security.DryRun = true
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()

	shrinker, err := newShrinker(cfg, log)
	if err != nil {
		return err
	}
	runner := batch.NewRunner(cfg, log, stats, probe.NewEXIFProber(log, cfg.Processing.Mark), shrinker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("recompression failed: %w", err)
	}

	if !quiet {
		for _, res := range results {
			if res.Written {
				printResult(&res)
			}
		}
		fmt.Println("\n" + stats.GetSummary())
		if len(stats.GetErrors()) > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted after %d files", len(results))
	}
	return nil
}

// runScan scans the directory and prints statistics.
func runScan(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Security.DryRun = true

	fmt.Fprintf(os.Stderr, "Scanning directory: %s (budget %.0f KB)\n", cfg.SourceDirectory, cfg.Budget.MaxSizeKB)

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	runner := batch.NewRunner(cfg, log, stats, probe.NewEXIFProber(log, cfg.Processing.Mark), nil)

	if _, err := runner.Run(context.Background()); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n==================================================")
		fmt.Println("SCAN RESULTS")
		fmt.Println("==================================================")
		fmt.Println("\n" + stats.GetSummary())
		fmt.Println("\n" + stats.GetFileTypeBreakdown())
	}

	return nil
}

// runFile recompresses a single file.
func runFile(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := loadBaseConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	shrinker, err := newShrinker(cfg, log)
	if err != nil {
		return err
	}

	res, err := shrinker.Recompress(filePath, cfg.Budget.MaxSizeKB)
	if err != nil {
		return err
	}

	printResult(res)
	for _, a := range res.Attempts {
		fmt.Printf("  attempt q=%-3d %dx%d %.2f KB\n", a.Quality, a.Width, a.Height, a.SizeKB)
	}
	fmt.Printf("Action: %s\n", res.Action)
	return nil
}

// runInspect probes a file and prints what was found.
func runInspect(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if maxSizeKB > 0 {
		cfg.Budget.MaxSizeKB = maxSizeKB
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	info, err := probe.NewEXIFProber(log, cfg.Processing.Mark).Probe(filePath)
	if err != nil {
		return err
	}

	fmt.Printf("File:       %s\n", info.Path)
	fmt.Printf("Format:     %s (%s)\n", info.Format, info.MIME)
	fmt.Printf("Dimensions: %dx%d\n", info.Width, info.Height)
	fmt.Printf("Size:       %s (%.2f KB)\n", humanize.IBytes(uint64(info.Size)), info.SizeKB)
	fmt.Printf("Budget:     %.2f KB, over budget: %t\n", cfg.Budget.MaxSizeKB, info.OverBudget(cfg.Budget.MaxSizeKB))
	if info.Software != "" {
		fmt.Printf("Software:   %s\n", info.Software)
	}
	fmt.Printf("Marked:     %t\n", info.Marked)
	if info.TakenAt != nil {
		fmt.Printf("Taken:      %s\n", info.TakenAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Modified:   %s (%s)\n", info.ModTime.Format("2006-01-02 15:04:05"), humanize.Time(info.ModTime))
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadBaseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
		cfg.Security.DryRun = true
	}

	if cmd.Flags().Changed("port") {
		cfg.Web.Port = port
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Web.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("PhotoShrink API listening on http://localhost:%d\n", cfg.Web.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	server.Wait()

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadBaseConfig loads configuration and applies the flags shared by every
// command.
func loadBaseConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if maxSizeKB != 0 {
		cfg.Budget.MaxSizeKB = maxSizeKB
	}
	if mark {
		cfg.Processing.MarkOutput = true
	}
	if workers > 0 {
		cfg.Performance.WorkerThreads = workers
	}

	return cfg, cfg.Validate()
}

// loadConfig loads configuration and resolves the directory to process.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := loadBaseConfig()
	if err != nil {
		return nil, err
	}

	switch {
	case sourceDir != "":
		cfg.SourceDirectory = sourceDir
	case len(args) > 0:
		cfg.SourceDirectory = args[0]
	}

	if cfg.SourceDirectory == "" {
		cfg.SourceDirectory = "."
	}
	cfg.SourceDirectory = config.ExpandPath(cfg.SourceDirectory)

	if !dirExists(cfg.SourceDirectory) {
		return nil, fmt.Errorf("source directory does not exist: %s", cfg.SourceDirectory)
	}

	return cfg, nil
}

func newShrinker(cfg *config.Config, log *logrus.Logger) (*compressor.Recompressor, error) {
	var opts []compressor.Option
	if cfg.Processing.MarkOutput {
		opts = append(opts, compressor.WithMarker(compressor.NewExiftoolMarker(cfg.Processing.Mark)))
	}
	shrinker, err := compressor.NewRecompressor(cfg.Params(), log, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid recompression settings: %w", err)
	}
	return shrinker, nil
}

func printResult(res *compressor.Result) {
	status := "within budget"
	if res.OverBudget {
		status = "OVER BUDGET"
	}
	fmt.Printf("%s: %s -> %s (%.1f%% saved, quality %d, %dx%d, %d halvings, %s)\n",
		res.Path,
		humanize.IBytes(uint64(res.OriginalSize)),
		humanize.IBytes(uint64(res.FinalSize)),
		res.PercentageSaved(),
		res.Quality,
		res.Width,
		res.Height,
		res.Halvings,
		status)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.DefaultConfig()
	if cfg.Logging.Level != "" {
		loggerCfg.Level = cfg.Logging.Level
	}
	if cfg.Logging.FilePath != "" {
		loggerCfg.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSize > 0 {
		loggerCfg.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxBackups > 0 {
		loggerCfg.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAge > 0 {
		loggerCfg.MaxAge = cfg.Logging.MaxAge
	}
	loggerCfg.Compress = cfg.Logging.Compress
	loggerCfg.Console = !quiet
	loggerCfg.Text = strings.EqualFold(cfg.Logging.Format, "text")

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err == nil {
		return log
	}

	// Fall back to the defaults, keeping the destination when it is usable.
	fallback := logger.DefaultConfig()
	fallback.FilePath = loggerCfg.FilePath
	fallback.Console = loggerCfg.Console
	fallback.Text = loggerCfg.Text
	if log, ferr := logger.NewLogger(fallback); ferr == nil {
		log.Warnf("Invalid logging configuration, using defaults: %v", err)
		return log
	}
	fallback.FilePath = ""
	if log, ferr := logger.NewLogger(fallback); ferr == nil {
		log.Warnf("Invalid logging configuration, logging to console only: %v", err)
		return log
	}
	return logrus.New()
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
