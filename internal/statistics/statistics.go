package statistics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains all statistics for a recompression run.
type Statistics struct {
	TotalFilesFound     int64
	TotalFilesProcessed int64
	FilesRecompressed   int64
	FilesUnchanged      int64
	FilesOverBudget     int64
	FilesKeptOriginal   int64
	FilesSkipped        int64
	FilesWithErrors     int64
	FilesToRecompress   int64

	DecodeErrors      int64
	UnsupportedErrors int64
	IOErrors          int64

	QualityAttempts int64
	Halvings        int64

	BytesBefore int64
	BytesAfter  int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	DirectoriesScanned int64

	Errors []StatError

	mutex sync.RWMutex

	FileTypeStats map[string]int64
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file_path"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the counters, safe to serialize.
type Snapshot struct {
	TotalFilesFound     int64   `json:"total_found"`
	TotalFilesProcessed int64   `json:"total_processed"`
	FilesRecompressed   int64   `json:"recompressed"`
	FilesUnchanged      int64   `json:"unchanged"`
	FilesOverBudget     int64   `json:"over_budget"`
	FilesKeptOriginal   int64   `json:"kept_original"`
	FilesSkipped        int64   `json:"skipped"`
	FilesWithErrors     int64   `json:"errors"`
	FilesToRecompress   int64   `json:"to_recompress"`
	BytesBefore         int64   `json:"bytes_before"`
	BytesAfter          int64   `json:"bytes_after"`
	BytesSaved          int64   `json:"bytes_saved"`
	Halvings            int64   `json:"halvings"`
	QualityAttempts     int64   `json:"quality_attempts"`
	DurationSeconds     float64 `json:"duration_seconds"`
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		FileTypeStats: make(map[string]int64),
		Errors:        make([]StatError, 0),
	}
}

// IncrementFilesFound increases the count of found files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.TotalFilesFound, 1)
}

// IncrementFilesProcessed increases the count of processed files by 1.
func (s *Statistics) IncrementFilesProcessed() {
	atomic.AddInt64(&s.TotalFilesProcessed, 1)
}

// IncrementFilesRecompressed increases the count of rewritten files within budget by 1.
func (s *Statistics) IncrementFilesRecompressed() {
	atomic.AddInt64(&s.FilesRecompressed, 1)
}

// IncrementFilesUnchanged increases the count of files already within budget by 1.
func (s *Statistics) IncrementFilesUnchanged() {
	atomic.AddInt64(&s.FilesUnchanged, 1)
}

// IncrementFilesOverBudget increases the count of best-effort results by 1.
func (s *Statistics) IncrementFilesOverBudget() {
	atomic.AddInt64(&s.FilesOverBudget, 1)
}

// IncrementFilesKeptOriginal increases the count of files left as they were
// because no smaller encoding was found.
func (s *Statistics) IncrementFilesKeptOriginal() {
	atomic.AddInt64(&s.FilesKeptOriginal, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementFilesWithErrors increases the count of files with errors by 1.
func (s *Statistics) IncrementFilesWithErrors() {
	atomic.AddInt64(&s.FilesWithErrors, 1)
}

// IncrementFilesToRecompress increases the count of files a dry run found over budget by 1.
func (s *Statistics) IncrementFilesToRecompress() {
	atomic.AddInt64(&s.FilesToRecompress, 1)
}

// IncrementDecodeErrors increases the count of undecodable files by 1.
func (s *Statistics) IncrementDecodeErrors() {
	atomic.AddInt64(&s.DecodeErrors, 1)
}

// IncrementUnsupportedErrors increases the count of files in an unsupported format by 1.
func (s *Statistics) IncrementUnsupportedErrors() {
	atomic.AddInt64(&s.UnsupportedErrors, 1)
}

// IncrementIOErrors increases the count of read or write failures by 1.
func (s *Statistics) IncrementIOErrors() {
	atomic.AddInt64(&s.IOErrors, 1)
}

// AddQualityAttempts adds n encodes performed during quality searches.
func (s *Statistics) AddQualityAttempts(n int) {
	atomic.AddInt64(&s.QualityAttempts, int64(n))
}

// AddHalvings adds n dimension halvings.
func (s *Statistics) AddHalvings(n int) {
	atomic.AddInt64(&s.Halvings, int64(n))
}

// IncrementDirectoriesScanned increases the count of scanned directories by 1.
func (s *Statistics) IncrementDirectoriesScanned() {
	atomic.AddInt64(&s.DirectoriesScanned, 1)
}

// IncrementFileType increases the count for a specific file type by 1.
func (s *Statistics) IncrementFileType(fileType string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FileTypeStats[fileType]++
}

// AddBytes records the size of a file before and after processing.
func (s *Statistics) AddBytes(before, after int64) {
	atomic.AddInt64(&s.BytesBefore, before)
	atomic.AddInt64(&s.BytesAfter, after)
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	totalProcessed := atomic.LoadInt64(&s.TotalFilesProcessed)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(totalProcessed) / s.Duration.Seconds()
	}
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// BytesSaved returns how many bytes the run removed from disk.
func (s *Statistics) BytesSaved() int64 {
	return atomic.LoadInt64(&s.BytesBefore) - atomic.LoadInt64(&s.BytesAfter)
}

// Snapshot returns a copy of the counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	duration := s.Duration
	s.mutex.RUnlock()

	return Snapshot{
		TotalFilesFound:     atomic.LoadInt64(&s.TotalFilesFound),
		TotalFilesProcessed: atomic.LoadInt64(&s.TotalFilesProcessed),
		FilesRecompressed:   atomic.LoadInt64(&s.FilesRecompressed),
		FilesUnchanged:      atomic.LoadInt64(&s.FilesUnchanged),
		FilesOverBudget:     atomic.LoadInt64(&s.FilesOverBudget),
		FilesKeptOriginal:   atomic.LoadInt64(&s.FilesKeptOriginal),
		FilesSkipped:        atomic.LoadInt64(&s.FilesSkipped),
		FilesWithErrors:     atomic.LoadInt64(&s.FilesWithErrors),
		FilesToRecompress:   atomic.LoadInt64(&s.FilesToRecompress),
		BytesBefore:         atomic.LoadInt64(&s.BytesBefore),
		BytesAfter:          atomic.LoadInt64(&s.BytesAfter),
		BytesSaved:          s.BytesSaved(),
		Halvings:            atomic.LoadInt64(&s.Halvings),
		QualityAttempts:     atomic.LoadInt64(&s.QualityAttempts),
		DurationSeconds:     duration.Seconds(),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	duration := s.Duration
	fps := s.FilesPerSecond
	s.mutex.RUnlock()

	return fmt.Sprintf(`Photo Shrink Statistics Summary:

Files:
		Total Found: %d
		Total Processed: %d
		Recompressed: %d
		Already Within Budget: %d
		Over Budget (best effort): %d
		Kept Original: %d
		Skipped: %d
		Errors: %d
		Would Recompress: %d

Errors by Kind:
		Decode: %d
		Unsupported Format: %d
		I/O: %d

Search:
		Quality Attempts: %d
		Halvings: %d

Size:
		Before: %s
		After: %s
		Saved: %s

Performance:
		Duration: %v
		Files/Second: %.2f

Directories:
		Scanned: %d`,
		atomic.LoadInt64(&s.TotalFilesFound),
		atomic.LoadInt64(&s.TotalFilesProcessed),
		atomic.LoadInt64(&s.FilesRecompressed),
		atomic.LoadInt64(&s.FilesUnchanged),
		atomic.LoadInt64(&s.FilesOverBudget),
		atomic.LoadInt64(&s.FilesKeptOriginal),
		atomic.LoadInt64(&s.FilesSkipped),
		atomic.LoadInt64(&s.FilesWithErrors),
		atomic.LoadInt64(&s.FilesToRecompress),
		atomic.LoadInt64(&s.DecodeErrors),
		atomic.LoadInt64(&s.UnsupportedErrors),
		atomic.LoadInt64(&s.IOErrors),
		atomic.LoadInt64(&s.QualityAttempts),
		atomic.LoadInt64(&s.Halvings),
		FormatBytes(atomic.LoadInt64(&s.BytesBefore)),
		FormatBytes(atomic.LoadInt64(&s.BytesAfter)),
		FormatBytes(s.BytesSaved()),
		duration,
		fps,
		atomic.LoadInt64(&s.DirectoriesScanned))
}

// GetFileTypeBreakdown returns a formatted breakdown of file types processed.
func (s *Statistics) GetFileTypeBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FileTypeStats) == 0 {
		return "No file type statistics available"
	}

	types := make([]string, 0, len(s.FileTypeStats))
	for fileType := range s.FileTypeStats {
		types = append(types, fileType)
	}
	sort.Strings(types)

	result := "File Type Breakdown:\n"
	for _, fileType := range types {
		result += fmt.Sprintf("  %s: %d\n", fileType, s.FileTypeStats[fileType])
	}
	return result
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// GetErrors returns a copy of the recorded errors.
func (s *Statistics) GetErrors() []StatError {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]StatError(nil), s.Errors...)
}

// FormatBytes returns a human-readable string for a byte count. Negative
// counts are rendered with a leading minus.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}
