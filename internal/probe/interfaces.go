package probe

import (
	"time"

	"photo-shrink-go/internal/compressor"
)

// Prober is the interface for inspecting image files without rewriting them.
type Prober interface {
	Probe(filePath string) (*Info, error)
	SupportsFile(filePath string) bool
}

// CachedProber extends Prober with caching capabilities.
type CachedProber interface {
	Prober
	ClearCache()
	GetCacheStats() CacheStats
}

// Info describes an image file on disk.
type Info struct {
	Path     string            `json:"path"`
	Size     int64             `json:"size"`
	SizeKB   float64           `json:"size_kb"`
	Format   compressor.Format `json:"format"`
	MIME     string            `json:"mime"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Software string            `json:"software,omitempty"`
	Marked   bool              `json:"marked"`
	TakenAt  *time.Time        `json:"taken_at,omitempty"`
	ModTime  time.Time         `json:"mod_time"`
}

// OverBudget reports whether the file is larger than maxSizeKB.
func (i *Info) OverBudget(maxSizeKB float64) bool {
	return i.SizeKB > maxSizeKB
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	HitRate      float64
	TotalQueries int64
}
