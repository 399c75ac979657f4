package probe

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"photo-shrink-go/internal/compressor"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// EXIFProber inspects image files using magic bytes, the image header and
// EXIF metadata.
type EXIFProber struct {
	logger *logrus.Logger
	mark   string
	cache  *sync.Map
	stats  CacheStats
	mutex  sync.RWMutex
}

// NewEXIFProber returns a new EXIFProber. Files whose EXIF Software tag
// contains mark are reported as Marked.
func NewEXIFProber(logger *logrus.Logger, mark string) *EXIFProber {
	if mark == "" {
		mark = compressor.DefaultMark
	}
	return &EXIFProber{
		logger: logger,
		mark:   mark,
		cache:  &sync.Map{},
	}
}

// Probe returns information about the image at filePath.
func (p *EXIFProber) Probe(filePath string) (*Info, error) {
	if !p.SupportsFile(filePath) {
		return nil, fmt.Errorf("file type not supported by prober: %s", filePath)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	key := p.getCacheKey(filePath, fileInfo)
	if value, ok := p.cache.Load(key); ok {
		if cached, ok := value.(Info); ok {
			p.incrementCacheHits()
			return &cached, nil
		}
	}
	p.incrementCacheMisses()

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info := Info{
		Path:    filePath,
		Size:    fileInfo.Size(),
		SizeKB:  float64(fileInfo.Size()) / 1024,
		ModTime: fileInfo.ModTime(),
	}

	header := make([]byte, 3072)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	info.Format, info.MIME = compressor.DetectFormat(header[:n])

	if info.Format != compressor.FormatUnknown {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind file: %w", err)
		}
		if cfg, _, err := image.DecodeConfig(file); err == nil {
			info.Width = cfg.Width
			info.Height = cfg.Height
		} else {
			p.logger.Debugf("Could not read image header of %s: %v", filePath, err)
		}
	}

	if info.Format == compressor.FormatJPEG {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind file: %w", err)
		}
		p.readEXIF(file, &info)
	}

	p.cache.Store(key, info)
	return &info, nil
}

// SupportsFile reports whether the file is supported by this prober.
func (p *EXIFProber) SupportsFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return slices.Contains([]string{".jpg", ".jpeg", ".png"}, ext)
}

// ClearCache removes all entries from the internal cache and resets statistics.
// It is safe to call while other goroutines probe.
func (p *EXIFProber) ClearCache() {
	p.cache.Range(func(key, _ any) bool {
		p.cache.Delete(key)
		return true
	})
	p.mutex.Lock()
	p.stats = CacheStats{}
	p.mutex.Unlock()
}

// GetCacheStats returns cache statistics for this prober.
func (p *EXIFProber) GetCacheStats() CacheStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := p.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// readEXIF fills the Software, Marked and TakenAt fields. Missing EXIF is
// not an error.
func (p *EXIFProber) readEXIF(r io.Reader, info *Info) {
	x, err := exif.Decode(r)
	if err != nil {
		p.logger.Debugf("No EXIF in %s: %v", info.Path, err)
		return
	}

	if tag, err := x.Get(exif.Software); err == nil {
		if val, err := tag.StringVal(); err == nil {
			info.Software = strings.TrimSpace(val)
			info.Marked = strings.Contains(info.Software, p.mark)
		}
	}

	if tm, err := x.DateTime(); err == nil {
		info.TakenAt = &tm
		return
	}
	if field, err := x.Get(exif.DateTimeOriginal); err == nil {
		if s, err := field.StringVal(); err == nil {
			if tm, err := time.Parse("2006:01:02 15:04:05", s); err == nil {
				info.TakenAt = &tm
			}
		}
	}
}

func (p *EXIFProber) getCacheKey(filePath string, fileInfo os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().UnixNano())
}

func (p *EXIFProber) incrementCacheHits() {
	p.mutex.Lock()
	p.stats.Hits++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}

func (p *EXIFProber) incrementCacheMisses() {
	p.mutex.Lock()
	p.stats.Misses++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}
