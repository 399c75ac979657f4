package compressor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Format identifies the encoded format of an image file.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	default:
		return "Unknown"
	}
}

// MarshalText renders the Format by name in JSON and logs.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Actions reported in Result.Action.
const (
	ActionUnchanged    = "unchanged"
	ActionRecompressed = "recompressed"
	ActionBestEffort   = "best_effort"
	ActionKeptOriginal = "kept_original"
)

// Palettes available for PNG quantization.
const (
	PaletteWeb   = "web"
	PalettePlan9 = "plan9"
)

// Params defines the knobs of the quality search and the dimension fallback.
type Params struct {
	QualityStart int
	QualityFloor int
	QualityStep  int

	// MinDimension is the smallest width or height a halving may produce.
	MinDimension int
	// MaxHalvings caps the dimension fallback. Zero halves until MinDimension.
	MaxHalvings int

	Palette         string
	AutoOrient      bool
	PreserveModTime bool
}

// DefaultParams returns the default search parameters.
func DefaultParams() Params {
	return Params{
		QualityStart:    95,
		QualityFloor:    10,
		QualityStep:     5,
		MinDimension:    32,
		MaxHalvings:     0,
		Palette:         PaletteWeb,
		AutoOrient:      true,
		PreserveModTime: true,
	}
}

// Validate checks that the parameters describe a terminating search.
func (p Params) Validate() error {
	if p.QualityStart < 1 || p.QualityStart > 100 {
		return fmt.Errorf("quality_start must be within 1..100, got %d", p.QualityStart)
	}
	if p.QualityFloor < 1 || p.QualityFloor >= p.QualityStart {
		return fmt.Errorf("quality_floor must be within 1..%d, got %d", p.QualityStart-1, p.QualityFloor)
	}
	if p.QualityStep <= 0 {
		return fmt.Errorf("quality_step must be positive, got %d", p.QualityStep)
	}
	if p.MinDimension < 1 {
		return fmt.Errorf("min_dimension must be positive, got %d", p.MinDimension)
	}
	if p.MaxHalvings < 0 {
		return fmt.Errorf("max_halvings must not be negative, got %d", p.MaxHalvings)
	}
	switch strings.ToLower(p.Palette) {
	case PaletteWeb, PalettePlan9:
	default:
		return fmt.Errorf("invalid palette: %s (valid: web, plan9)", p.Palette)
	}
	return nil
}

// Attempt records one encode performed during the search.
type Attempt struct {
	Quality int     `json:"quality"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	SizeKB  float64 `json:"size_kb"`
}

// Result describes the outcome of recompressing a single file.
type Result struct {
	Path         string    `json:"path"`
	Format       Format    `json:"format"`
	BudgetKB     float64   `json:"budget_kb"`
	OriginalSize int64     `json:"original_size"`
	FinalSize    int64     `json:"final_size"`
	Quality      int       `json:"quality,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Halvings     int       `json:"halvings"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	OverBudget   bool      `json:"over_budget"`
	Written      bool      `json:"written"`
	Action       string    `json:"action"`
}

// OriginalSizeKB returns the on-disk size before the call in kilobytes.
func (r *Result) OriginalSizeKB() float64 {
	return sizeKB(r.OriginalSize)
}

// FinalSizeKB returns the on-disk size after the call in kilobytes.
func (r *Result) FinalSizeKB() float64 {
	return sizeKB(r.FinalSize)
}

// PercentageSaved returns how much smaller the file became.
func (r *Result) PercentageSaved() float64 {
	if r.OriginalSize == 0 {
		return 0
	}
	return float64(r.OriginalSize-r.FinalSize) * 100 / float64(r.OriginalSize)
}

// Shrinker recompresses a single image file to fit a size budget.
type Shrinker interface {
	// Recompress rewrites the file at path in place so that it does not exceed
	// maxSizeKB, or as close as the quality floor and dimension floor allow.
	Recompress(path string, maxSizeKB float64) (*Result, error)
}

// Marker stamps a finished output file before it replaces the original.
type Marker interface {
	Mark(path string) error
}

var (
	ErrDecode            = errors.New("image decode failed")
	ErrIO                = errors.New("image i/o failed")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrInvalidBudget     = errors.New("invalid size budget")
)

// Error carries the failure kind together with the operation and file.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func validBudget(maxSizeKB float64) bool {
	return maxSizeKB > 0 && !math.IsInf(maxSizeKB, 0) && !math.IsNaN(maxSizeKB)
}

func sizeKB(n int64) float64 {
	return float64(n) / 1024
}
