package compressor

import (
	"fmt"

	"github.com/barasher/go-exiftool"
)

// DefaultMark is written to the EXIF Software tag of rewritten JPEGs.
const DefaultMark = "photo-shrink"

// ExiftoolMarker writes the EXIF Software tag using the exiftool binary.
type ExiftoolMarker struct {
	Tag string
}

// NewExiftoolMarker returns a marker that stamps files with mark.
func NewExiftoolMarker(mark string) *ExiftoolMarker {
	if mark == "" {
		mark = DefaultMark
	}
	return &ExiftoolMarker{Tag: mark}
}

// Mark sets Software=<Tag> on the file at path, overwriting it in place.
func (m *ExiftoolMarker) Mark(path string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	fm := exiftool.FileMetadata{File: path, Fields: map[string]interface{}{}}
	fm.SetString("Software", m.Tag)

	files := []exiftool.FileMetadata{fm}
	et.WriteMetadata(files)
	if files[0].Err != nil {
		return fmt.Errorf("write Software tag: %w", files[0].Err)
	}
	return nil
}
