package compressor

import (
	"bytes"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// stagingInfix marks temporary files written beside a target during a rewrite.
const stagingInfix = ".shrink-"

// IsStagingFile reports whether name looks like a temporary file left behind
// by an interrupted rewrite.
func IsStagingFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, stagingInfix)
}

// stager holds at most one candidate encoding as a temporary file beside
// the target. Marking grows a JPEG, so a marked candidate is only measured
// once it sits on disk in its final form.
type stager struct {
	r      *Recompressor
	path   string
	format Format
	orig   fs.FileInfo

	tmp  string
	data []byte
	size int64
}

func (s *stager) marks() bool {
	return s.r.marker != nil && s.format == FormatJPEG
}

// fits reports whether buf meets the budget as it would be written.
func (s *stager) fits(buf []byte, maxSizeKB float64) (bool, error) {
	if sizeKB(int64(len(buf))) > maxSizeKB {
		return false, nil
	}
	if !s.marks() {
		return true, nil
	}
	size, err := s.stage(buf)
	if err != nil {
		return false, err
	}
	return sizeKB(size) <= maxSizeKB, nil
}

// stage writes data to a temporary file, marks it when a marker is set and
// returns the size on disk. Staging the same bytes twice reuses the file.
func (s *stager) stage(data []byte) (int64, error) {
	if s.tmp != "" && bytes.Equal(s.data, data) {
		return s.size, nil
	}
	s.discard()

	fsys := s.r.fs
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	// The extension stays last so tools that sniff by name still recognise the file.
	pattern := "." + strings.TrimSuffix(base, ext) + stagingInfix + "*" + ext
	tmp, err := afero.TempFile(fsys, filepath.Dir(s.path), pattern)
	if err != nil {
		return 0, newError(ErrIO, "create temp", s.path, err)
	}
	s.tmp = tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return 0, newError(ErrIO, "write temp", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, newError(ErrIO, "sync temp", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, newError(ErrIO, "close temp", s.path, err)
	}
	if err := fsys.Chmod(s.tmp, s.orig.Mode().Perm()); err != nil {
		return 0, newError(ErrIO, "chmod temp", s.path, err)
	}

	if s.marks() {
		if err := s.r.marker.Mark(s.tmp); err != nil {
			s.r.logger.WithField("file", s.path).Warnf("Output not marked: %v", err)
		}
	}

	info, err := fsys.Stat(s.tmp)
	if err != nil {
		return 0, newError(ErrIO, "stat temp", s.path, err)
	}
	s.data = data
	s.size = info.Size()
	return s.size, nil
}

// commit renames the staged file over the target. The original is untouched
// unless the rename succeeds.
func (s *stager) commit() error {
	if err := s.r.fs.Rename(s.tmp, s.path); err != nil {
		return newError(ErrIO, "rename", s.path, err)
	}
	s.tmp = ""
	s.data = nil

	if s.r.params.PreserveModTime {
		if err := s.r.fs.Chtimes(s.path, s.orig.ModTime(), s.orig.ModTime()); err != nil {
			s.r.logger.WithField("file", s.path).Warnf("Modification time not preserved: %v", err)
		}
	}
	return nil
}

func (s *stager) discard() {
	if s.tmp == "" {
		return
	}
	_ = s.r.fs.Remove(s.tmp)
	s.tmp = ""
	s.data = nil
}
