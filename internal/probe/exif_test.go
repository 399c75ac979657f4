package probe

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"photo-shrink-go/internal/compressor"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func gradient(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encode(t *testing.T, img image.Image, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

// withSoftwareTag inserts an APP1 EXIF segment holding only IFD0 Software.
func withSoftwareTag(jpeg []byte, software string) []byte {
	value := append([]byte(software), 0)

	var tiff bytes.Buffer
	tiff.WriteString("II")
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(42))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(1))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(0x0131))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(2))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(len(value)))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8+2+12+4))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(0))
	tiff.Write(value)

	var seg bytes.Buffer
	seg.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&seg, binary.BigEndian, uint16(2+6+tiff.Len()))
	seg.WriteString("Exif\x00\x00")
	seg.Write(tiff.Bytes())

	out := append([]byte{}, jpeg[:2]...)
	out = append(out, seg.Bytes()...)
	return append(out, jpeg[2:]...)
}

func TestProbe_JPEG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.JPG")
	require.NoError(t, os.WriteFile(path, encode(t, gradient(120, 80), imaging.JPEG), 0644))

	p := NewEXIFProber(quietLogger(), "")
	info, err := p.Probe(path)
	require.NoError(t, err)

	assert.Equal(t, compressor.FormatJPEG, info.Format)
	assert.Equal(t, "image/jpeg", info.MIME)
	assert.Equal(t, 120, info.Width)
	assert.Equal(t, 80, info.Height)
	assert.False(t, info.Marked)
	assert.Nil(t, info.TakenAt)
	assert.InDelta(t, float64(info.Size)/1024, info.SizeKB, 1e-9)
}

func TestProbe_PNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, encode(t, gradient(64, 32), imaging.PNG), 0644))

	info, err := NewEXIFProber(quietLogger(), "").Probe(path)
	require.NoError(t, err)
	assert.Equal(t, compressor.FormatPNG, info.Format)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, 32, info.Height)
	assert.True(t, info.OverBudget(0.01))
	assert.False(t, info.OverBudget(1_000))
}

func TestProbe_DetectsMark(t *testing.T) {
	dir := t.TempDir()
	marked := filepath.Join(dir, "marked.jpg")
	other := filepath.Join(dir, "other.jpg")
	jpeg := encode(t, gradient(32, 32), imaging.JPEG)
	require.NoError(t, os.WriteFile(marked, withSoftwareTag(jpeg, "photo-shrink"), 0644))
	require.NoError(t, os.WriteFile(other, withSoftwareTag(jpeg, "Camera FW 1.0"), 0644))

	p := NewEXIFProber(quietLogger(), "photo-shrink")

	info, err := p.Probe(marked)
	require.NoError(t, err)
	assert.Equal(t, "photo-shrink", info.Software)
	assert.True(t, info.Marked)

	info, err = p.Probe(other)
	require.NoError(t, err)
	assert.Equal(t, "Camera FW 1.0", info.Software)
	assert.False(t, info.Marked)
}

func TestProbe_MislabelledContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.png")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a png"), 0644))

	info, err := NewEXIFProber(quietLogger(), "").Probe(path)
	require.NoError(t, err)
	assert.Equal(t, compressor.FormatUnknown, info.Format)
	assert.Zero(t, info.Width)
}

func TestProbe_Errors(t *testing.T) {
	p := NewEXIFProber(quietLogger(), "")

	_, err := p.Probe("notes.txt")
	assert.Error(t, err)

	_, err = p.Probe(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProbe_Cache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.jpg")
	require.NoError(t, os.WriteFile(path, encode(t, gradient(16, 16), imaging.JPEG), 0644))

	p := NewEXIFProber(quietLogger(), "")
	_, err := p.Probe(path)
	require.NoError(t, err)
	_, err = p.Probe(path)
	require.NoError(t, err)

	stats := p.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	p.ClearCache()
	assert.Equal(t, CacheStats{}, p.GetCacheStats())

	_, err = p.Probe(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.GetCacheStats().Misses, "cleared entries must not be served")
}

func TestProbe_ClearCacheConcurrent(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.png"} {
		path := filepath.Join(dir, name)
		format := imaging.JPEG
		if filepath.Ext(name) == ".png" {
			format = imaging.PNG
		}
		require.NoError(t, os.WriteFile(path, encode(t, gradient(16, 16), format), 0644))
		paths = append(paths, path)
	}

	p := NewEXIFProber(quietLogger(), "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				info, err := p.Probe(paths[(i+j)%len(paths)])
				assert.NoError(t, err)
				assert.Equal(t, 16, info.Width)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				p.ClearCache()
			}
		}()
	}
	wg.Wait()

	p.ClearCache()
	_, err := p.Probe(paths[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.GetCacheStats().Hits)
}

func TestSupportsFile(t *testing.T) {
	p := NewEXIFProber(quietLogger(), "")
	assert.True(t, p.SupportsFile("a.jpeg"))
	assert.True(t, p.SupportsFile("a.PNG"))
	assert.False(t, p.SupportsFile("a.gif"))
	assert.False(t, p.SupportsFile("jpg"))
}
