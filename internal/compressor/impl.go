package compressor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Recompressor is the default Shrinker. Each call is independent; the type
// holds only configuration and is safe for concurrent use on distinct files.
type Recompressor struct {
	params Params
	logger *logrus.Logger
	fs     afero.Fs
	marker Marker
}

// Option configures a Recompressor.
type Option func(*Recompressor)

// WithFs replaces the filesystem the Recompressor reads and writes through.
func WithFs(fsys afero.Fs) Option {
	return func(r *Recompressor) {
		r.fs = fsys
	}
}

// WithMarker stamps every rewritten JPEG before it replaces the original.
func WithMarker(m Marker) Option {
	return func(r *Recompressor) {
		r.marker = m
	}
}

// NewRecompressor returns a Recompressor for the given parameters.
func NewRecompressor(params Params, logger *logrus.Logger, opts ...Option) (*Recompressor, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	r := &Recompressor{
		params: params,
		logger: logger,
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Recompress rewrites path so that its encoded size is at most maxSizeKB.
// A file already within budget is left untouched. When the budget cannot be
// met the best result is kept and flagged with OverBudget.
func (r *Recompressor) Recompress(path string, maxSizeKB float64) (*Result, error) {
	if !validBudget(maxSizeKB) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBudget, maxSizeKB)
	}

	info, err := r.fs.Stat(path)
	if err != nil {
		return nil, newError(ErrIO, "stat", path, err)
	}
	if info.IsDir() {
		return nil, newError(ErrIO, "stat", path, fmt.Errorf("is a directory"))
	}

	res := &Result{
		Path:         path,
		BudgetKB:     maxSizeKB,
		OriginalSize: info.Size(),
		FinalSize:    info.Size(),
		Action:       ActionUnchanged,
	}
	log := r.logger.WithFields(logrus.Fields{
		"file":      path,
		"budget_kb": maxSizeKB,
	})

	if sizeKB(info.Size()) <= maxSizeKB {
		log.Debugf("Already within budget (%.2f KB)", sizeKB(info.Size()))
		return res, nil
	}

	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, newError(ErrIO, "read", path, err)
	}

	format, mime := DetectFormat(data)
	res.Format = format
	if format == FormatUnknown {
		return nil, newError(ErrUnsupportedFormat, "detect", path, fmt.Errorf("content type %s", mime))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(r.params.AutoOrient))
	if err != nil {
		return nil, newError(ErrDecode, "decode", path, err)
	}
	res.Width = img.Bounds().Dx()
	res.Height = img.Bounds().Dy()

	log.Infof("Processing %s %dx%d - %.2f KB", format, res.Width, res.Height, res.OriginalSizeKB())

	st := &stager{r: r, path: path, format: format, orig: info}
	defer st.discard()

	var out []byte
	switch format {
	case FormatJPEG:
		out, err = r.searchJPEG(img, maxSizeKB, res, st, log)
	case FormatPNG:
		out, err = r.searchPNG(img, maxSizeKB, res, st, log)
	}
	if err != nil {
		var shrinkErr *Error
		if errors.As(err, &shrinkErr) {
			return nil, err
		}
		return nil, newError(ErrIO, "encode", path, err)
	}

	if int64(len(out)) >= res.OriginalSize {
		log.Warnf("Best encoding (%.2f KB) is not smaller than the original, keeping it", sizeKB(int64(len(out))))
		return keepOriginal(res, img), nil
	}

	size, err := st.stage(out)
	if err != nil {
		return nil, err
	}
	if size >= res.OriginalSize {
		log.Warnf("Marked output (%.2f KB) is not smaller than the original, keeping it", sizeKB(size))
		return keepOriginal(res, img), nil
	}

	if err := st.commit(); err != nil {
		return nil, err
	}
	res.Written = true
	res.FinalSize = size
	res.OverBudget = res.FinalSizeKB() > maxSizeKB
	if res.OverBudget {
		res.Action = ActionBestEffort
		log.Warnf("Budget not met, best effort %.2f KB", res.FinalSizeKB())
	} else {
		res.Action = ActionRecompressed
	}

	log.WithFields(logrus.Fields{
		"quality":  res.Quality,
		"halvings": res.Halvings,
		"width":    res.Width,
		"height":   res.Height,
	}).Infof("Final size %.2f KB", res.FinalSizeKB())
	return res, nil
}

// keepOriginal resets the result to describe the untouched file. Attempts
// are kept as the search history.
func keepOriginal(res *Result, img image.Image) *Result {
	res.Action = ActionKeptOriginal
	res.OverBudget = res.OriginalSizeKB() > res.BudgetKB
	res.Quality = 0
	res.Halvings = 0
	res.Width = img.Bounds().Dx()
	res.Height = img.Bounds().Dy()
	return res
}

// searchJPEG walks the quality ladder downward and returns the first
// encoding that fits. At the floor it falls back to dimension halving.
func (r *Recompressor) searchJPEG(img image.Image, maxSizeKB float64, res *Result, st *stager, log *logrus.Entry) ([]byte, error) {
	var best []byte
	last := r.params.QualityStart
	for q := r.params.QualityStart; q > r.params.QualityFloor; q -= r.params.QualityStep {
		buf, err := encodeJPEG(img, q)
		if err != nil {
			return nil, err
		}
		last = q
		best = buf
		res.Quality = q
		r.record(res, q, img, buf, log)
		ok, err := st.fits(buf, maxSizeKB)
		if err != nil {
			return nil, err
		}
		if ok {
			return buf, nil
		}
	}

	log.Debugf("Quality floor reached at %d, halving dimensions", last)
	return r.halve(img, maxSizeKB, res, st, best, func(im image.Image) ([]byte, error) {
		return encodeJPEG(im, last)
	}, log)
}

// searchPNG quantizes to a bounded palette at maximum compression and falls
// back to dimension halving when that is not enough.
func (r *Recompressor) searchPNG(img image.Image, maxSizeKB float64, res *Result, st *stager, log *logrus.Entry) ([]byte, error) {
	pal := paletteByName(r.params.Palette, !opaque(img))
	encode := func(im image.Image) ([]byte, error) {
		return encodePNG(quantize(im, pal))
	}

	buf, err := encode(img)
	if err != nil {
		return nil, err
	}
	r.record(res, 0, img, buf, log)
	ok, err := st.fits(buf, maxSizeKB)
	if err != nil {
		return nil, err
	}
	if ok {
		return buf, nil
	}

	log.Debug("Palette reduction not enough, halving dimensions")
	return r.halve(img, maxSizeKB, res, st, buf, encode, log)
}

// halve repeatedly halves both dimensions and re-encodes until the budget is
// met or a side would drop below MinDimension. The last encoding is returned
// even when it is still over budget.
func (r *Recompressor) halve(img image.Image, maxSizeKB float64, res *Result, st *stager, best []byte,
	encode func(image.Image) ([]byte, error), log *logrus.Entry) ([]byte, error) {
	for r.params.MaxHalvings == 0 || res.Halvings < r.params.MaxHalvings {
		w, h := img.Bounds().Dx()/2, img.Bounds().Dy()/2
		if w < r.params.MinDimension || h < r.params.MinDimension {
			log.Debugf("Halving to %dx%d would pass the %dpx floor, stopping", w, h, r.params.MinDimension)
			break
		}
		img = imaging.Resize(img, w, h, imaging.Lanczos)
		buf, err := encode(img)
		if err != nil {
			return nil, err
		}
		res.Halvings++
		res.Width, res.Height = w, h
		best = buf
		log.Debugf("Halved to %dx%d - %.2f KB", w, h, sizeKB(int64(len(buf))))
		ok, err := st.fits(buf, maxSizeKB)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
	}
	return best, nil
}

func (r *Recompressor) record(res *Result, quality int, img image.Image, buf []byte, log *logrus.Entry) {
	a := Attempt{
		Quality: quality,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		SizeKB:  sizeKB(int64(len(buf))),
	}
	res.Attempts = append(res.Attempts, a)
	log.Debugf("Attempt quality [%d] - %.2f KB", a.Quality, a.SizeKB)
}

// DetectFormat sniffs the image format from magic bytes.
func DetectFormat(data []byte) (Format, string) {
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case m.Is("image/jpeg"):
			return FormatJPEG, mt.String()
		case m.Is("image/png"):
			return FormatPNG, mt.String()
		}
	}
	return FormatUnknown, mt.String()
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg at quality %d: %w", quality, err)
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
