// Package raster turns an uploaded scan PDF into one grayscale page image per
// page at a fixed resolution suitable for handwriting OCR.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

const (
	// DefaultTargetDPI matches the resolution the answer sheets were calibrated at.
	DefaultTargetDPI = 200
	// DefaultMinDPI is the lowest resolution that still keeps pen strokes legible.
	DefaultMinDPI = 150

	pointsPerInch = 72.0
	// resampleTolerance is the relative DPI drift accepted without resampling.
	resampleTolerance = 0.1
)

// Config holds the resolution constants of the rasterizer.
type Config struct {
	TargetDPI float64
	MinDPI    float64
}

// Rasterizer extracts page scans with pdfcpu.
type Rasterizer struct {
	config Config
}

// New creates a Rasterizer. Zero values fall back to the defaults and the
// target is never allowed below the minimum.
func New(config Config) *Rasterizer {
	if config.MinDPI <= 0 {
		config.MinDPI = DefaultMinDPI
	}
	if config.TargetDPI <= 0 {
		config.TargetDPI = DefaultTargetDPI
	}
	if config.TargetDPI < config.MinDPI {
		config.TargetDPI = config.MinDPI
	}
	return &Rasterizer{config: config}
}

type pageScan struct {
	data   []byte
	pixels int
}

// Rasterize returns the pages of the document in order. A malformed PDF or one
// with zero pages fails with a DocumentDecodeError. A page without an embedded
// scan is returned with RasterErr set rather than failing the document.
func (r *Rasterizer) Rasterize(data []byte) ([]models.Page, error) {
	if len(data) == 0 {
		return nil, models.NewDocumentDecodeError(errors.New("empty document"))
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return nil, models.NewDocumentDecodeError(fmt.Errorf("failed to read page dimensions: %w", err))
	}
	if len(dims) == 0 {
		return nil, models.NewDocumentDecodeError(errors.New("document has zero pages"))
	}

	scans := make(map[int]pageScan, len(dims))
	digest := func(img model.Image, singleImgPerPage bool, maxPageDigits int) error {
		if img.Reader == nil {
			return nil
		}
		raw, err := io.ReadAll(img.Reader)
		if err != nil {
			return fmt.Errorf("failed to read image on page %d: %w", img.PageNr, err)
		}
		pixels := img.Width * img.Height
		if cur, ok := scans[img.PageNr]; !ok || pixels > cur.pixels {
			scans[img.PageNr] = pageScan{data: raw, pixels: pixels}
		}
		return nil
	}
	if err := api.ExtractImages(bytes.NewReader(data), nil, digest, conf); err != nil {
		return nil, models.NewDocumentDecodeError(fmt.Errorf("failed to extract page images: %w", err))
	}

	pages := make([]models.Page, len(dims))
	for i, dim := range dims {
		pages[i] = models.Page{Index: i, Status: models.PagePending}
		scan, ok := scans[i+1]
		if !ok {
			pages[i].RasterErr = models.NewPageRasterError(fmt.Errorf("page %d carries no scanned image", i+1))
			continue
		}
		img, dpi, err := r.decodePage(scan.data, dim.Width)
		if err != nil {
			pages[i].RasterErr = models.NewPageRasterError(fmt.Errorf("page %d: %w", i+1, err))
			continue
		}
		pages[i].Image = img
		pages[i].DPI = dpi
		pages[i].Status = models.PageRasterized
	}
	slog.Info("Document rasterized.", "pageCount", len(pages), "scannedPages", len(scans), "targetDpi", r.config.TargetDPI)
	return pages, nil
}

// decodePage decodes a scan and resamples it to the target DPI, given the
// page width in PDF points.
func (r *Rasterizer) decodePage(raw []byte, widthPts float64) (*image.Gray, float64, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode scan: %w", err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, 0, errors.New("scan has no pixels")
	}

	dpi := r.config.TargetDPI
	if widthPts > 0 {
		dpi = float64(b.Dx()) / (widthPts / pointsPerInch)
	}
	if dpi < r.config.MinDPI {
		slog.Warn("Scan resolution below minimum, upsampling.", "dpi", math.Round(dpi), "minDpi", r.config.MinDPI)
	}
	return Resample(src, dpi, r.config.TargetDPI), r.config.TargetDPI, nil
}

// Resample converts src to grayscale at targetDPI. Images already within
// tolerance of the target keep their size.
func Resample(src image.Image, srcDPI, targetDPI float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if srcDPI > 0 && targetDPI > 0 && math.Abs(srcDPI-targetDPI)/targetDPI > resampleTolerance {
		scale := targetDPI / srcDPI
		w = max(1, int(math.Round(float64(w)*scale)))
		h = max(1, int(math.Round(float64(h)*scale)))
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
