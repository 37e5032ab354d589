// Package locator finds the handwritten answer area of a manuscript sheet.
//
// Detection works on dark-pixel projection profiles: printed grid rules show
// up as rows (and columns) that are dark across most of the page, while
// handwriting never is. The largest regularly spaced cluster of horizontal
// rules is taken as the character grid. The outermost vertical rules inside
// that band that also lie within the reach of the horizontal rules close the
// rectangle, so ruled boxes printed beside the grid are left out. When no grid
// is found, a proportional crop calibrated for each question slot is used
// instead. Locate never fails.
package locator

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"

	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"golang.org/x/image/draw"
)

// Box is a crop expressed as fractions of the page width and height.
type Box struct {
	Left, Top, Right, Bottom float64
}

func (b Box) rect(bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	r := image.Rect(
		int(math.Round(b.Left*w)),
		int(math.Round(b.Top*h)),
		int(math.Round(b.Right*w)),
		int(math.Round(b.Bottom*h)),
	)
	return r.Add(bounds.Min).Intersect(bounds)
}

// DefaultFallback holds the calibrated answer boxes of the two-page sheet:
// question 1 sits below the student header, question 2 fills the second page.
var DefaultFallback = map[int]Box{
	1: {Left: 0.03, Top: 0.15, Right: 0.66, Bottom: 0.74},
	2: {Left: 0.03, Top: 0.07, Right: 0.66, Bottom: 0.84},
}

// Config tunes grid detection.
type Config struct {
	// DarkThreshold is the gray level below which a pixel counts as ink.
	DarkThreshold uint8
	// LineFraction is the share of dark pixels a row or column needs to be a rule.
	LineFraction float64
	// MinGridLines is the least number of horizontal rules accepted as a grid.
	MinGridLines int
	// SpacingTolerance is the relative gap difference still considered regular.
	SpacingTolerance float64
	// MinAreaFraction rejects detections covering less of the page than this.
	MinAreaFraction float64
	// MarginFraction expands a detected grid on every side.
	MarginFraction float64
	// Fallback maps a question slot to its proportional crop.
	Fallback map[int]Box
}

// DefaultConfig returns the settings tuned for 200 DPI scans.
func DefaultConfig() Config {
	return Config{
		DarkThreshold:    160,
		LineFraction:     0.5,
		MinGridLines:     4,
		SpacingTolerance: 0.25,
		MinAreaFraction:  0.15,
		MarginFraction:   0.01,
		Fallback:         DefaultFallback,
	}
}

type Locator struct {
	config Config
}

func New(config Config) *Locator {
	def := DefaultConfig()
	if config.DarkThreshold == 0 {
		config.DarkThreshold = def.DarkThreshold
	}
	if config.LineFraction <= 0 || config.LineFraction > 1 {
		config.LineFraction = def.LineFraction
	}
	if config.MinGridLines < 2 {
		config.MinGridLines = def.MinGridLines
	}
	if config.SpacingTolerance <= 0 {
		config.SpacingTolerance = def.SpacingTolerance
	}
	if config.MinAreaFraction <= 0 {
		config.MinAreaFraction = def.MinAreaFraction
	}
	if config.MarginFraction < 0 {
		config.MarginFraction = 0
	}
	if len(config.Fallback) == 0 {
		config.Fallback = def.Fallback
	}
	return &Locator{config: config}
}

// Locate returns the answer region of img for the given 1-based question slot.
func (l *Locator) Locate(img image.Image, question int) models.Region {
	bounds := img.Bounds()
	if bounds.Empty() {
		return models.Region{Bounds: bounds}
	}

	if r, ok := l.detect(toGray(img)); ok {
		return models.Region{Bounds: r, Detected: true}
	}

	slog.Debug("Grid not detected, using proportional crop.", "question", question)
	return models.Region{Bounds: l.fallback(bounds, question)}
}

// Crop locates the answer region and returns it as its own image.
func (l *Locator) Crop(img image.Image, question int) (image.Image, models.Region) {
	region := l.Locate(img, question)
	return SubImage(img, region.Bounds), region
}

func (l *Locator) fallback(bounds image.Rectangle, question int) image.Rectangle {
	box, ok := l.config.Fallback[question]
	if !ok {
		box, ok = l.config.Fallback[1]
	}
	if !ok {
		return bounds
	}
	r := box.rect(bounds)
	if r.Empty() {
		return bounds
	}
	return r
}

func (l *Locator) detect(g *image.Gray) (image.Rectangle, bool) {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	threshold := l.config.DarkThreshold

	rows := make([]int, h)
	for y := 0; y < h; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			if row[x] < threshold {
				rows[y]++
			}
		}
	}
	hLines := rules(rows, int(math.Ceil(l.config.LineFraction*float64(w))))
	top, bottom, ok := regularRun(hLines, l.config.MinGridLines, l.config.SpacingTolerance)
	if !ok {
		return image.Rectangle{}, false
	}

	cols := make([]int, w)
	for y := top; y <= bottom; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			if row[x] < threshold {
				cols[x]++
			}
		}
	}
	vLines := rules(cols, int(math.Ceil(l.config.LineFraction*float64(bottom-top+1))))

	// Only vertical rules within the reach of the grid's own horizontal rules
	// belong to it; ruled boxes beside the grid share its rows but not its rules.
	gap := max(2, int(math.Round(0.01*float64(w))))
	spanL, spanR := w, -1
	for _, y := range hLines {
		if y < top || y > bottom {
			continue
		}
		s, e := darkSpan(g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):][:w], threshold, gap)
		if e >= s {
			spanL, spanR = min(spanL, s), max(spanR, e)
		}
	}
	if spanR < spanL {
		return image.Rectangle{}, false
	}
	var inside []int
	for _, x := range vLines {
		if x >= spanL-gap && x <= spanR+gap {
			inside = append(inside, x)
		}
	}
	left, right := spanL, spanR
	if len(inside) >= 2 {
		left, right = inside[0], inside[len(inside)-1]
	}

	grid := image.Rect(left, top, right+1, bottom+1)
	if float64(grid.Dx()*grid.Dy()) < l.config.MinAreaFraction*float64(w*h) {
		return image.Rectangle{}, false
	}

	mx := int(math.Round(l.config.MarginFraction * float64(w)))
	my := int(math.Round(l.config.MarginFraction * float64(h)))
	grid = image.Rect(grid.Min.X-mx, grid.Min.Y-my, grid.Max.X+mx, grid.Max.Y+my)
	return grid.Add(b.Min).Intersect(b), true
}

// rules collapses consecutive profile entries at or above min into the centre
// index of each run.
func rules(profile []int, min int) []int {
	if min < 1 {
		min = 1
	}
	var out []int
	start := -1
	for i, v := range profile {
		if v >= min {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, (start+i-1)/2)
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, (start+len(profile)-1)/2)
	}
	return out
}

// darkSpan returns the first and last x of the longest run of ink on row,
// bridging breaks of up to maxGap pixels. It returns (0, -1) for a blank row.
func darkSpan(row []uint8, threshold uint8, maxGap int) (int, int) {
	bestS, bestE := 0, -1
	s, last := -1, -1
	for x, v := range row {
		if v >= threshold {
			continue
		}
		if s < 0 || x-last-1 > maxGap {
			s = x
		}
		last = x
		if last-s > bestE-bestS {
			bestS, bestE = s, last
		}
	}
	return bestS, bestE
}

// regularRun finds the longest sequence of rules with regular spacing and
// returns its first and last position. Spacing may alternate with period two,
// as on manuscript paper where each cell row is followed by a narrow gutter.
func regularRun(lines []int, minLines int, tol float64) (int, int, bool) {
	if len(lines) < minLines {
		return 0, 0, false
	}
	gaps := make([]int, len(lines)-1)
	for i := range gaps {
		gaps[i] = lines[i+1] - lines[i]
	}
	similar := func(a, b int) bool {
		return math.Abs(float64(a-b)) <= tol*float64(max(a, b))
	}

	bestStart, bestLen := 0, 0
	start := 0
	for i := 1; i <= len(gaps); i++ {
		regular := i < len(gaps) &&
			(similar(gaps[i], gaps[i-1]) ||
				(i-2 >= start && similar(gaps[i], gaps[i-2])) ||
				(i-1 == start && i+1 < len(gaps) && similar(gaps[i+1], gaps[i-1])))
		if regular {
			continue
		}
		// gaps[start:i] is a regular run spanning lines[start..i].
		if n := i - start + 1; n > bestLen {
			bestStart, bestLen = start, n
		}
		start = i
	}
	if bestLen < minLines {
		return 0, 0, false
	}
	return lines[bestStart], lines[bestStart+bestLen-1], true
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

// SubImage returns the part of img inside r, sharing pixels when the image
// type allows it.
func SubImage(img image.Image, r image.Rectangle) image.Image {
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// EncodePNG encodes a crop for upload to the OCR service.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
