package raster

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"
)

const (
	// maxFullPagePixels is the safety threshold above which a page is
	// rendered in strips instead of one full-resolution bitmap.
	maxFullPagePixels = 40 << 20 // ~40 megapixels, 160 MB of RGBA

	// stripMaxPixels bounds the size of a single strip; peak memory for
	// an oversized page is one strip plus the shared output buffer.
	stripMaxPixels = 4 << 20
)

// Engine drives per-page rasterization with the tiling policy above.
type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.With(zap.String("component", "raster"))}
}

// RasterizePage renders one page at dpi. The result's pixel dimensions
// are exactly those implied by the page's physical size and the dpi,
// regardless of how many strips were used.
func (e *Engine) RasterizePage(ctx context.Context, doc Document, page, dpi int) (*image.RGBA, error) {
	widthPt, heightPt, err := doc.PageSize(page)
	if err != nil {
		return nil, &RenderError{Page: page, Err: err}
	}

	width := PixelSpan(widthPt, dpi)
	height := PixelSpan(heightPt, dpi)
	if width <= 0 || height <= 0 {
		return nil, &RenderError{Page: page, Err: fmt.Errorf("degenerate page size %.2fx%.2fpt", widthPt, heightPt)}
	}

	stripRows := height
	if width*height > maxFullPagePixels {
		stripRows = stripMaxPixels / width
		if stripRows < 1 {
			stripRows = 1
		}
		e.logger.Debug("Page exceeds full-bitmap threshold, rendering in strips",
			zap.Int("page", page),
			zap.Int("width_px", width),
			zap.Int("height_px", height),
			zap.Int("strip_rows", stripRows))
	}

	// Arena buffer: pre-sized once, strips copied in at their row
	// offset. No append-and-copy growth.
	out := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y += stripRows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := y + stripRows
		if end > height {
			end = height
		}
		rect := image.Rect(0, y, width, end)

		strip, err := doc.RenderStrip(ctx, page, rect, dpi)
		if err != nil {
			return nil, &RenderError{Page: page, Err: err}
		}
		if strip.Bounds().Dx() != rect.Dx() || strip.Bounds().Dy() != rect.Dy() {
			return nil, &RenderError{Page: page, Err: fmt.Errorf(
				"engine returned %dx%d strip, want %dx%d",
				strip.Bounds().Dx(), strip.Bounds().Dy(), rect.Dx(), rect.Dy())}
		}

		for row := 0; row < rect.Dy(); row++ {
			src := strip.Pix[row*strip.Stride : row*strip.Stride+4*width]
			dstOff := (y + row) * out.Stride
			copy(out.Pix[dstOff:dstOff+4*width], src)
		}
		// strip is dropped here; the next iteration allocates its own
	}

	return out, nil
}
