// Package raster converts one source page into a bounded-memory bitmap
// at a target resolution. Pages whose full bitmap would blow the memory
// budget are rendered in horizontal strips and stitched into a
// pre-allocated buffer.
package raster

import (
	"context"
	"fmt"
	"image"
	"math"
)

// Renderer is the contract with the external page-rendering engine.
type Renderer interface {
	// Open loads a source document. An unreadable document yields a
	// RenderError with Page == -1.
	Open(ctx context.Context, path string) (Document, error)
}

// Document is an open source document. Implementations are used by a
// single goroutine at a time.
type Document interface {
	PageCount() int
	// PageSize returns the physical page size in points (1/72 inch).
	PageSize(page int) (widthPt, heightPt float64, err error)
	// RenderStrip renders the pixel rectangle rect of the given page at
	// dpi. The returned image has bounds (0,0)-(rect.Dx(),rect.Dy()).
	RenderStrip(ctx context.Context, page int, rect image.Rectangle, dpi int) (*image.RGBA, error)
	Close() error
}

// PageDims is one page's physical size in points.
type PageDims struct {
	WidthPt  float64
	HeightPt float64
}

// PixelSpan converts a physical span in points to pixels at dpi.
func PixelSpan(pt float64, dpi int) int {
	return int(math.Round(pt * float64(dpi) / 72.0))
}

// RenderError marks an unreadable or corrupt source page. Page is the
// zero-based page index, or -1 when the whole document failed to open.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	if e.Page < 0 {
		return fmt.Sprintf("render: %v", e.Err)
	}
	return fmt.Sprintf("render page %d: %v", e.Page+1, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
