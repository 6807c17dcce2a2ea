package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"os/exec"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

// GhostscriptRenderer renders page strips through a Ghostscript
// subprocess, one invocation per strip. Document structure (page count
// and physical page sizes) is read with pdfcpu so no subprocess is
// needed for introspection.
type GhostscriptRenderer struct {
	bin     string
	timeout time.Duration
	logger  *zap.Logger
}

func NewGhostscriptRenderer(bin string, timeout time.Duration, logger *zap.Logger) *GhostscriptRenderer {
	return &GhostscriptRenderer{
		bin:     bin,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "ghostscript")),
	}
}

func (r *GhostscriptRenderer) Open(ctx context.Context, path string) (Document, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return nil, &RenderError{Page: -1, Err: fmt.Errorf("read page count: %w", err)}
	}
	var dims []PageDims
	if count > 0 {
		pageDims, err := api.PageDimsFile(path)
		if err != nil {
			return nil, &RenderError{Page: -1, Err: fmt.Errorf("read page dimensions: %w", err)}
		}
		dims = make([]PageDims, len(pageDims))
		for i, d := range pageDims {
			dims[i] = PageDims{WidthPt: d.Width, HeightPt: d.Height}
		}
	}
	return &gsDocument{r: r, path: path, dims: dims}, nil
}

type gsDocument struct {
	r    *GhostscriptRenderer
	path string
	dims []PageDims
}

func (d *gsDocument) PageCount() int { return len(d.dims) }

func (d *gsDocument) PageSize(page int) (float64, float64, error) {
	if page < 0 || page >= len(d.dims) {
		return 0, 0, fmt.Errorf("page %d out of range", page)
	}
	return d.dims[page].WidthPt, d.dims[page].HeightPt, nil
}

func (d *gsDocument) Close() error { return nil }

// RenderStrip rasterizes one pixel band of a page. The page is shifted
// so the requested band lands in a fixed-size device window, keeping
// Ghostscript's output buffer at strip size rather than page size.
func (d *gsDocument) RenderStrip(ctx context.Context, page int, rect image.Rectangle, dpi int) (*image.RGBA, error) {
	_, heightPt, err := d.PageSize(page)
	if err != nil {
		return nil, err
	}

	// Distance, in points, from the page bottom to the bottom of the
	// requested band (device origin is bottom-left).
	bandBottomPt := heightPt - float64(rect.Max.Y)*72.0/float64(dpi)

	args := []string{
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=ppmraw",
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-dFirstPage=%d", page+1),
		fmt.Sprintf("-dLastPage=%d", page+1),
		fmt.Sprintf("-g%dx%d", rect.Dx(), rect.Dy()),
		"-dFIXEDMEDIA",
		"-c", fmt.Sprintf("<</Install {0 %.4f translate}>> setpagedevice", -bandBottomPt),
		"-o", "-",
		"-f", d.path,
	}

	runCtx, cancel := context.WithTimeout(ctx, d.r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		d.r.logger.Error("Ghostscript render failed",
			zap.Int("page", page),
			zap.String("stderr", truncate(stderr.String(), 512)),
			zap.Error(err))
		return nil, fmt.Errorf("ghostscript: %w", err)
	}
	d.r.logger.Debug("Strip rendered",
		zap.Int("page", page),
		zap.Int("rows", rect.Dy()),
		zap.Duration("duration", time.Since(start)))

	img, err := parsePPM(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode ghostscript output: %w", err)
	}
	return img, nil
}

// parsePPM decodes a binary P6 netpbm image into RGBA.
func parsePPM(data []byte) (*image.RGBA, error) {
	magic, data, err := ppmToken(data)
	if err != nil || magic != "P6" {
		return nil, fmt.Errorf("not a P6 ppm stream")
	}
	var dims [3]int // width, height, maxval
	for i := range dims {
		tok, rest, err := ppmToken(data)
		if err != nil {
			return nil, err
		}
		if _, err := fmt.Sscanf(tok, "%d", &dims[i]); err != nil {
			return nil, fmt.Errorf("bad ppm header field %q", tok)
		}
		data = rest
	}
	width, height, maxval := dims[0], dims[1], dims[2]
	if width <= 0 || height <= 0 || maxval != 255 {
		return nil, fmt.Errorf("unsupported ppm geometry %dx%d maxval %d", width, height, maxval)
	}
	if len(data) < 3*width*height {
		return nil, fmt.Errorf("short ppm payload: have %d bytes, want %d", len(data), 3*width*height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := 3 * (y*width + x)
			img.SetRGBA(x, y, color.RGBA{data[off], data[off+1], data[off+2], 255})
		}
	}
	return img, nil
}

// ppmToken consumes one whitespace-delimited header token, skipping
// comments, and returns it with the remaining bytes. The byte after the
// token is consumed too, which for the final header token is the single
// whitespace separating the header from the pixel payload.
func ppmToken(data []byte) (string, []byte, error) {
	i := 0
	for {
		for i < len(data) && isPPMSpace(data[i]) {
			i++
		}
		if i < len(data) && data[i] == '#' {
			for i < len(data) && data[i] != '\n' {
				i++
			}
			continue
		}
		break
	}
	start := i
	for i < len(data) && !isPPMSpace(data[i]) {
		i++
	}
	if start == i {
		return "", nil, fmt.Errorf("truncated ppm header")
	}
	tok := string(data[start:i])
	if i < len(data) {
		i++
	}
	return tok, data[i:], nil
}

func isPPMSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
