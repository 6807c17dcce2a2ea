package assemble

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/raster"
	"github.com/pressmill/pdf-compress-service/internal/storage"
)

// passthroughOptimizer copies the input, standing in for the external
// optimization engine.
type passthroughOptimizer struct {
	calls int
	level string
	fail  bool
}

func (o *passthroughOptimizer) Optimize(ctx context.Context, inPath, outPath, level string) error {
	o.calls++
	o.level = level
	if o.fail {
		return errors.New("optimizer exploded")
	}
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// fakeRecognizer writes a marker document and records its inputs.
type fakeRecognizer struct {
	pages []string
	dpi   int
}

func (r *fakeRecognizer) Recognize(ctx context.Context, pageImages []string, dpi int, outPath string) error {
	r.pages = append([]string(nil), pageImages...)
	r.dpi = dpi
	return os.WriteFile(outPath, []byte("%PDF-1.4 recognized"), 0644)
}

func newTestAssembler(t *testing.T, rec Recognizer, opt Optimizer) (*Assembler, *storage.Store) {
	t.Helper()
	files, err := storage.New(t.TempDir())
	require.NoError(t, err)
	return New(files, rec, opt, zap.NewNop()), files
}

func solidPage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func noProgress(int, string) {}

func TestImageOutputStitchesPages(t *testing.T) {
	asm, files := newTestAssembler(t, nil, nil)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	settings.Output = ledger.OutputImage
	settings.Format = ledger.FormatPNG

	// two pages, second narrower, both 100pt tall at 72 DPI
	dims := []raster.PageDims{
		{WidthPt: 200, HeightPt: 100},
		{WidthPt: 120, HeightPt: 100},
	}
	job, err := asm.Begin(ctx, "t1", settings, dims)
	require.NoError(t, err)

	red := color.RGBA{200, 10, 10, 255}
	blue := color.RGBA{10, 10, 200, 255}
	require.NoError(t, job.AddPage(ctx, solidPage(200, 100, red), 0))
	require.NoError(t, job.AddPage(ctx, solidPage(120, 100, blue), 1))

	out, err := job.Finish(ctx, noProgress)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, files.OutputPath("t1", settings), out.Path)
	assert.Greater(t, out.SizeBytes, int64(0))

	stitched, err := imaging.Open(out.Path)
	require.NoError(t, err)
	assert.Equal(t, 200, stitched.Bounds().Dx(), "canvas width is the widest page")
	assert.Equal(t, 200, stitched.Bounds().Dy(), "pages stack vertically")

	// second page sits below the first, left-aligned
	r, g, b, _ := stitched.At(50, 50).RGBA()
	assert.Equal(t, []uint32{200, 10, 10}, []uint32{r >> 8, g >> 8, b >> 8})
	r, g, b, _ = stitched.At(50, 150).RGBA()
	assert.Equal(t, []uint32{10, 10, 200}, []uint32{r >> 8, g >> 8, b >> 8})

	// area right of the narrow page stays white
	r, g, b, _ = stitched.At(180, 150).RGBA()
	assert.Equal(t, []uint32{255, 255, 255}, []uint32{r >> 8, g >> 8, b >> 8})

	// no temporary file left behind
	_, err = os.Stat(files.TempOutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err))
}

func TestImageOutputZeroPages(t *testing.T) {
	asm, files := newTestAssembler(t, nil, nil)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	settings.Output = ledger.OutputImage

	job, err := asm.Begin(ctx, "t1", settings, nil)
	require.NoError(t, err)

	out, err := job.Finish(ctx, noProgress)
	require.NoError(t, err)
	assert.Nil(t, out, "zero-page image job produces no artifact")

	_, err = os.Stat(files.OutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err))
}

func TestDocumentOutput(t *testing.T) {
	opt := &passthroughOptimizer{}
	asm, _ := newTestAssembler(t, nil, opt)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	dims := []raster.PageDims{{WidthPt: 595, HeightPt: 842}}

	job, err := asm.Begin(ctx, "t1", settings, dims)
	require.NoError(t, err)
	require.NoError(t, job.AddPage(ctx, solidPage(595, 842, color.RGBA{128, 128, 128, 255}), 0))

	out, err := job.Finish(ctx, noProgress)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, 1, opt.calls)
	assert.Equal(t, ledger.OptimizationLossless, opt.level)

	head := make([]byte, 5)
	f, err := os.Open(out.Path)
	require.NoError(t, err)
	defer f.Close()
	_, err = io.ReadFull(f, head)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(head))
}

func TestDocumentOutputZeroPages(t *testing.T) {
	opt := &passthroughOptimizer{}
	asm, _ := newTestAssembler(t, nil, opt)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	job, err := asm.Begin(ctx, "t1", settings, nil)
	require.NoError(t, err)

	out, err := job.Finish(ctx, noProgress)
	require.NoError(t, err)
	require.NotNil(t, out, "zero-page document job still yields a valid empty document")
	assert.Equal(t, 0, opt.calls, "nothing to optimize in the empty shell")

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.True(t, len(data) > 0)
	assert.Equal(t, "%PDF-", string(data[:5]))
	assert.Contains(t, string(data), "/Count 0")
}

func TestDocumentOutputWithRecognition(t *testing.T) {
	rec := &fakeRecognizer{}
	opt := &passthroughOptimizer{}
	asm, files := newTestAssembler(t, rec, opt)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	settings.OCR = true
	settings.DPI = 150
	dims := []raster.PageDims{
		{WidthPt: 595, HeightPt: 842},
		{WidthPt: 595, HeightPt: 842},
	}

	job, err := asm.Begin(ctx, "t1", settings, dims)
	require.NoError(t, err)
	require.NoError(t, job.AddPage(ctx, solidPage(100, 140, color.RGBA{0, 0, 0, 255}), 0))
	require.NoError(t, job.AddPage(ctx, solidPage(100, 140, color.RGBA{0, 0, 0, 255}), 1))

	out, err := job.Finish(ctx, noProgress)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Len(t, rec.pages, 2, "recognizer got one image per page")
	assert.Equal(t, 150, rec.dpi)
	assert.Equal(t, 1, opt.calls, "recognized document still goes through optimization")

	// scratch images are cleaned up after finish
	scratch := filepath.Join(filepath.Dir(files.InputPath("t1")), "scratch")
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

func TestOptimizerFailureLeavesNoOutput(t *testing.T) {
	opt := &passthroughOptimizer{fail: true}
	asm, files := newTestAssembler(t, nil, opt)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	dims := []raster.PageDims{{WidthPt: 200, HeightPt: 200}}

	job, err := asm.Begin(ctx, "t1", settings, dims)
	require.NoError(t, err)
	require.NoError(t, job.AddPage(ctx, solidPage(200, 200, color.RGBA{255, 255, 255, 255}), 0))

	_, err = job.Finish(ctx, noProgress)
	var ae *AssemblyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "optimize", ae.Stage)
	job.Discard()

	_, err = os.Stat(files.OutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err), "failed job must not leave a downloadable artifact")
	_, err = os.Stat(files.TempOutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err))
}

func TestDiscardDropsPartialOutput(t *testing.T) {
	asm, files := newTestAssembler(t, nil, nil)
	ctx := context.Background()

	settings := ledger.DefaultSettings()
	settings.Output = ledger.OutputImage
	dims := []raster.PageDims{{WidthPt: 100, HeightPt: 100}}

	job, err := asm.Begin(ctx, "t1", settings, dims)
	require.NoError(t, err)
	require.NoError(t, job.AddPage(ctx, solidPage(100, 100, color.RGBA{1, 2, 3, 255}), 0))

	// simulate a partially written temporary artifact
	require.NoError(t, os.WriteFile(files.TempOutputPath("t1", settings), []byte("partial"), 0644))
	job.Discard()

	_, err = os.Stat(files.TempOutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(files.OutputPath("t1", settings))
	assert.True(t, os.IsNotExist(err))
}
