// Package assemble turns rasterized pages back into the requested
// output artifact: a rebuilt document or one vertically stitched image.
package assemble

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/phpdave11/gofpdf"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/raster"
	"github.com/pressmill/pdf-compress-service/internal/storage"
)

// AssemblyError marks a failure while reassembling, recognizing or
// optimizing output. It fails the task.
type AssemblyError struct {
	Stage string
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly (%s): %v", e.Stage, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Recognizer is the contract with the external text-recognition engine:
// given per-page raster image files it produces one document with an
// invisible, searchable text layer.
type Recognizer interface {
	Recognize(ctx context.Context, pageImages []string, dpi int, outPath string) error
}

// Optimizer is the contract with the external document optimization
// engine. Level is one of the ledger optimization levels.
type Optimizer interface {
	Optimize(ctx context.Context, inPath, outPath, level string) error
}

// Output describes the single artifact a finished job produced.
type Output struct {
	Path      string
	SizeBytes int64
}

type Assembler struct {
	files      *storage.Store
	recognizer Recognizer
	optimizer  Optimizer
	logger     *zap.Logger
}

func New(files *storage.Store, recognizer Recognizer, optimizer Optimizer, logger *zap.Logger) *Assembler {
	return &Assembler{
		files:      files,
		recognizer: recognizer,
		optimizer:  optimizer,
		logger:     logger.With(zap.String("component", "assemble")),
	}
}

// Job accumulates the pages of one task. Pages arrive in order via
// AddPage; Finish writes exactly one output file, to a temporary name
// first, renamed only on success.
type Job struct {
	a        *Assembler
	taskID   string
	settings ledger.Settings
	dims     []raster.PageDims

	finalPath string
	tmpPath   string
	scratch   string

	// document output
	pdf       *gofpdf.Fpdf
	pageFiles []string // per-page images kept for text recognition

	// image output
	canvas  *image.NRGBA
	yOffset int
}

// Begin opens a job. Page dimensions for the whole document are known
// up front, so the stitched-image canvas can be pre-sized exactly.
func (a *Assembler) Begin(ctx context.Context, taskID string, settings ledger.Settings, dims []raster.PageDims) (*Job, error) {
	if _, err := a.files.TaskDir(taskID); err != nil {
		return nil, &AssemblyError{Stage: "prepare", Err: err}
	}
	j := &Job{
		a:         a,
		taskID:    taskID,
		settings:  settings,
		dims:      dims,
		finalPath: a.files.OutputPath(taskID, settings),
		tmpPath:   a.files.TempOutputPath(taskID, settings),
	}

	switch settings.Output {
	case ledger.OutputImage:
		if len(dims) > 0 {
			width, height := 0, 0
			for _, d := range dims {
				w := raster.PixelSpan(d.WidthPt, settings.DPI)
				if w > width {
					width = w
				}
				height += raster.PixelSpan(d.HeightPt, settings.DPI)
			}
			j.canvas = imaging.New(width, height, color.White)
		}
	case ledger.OutputDocument:
		if settings.OCR {
			scratch, err := a.files.ScratchDir(taskID)
			if err != nil {
				return nil, &AssemblyError{Stage: "prepare", Err: err}
			}
			j.scratch = scratch
		} else {
			// unit is points; every page gets its own explicit format
			j.pdf = gofpdf.New("P", "pt", "A4", "")
		}
	default:
		return nil, &AssemblyError{Stage: "prepare", Err: fmt.Errorf("unknown output kind %q", settings.Output)}
	}
	return j, nil
}

// AddPage consumes the raster of page index i. The raster is released
// by the caller right after this returns; nothing here retains it.
func (j *Job) AddPage(ctx context.Context, img *image.RGBA, i int) error {
	switch j.settings.Output {
	case ledger.OutputImage:
		// narrower pages are left-aligned on the white background
		r := img.Bounds().Sub(img.Bounds().Min).Add(image.Pt(0, j.yOffset))
		draw.Draw(j.canvas, r, img, img.Bounds().Min, draw.Src)
		j.yOffset += img.Bounds().Dy()
		return nil
	case ledger.OutputDocument:
		if j.settings.OCR {
			return j.addRecognitionPage(img, i)
		}
		return j.addDocumentPage(img, i)
	}
	return fmt.Errorf("unknown output kind %q", j.settings.Output)
}

// addDocumentPage streams one raster into the output document. The new
// page keeps the original physical size in points, not the raster's
// pixel size, so on-screen scale is preserved.
func (j *Job) addDocumentPage(img *image.RGBA, i int) error {
	var buf bytes.Buffer
	imageType := "PNG"
	if j.settings.Format == ledger.FormatJPEG {
		imageType = "JPEG"
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(j.settings.Quality)); err != nil {
			return &AssemblyError{Stage: "encode", Err: err}
		}
	} else {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return &AssemblyError{Stage: "encode", Err: err}
		}
	}

	d := j.dims[i]
	j.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: d.WidthPt, Ht: d.HeightPt})
	name := "page" + strconv.Itoa(i)
	opts := gofpdf.ImageOptions{ImageType: imageType}
	j.pdf.RegisterImageOptionsReader(name, opts, &buf)
	j.pdf.ImageOptions(name, 0, 0, d.WidthPt, d.HeightPt, false, opts, 0, "")
	if j.pdf.Err() {
		return &AssemblyError{Stage: "document", Err: j.pdf.Error()}
	}
	return nil
}

// addRecognitionPage parks the raster on disk for the recognition
// engine, which builds the document itself.
func (j *Job) addRecognitionPage(img *image.RGBA, i int) error {
	path := filepath.Join(j.scratch, fmt.Sprintf("page-%04d.png", i))
	if err := imaging.Save(img, path); err != nil {
		return &AssemblyError{Stage: "encode", Err: err}
	}
	j.pageFiles = append(j.pageFiles, path)
	return nil
}

// Finish produces the final artifact. progress reports assembly-phase
// progress on the task's 0-100 scale. A nil Output (with nil error)
// means the job legitimately produced no artifact: a zero-page source
// with image output.
func (j *Job) Finish(ctx context.Context, progress func(pct int, msg string)) (*Output, error) {
	defer j.cleanupScratch()

	if j.settings.Output == ledger.OutputImage {
		if j.canvas == nil {
			// zero-page source: no stitched image to write
			return nil, nil
		}
		return j.finishImage(progress)
	}
	return j.finishDocument(ctx, progress)
}

func (j *Job) finishImage(progress func(int, string)) (*Output, error) {
	progress(80, "Encoding stitched image...")

	f, err := os.Create(j.tmpPath)
	if err != nil {
		return nil, &AssemblyError{Stage: "write", Err: err}
	}
	format := imaging.PNG
	var opts []imaging.EncodeOption
	if j.settings.Format == ledger.FormatJPEG {
		format = imaging.JPEG
		opts = append(opts, imaging.JPEGQuality(j.settings.Quality))
	}
	if err := imaging.Encode(f, j.canvas, format, opts...); err != nil {
		f.Close()
		os.Remove(j.tmpPath)
		return nil, &AssemblyError{Stage: "encode", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(j.tmpPath)
		return nil, &AssemblyError{Stage: "write", Err: err}
	}
	return j.promote()
}

func (j *Job) finishDocument(ctx context.Context, progress func(int, string)) (*Output, error) {
	if len(j.dims) == 0 {
		// zero-page source still yields a minimal valid document shell
		if err := os.WriteFile(j.tmpPath, emptyDocumentShell(), 0644); err != nil {
			return nil, &AssemblyError{Stage: "write", Err: err}
		}
		return j.promote()
	}

	assembled := j.tmpPath + ".assembled"
	defer os.Remove(assembled)

	if j.settings.OCR {
		progress(72, "Recognizing text...")
		if err := j.a.recognizer.Recognize(ctx, j.pageFiles, j.settings.DPI, assembled); err != nil {
			return nil, &AssemblyError{Stage: "recognize", Err: err}
		}
	} else {
		if err := j.pdf.OutputFileAndClose(assembled); err != nil {
			return nil, &AssemblyError{Stage: "document", Err: err}
		}
	}

	progress(85, "Optimizing document...")
	if err := j.a.optimizer.Optimize(ctx, assembled, j.tmpPath, j.settings.Optimization); err != nil {
		os.Remove(j.tmpPath)
		return nil, &AssemblyError{Stage: "optimize", Err: err}
	}

	progress(95, "Finalizing: Compiling and saving your new document...")
	return j.promote()
}

// promote renames the temporary artifact into place. Until this point
// nothing exists at the path a completed task serves downloads from.
func (j *Job) promote() (*Output, error) {
	if err := os.Rename(j.tmpPath, j.finalPath); err != nil {
		os.Remove(j.tmpPath)
		return nil, &AssemblyError{Stage: "write", Err: err}
	}
	info, err := os.Stat(j.finalPath)
	if err != nil {
		return nil, &AssemblyError{Stage: "write", Err: err}
	}
	j.a.logger.Info("Output assembled",
		zap.String("task_id", j.taskID),
		zap.String("output", j.finalPath),
		zap.Int64("size_bytes", info.Size()))
	return &Output{Path: j.finalPath, SizeBytes: info.Size()}, nil
}

// Discard drops all in-flight partial output. Safe to call at any point
// before Finish succeeds, and after it fails.
func (j *Job) Discard() {
	os.Remove(j.tmpPath)
	os.Remove(j.tmpPath + ".assembled")
	j.cleanupScratch()
}

func (j *Job) cleanupScratch() {
	if j.scratch != "" {
		os.RemoveAll(j.scratch)
	}
}
