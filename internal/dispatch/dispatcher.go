// Package dispatch runs the single-flight worker loop: claim the oldest
// queued task, drive it through rasterization and assembly, keep the
// ledger's progress current, honor cancellation at page boundaries.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/assemble"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/metrics"
	"github.com/pressmill/pdf-compress-service/internal/raster"
	"github.com/pressmill/pdf-compress-service/internal/storage"
)

// rasterShare is how much of the 0-100 progress scale the per-page
// rasterization loop occupies; assembly and optimization own the rest,
// so progress moves even for single-page documents.
const rasterShare = 70

type Dispatcher struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	renderer  raster.Renderer
	engine    *raster.Engine
	assembler *assemble.Assembler
	files     *storage.Store
	logger    *zap.Logger

	// slot is the single-flight ownership token: held for the whole
	// run of one task, so at most one task is ever processing.
	slot chan struct{}
}

func New(cfg *config.Config, led *ledger.Ledger, renderer raster.Renderer,
	assembler *assemble.Assembler, files *storage.Store, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		ledger:    led,
		renderer:  renderer,
		engine:    raster.NewEngine(logger),
		assembler: assembler,
		files:     files,
		logger:    logger.With(zap.String("component", "dispatcher")),
		slot:      make(chan struct{}, 1),
	}
	d.slot <- struct{}{}
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Dispatcher started",
		zap.Int("poll_interval_sec", d.cfg.PollIntervalSec))

	ticker := time.NewTicker(time.Duration(d.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping")
			return
		case <-ticker.C:
			d.processNext(ctx)
		}
	}
}

// processNext claims and runs at most one task. It acquires the
// processing slot first and holds it until the task reaches a terminal
// state, so the "exactly one processing task" invariant is structural.
func (d *Dispatcher) processNext(ctx context.Context) {
	select {
	case <-d.slot:
	default:
		return
	}
	defer func() { d.slot <- struct{}{} }()

	task, err := d.ledger.ClaimOldestQueued(ctx)
	if err != nil {
		d.logger.Error("Error claiming task", zap.Error(err))
		return
	}
	if task == nil {
		return
	}

	start := time.Now()
	outcome := d.run(ctx, task)
	metrics.ObserveOutcome(outcome, time.Since(start))

	d.logger.Info("Task finished",
		zap.String("task_id", task.ID),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
}

// run drives one claimed task to a terminal state and returns the
// outcome label. Errors never escape: every failure path lands in the
// ledger so the loop survives to claim the next task.
func (d *Dispatcher) run(ctx context.Context, task *ledger.Task) string {
	d.logger.Info("Processing task",
		zap.String("task_id", task.ID),
		zap.String("output", task.Settings.Output),
		zap.Int("dpi", task.Settings.DPI))

	doc, err := d.renderer.Open(ctx, task.InputRef)
	if err != nil {
		return d.fail(ctx, task, fmt.Sprintf("Could not open document: %v", err))
	}
	defer doc.Close()

	total := doc.PageCount()
	dims := make([]raster.PageDims, total)
	for i := 0; i < total; i++ {
		w, h, err := doc.PageSize(i)
		if err != nil {
			return d.fail(ctx, task, fmt.Sprintf("Could not read page %d: %v", i+1, err))
		}
		dims[i] = raster.PageDims{WidthPt: w, HeightPt: h}
	}

	job, err := d.assembler.Begin(ctx, task.ID, task.Settings, dims)
	if err != nil {
		return d.fail(ctx, task, err.Error())
	}

	d.update(ctx, task.ID, ledger.Fields{
		Message: strPtr(fmt.Sprintf("Processing: Analyzing %d pages...", total)),
	})

	for i := 0; i < total; i++ {
		switch d.checkCancel(ctx, task.ID) {
		case cancelRequested:
			job.Discard()
			return d.cancel(ctx, task)
		case taskGone:
			job.Discard()
			d.logger.Warn("Task row disappeared mid-run, discarding output",
				zap.String("task_id", task.ID))
			return "cancelled"
		}

		img, err := d.engine.RasterizePage(ctx, doc, i, task.Settings.DPI)
		if err != nil {
			job.Discard()
			return d.fail(ctx, task, err.Error())
		}
		if err := job.AddPage(ctx, img, i); err != nil {
			job.Discard()
			return d.fail(ctx, task, err.Error())
		}

		progress := int(math.Round(float64(i+1) / float64(total) * rasterShare))
		d.update(ctx, task.ID, ledger.Fields{
			Progress: &progress,
			Message: strPtr(fmt.Sprintf("Rasterizing: Page %d of %d at %d DPI...",
				i+1, total, task.Settings.DPI)),
		})
	}

	if d.checkCancel(ctx, task.ID) != keepGoing {
		job.Discard()
		return d.cancel(ctx, task)
	}

	out, err := job.Finish(ctx, func(pct int, msg string) {
		d.update(ctx, task.ID, ledger.Fields{Progress: &pct, Message: &msg})
	})
	if err != nil {
		return d.fail(ctx, task, err.Error())
	}

	fields := ledger.Fields{
		Status:   statusPtr(ledger.StatusCompleted),
		Progress: intPtr(100),
	}
	if out != nil {
		fields.OutputRef = &out.Path
		fields.ProcessedSizeBytes = &out.SizeBytes
		fields.Message = strPtr(fmt.Sprintf("Success! Your file %q is ready for download.",
			"Compressed_"+task.OriginalFilename))
		metrics.ObserveSizes(task.OriginalSizeBytes, out.SizeBytes)
	} else {
		fields.Message = strPtr("Input document has no pages. No output was produced.")
	}

	if err := d.ledger.Update(ctx, task.ID, fields); err != nil {
		// a cancel or delete won the race after the last page; the
		// artifact is unreachable, drop it
		d.logger.Warn("Could not record completion, removing output",
			zap.String("task_id", task.ID), zap.Error(err))
		if out != nil {
			d.files.RemoveTask(task.ID)
		}
		return "cancelled"
	}
	return "completed"
}

type cancelState int

const (
	keepGoing cancelState = iota
	cancelRequested
	taskGone
)

// checkCancel polls the ledger row between pages; this is the
// cooperative cancellation yield point, so cancel latency is bounded by
// one page's processing time.
func (d *Dispatcher) checkCancel(ctx context.Context, id string) cancelState {
	cur, err := d.ledger.Get(ctx, id)
	if err == ledger.ErrNotFound {
		return taskGone
	}
	if err != nil {
		d.logger.Error("Error polling for cancellation",
			zap.String("task_id", id), zap.Error(err))
		return keepGoing
	}
	if cur.Status == ledger.StatusCancelling {
		return cancelRequested
	}
	return keepGoing
}

func (d *Dispatcher) cancel(ctx context.Context, task *ledger.Task) string {
	err := d.ledger.Update(ctx, task.ID, ledger.Fields{
		Status:  statusPtr(ledger.StatusCancelled),
		Message: strPtr("Cancelled."),
	})
	if err != nil && err != ledger.ErrNotFound {
		d.logger.Error("Error recording cancellation",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return "cancelled"
}

func (d *Dispatcher) fail(ctx context.Context, task *ledger.Task, detail string) string {
	d.logger.Error("Task failed",
		zap.String("task_id", task.ID),
		zap.String("detail", detail))
	err := d.ledger.Update(ctx, task.ID, ledger.Fields{
		Status:      statusPtr(ledger.StatusFailed),
		Message:     strPtr("Processing failed: " + truncateDetail(detail)),
		ErrorDetail: &detail,
	})
	if err != nil {
		d.logger.Error("Error recording failure",
			zap.String("task_id", task.ID), zap.Error(err))
		return "cancelled"
	}
	return "failed"
}

// update applies a progress tick; losing one to a concurrent cancel or
// delete is fine, the page loop notices at its next yield point.
func (d *Dispatcher) update(ctx context.Context, id string, f ledger.Fields) {
	if err := d.ledger.Update(ctx, id, f); err != nil &&
		err != ledger.ErrConflict && err != ledger.ErrNotFound {
		d.logger.Error("Error writing progress",
			zap.String("task_id", id), zap.Error(err))
	}
}

func truncateDetail(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

func strPtr(s string) *string                { return &s }
func intPtr(n int) *int                      { return &n }
func statusPtr(s ledger.Status) *ledger.Status { return &s }
