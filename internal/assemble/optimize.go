package assemble

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

// DocumentOptimizer is the production optimization engine. The lossless
// level re-encodes streams and prunes unused objects only (pdfcpu); the
// aggressive level additionally permits lossy transforms such as image
// downsampling and color quantization (Ghostscript pdfwrite).
type DocumentOptimizer struct {
	gsBin   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewDocumentOptimizer(gsBin string, timeout time.Duration, logger *zap.Logger) *DocumentOptimizer {
	return &DocumentOptimizer{
		gsBin:   gsBin,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "optimizer")),
	}
}

func (o *DocumentOptimizer) Optimize(ctx context.Context, inPath, outPath, level string) error {
	start := time.Now()
	var err error
	switch level {
	case ledger.OptimizationAggressive:
		err = o.optimizeAggressive(ctx, inPath, outPath)
	default:
		err = api.OptimizeFile(inPath, outPath, nil)
	}
	if err != nil {
		return err
	}
	o.logger.Debug("Document optimized",
		zap.String("level", level),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (o *DocumentOptimizer) optimizeAggressive(ctx context.Context, inPath, outPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, o.gsBin,
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=pdfwrite",
		"-dPDFSETTINGS=/screen",
		"-dColorConversionStrategy=/sRGB",
		"-dDetectDuplicateImages=true",
		"-o", outPath,
		"-f", inPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		o.logger.Error("Ghostscript optimization failed",
			zap.String("stderr", truncate(stderr.String(), 512)),
			zap.Error(err))
		return fmt.Errorf("ghostscript pdfwrite: %w", err)
	}
	return nil
}
