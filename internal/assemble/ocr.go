package assemble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

// TesseractRecognizer runs the tesseract engine once per page image,
// each run emitting a one-page searchable PDF, then merges the pages
// into a single document.
type TesseractRecognizer struct {
	bin      string
	language string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewTesseractRecognizer(bin, language string, timeout time.Duration, logger *zap.Logger) *TesseractRecognizer {
	return &TesseractRecognizer{
		bin:      bin,
		language: language,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "tesseract")),
	}
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, pageImages []string, dpi int, outPath string) error {
	if len(pageImages) == 0 {
		return fmt.Errorf("no page images to recognize")
	}

	pagePDFs := make([]string, 0, len(pageImages))
	for i, img := range pageImages {
		base := strings.TrimSuffix(img, ".png") + "-ocr"

		runCtx, cancel := context.WithTimeout(ctx, t.timeout)
		cmd := exec.CommandContext(runCtx, t.bin, img, base,
			"--dpi", strconv.Itoa(dpi), "-l", t.language, "pdf")
		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output
		err := cmd.Run()
		cancel()
		if err != nil {
			t.logger.Error("Tesseract failed",
				zap.Int("page", i),
				zap.String("output", truncate(output.String(), 512)),
				zap.Error(err))
			return fmt.Errorf("tesseract page %d: %w", i+1, err)
		}
		pagePDFs = append(pagePDFs, base+".pdf")
	}

	if len(pagePDFs) == 1 {
		return copyFile(pagePDFs[0], outPath)
	}
	if err := api.MergeCreateFile(pagePDFs, outPath, false, nil); err != nil {
		return fmt.Errorf("merge recognized pages: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
