package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

func TestTaskPaths(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "abc", "input.pdf"), s.InputPath("abc"))

	settings := ledger.DefaultSettings()
	assert.Equal(t, filepath.Join(root, "abc", "output.pdf"), s.OutputPath("abc", settings))
	assert.Equal(t, filepath.Join(root, "abc", "output.pdf.tmp"), s.TempOutputPath("abc", settings))

	settings.Output = ledger.OutputImage
	settings.Format = ledger.FormatPNG
	assert.Equal(t, filepath.Join(root, "abc", "output.png"), s.OutputPath("abc", settings))

	settings.Format = ledger.FormatJPEG
	assert.Equal(t, filepath.Join(root, "abc", "output.jpg"), s.OutputPath("abc", settings))
}

func TestOutputExt(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		format   string
		expected string
	}{
		{"Document is always pdf", ledger.OutputDocument, ledger.FormatPNG, "pdf"},
		{"PNG image", ledger.OutputImage, ledger.FormatPNG, "png"},
		{"JPEG image", ledger.OutputImage, ledger.FormatJPEG, "jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := ledger.Settings{Output: tt.output, Format: tt.format}
			assert.Equal(t, tt.expected, OutputExt(settings))
		})
	}
}

func TestRemoveTaskIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := s.TaskDir("abc")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.InputPath("abc"), []byte("x"), 0644))

	require.NoError(t, s.RemoveTask("abc"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// removing an unknown task is not an error
	require.NoError(t, s.RemoveTask("abc"))
	require.NoError(t, s.RemoveTask("never-existed"))
}

func TestScratchDir(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	scratch, err := s.ScratchDir("abc")
	require.NoError(t, err)

	info, err := os.Stat(scratch)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
