package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid status, used by health checks and metrics.
var AllStatuses = []Status{
	StatusQueued, StatusProcessing, StatusCompleted,
	StatusFailed, StatusCancelling, StatusCancelled,
}

// Terminal reports whether no further processing happens in this state.
// Terminal rows accept no writes except deletion.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Output kinds
const (
	OutputDocument = "document"
	OutputImage    = "image"
)

// Raster formats
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// Optimization levels
const (
	OptimizationLossless   = "lossless"
	OptimizationAggressive = "aggressive"
)

// Settings is the immutable per-task configuration snapshot, captured at
// creation. Reprocessing with different settings requires a new task.
type Settings struct {
	DPI          int    `json:"dpi" validate:"min=10,max=600"`
	Output       string `json:"output" validate:"oneof=document image"`
	Format       string `json:"format" validate:"oneof=png jpeg"`
	Quality      int    `json:"quality" validate:"min=1,max=100"`
	OCR          bool   `json:"ocr"`
	Optimization string `json:"optimization" validate:"oneof=lossless aggressive"`
}

// DefaultSettings mirrors the defaults the upload form falls back to.
func DefaultSettings() Settings {
	return Settings{
		DPI:          72,
		Output:       OutputDocument,
		Format:       FormatJPEG,
		Quality:      80,
		OCR:          false,
		Optimization: OptimizationLossless,
	}
}

var validate = validator.New()

// Validate checks the settings once, at creation time. A task whose
// settings fail validation never enters the ledger.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// Task is the durable record of one processing job.
type Task struct {
	ID                 string
	Status             Status
	Progress           int
	Message            string
	Settings           Settings
	OriginalFilename   string
	InputRef           string
	OutputRef          string
	OriginalSizeBytes  int64
	ProcessedSizeBytes *int64
	ErrorDetail        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewTask carries everything Create needs for a fresh queued task.
type NewTask struct {
	ID                string // optional, generated when empty
	Settings          Settings
	InputRef          string
	OriginalFilename  string
	OriginalSizeBytes int64
}

// Fields is a partial update applied atomically by Ledger.Update.
// Nil members are left untouched.
type Fields struct {
	Status             *Status
	Progress           *int
	Message            *string
	OutputRef          *string
	ProcessedSizeBytes *int64
	ErrorDetail        *string
}

// Sentinel errors surfaced to callers. They are never fatal to the
// dispatcher loop.
var (
	ErrNotFound        = errors.New("task not found")
	ErrConflict        = errors.New("task is terminal or was deleted")
	ErrInvalidState    = errors.New("invalid state for requested transition")
	ErrInvalidSettings = errors.New("invalid settings")
)
