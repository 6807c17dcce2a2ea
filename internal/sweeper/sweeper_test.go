package sweeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/storage"
	"github.com/pressmill/pdf-compress-service/tests/testutil"
)

func newTestSweeper(t *testing.T, retentionHours int) (*Sweeper, *ledger.Ledger) {
	t.Helper()

	db := testutil.OpenTestDB(t)
	files, err := storage.New(t.TempDir())
	require.NoError(t, err)
	led := ledger.New(db, "sqlite", files, zap.NewNop())
	cfg := &config.Config{RetentionHours: retentionHours, SweepIntervalMin: 15}
	return New(cfg, led, zap.NewNop()), led
}

func createTask(t *testing.T, led *ledger.Ledger, status ledger.Status) *ledger.Task {
	t.Helper()
	ctx := context.Background()
	task, err := led.Create(ctx, ledger.NewTask{
		Settings:         ledger.DefaultSettings(),
		OriginalFilename: "a.pdf",
	})
	require.NoError(t, err)
	if status != ledger.StatusQueued {
		s := status
		require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Status: &s}))
	}
	return task
}

func TestSweepRemovesStaleTasksOfAnyStatus(t *testing.T) {
	// zero retention: everything written before the sweep is stale
	sw, led := newTestSweeper(t, 0)
	ctx := context.Background()

	statuses := []ledger.Status{
		ledger.StatusQueued,
		ledger.StatusCompleted,
		ledger.StatusFailed,
		ledger.StatusCancelled,
	}
	ids := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ids = append(ids, createTask(t, led, s).ID)
	}

	sw.sweep(ctx)

	for i, id := range ids {
		_, err := led.Get(ctx, id)
		assert.ErrorIsf(t, err, ledger.ErrNotFound, "task %d (%s) should be swept", i, statuses[i])
	}
}

func TestSweepKeepsFreshTasks(t *testing.T) {
	sw, led := newTestSweeper(t, 1)
	ctx := context.Background()

	task := createTask(t, led, ledger.StatusCompleted)
	sw.sweep(ctx)

	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestSweepIsIdempotent(t *testing.T) {
	sw, led := newTestSweeper(t, 0)
	ctx := context.Background()

	createTask(t, led, ledger.StatusFailed)
	sw.sweep(ctx)
	// a second pass over an empty ledger must be a clean no-op
	sw.sweep(ctx)

	tasks, err := led.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
