package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/tests/testutil"
)

// fakeFiles records which task ids had their files removed.
type fakeFiles struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeFiles) RemoveTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeFiles) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *fakeFiles) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	files := &fakeFiles{}
	return ledger.New(db, "sqlite", files, zap.NewNop()), files
}

func createTask(t *testing.T, led *ledger.Ledger, name string) *ledger.Task {
	t.Helper()
	task, err := led.Create(context.Background(), ledger.NewTask{
		Settings:          ledger.DefaultSettings(),
		InputRef:          "/data/tasks/x/input.pdf",
		OriginalFilename:  name,
		OriginalSizeBytes: 2048,
	})
	require.NoError(t, err)
	return task
}

func TestCreateAndGet(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	task := createTask(t, led, "report.pdf")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, ledger.StatusQueued, task.Status)
	assert.Equal(t, 0, task.Progress)

	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "report.pdf", got.OriginalFilename)
	assert.Equal(t, int64(2048), got.OriginalSizeBytes)
	assert.Equal(t, ledger.DefaultSettings(), got.Settings)
	assert.Nil(t, got.ProcessedSizeBytes)
	assert.Empty(t, got.OutputRef)
}

func TestCreateKeepsPreassignedID(t *testing.T) {
	led, _ := newTestLedger(t)

	task, err := led.Create(context.Background(), ledger.NewTask{
		ID:               "my-task-id",
		Settings:         ledger.DefaultSettings(),
		InputRef:         "/data/tasks/my-task-id/input.pdf",
		OriginalFilename: "a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "my-task-id", task.ID)
}

func TestCreateRejectsInvalidSettings(t *testing.T) {
	led, _ := newTestLedger(t)

	tests := []struct {
		name   string
		mutate func(*ledger.Settings)
	}{
		{"DPI below range", func(s *ledger.Settings) { s.DPI = 5 }},
		{"DPI above range", func(s *ledger.Settings) { s.DPI = 601 }},
		{"Unknown output", func(s *ledger.Settings) { s.Output = "tiff" }},
		{"Unknown format", func(s *ledger.Settings) { s.Format = "bmp" }},
		{"Quality zero", func(s *ledger.Settings) { s.Quality = 0 }},
		{"Quality above range", func(s *ledger.Settings) { s.Quality = 101 }},
		{"Unknown optimization", func(s *ledger.Settings) { s.Optimization = "extreme" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := ledger.DefaultSettings()
			tt.mutate(&settings)
			_, err := led.Create(context.Background(), ledger.NewTask{
				Settings:         settings,
				OriginalFilename: "a.pdf",
			})
			assert.ErrorIs(t, err, ledger.ErrInvalidSettings)
		})
	}
}

func TestGetMissing(t *testing.T) {
	led, _ := newTestLedger(t)
	_, err := led.Get(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestUpdateProgressClamp(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	p := 40
	require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Progress: &p}))

	// a late, lower tick must not move progress backwards
	p = 25
	require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Progress: &p}))

	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
}

func TestUpdateTerminalConflict(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	for _, status := range []ledger.Status{
		ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			task := createTask(t, led, "a.pdf")
			s := status
			require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Status: &s}))

			p := 50
			err := led.Update(ctx, task.ID, ledger.Fields{Progress: &p})
			assert.ErrorIs(t, err, ledger.ErrConflict)
		})
	}
}

func TestRequestCancelQueued(t *testing.T) {
	led, files := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	require.NoError(t, led.RequestCancel(ctx, task.ID))

	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)
	assert.Contains(t, files.removedIDs(), task.ID)
}

func TestRequestCancelProcessing(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	claimed, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)

	require.NoError(t, led.RequestCancel(ctx, task.ID))
	got, err := led.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelling, got.Status)

	// a second request is a no-op, not an error
	require.NoError(t, led.RequestCancel(ctx, task.ID))
}

func TestRequestCancelTerminal(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	s := ledger.StatusCompleted
	require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Status: &s}))

	err := led.RequestCancel(ctx, task.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestClaimOldestQueuedIsFIFO(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	first := createTask(t, led, "first.pdf")
	time.Sleep(2 * time.Millisecond)
	second := createTask(t, led, "second.pdf")

	claimed, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, ledger.StatusProcessing, claimed.Status)

	// the second claim must skip the now-processing task
	claimed2, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	claimed3, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestClaimLosesToCancel(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	require.NoError(t, led.RequestCancel(ctx, task.ID))

	claimed, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestDeleteIsIdempotent(t *testing.T) {
	led, files := newTestLedger(t)
	ctx := context.Background()
	task := createTask(t, led, "a.pdf")

	require.NoError(t, led.Delete(ctx, task.ID))
	_, err := led.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Contains(t, files.removedIDs(), task.ID)

	// deleting again is not an error
	require.NoError(t, led.Delete(ctx, task.ID))
}

func TestListStaleBoundary(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	old := createTask(t, led, "old.pdf")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	fresh := createTask(t, led, "fresh.pdf")

	stale, err := led.ListStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	// an update moves the task past the cutoff
	msg := "still alive"
	require.NoError(t, led.Update(ctx, old.ID, ledger.Fields{Message: &msg}))
	stale, err = led.ListStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, stale)

	_ = fresh
}

func TestCountByStatus(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	createTask(t, led, "a.pdf")
	createTask(t, led, "b.pdf")
	task := createTask(t, led, "c.pdf")
	s := ledger.StatusFailed
	require.NoError(t, led.Update(ctx, task.ID, ledger.Fields{Status: &s}))

	counts, err := led.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ledger.StatusQueued])
	assert.Equal(t, 1, counts[ledger.StatusFailed])
	assert.Equal(t, 0, counts[ledger.StatusProcessing])
	assert.Len(t, counts, len(ledger.AllStatuses))
}

func TestRecoverOrphans(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	processing := createTask(t, led, "a.pdf")
	claimed, err := led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	p := 55
	require.NoError(t, led.Update(ctx, processing.ID, ledger.Fields{Progress: &p}))

	cancelling := createTask(t, led, "b.pdf")
	_, err = led.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, led.RequestCancel(ctx, cancelling.ID))

	done := createTask(t, led, "c.pdf")
	s := ledger.StatusCompleted
	require.NoError(t, led.Update(ctx, done.ID, ledger.Fields{Status: &s}))

	n, err := led.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := led.Get(ctx, processing.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)

	got, err = led.Get(ctx, cancelling.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)

	got, err = led.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
}
