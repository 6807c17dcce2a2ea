package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FileStore removes the backing files of a task. Implementations must be
// idempotent: removing files for an unknown id is not an error.
type FileStore interface {
	RemoveTask(id string) error
}

// Ledger is the durable task store. All writes go through a per-task
// in-process lock so the dispatcher's progress ticks and a concurrent
// cancellation request cannot lose updates.
type Ledger struct {
	db     *sql.DB
	driver string
	files  FileStore
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, driver string, files FileStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		driver: driver,
		files:  files,
		logger: logger.With(zap.String("component", "ledger")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing writes for one task id.
func (l *Ledger) lock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

func (l *Ledger) dropLock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
}

// rebind converts ?-placeholders to the $N form lib/pq expects. Queries
// are written once for both drivers.
func (l *Ledger) rebind(query string) string {
	if l.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const taskColumns = `id, status, progress, message, settings, original_filename,
	input_ref, output_ref, original_size_bytes, processed_size_bytes,
	error_detail, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t            Task
		settingsJSON string
		outputRef    sql.NullString
		processed    sql.NullInt64
		errorDetail  sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&t.ID, &t.Status, &t.Progress, &t.Message, &settingsJSON,
		&t.OriginalFilename, &t.InputRef, &outputRef, &t.OriginalSizeBytes,
		&processed, &errorDetail, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	t.OutputRef = outputRef.String
	if processed.Valid {
		v := processed.Int64
		t.ProcessedSizeBytes = &v
	}
	t.ErrorDetail = errorDetail.String
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}

// Create inserts a new queued task. Settings are validated here, once;
// invalid settings mean the task never enters the ledger. The id may be
// pre-assigned by the upload handler (which derives the input path from
// it); when empty a fresh one is generated.
func (l *Ledger) Create(ctx context.Context, nt NewTask) (*Task, error) {
	if err := nt.Settings.Validate(); err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(nt.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	t := &Task{
		ID:                id,
		Status:            StatusQueued,
		Progress:          0,
		Message:           "File received. Waiting in the processing queue.",
		Settings:          nt.Settings,
		OriginalFilename:  nt.OriginalFilename,
		InputRef:          nt.InputRef,
		OriginalSizeBytes: nt.OriginalSizeBytes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO tasks (id, status, progress, message, settings, original_filename,
			input_ref, output_ref, original_size_bytes, processed_size_bytes,
			error_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL, ?, ?)
	`), t.ID, t.Status, t.Progress, t.Message, string(settingsJSON),
		t.OriginalFilename, t.InputRef, t.OriginalSizeBytes,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	l.logger.Info("Task created",
		zap.String("task_id", t.ID),
		zap.String("filename", t.OriginalFilename),
		zap.Int64("original_size_bytes", t.OriginalSizeBytes))
	return t, nil
}

// Get returns one task or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Task, error) {
	row := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns all tasks, newest first.
func (l *Ledger) List(ctx context.Context) ([]*Task, error) {
	return l.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListStale returns every task whose updated_at precedes the cutoff,
// regardless of status. Used by the retention sweeper.
func (l *Ledger) ListStale(ctx context.Context, olderThan time.Time) ([]*Task, error) {
	return l.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE updated_at < ? ORDER BY updated_at ASC`,
		olderThan.UTC().UnixNano())
}

func (l *Ledger) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update applies a partial update atomically. It fails with ErrConflict
// if the task is already terminal and ErrNotFound if it was deleted.
// Progress writes are clamped non-decreasing while processing.
func (l *Ledger) Update(ctx context.Context, id string, f Fields) error {
	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return ErrConflict
	}

	if f.Status != nil {
		cur.Status = *f.Status
	}
	if f.Progress != nil {
		// progress is monotonically non-decreasing while processing
		if *f.Progress > cur.Progress {
			cur.Progress = *f.Progress
		}
	}
	if f.Message != nil {
		cur.Message = *f.Message
	}
	if f.OutputRef != nil {
		cur.OutputRef = *f.OutputRef
	}
	if f.ProcessedSizeBytes != nil {
		cur.ProcessedSizeBytes = f.ProcessedSizeBytes
	}
	if f.ErrorDetail != nil {
		cur.ErrorDetail = *f.ErrorDetail
	}

	return l.write(ctx, cur)
}

func (l *Ledger) write(ctx context.Context, t *Task) error {
	var outputRef, errorDetail any
	if t.OutputRef != "" {
		outputRef = t.OutputRef
	}
	if t.ErrorDetail != "" {
		errorDetail = t.ErrorDetail
	}
	var processed any
	if t.ProcessedSizeBytes != nil {
		processed = *t.ProcessedSizeBytes
	}

	_, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE tasks
		SET status = ?, progress = ?, message = ?, output_ref = ?,
			processed_size_bytes = ?, error_detail = ?, updated_at = ?
		WHERE id = ?
	`), t.Status, t.Progress, t.Message, outputRef, processed, errorDetail,
		time.Now().UTC().UnixNano(), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// RequestCancel flips a processing task to cancelling; the dispatcher
// notices at the next page boundary. A still-queued task never started,
// so it goes straight to terminal cancelled and its input file is
// removed. Terminal tasks report ErrInvalidState.
func (l *Ledger) RequestCancel(ctx context.Context, id string) error {
	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	switch cur.Status {
	case StatusQueued:
		cur.Status = StatusCancelled
		cur.Message = "Cancelled before processing started."
		if err := l.write(ctx, cur); err != nil {
			return err
		}
		if err := l.files.RemoveTask(id); err != nil {
			l.logger.Warn("Error removing files of cancelled task",
				zap.String("task_id", id), zap.Error(err))
		}
		return nil
	case StatusProcessing:
		cur.Status = StatusCancelling
		cur.Message = "Cancellation requested, finishing current page..."
		return l.write(ctx, cur)
	case StatusCancelling:
		// already requested
		return nil
	default:
		return ErrInvalidState
	}
}

// Delete removes the ledger row and requests deletion of backing files.
// Both are idempotent: a missing row or file is not an error.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	var errs error
	if _, err := l.db.ExecContext(ctx,
		l.rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete row: %w", err))
	}
	if err := l.files.RemoveTask(id); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete files: %w", err))
	}
	if errs == nil {
		l.dropLock(id)
	}
	return errs
}

// ClaimOldestQueued atomically moves the oldest queued task to
// processing and returns it. Returns (nil, nil) when the queue is empty
// or a concurrent cancellation won the race.
func (l *Ledger) ClaimOldestQueued(ctx context.Context) (*Task, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(`
		SELECT id FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`), StatusQueued)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("select queued task: %w", err)
	}

	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	// compare-and-set so a cancel that arrived in between wins
	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE tasks SET status = ?, message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), StatusProcessing, "Preparing: Opening your PDF...",
		time.Now().UTC().UnixNano(), id, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return l.Get(ctx, id)
}

// CountByStatus returns how many tasks sit in each status. Statuses with
// no tasks are present with a zero count.
func (l *Ledger) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// RecoverOrphans resets tasks interrupted by a crash: processing rows go
// back to queued for a fresh run, cancelling rows finish as cancelled.
// Called once at startup, before the dispatcher starts.
func (l *Ledger) RecoverOrphans(ctx context.Context) (int64, error) {
	now := time.Now().UTC().UnixNano()

	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE tasks
		SET status = ?, progress = 0, message = ?, updated_at = ?
		WHERE status = ?
	`), StatusQueued, "Re-queued after restart.", now, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover processing tasks: %w", err)
	}
	requeued, _ := res.RowsAffected()

	res, err = l.db.ExecContext(ctx, l.rebind(`
		UPDATE tasks SET status = ?, message = ?, updated_at = ?
		WHERE status = ?
	`), StatusCancelled, "Cancelled (interrupted by restart).", now, StatusCancelling)
	if err != nil {
		return requeued, fmt.Errorf("recover cancelling tasks: %w", err)
	}
	cancelled, _ := res.RowsAffected()

	if requeued+cancelled > 0 {
		l.logger.Info("Recovered orphaned tasks",
			zap.Int64("requeued", requeued),
			zap.Int64("cancelled", cancelled))
	}
	return requeued + cancelled, nil
}
