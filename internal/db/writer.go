package db

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/zulandar/convoyops/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Writer persists committed store rows in the background. It implements
// store.Persister: Save and Delete never block, and rows are written in
// the order they were enqueued.
type Writer struct {
	db  *gorm.DB
	log *slog.Logger

	mu     sync.Mutex
	queue  []writeOp
	wake   chan struct{}
	failed int
}

type writeOp struct {
	row    any
	delete bool
	flush  chan struct{}
}

// NewWriter creates a Writer. Call Run to start writing.
func NewWriter(db *gorm.DB, log *slog.Logger) *Writer {
	return &Writer{
		db:   db,
		log:  logging.OrDefault(log),
		wake: make(chan struct{}, 1),
	}
}

// Save enqueues an upsert of row.
func (w *Writer) Save(row any) { w.push(writeOp{row: row}) }

// Delete enqueues a delete of row by primary key.
func (w *Writer) Delete(row any) { w.push(writeOp{row: row, delete: true}) }

func (w *Writer) push(op writeOp) {
	w.mu.Lock()
	w.queue = append(w.queue, op)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run writes queued rows until ctx is cancelled, then drains what is
// left and returns.
func (w *Writer) Run(ctx context.Context) error {
	for {
		w.drain()
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case <-w.wake:
		}
	}
}

// Flush blocks until every row enqueued before the call is written. Run
// must be running.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.push(writeOp{flush: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("db: flush: %w", ctx.Err())
	}
}

// Failed returns the number of writes that returned an error.
func (w *Writer) Failed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Writer) drain() {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, op := range batch {
			w.apply(op)
		}
	}
}

func (w *Writer) apply(op writeOp) {
	if op.flush != nil {
		close(op.flush)
		return
	}
	ptr := pointerTo(op.row)
	var err error
	if op.delete {
		err = w.db.Delete(ptr).Error
	} else {
		err = w.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(ptr).Error
	}
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		w.log.Error("persist row failed", "type", fmt.Sprintf("%T", op.row), "delete", op.delete, "err", err)
	}
}

// pointerTo returns a pointer to a copy of row, as gorm requires.
func pointerTo(row any) any {
	v := reflect.ValueOf(row)
	if v.Kind() == reflect.Pointer {
		return row
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p.Interface()
}
