package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

const DefaultCommitInterval = 5 * time.Second

var ErrWriterClosed = errors.New("writer closed")

// Writer batches every statement into one open transaction that is committed
// by a background loop, trading a few seconds of durability for throughput.
// There is a single writer per process, so all statements, reads included,
// go through the open transaction.
type Writer struct {
	DB       *gorm.DB
	Interval time.Duration
	Log      *slog.Logger

	mu        sync.Mutex
	tx        *gorm.DB
	lastCount int64
	seq       int
	closed    bool

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWriter(db *gorm.DB, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = DefaultCommitInterval
	}
	return &Writer{DB: db, Interval: interval, Log: slog.Default()}
}

// Do runs fn inside the open batch. Each call is wrapped in a savepoint, so
// a failing call leaves nothing half-written behind and the batch stays
// committable.
func (w *Writer) Do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if err := w.beginLocked(ctx); err != nil {
		return err
	}

	w.seq++
	sp := fmt.Sprintf("sp%d", w.seq)
	if err := w.tx.SavePoint(sp).Error; err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(w.tx.WithContext(ctx)); err != nil {
		if rbErr := w.tx.RollbackTo(sp).Error; rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if err := w.tx.Exec("RELEASE SAVEPOINT " + sp).Error; err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Flush commits the open batch and returns the message total.
func (w *Writer) Flush(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Start launches the periodic commit loop. Later calls are no-ops.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mu.Lock()
		if err := w.countLocked(ctx, &w.lastCount); err != nil {
			w.Log.Warn("initial message count failed", "err", err)
		}
		w.mu.Unlock()

		loopCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		w.done = make(chan struct{})
		go w.run(loopCtx)
	})
}

// Close stops the commit loop and commits whatever is still pending.
func (w *Writer) Close(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	_, err := w.flushLocked(ctx)
	w.closed = true
	return err
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.Log.Error("periodic commit failed", "err", err)
			}
		}
	}
}

func (w *Writer) beginLocked(ctx context.Context) error {
	if w.tx != nil {
		return nil
	}
	tx := w.DB.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin batch: %w", tx.Error)
	}
	w.tx = tx
	w.seq = 0
	return nil
}

func (w *Writer) flushLocked(ctx context.Context) (int64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}

	var total int64
	if err := w.countLocked(ctx, &total); err != nil {
		return 0, err
	}
	if w.tx != nil {
		err := w.tx.Commit().Error
		w.tx = nil
		if err != nil {
			return 0, fmt.Errorf("commit batch: %w", err)
		}
	}

	w.Log.Info("committed", "new", total-w.lastCount, "total", total)
	w.lastCount = total
	return total, nil
}

func (w *Writer) countLocked(ctx context.Context, n *int64) error {
	conn := w.DB
	if w.tx != nil {
		conn = w.tx
	}
	if err := conn.WithContext(ctx).Model(&Message{}).Count(n).Error; err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	return nil
}
