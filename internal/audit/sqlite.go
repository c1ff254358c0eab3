package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const (
	DefaultBufferSize    = 1024
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultFlushBatch    = 128

	drainTimeout = 2 * time.Second
	flushTimeout = 5 * time.Second
)

// Config bounds the async writer. Zero fields take the defaults.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
}

// SQLiteWriter writes decision events to a local SQLite database
// asynchronously. Write() is non-blocking; events are buffered and
// batch-inserted in a background goroutine.
type SQLiteWriter struct {
	db      *sql.DB
	cfg     Config
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewSQLiteWriter opens (or creates) the database at dbPath, creating
// the parent directory as needed, and starts the background flush loop.
func NewSQLiteWriter(dbPath string, cfg Config, logger *zap.Logger) (*SQLiteWriter, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultFlushBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("NewSQLiteWriter: create data dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteWriter: open database: %w", err)
	}

	// Single connection for WAL mode simplicity.
	db.SetMaxOpenConns(1)

	w := &SQLiteWriter{
		db:      db,
		cfg:     cfg,
		buffer:  make(chan *DecisionEvent, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewSQLiteWriter: migrate: %w", err)
	}

	go w.flushLoop()
	return w, nil
}

func (w *SQLiteWriter) migrate() error {
	_, err := w.db.Exec(`CREATE TABLE IF NOT EXISTS decision_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts         TEXT NOT NULL,
		category   TEXT NOT NULL,
		action     TEXT NOT NULL,
		decision   TEXT NOT NULL,
		reason     TEXT NOT NULL,
		detail     TEXT NOT NULL,
		latency_ms REAL NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = w.db.Exec(`CREATE INDEX IF NOT EXISTS idx_decision_events_ts
		ON decision_events(ts)`)
	return err
}

// Write queues a decision event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *SQLiteWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("audit buffer full, dropping event",
			zap.String("category", event.Category),
			zap.String("decision", event.Decision),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it
// to finish (up to the drain timeout), and closes the database. Safe to
// call once.
func (w *SQLiteWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.db.Close(); err != nil {
		w.logger.Warn("audit database close failed", zap.Error(err))
	}
}

func (w *SQLiteWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, w.cfg.FlushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.cfg.FlushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *SQLiteWriter) flush(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.logger.Error("audit begin transaction failed", zap.Error(err))
		return
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO decision_events
		(session_id, ts, category, action, decision, reason, detail, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.logger.Error("audit prepare insert failed", zap.Error(err))
		_ = tx.Rollback()
		return
	}
	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			e.SessionID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Category,
			TruncateAction(e.Action, ActionPreviewLength),
			e.Decision,
			e.Reason,
			e.Detail,
			e.LatencyMs,
		)
		if err != nil {
			w.logger.Error("audit append event failed",
				zap.String("category", e.Category),
				zap.Error(err),
			)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		w.logger.Error("audit batch commit failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// Recent returns up to limit decision events, newest first.
func (w *SQLiteWriter) Recent(ctx context.Context, limit int) ([]DecisionEvent, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT
			session_id, ts, category, action, decision, reason, detail, latency_ms
		FROM decision_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("Recent: %w", err)
	}
	defer rows.Close()

	var out []DecisionEvent
	for rows.Next() {
		var e DecisionEvent
		var ts string
		if err := rows.Scan(&e.SessionID, &ts, &e.Category, &e.Action,
			&e.Decision, &e.Reason, &e.Detail, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("Recent: %w", err)
		}
		when, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("Recent: parse timestamp %q: %w", ts, err)
		}
		e.Timestamp = when
		out = append(out, e)
	}
	return out, rows.Err()
}
