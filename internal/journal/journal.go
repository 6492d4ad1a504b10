// Package journal persists every tunnel transition to SQLite so an
// operator can reconstruct when and why the daemon flipped state.
// Writes are buffered and flushed on a ticker to keep IOPS down on
// flash-backed hosts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/roamd/internal/clock"
	"grimm.is/roamd/internal/events"
	"grimm.is/roamd/internal/logging"
	"grimm.is/roamd/internal/metrics"
)

// DefaultFlushInterval is how often buffered entries hit the disk.
const DefaultFlushInterval = 5 * time.Second

// Entry is one recorded transition.
type Entry struct {
	ID        int64
	Timestamp time.Time
	RunID     string
	Signal    string
}

// Journal buffers transitions and flushes them to SQLite. All entries
// from one daemon run share a run id, so restarts are visible in the
// history.
type Journal struct {
	db     *sql.DB
	logger *logging.Logger
	clk    clock.Clock
	runID  string

	buffer   []Entry
	bufferMu sync.Mutex

	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New opens (or creates) the journal database at path.
func New(path string, logger *logging.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j, err := NewWithDB(db, logger, &clock.RealClock{}, DefaultFlushInterval)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// NewWithDB is like New but with an injected database handle and clock,
// used by tests.
func NewWithDB(db *sql.DB, logger *logging.Logger, clk clock.Clock, flushInterval time.Duration) (*Journal, error) {
	// One connection avoids SQLITE_BUSY between the flush loop and
	// readers, and keeps in-memory databases coherent.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		db:            db,
		logger:        logger.WithComponent("journal"),
		clk:           clk,
		runID:         uuid.NewString(),
		buffer:        make([]Entry, 0, 64),
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	if err := j.initSchema(); err != nil {
		cancel()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			signal TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_ts ON transitions(timestamp);
	`)
	return err
}

// RunID identifies this daemon run in the journal.
func (j *Journal) RunID() string {
	return j.runID
}

// Start launches the subscriber and flush loops.
func (j *Journal) Start(ch <-chan events.Signal) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-j.ctx.Done():
				// Drain what was already queued so the final
				// disable and quit of a shutdown are recorded.
				for {
					select {
					case sig := <-ch:
						j.Record(sig)
					default:
						return
					}
				}
			case sig, ok := <-ch:
				if !ok {
					return
				}
				j.Record(sig)
			}
		}
	}()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-j.ctx.Done():
				j.Flush()
				return
			case <-ticker.C:
				j.Flush()
			}
		}
	}()
}

// Stop drains the loops, writes any buffered entries and closes the
// database.
func (j *Journal) Stop() error {
	j.cancel()
	j.wg.Wait()
	j.Flush()
	return j.db.Close()
}

// Record buffers one transition. Safe to call from any goroutine.
func (j *Journal) Record(sig events.Signal) {
	switch sig {
	case events.SignalEnable, events.SignalDisable, events.SignalQuit:
	default:
		return
	}

	j.bufferMu.Lock()
	j.buffer = append(j.buffer, Entry{
		Timestamp: j.clk.Now(),
		RunID:     j.runID,
		Signal:    sig.String(),
	})
	j.bufferMu.Unlock()
}

// Flush writes buffered entries in one transaction.
func (j *Journal) Flush() {
	j.bufferMu.Lock()
	if len(j.buffer) == 0 {
		j.bufferMu.Unlock()
		return
	}
	toFlush := j.buffer
	j.buffer = make([]Entry, 0, 64)
	j.bufferMu.Unlock()

	err := j.write(toFlush)
	metrics.Get().RecordJournalWrite(err)
	if err != nil {
		j.logger.Error("journal flush failed", "entries", len(toFlush), "error", err)
	}
}

func (j *Journal) write(entries []Entry) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO transitions (timestamp, run_id, signal) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Timestamp.Unix(), e.RunID, e.Signal); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the latest n transitions, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, timestamp, run_id, signal
		FROM transitions
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.RunID, &e.Signal); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of recorded transitions.
func (j *Journal) Count() (int64, error) {
	var count int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM transitions`).Scan(&count)
	return count, err
}
