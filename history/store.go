// Package history keeps the per-epoch phase summaries of training runs in a
// SQLite database so finished and running runs can be compared and plotted.
package history

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-unet/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS summaries(
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run           TEXT    NOT NULL,
	phase         TEXT    NOT NULL,
	epoch         INTEGER NOT NULL,
	batches       INTEGER NOT NULL,
	images        INTEGER NOT NULL,
	loss          REAL    NOT NULL,
	loss_std      REAL    NOT NULL,
	precision     REAL    NOT NULL,
	recall        REAL    NOT NULL,
	f1            REAL    NOT NULL,
	learning_rate REAL    NOT NULL,
	started_at    TEXT    NOT NULL,
	finished_at   TEXT    NOT NULL,
	UNIQUE(run, phase, epoch)
);
CREATE INDEX IF NOT EXISTS summaries_run ON summaries(run);`

// ErrUnknownRun is returned when a run has no recorded summaries.
var ErrUnknownRun = errors.New("unknown run")

// Run describes one training run in the store.
type Run struct {
	Name      string    `json:"name"`
	Epochs    int       `json:"epochs"`
	LastEpoch int       `json:"last_epoch"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a SQLite backed training.Recorder.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSummary stores s, replacing an earlier summary of the same run,
// phase and epoch (a resumed run repeats its last epoch).
func (s *Store) RecordSummary(sum training.Summary) error {
	if sum.Run == "" {
		return fmt.Errorf("summary has no run name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO summaries(
		run, phase, epoch, batches, images, loss, loss_std, precision, recall, f1,
		learning_rate, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sum.Run, string(sum.Phase), sum.Epoch, sum.Batches, sum.Images,
		sum.Loss, sum.LossStdDev, sum.Precision, sum.Recall, sum.F1, sum.LearningRate,
		formatTime(sum.StartedAt), formatTime(sum.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record %s summary for epoch %d: %w", sum.Phase, sum.Epoch, err)
	}
	return nil
}

// Runs lists every run, oldest first.
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT run, COUNT(DISTINCT epoch), MAX(epoch), MIN(started_at), MAX(finished_at)
		FROM summaries GROUP BY run ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.Name, &r.Epochs, &r.LastEpoch, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to read run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.UpdatedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Summaries returns the summaries of run ordered by epoch, train before
// valid.
func (s *Store) Summaries(run string) ([]training.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT phase, epoch, batches, images, loss, loss_std, precision,
		recall, f1, learning_rate, started_at, finished_at
		FROM summaries WHERE run = ? ORDER BY epoch, phase`, run)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", run, err)
	}
	defer rows.Close()

	var out []training.Summary
	for rows.Next() {
		var (
			sum               training.Summary
			phase             string
			started, finished string
		)
		if err := rows.Scan(&phase, &sum.Epoch, &sum.Batches, &sum.Images, &sum.Loss, &sum.LossStdDev,
			&sum.Precision, &sum.Recall, &sum.F1, &sum.LearningRate, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to read summary: %w", err)
		}
		sum.Run = run
		sum.Phase = training.Phase(phase)
		sum.StartedAt = parseTime(started)
		sum.FinishedAt = parseTime(finished)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	return out, nil
}

// DeleteRun removes every summary of run.
func (s *Store) DeleteRun(run string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM summaries WHERE run = ?", run)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", run, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	return nil
}

// ImportLog records the [END] lines of a trainer log file under run and
// returns how many summaries were stored. Progress lines are skipped.
func (s *Store) ImportLog(run, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		line, err := training.ParseLogLine(text)
		if err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if !line.End {
			continue
		}
		err = s.RecordSummary(training.Summary{
			Run:        run,
			Phase:      line.Phase,
			Epoch:      line.Epoch,
			Loss:       line.Loss,
			Precision:  line.Precision,
			Recall:     line.Recall,
			F1:         line.F1,
			StartedAt:  line.Time,
			FinishedAt: line.Time,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, scanner.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
