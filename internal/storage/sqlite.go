package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; settles from many workers serialize here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
			log.Debug("sqlite busy_timeout pragma failed", logx.Err(err))
		}
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context, handle string) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE handle = ?`, handle)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) Save(ctx context.Context, rec Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if strings.TrimSpace(rec.Handle) == "" {
		return errors.New("record handle is empty")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	cmd, err := json.Marshal(rec.Command)
	if err != nil {
		return err
	}

	var exitCode, durNS, attempts any
	var finishedAt, errText any
	if r := rec.Result; r != nil {
		exitCode = r.ExitCode
		durNS = int64(r.Duration)
		attempts = r.Attempts
		if !r.FinishedAt.IsZero() {
			finishedAt = r.FinishedAt.UTC().Format(time.RFC3339Nano)
		}
		errText = nullStr(r.Error)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO progress(handle, command, retries_remaining, capture_stdout, capture_stderr,
		   exit_code, duration_ns, finished_at, attempts, error, saved_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(handle) DO UPDATE SET
		   command=excluded.command,
		   retries_remaining=excluded.retries_remaining,
		   capture_stdout=excluded.capture_stdout,
		   capture_stderr=excluded.capture_stderr,
		   exit_code=excluded.exit_code,
		   duration_ns=excluded.duration_ns,
		   finished_at=excluded.finished_at,
		   attempts=excluded.attempts,
		   error=excluded.error,
		   saved_at=excluded.saved_at`,
		rec.Handle, string(cmd), rec.RetriesRemaining, rec.CaptureStdout, rec.CaptureStderr,
		exitCode, durNS, finishedAt, attempts, errText, rec.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT handle, command, retries_remaining, capture_stdout, capture_stderr,
  exit_code, duration_ns, finished_at, attempts, error, saved_at FROM progress`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec        Record
		cmd        string
		exitCode   sql.NullInt64
		durNS      sql.NullInt64
		finishedAt sql.NullString
		attempts   sql.NullInt64
		errText    sql.NullString
		savedAt    string
	)
	if err := sc.Scan(&rec.Handle, &cmd, &rec.RetriesRemaining, &rec.CaptureStdout, &rec.CaptureStderr,
		&exitCode, &durNS, &finishedAt, &attempts, &errText, &savedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(cmd), &rec.Command); err != nil {
		return Record{}, fmt.Errorf("decode command for %q: %w", rec.Handle, err)
	}
	rec.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	if exitCode.Valid {
		r := &task.Result{
			ExitCode: int(exitCode.Int64),
			Duration: time.Duration(durNS.Int64),
			Attempts: int(attempts.Int64),
			Error:    errText.String,
		}
		if finishedAt.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
		}
		rec.Result = r
	}
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
