package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// SQLite is a Store backed by a single SQLite database in WAL mode.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and verifies its
// integrity. A database that fails the check is not usable and is reported as
// core.ErrCheckpointCorrupt.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint db %s: %w", path, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.verify(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) verify(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check: %w", core.ErrCheckpointCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", core.ErrCheckpointCorrupt, result)
	}
	return nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		source_id TEXT PRIMARY KEY,
		byte_offset INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		file_index INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init checkpoint schema: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, id string) (core.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_id, byte_offset, seq, file_index, updated_at FROM checkpoints WHERE source_id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *SQLite) Save(ctx context.Context, cp core.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source_id, byte_offset, seq, file_index, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			seq = excluded.seq,
			file_index = excluded.file_index,
			updated_at = excluded.updated_at
		WHERE excluded.seq >= checkpoints.seq`,
		cp.SourceID, cp.Offset, int64(cp.Seq), cp.FileIndex, cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s seq %d", core.ErrStaleCheckpoint, cp.SourceID, cp.Seq)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]core.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, byte_offset, seq, file_index, updated_at FROM checkpoints ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if errors.Is(err, core.ErrCheckpointCorrupt) {
			// Listing is diagnostic; corrupt rows are surfaced on Load.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (core.Checkpoint, error) {
	var (
		cp      core.Checkpoint
		seq     int64
		updated int64
	)
	if err := sc.Scan(&cp.SourceID, &cp.Offset, &seq, &cp.FileIndex, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cp, err
		}
		return cp, fmt.Errorf("%w: %w", core.ErrCheckpointCorrupt, err)
	}
	if seq < 0 {
		return cp, fmt.Errorf("%w: %s has negative seq", core.ErrCheckpointCorrupt, cp.SourceID)
	}
	cp.Seq = uint64(seq)
	cp.UpdatedAt = time.Unix(0, updated)
	if err := validate(cp); err != nil {
		return cp, err
	}
	return cp, nil
}
