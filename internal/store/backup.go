package store

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Backup writes a compressed snapshot of the sqlite database into dir and
// returns the created path. Filenames follow
// backup-{ISO8601-with-hyphens}.db.gz. Postgres deployments are expected to
// use their own backup tooling.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if s.dialect != EngineSQLite {
		return "", fmt.Errorf("backup is only supported for the sqlite engine")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	target := filepath.Join(dir, fmt.Sprintf("backup-%s.db.gz", stamp))
	tmp := target + ".tmp"

	// VACUUM INTO produces a consistent copy without locking out writers.
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	defer os.Remove(tmp)

	if err := gzipFile(tmp, target); err != nil {
		return "", err
	}

	s.log.Info().Str("path", target).Msg("Backup written")
	return target, nil
}

// RestoreBackup verifies a backup and swaps it in at dbPath. Verification
// checks gzip integrity and that the extracted file is a database containing
// every required table; only then is the live file replaced. The store must
// be closed first.
func RestoreBackup(backupPath, dbPath string) error {
	tmp := dbPath + ".restore"
	if err := gunzipFile(backupPath, tmp); err != nil {
		return fmt.Errorf("backup is not a valid gzip archive: %w", err)
	}
	defer os.Remove(tmp)

	if err := verifyDatabase(tmp); err != nil {
		return fmt.Errorf("backup failed verification: %w", err)
	}

	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, dbPath+".pre-restore"); err != nil {
			return fmt.Errorf("set aside current database: %w", err)
		}
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		return fmt.Errorf("swap in restored database: %w", err)
	}
	return nil
}

// verifyDatabase opens the candidate file and checks the required tables.
func verifyDatabase(path string) error {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var names []string
	if err := db.Select(&names, `SELECT name FROM sqlite_master WHERE type = 'table'`); err != nil {
		return fmt.Errorf("not a readable database: %w", err)
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	var missing []string
	for _, required := range requiredTables {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return gz.Close()
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create restore file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, gz); err != nil {
		return err
	}
	return out.Close()
}
