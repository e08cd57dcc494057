package sqlstore

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// LocksTable 給 lock.NewRowLockSemaphore 使用的表名
const LocksTable = "locks"

// dsn builds a go-sqlite3 DSN. Pragmas go in the DSN so that every pooled
// connection gets them: WAL for concurrent reads during writes, foreign
// keys, a 5s busy timeout, and case-sensitive LIKE to agree with
// GroupMatcher.Matches.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_cslike=true"
}

// OpenDB 開啟 SQLite 資料庫並套用 migration
func OpenDB(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Debugw("opening database", "path", path)

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "open database"), jobstore.ErrCriticalPersistence)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Mark(errors.Wrapf(err, "ping database %s", path), jobstore.ErrCriticalPersistence)
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Mark(err, jobstore.ErrCriticalPersistence)
	}

	logger.Infow("database opened", "path", path, "wal_mode", true, "foreign_keys", true)
	return db, nil
}

// Migrate runs all pending migrations.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// 000_create_schema_migrations.sql runs first
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// table doesn't exist yet, so this must be 000
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			logger.Debugw("skipping migration (already applied)", "migration", filename)
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}
		logger.Infow("applying migration", "migration", filename, "version", version)

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}
	return nil
}
