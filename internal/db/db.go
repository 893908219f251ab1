package db

import (
	"fmt"
	"net/url"
	"strings"

	"dscrape/internal/archive"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the archive for writing. dsn is either a postgres URL /
// keyword string or a sqlite file path.
func Connect(dsn string) (*gorm.DB, error) {
	return open(dsn, false)
}

// ConnectReadOnly opens the archive so that every statement on it is
// rejected by the engine if it tries to write.
func ConnectReadOnly(dsn string) (*gorm.DB, error) {
	return open(dsn, true)
}

func open(dsn string, readOnly bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if IsPostgres(dsn) {
		if readOnly {
			dsn = postgresReadOnly(dsn)
		}
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(sqliteDSN(dsn, readOnly))
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", redact(dsn), err)
	}
	return gdb, nil
}

func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

func sqliteDSN(path string, readOnly bool) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_foreign_keys", "1")
		q.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + q.Encode()
}

func postgresReadOnly(dsn string) string {
	const param = "default_transaction_read_only"
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		q := u.Query()
		q.Set(param, "on")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " " + param + "=on"
}

func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsn
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&archive.User{},
		&archive.Channel{},
		&archive.Message{},
		&archive.Mention{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_mentions_to on mentions(to_user_id);`,
		`create index if not exists idx_users_tag on users(username, discriminator);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
