package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/use-agent/harvester/models"
)

// IsDuplicateKeyErr reports a unique-constraint violation on any supported driver.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	// PostgreSQL 23505
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// SQLite 2067
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// IsUnavailableErr reports a refused, lost or closed database connection.
func IsUnavailableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// Unavailable returns err as a STORE_UNAVAILABLE error when the database
// could not be reached, and unchanged otherwise.
func Unavailable(err error) error {
	var se *models.ScrapeError
	if !IsUnavailableErr(err) || errors.As(err, &se) {
		return err
	}
	return models.NewScrapeError(models.ErrCodeStoreUnavailable, "job store unavailable, try again later", err)
}
