package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres reports a row that routes to a missing partition as a check
// violation (23514) with a recognizable message. Partitions are provisioned
// by an operator, never by the ingest path, so callers treat this as
// retryable rather than terminal.
func IsPartitionMissing(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23514" && strings.Contains(pgErr.Message, "no partition of relation")
}

// IsConstraintViolation reports integrity errors (unique, foreign key, not
// null, check) that no amount of retrying will fix. Missing partitions are
// excluded; they share the SQLSTATE class but are an operational gap.
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") && !IsPartitionMissing(err)
}

// IsTransient reports database errors worth retrying: dropped connections,
// serialization failures, deadlocks, resource exhaustion, and shutdown races.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Network-level failures surface as pgconn connect errors without
		// a SQLSTATE.
		var connErr *pgconn.ConnectError
		return errors.As(err, &connErr)
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
		return true
	case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
		return true
	case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
		return true
	case pgErr.Code == "57P03": // cannot_connect_now
		return true
	}
	return false
}
