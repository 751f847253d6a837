package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/models"
)

// DBTX is the transactional session every repository call runs on. Callers own the
// transaction boundary; *sql.Tx satisfies it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var _ DBTX = (*sql.Tx)(nil)

type scanner interface {
	Scan(dest ...interface{}) error
}

// EventTimeLayout is the wire format of inbound event timestamps.
const EventTimeLayout = "20060102150405"

// ParseEventTime parses a YYYYMMDDHHMMSS timestamp as UTC. An empty value yields nil.
func ParseEventTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(EventTimeLayout, raw, time.UTC)
	if err != nil {
		return nil, &apperrors.ValidationError{Field: "timestamp", Value: raw, Reason: "expected YYYYMMDDHHMMSS"}
	}
	return &t, nil
}

func storageError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &apperrors.StorageError{Op: op, Code: string(pqErr.Code), Err: err}
	}
	return &apperrors.StorageError{Op: op, Err: err}
}

// IsUniqueViolation reports whether err stems from a unique constraint.
func IsUniqueViolation(err error) bool {
	var serr *apperrors.StorageError
	if errors.As(err, &serr) && serr.Code != "" {
		return pq.ErrorCode(serr.Code).Name() == "unique_violation"
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

func toProgress(value interface{}) (models.Progress, error) {
	var p models.Progress
	switch v := value.(type) {
	case models.Progress:
		p = v
	case int:
		p = models.Progress(v)
	case int64:
		p = models.Progress(v)
	case int32:
		p = models.Progress(v)
	default:
		return 0, &apperrors.ValidationError{Field: "progress", Value: fmt.Sprint(value), Reason: "must be an integer"}
	}
	if p < models.ProgressNotStarted || p > models.ProgressSuperseded {
		return 0, &apperrors.ValidationError{Field: "progress", Value: fmt.Sprint(value), Reason: "out of range"}
	}
	return p, nil
}

// columnValue unwraps typed domain values into driver values.
func columnValue(value interface{}) interface{} {
	switch v := value.(type) {
	case models.Progress:
		return int(v)
	case models.RecoverBy:
		return int(v)
	case *string:
		if v == nil {
			return nil
		}
		return *v
	default:
		return value
	}
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
