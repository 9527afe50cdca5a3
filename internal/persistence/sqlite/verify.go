package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Mode selects how thorough VerifyIntegrity is.
type Mode string

const (
	// ModeQuick runs PRAGMA quick_check: page structure only, O(N).
	ModeQuick Mode = "quick"
	// ModeFull runs PRAGMA integrity_check and PRAGMA foreign_key_check.
	ModeFull Mode = "full"
)

// ParseMode accepts "quick" or "full", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeQuick, ModeFull:
		return m, nil
	default:
		return "", fmt.Errorf("invalid verify mode %q: use quick or full", s)
	}
}

// VerifyIntegrity opens path read-only and returns the diagnostic rows when
// corruption is found, or nil when the database is healthy.
func VerifyIntegrity(ctx context.Context, path string, mode Mode) ([]string, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database for verification: %w", err)
	}
	defer db.Close()

	pragma := "PRAGMA quick_check;"
	if mode == ModeFull {
		pragma = "PRAGMA integrity_check;"
	}
	issues, err := integrityRows(ctx, db, pragma)
	if err != nil {
		return nil, err
	}
	if mode == ModeFull && issues == nil {
		issues, err = foreignKeyViolations(ctx, db)
		if err != nil {
			return nil, err
		}
	}
	return issues, nil
}

func integrityRows(ctx context.Context, db *sql.DB, pragma string) ([]string, error) {
	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("integrity pragma: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("scan integrity row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integrity rows: %w", err)
	}

	// healthy is exactly one "ok" row
	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}

func foreignKeyViolations(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check;")
	if err != nil {
		return nil, fmt.Errorf("foreign key pragma: %w", err)
	}
	defer rows.Close()

	var issues []string
	for rows.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int64
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		issues = append(issues, fmt.Sprintf("foreign key violation: %s rowid %d references missing %s", table, rowid.Int64, parent))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("foreign key rows: %w", err)
	}
	return issues, nil
}
