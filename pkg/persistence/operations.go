package persistence

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DatabaseOperations provides the orchestrator's queries and conditional updates.
// It is safe for concurrent use; the underlying *sql.DB serializes writers.
type DatabaseOperations struct {
	db  *sql.DB
	now func() time.Time
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db, now: time.Now}
}

// DB exposes the handle so other stores can share the connection.
func (ops *DatabaseOperations) DB() *sql.DB {
	return ops.db
}

func (ops *DatabaseOperations) timestamp() string {
	return formatTime(ops.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// sqlTime scans timestamps written by formatTime, or driver-parsed time values.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (st *sqlTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		st.Time, st.Valid = time.Time{}, false
		return nil
	case time.Time:
		st.Time, st.Valid = v.UTC(), true
		return nil
	case string:
		return st.parse(v)
	case []byte:
		return st.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", value)
	}
}

func (st *sqlTime) parse(s string) error {
	if s == "" {
		st.Time, st.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			st.Time, st.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func (st sqlTime) ptr() *time.Time {
	if !st.Valid {
		return nil
	}
	t := st.Time
	return &t
}

// jsonList stores a string slice as a JSON array column.
type jsonList []string

func (l jsonList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *jsonList) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported list value %T", value)
	}
	var out []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to decode list: %w", err)
		}
	}
	*l = out
	return nil
}

// normalizeList trims, drops empties, and dedupes case-insensitively.
func normalizeList(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func activeStatusArgs() []any {
	args := make([]any, len(ActiveRunStatuses))
	for i, s := range ActiveRunStatuses {
		args[i] = string(s)
	}
	return args
}

// rowsAffected returns whether exactly the conditional update matched.
func rowsAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
