package users

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// SQLSource reads the users table. Postgres placeholders are numbered;
// SQLite ones are not.
type SQLSource struct {
	db       *sql.DB
	numbered bool
}

func NewSQLSource(db *sql.DB, numberedPlaceholders bool) *SQLSource {
	return &SQLSource{db: db, numbered: numberedPlaceholders}
}

func (s *SQLSource) Lookup(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		if s.numbered {
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name FROM users WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record   Record
			username sql.NullString
		)
		if err := rows.Scan(&record.ID, &username, &record.DisplayName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if username.Valid {
			value := username.String
			record.Username = &value
		}
		out[record.ID] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}
