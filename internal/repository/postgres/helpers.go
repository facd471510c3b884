package postgres

import (
	"strings"

	"github.com/jmoiron/sqlx"
)

// prefixed qualifies every column of a comma separated list with prefix
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// sqlxIn expands slice arguments of an IN (?) query
func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	return sqlx.In(query, args...)
}
